// Package cron runs periodic background jobs such as the meeting attendance
// sync on standard five-field cron schedules.
package cron

import (
	"context"
	"fmt"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one periodic unit of work. ctx is cancelled when the runner stops.
type Job func(ctx context.Context) error

// Runner schedules Jobs. Overlapping runs of the same job are skipped and
// panics are recovered.
type Runner struct {
	cron   *rcron.Cron
	log    *zap.SugaredLogger
	ctx    context.Context
	cancel context.CancelFunc
}

func New(log *zap.SugaredLogger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	l := zapLogger{log: log}
	return &Runner{
		cron: rcron.New(
			rcron.WithLogger(l),
			rcron.WithChain(rcron.Recover(l), rcron.SkipIfStillRunning(l)),
		),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers job under name with a standard cron spec ("*/15 * * * *")
// or a descriptor such as "@hourly" or "@every 5m".
func (r *Runner) Add(name, spec string, job Job) error {
	_, err := r.cron.AddFunc(spec, func() {
		start := time.Now()
		r.log.Debugw("Running periodic job", "job", name)
		if err := job(r.ctx); err != nil {
			r.log.Errorw("Periodic job failed", "job", name, "duration", time.Since(start).String(), "error", err)
			return
		}
		r.log.Debugw("Periodic job finished", "job", name, "duration", time.Since(start).String())
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	r.log.Infow("Registered periodic job", "job", name, "schedule", spec)
	return nil
}

// Len returns the number of registered jobs.
func (r *Runner) Len() int {
	return len(r.cron.Entries())
}

func (r *Runner) Start() {
	r.cron.Start()
}

// Stop stops scheduling, cancels the context of running jobs and waits for
// them to return or for ctx to expire.
func (r *Runner) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	r.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		r.log.Warn("Periodic jobs did not finish before shutdown timeout")
		return ctx.Err()
	}
}

// zapLogger adapts a SugaredLogger to cron.Logger.
type zapLogger struct {
	log *zap.SugaredLogger
}

func (z zapLogger) Info(msg string, keysAndValues ...any) {
	z.log.Debugw(msg, keysAndValues...)
}

func (z zapLogger) Error(err error, msg string, keysAndValues ...any) {
	z.log.Errorw(msg, append([]any{"error", err}, keysAndValues...)...)
}
