package api

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/getsinto/sschoool-sub001/pkg/apiresponses"
	"github.com/getsinto/sschoool-sub001/pkg/mail"
	"github.com/getsinto/sschoool-sub001/pkg/system"
)

// MailQueue is what the email endpoints need from the mail service.
type MailQueue interface {
	mail.Producer
	Status() mail.QueueStatus
	GetJob(id string) (mail.Job, bool)
	ClearFailedJobs() int
}

type EmailController struct {
	queue       MailQueue
	log         *zap.SugaredLogger
	middlewares []gin.HandlerFunc
}

func NewEmailController(queue MailQueue, log *zap.SugaredLogger, middlewares ...gin.HandlerFunc) *EmailController {
	return &EmailController{queue: queue, log: log.Named("emails"), middlewares: middlewares}
}

func (ec *EmailController) BasePath() string { return "emails" }

func (ec *EmailController) Handlers() []gin.HandlerFunc { return ec.middlewares }

func (ec *EmailController) Register(rg *gin.RouterGroup) error {
	rg.POST("", ec.handleEnqueue)
	rg.POST("bulk", ec.handleEnqueueBulk)
	rg.POST("scheduled", ec.handleSchedule)
	rg.GET("status", ec.handleStatus)
	rg.GET(":id", ec.handleGetJob)
	rg.DELETE("failed", ec.handleClearFailed)
	return nil
}

type sendEmailRequest struct {
	To          string            `json:"to" binding:"required,email"`
	Subject     string            `json:"subject" binding:"required"`
	Template    string            `json:"template" binding:"required"`
	Data        map[string]any    `json:"data"`
	Attachments []mail.Attachment `json:"attachments"`
	Priority    *int              `json:"priority"`
}

type bulkEmailRequest struct {
	Recipients []string       `json:"recipients" binding:"required,min=1,dive,email"`
	Subject    string         `json:"subject" binding:"required"`
	Template   string         `json:"template" binding:"required"`
	Data       map[string]any `json:"data"`
	Priority   *int           `json:"priority"`
}

type scheduledEmailRequest struct {
	To          string            `json:"to" binding:"required,email"`
	Subject     string            `json:"subject" binding:"required"`
	Template    string            `json:"template" binding:"required"`
	Data        map[string]any    `json:"data"`
	Attachments []mail.Attachment `json:"attachments"`
	ScheduledAt time.Time         `json:"scheduledAt"`
}

type clearFailedResponse struct {
	Cleared int `json:"cleared"`
}

func priorityOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func (ec *EmailController) handleEnqueue(c *gin.Context) {
	var req sendEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "invalid email request", err.Error())
		return
	}
	kind, err := mail.ParseTemplateKind(req.Template)
	if err != nil {
		apiresponses.RespondBadRequest(c, err.Error())
		return
	}
	id, err := ec.queue.Enqueue(mail.SendRequest{
		To:          req.To,
		Subject:     req.Subject,
		Template:    kind,
		Data:        req.Data,
		Attachments: req.Attachments,
	}, priorityOr(req.Priority, mail.DefaultPriority))
	if err != nil {
		ec.respondQueueError(c, err)
		return
	}
	system.GetReqLogger(c, ec.log).Infow("Email queued", "id", id, "template", kind)
	apiresponses.RespondAccepted(c, id)
}

func (ec *EmailController) handleEnqueueBulk(c *gin.Context) {
	var req bulkEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "invalid bulk email request", err.Error())
		return
	}
	kind, err := mail.ParseTemplateKind(req.Template)
	if err != nil {
		apiresponses.RespondBadRequest(c, err.Error())
		return
	}
	id, err := ec.queue.EnqueueBulk(req.Recipients, req.Subject, kind, req.Data, priorityOr(req.Priority, mail.BulkPriority))
	if err != nil {
		ec.respondQueueError(c, err)
		return
	}
	system.GetReqLogger(c, ec.log).Infow("Bulk email queued", "id", id, "template", kind, "recipients", len(req.Recipients))
	apiresponses.RespondAccepted(c, id)
}

func (ec *EmailController) handleSchedule(c *gin.Context) {
	var req scheduledEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "invalid scheduled email request", err.Error())
		return
	}
	if req.ScheduledAt.IsZero() {
		apiresponses.RespondBadRequest(c, "scheduledAt is required")
		return
	}
	kind, err := mail.ParseTemplateKind(req.Template)
	if err != nil {
		apiresponses.RespondBadRequest(c, err.Error())
		return
	}
	id, err := ec.queue.ScheduleEmail(mail.SendRequest{
		To:          req.To,
		Subject:     req.Subject,
		Template:    kind,
		Data:        req.Data,
		Attachments: req.Attachments,
	}, req.ScheduledAt)
	if err != nil {
		ec.respondQueueError(c, err)
		return
	}
	system.GetReqLogger(c, ec.log).Infow("Email scheduled", "id", id, "template", kind, "scheduledAt", req.ScheduledAt)
	apiresponses.RespondAccepted(c, id)
}

func (ec *EmailController) handleStatus(c *gin.Context) {
	apiresponses.RespondOK(c, ec.queue.Status())
}

func (ec *EmailController) handleGetJob(c *gin.Context) {
	id := c.Param("id")
	job, ok := ec.queue.GetJob(id)
	if !ok {
		apiresponses.RespondNotFound(c, "email job", id)
		return
	}
	apiresponses.RespondOK(c, job)
}

func (ec *EmailController) handleClearFailed(c *gin.Context) {
	n := ec.queue.ClearFailedJobs()
	system.GetReqLogger(c, ec.log).Infow("Cleared failed email jobs", "count", n)
	apiresponses.RespondOK(c, clearFailedResponse{Cleared: n})
}

func (ec *EmailController) respondQueueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, mail.ErrNoRecipients):
		apiresponses.RespondBadRequest(c, err.Error())
	case errors.Is(err, mail.ErrQueueFull):
		apiresponses.RespondServiceUnavailable(c, "mail queue is full", 5)
	case errors.Is(err, mail.ErrQueueStopped), errors.Is(err, mail.ErrMailDisabled):
		apiresponses.RespondServiceUnavailable(c, "mail queue", 0)
	default:
		apiresponses.RespondInternalError(c, "queue email", err, system.GetReqLogger(c, ec.log))
	}
}
