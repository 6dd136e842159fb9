// SPDX-FileCopyrightText: 2026 sschool contributors
//
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/getsinto/sschoool-sub001/pkg/config"
	"github.com/getsinto/sschoool-sub001/pkg/mail"
	"github.com/getsinto/sschoool-sub001/pkg/meeting"
	"github.com/getsinto/sschoool-sub001/pkg/ratelimit"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

type enqueued struct {
	Req      mail.SendRequest
	Bulk     mail.BulkRequest
	Priority int
	At       time.Time
}

type fakeQueue struct {
	mu      sync.Mutex
	calls   []enqueued
	jobs    map[string]mail.Job
	err     error
	cleared int
	status  mail.QueueStatus
}

func (f *fakeQueue) record(e enqueued) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, e)
	return fmt.Sprintf("job-%d", len(f.calls)), nil
}

func (f *fakeQueue) Enqueue(req mail.SendRequest, priority int) (string, error) {
	return f.record(enqueued{Req: req, Priority: priority})
}

func (f *fakeQueue) EnqueueBulk(recipients []string, subject string, tmpl mail.TemplateKind, data map[string]any, priority int) (string, error) {
	return f.record(enqueued{Bulk: mail.BulkRequest{Recipients: recipients, Subject: subject, Template: tmpl, Data: data}, Priority: priority})
}

func (f *fakeQueue) ScheduleEmail(req mail.SendRequest, at time.Time) (string, error) {
	return f.record(enqueued{Req: req, Priority: mail.DefaultPriority, At: at})
}

func (f *fakeQueue) Status() mail.QueueStatus { return f.status }

func (f *fakeQueue) GetJob(id string) (mail.Job, bool) {
	j, ok := f.jobs[id]
	return j, ok
}

func (f *fakeQueue) ClearFailedJobs() int { return f.cleared }

func (f *fakeQueue) last(t *testing.T) enqueued {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

type fakeMeetings struct {
	created    []meeting.MeetingRequest
	meetings   map[string]meeting.Meeting
	attendance map[string]meeting.Attendance
	createErr  error
	deleteErr  error
}

func (f *fakeMeetings) Create(_ context.Context, req meeting.MeetingRequest) (meeting.Meeting, error) {
	if f.createErr != nil {
		return meeting.Meeting{}, f.createErr
	}
	if err := req.Validate(); err != nil {
		return meeting.Meeting{}, err
	}
	f.created = append(f.created, req)
	return meeting.Meeting{ID: "m-1", Provider: "zoom", Topic: req.Topic, HostEmail: req.HostEmail, JoinURL: "https://zoom.us/j/1"}, nil
}

func (f *fakeMeetings) Get(id string) (meeting.Meeting, error) {
	m, ok := f.meetings[id]
	if !ok {
		return meeting.Meeting{}, meeting.ErrNotFound
	}
	return m, nil
}

func (f *fakeMeetings) Delete(_ context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.meetings[id]; !ok {
		return meeting.ErrNotFound
	}
	delete(f.meetings, id)
	return nil
}

func (f *fakeMeetings) Attendance(id string) (meeting.Attendance, error) {
	a, ok := f.attendance[id]
	if !ok {
		return meeting.Attendance{}, meeting.ErrNotFound
	}
	return a, nil
}

type testEnv struct {
	server   *Server
	queue    *fakeQueue
	meetings *fakeMeetings
}

func newTestEnv(t *testing.T, authCfg config.Auth, limiter *ratelimit.Limiter) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	if authCfg.JWTSecret == "" && !authCfg.Disabled {
		authCfg.JWTSecret = testSecret
	}
	if authCfg.AllowedRoles == nil {
		authCfg.AllowedRoles = []string{"admin", "teacher", "service_role"}
	}
	auth, err := NewAuth(logger.Sugar(), authCfg)
	require.NoError(t, err)

	cfg := config.Config{Server: config.Server{ListenAddress: "127.0.0.1:0"}}
	s := NewServer(logger, cfg, false, auth, limiter)
	env := &testEnv{
		server: s,
		queue:  &fakeQueue{jobs: map[string]mail.Job{}},
		meetings: &fakeMeetings{
			meetings:   map[string]meeting.Meeting{},
			attendance: map[string]meeting.Attendance{},
		},
	}
	require.NoError(t, s.RegisterAll([]APIController{
		NewEmailController(env.queue, logger.Sugar(), s.Handlers()...),
		NewMeetingController(env.meetings, logger.Sugar(), s.Handlers()...),
	}))
	return env
}

func token(t *testing.T, claims Claims) string {
	t.Helper()
	if claims.Subject == "" {
		claims.Subject = "user-1"
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func teacherToken(t *testing.T) string {
	return token(t, Claims{Role: "teacher", Email: "teacher@example.com"})
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthzAndMetricsAreUnauthenticated(t *testing.T) {
	env := newTestEnv(t, config.Auth{}, nil)

	w := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "notifier_api_requests_total")
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, config.Auth{Audience: "authenticated"}, nil)
	body := map[string]any{"to": "student@example.com", "subject": "Hi", "template": "welcome"}

	expired := token(t, Claims{
		Role: "teacher",
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{"authenticated"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	wrongSecret, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Role:             "teacher",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Audience: jwt.ClaimStrings{"authenticated"}},
	}).SignedString([]byte("another-secret"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not a bearer", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + wrongSecret, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong audience", "Bearer " + token(t, Claims{Role: "teacher", RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{"other"}}}), http.StatusUnauthorized},
		{"student role", "Bearer " + token(t, Claims{Role: "student", RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{"authenticated"}}}), http.StatusForbidden},
		{"app metadata role wins", "Bearer " + token(t, Claims{Role: "authenticated", AppMetadata: AppMetadata{Role: "admin"}, RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{"authenticated"}}}), http.StatusAccepted},
		{"teacher", "Bearer " + token(t, Claims{Role: "teacher", RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{"authenticated"}}}), http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
			req := httptest.NewRequest(http.MethodPost, "/api/emails", &buf)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestAuthServiceKeyWithoutSubject(t *testing.T) {
	env := newTestEnv(t, config.Auth{Audience: "authenticated"}, nil)
	body := map[string]any{"to": "student@example.com", "subject": "Hi", "template": "welcome"}

	sign := func(claims jwt.MapClaims) string {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		return signed
	}
	exp := time.Now().Add(time.Hour).Unix()

	serviceKey := sign(jwt.MapClaims{"iss": "supabase", "role": "service_role", "exp": exp})
	w := env.do(t, http.MethodPost, "/api/emails", serviceKey, body)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	userWithoutSubject := sign(jwt.MapClaims{"iss": "supabase", "role": "teacher", "aud": "authenticated", "exp": exp})
	w = env.do(t, http.MethodPost, "/api/emails", userWithoutSubject, body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "token has no subject")
}

func TestAuthRejectsNoneAlgorithm(t *testing.T) {
	env := newTestEnv(t, config.Auth{}, nil)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		Role:             "admin",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/emails/status", unsigned, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthDisabled(t *testing.T) {
	env := newTestEnv(t, config.Auth{Disabled: true}, nil)
	w := env.do(t, http.MethodGet, "/api/emails/status", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewAuthRequiresSecret(t *testing.T) {
	_, err := NewAuth(zaptest.NewLogger(t).Sugar(), config.Auth{})
	assert.Error(t, err)
}

func TestEnqueueEmail(t *testing.T) {
	env := newTestEnv(t, config.Auth{}, nil)

	w := env.do(t, http.MethodPost, "/api/emails", teacherToken(t), map[string]any{
		"to":       "student@example.com",
		"subject":  "Welcome",
		"template": "welcome",
		"data":     map[string]any{"Name": "Ada"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.JSONEq(t, `{"id":"job-1"}`, w.Body.String())

	got := env.queue.last(t)
	assert.Equal(t, "student@example.com", got.Req.To)
	assert.Equal(t, mail.TemplateWelcome, got.Req.Template)
	assert.Equal(t, mail.DefaultPriority, got.Priority)
	assert.Equal(t, "Ada", got.Req.Data["Name"])

	w = env.do(t, http.MethodPost, "/api/emails", teacherToken(t), map[string]any{
		"to": "student@example.com", "subject": "Reset", "template": "password_reset", "priority": 9,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 9, env.queue.last(t).Priority)
}

func TestEnqueueEmailValidation(t *testing.T) {
	env := newTestEnv(t, config.Auth{}, nil)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing to", map[string]any{"subject": "s", "template": "welcome"}},
		{"invalid to", map[string]any{"to": "nope", "subject": "s", "template": "welcome"}},
		{"missing subject", map[string]any{"to": "a@example.com", "template": "welcome"}},
		{"unknown template", map[string]any{"to": "a@example.com", "subject": "s", "template": "newsletter"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/emails", teacherToken(t), tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
	assert.Empty(t, env.queue.calls)
}

func TestEnqueueBulk(t *testing.T) {
	env := newTestEnv(t, config.Auth{}, nil)

	w := env.do(t, http.MethodPost, "/api/emails/bulk", teacherToken(t), map[string]any{
		"recipients": []string{"a@example.com", "b@example.com"},
		"subject":    "Grades posted",
		"template":   "grade_posted",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	got := env.queue.last(t)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, got.Bulk.Recipients)
	assert.Equal(t, mail.BulkPriority, got.Priority)

	w = env.do(t, http.MethodPost, "/api/emails/bulk", teacherToken(t), map[string]any{
		"recipients": []string{}, "subject": "s", "template": "grade_posted",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/emails/bulk", teacherToken(t), map[string]any{
		"recipients": []string{"a@example.com", "broken"}, "subject": "s", "template": "grade_posted",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScheduleEmail(t *testing.T) {
	env := newTestEnv(t, config.Auth{}, nil)
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	w := env.do(t, http.MethodPost, "/api/emails/scheduled", teacherToken(t), map[string]any{
		"to": "a@example.com", "subject": "Class soon", "template": "class_reminder", "scheduledAt": at.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.True(t, at.Equal(env.queue.last(t).At))

	w = env.do(t, http.MethodPost, "/api/emails/scheduled", teacherToken(t), map[string]any{
		"to": "a@example.com", "subject": "Class soon", "template": "class_reminder",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "scheduledAt")
}

func TestQueueErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{"full", mail.ErrQueueFull, http.StatusServiceUnavailable, "5"},
		{"stopped", mail.ErrQueueStopped, http.StatusServiceUnavailable, ""},
		{"disabled", mail.ErrMailDisabled, http.StatusServiceUnavailable, ""},
		{"no recipients", mail.ErrNoRecipients, http.StatusBadRequest, ""},
		{"unexpected", fmt.Errorf("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, config.Auth{}, nil)
			env.queue.err = tt.err
			w := env.do(t, http.MethodPost, "/api/emails", teacherToken(t), map[string]any{
				"to": "a@example.com", "subject": "s", "template": "welcome",
			})
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.retryAfter, w.Header().Get("Retry-After"))
		})
	}
}

func TestQueueInspection(t *testing.T) {
	env := newTestEnv(t, config.Auth{}, nil)
	env.queue.status = mail.QueueStatus{Pending: 2, Failed: 1, Total: 3}
	env.queue.jobs["abc"] = mail.Job{ID: "abc", Kind: mail.KindSingle, Status: mail.StatusFailed, Error: "smtp 550"}
	env.queue.cleared = 1

	w := env.do(t, http.MethodGet, "/api/emails/status", teacherToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"pending":2,"processing":0,"failed":1,"total":3}`, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/emails/abc", teacherToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var job mail.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, mail.StatusFailed, job.Status)
	assert.Equal(t, "smtp 550", job.Error)

	w = env.do(t, http.MethodGet, "/api/emails/missing", teacherToken(t), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, "/api/emails/failed", teacherToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cleared":1}`, w.Body.String())
}

func TestEmailsThroughRealQueue(t *testing.T) {
	env := newTestEnv(t, config.Auth{}, nil)
	logger := zaptest.NewLogger(t).Sugar()
	svc := mail.NewServiceWithSender(mail.NewDispatcher(mail.NewLogTransport(logger), mail.NewRenderer("sschool", ""), "", "", mail.BulkOptions{}, logger), mail.Options{Pacing: -1}, logger)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	s := NewServer(zaptest.NewLogger(t), config.Config{}, false, env.server.auth, nil)
	require.NoError(t, s.RegisterAll([]APIController{NewEmailController(svc, logger, s.Handlers()...)}))
	env.server = s

	w := env.do(t, http.MethodPost, "/api/emails", teacherToken(t), map[string]any{
		"to": "a@example.com", "subject": "Welcome", "template": "welcome",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var queued struct{ ID string }
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &queued))

	require.Eventually(t, func() bool {
		j, ok := svc.GetJob(queued.ID)
		return ok && j.Status == mail.StatusSent
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateMeeting(t *testing.T) {
	env := newTestEnv(t, config.Auth{}, nil)
	start := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Minute)

	w := env.do(t, http.MethodPost, "/api/meetings", teacherToken(t), map[string]any{
		"topic":     "Algebra I",
		"startTime": start.Format(time.RFC3339),
		"duration":  45,
		"attendees": []string{"a@example.com"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, env.meetings.created, 1)
	assert.Equal(t, "teacher@example.com", env.meetings.created[0].HostEmail)

	var m meeting.Meeting
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, "m-1", m.ID)
	assert.Equal(t, "https://zoom.us/j/1", m.JoinURL)
}

func TestCreateMeetingErrors(t *testing.T) {
	env := newTestEnv(t, config.Auth{}, nil)
	valid := map[string]any{"topic": "T", "startTime": time.Now().Add(time.Hour).Format(time.RFC3339), "duration": 30}

	w := env.do(t, http.MethodPost, "/api/meetings", teacherToken(t), map[string]any{"topic": "T"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.meetings.createErr = fmt.Errorf("%w: %q", meeting.ErrUnknownProvider, "teams")
	w = env.do(t, http.MethodPost, "/api/meetings", teacherToken(t), valid)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.meetings.createErr = fmt.Errorf("zoom: 500 internal error")
	w = env.do(t, http.MethodPost, "/api/meetings", teacherToken(t), valid)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, w.Body.String(), "internal error")
}

func TestMeetingLookupDeleteAndAttendance(t *testing.T) {
	env := newTestEnv(t, config.Auth{}, nil)
	env.meetings.meetings["m-1"] = meeting.Meeting{ID: "m-1", Provider: "google", Topic: "Biology"}
	env.meetings.attendance["m-1"] = meeting.Attendance{
		MeetingID:    "m-1",
		Provider:     "google",
		Participants: []meeting.Participant{{Name: "Ada", Duration: 40 * time.Minute}},
	}

	w := env.do(t, http.MethodGet, "/api/meetings/m-1", teacherToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Biology")

	w = env.do(t, http.MethodGet, "/api/meetings/m-1/attendance", teacherToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Ada")

	w = env.do(t, http.MethodGet, "/api/meetings/m-2/attendance", teacherToken(t), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, "/api/meetings/m-1", teacherToken(t), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/meetings/m-1", teacherToken(t), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, "/api/meetings/m-1", teacherToken(t), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	env.meetings.meetings["m-3"] = meeting.Meeting{ID: "m-3"}
	env.meetings.deleteErr = fmt.Errorf("google: 503")
	w = env.do(t, http.MethodDelete, "/api/meetings/m-3", teacherToken(t), nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestRateLimitAfterAuth(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Rate: 0.001, Burst: 2})
	t.Cleanup(limiter.Stop)
	env := newTestEnv(t, config.Auth{}, limiter)

	alice := token(t, Claims{Role: "teacher", RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}})
	bob := token(t, Claims{Role: "teacher", RegisteredClaims: jwt.RegisteredClaims{Subject: "bob"}})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/emails/status", alice, nil).Code)
	}
	w := env.do(t, http.MethodGet, "/api/emails/status", alice, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// buckets are per subject
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/emails/status", bob, nil).Code)

	// unauthenticated requests are rejected before they consume tokens
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/emails/status", "", nil).Code)
	assert.Equal(t, 2, limiter.Len())
}

func TestListenShutsDownOnCancel(t *testing.T) {
	env := newTestEnv(t, config.Auth{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- env.server.Listen(ctx, time.Second) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestListenReportsBindError(t *testing.T) {
	logger := zaptest.NewLogger(t)
	s := NewServer(logger, config.Config{Server: config.Server{ListenAddress: "256.0.0.1:99999"}}, false, nil, nil)
	err := s.Listen(context.Background(), time.Second)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "listen") || strings.Contains(err.Error(), "address"))
}

func TestRequestTracingContinuesCallerTrace(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
		_ = tp.Shutdown(context.Background())
	})

	env := newTestEnv(t, config.Auth{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /healthz", spans[0].Name())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent().SpanID().String())
}
