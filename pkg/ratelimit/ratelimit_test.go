package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getsinto/sschoool-sub001/pkg/config"
	"github.com/getsinto/sschoool-sub001/pkg/metrics"
	"github.com/getsinto/sschoool-sub001/pkg/system"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestLimiterAllow(t *testing.T) {
	l := New(Config{Rate: 1, Burst: 2})
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"), "burst exhausted")
	assert.True(t, l.Allow("b"), "keys have separate buckets")
	assert.Equal(t, 2, l.Len())
}

func TestLimiterCleanup(t *testing.T) {
	l := New(Config{Rate: 1, Burst: 1, MaxAge: time.Minute})
	defer l.Stop()

	l.Allow("old")
	l.cleanupStaleEntries(time.Now())
	assert.Equal(t, 1, l.Len())

	l.cleanupStaleEntries(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, l.Len())
}

func TestLimiterStopTwice(t *testing.T) {
	l := New(Config{Rate: 1, Burst: 1})
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.RateLimit{RequestsPerSecond: 20, Burst: 50})
	assert.Equal(t, 20.0, cfg.Rate)
	assert.Equal(t, 50, cfg.Burst)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
}

func newRouter(l *Limiter, subject string) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if subject != "" {
			c.Set(system.SubjectKey, subject)
		}
		c.Next()
	})
	r.Use(l.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func do(r http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ip + ":1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddlewareByIP(t *testing.T) {
	l := New(Config{Rate: 0.001, Burst: 1})
	defer l.Stop()
	r := newRouter(l, "")

	before := testutil.ToFloat64(metrics.APIRateLimited.WithLabelValues(KeyIP))

	assert.Equal(t, http.StatusOK, do(r, "10.0.0.1").Code)
	w := do(r, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, do(r, "10.0.0.2").Code)

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.APIRateLimited.WithLabelValues(KeyIP)))
}

func TestMiddlewareBySubject(t *testing.T) {
	l := New(Config{Rate: 0.001, Burst: 1})
	defer l.Stop()
	r := newRouter(l, "service-account")

	require.Equal(t, http.StatusOK, do(r, "10.0.0.1").Code)
	// a different IP does not reset the subject's bucket
	assert.Equal(t, http.StatusTooManyRequests, do(r, "10.0.0.2").Code)
}
