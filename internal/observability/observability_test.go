package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evasend/wagateway/internal/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level  config.LogLevel
		format config.LogFormat
	}{
		{config.LogLevelDebug, config.LogFormatJSON},
		{config.LogLevelInfo, config.LogFormatText},
		{config.LogLevelWarn, config.LogFormatJSON},
		{config.LogLevelError, config.LogFormatText},
		{"", config.LogFormatJSON},
		{"bogus", ""},
	}

	for _, tt := range tests {
		logger := NewLogger(tt.level, tt.format)
		require.NotNil(t, logger)
	}
}

func TestMetrics(t *testing.T) {
	t.Run("counters track snapshot values", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.IncAllowed()
		m.IncAllowed()
		m.IncLimited()
		m.IncAuthDenied()
		m.IncAuthErrors()
		m.IncStoreErrors()
		m.IncFailOpen()
		m.IncAuditDropped()
		m.IncCacheHits()
		m.IncCacheMisses()
		m.ObserveRemaining(42)

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.Allowed)
		assert.Equal(t, int64(1), snap.Limited)
		assert.Equal(t, int64(1), snap.AuthDenied)
		assert.Equal(t, int64(1), snap.AuthErrors)
		assert.Equal(t, int64(1), snap.StoreErrors)
		assert.Equal(t, int64(1), snap.FailOpen)
		assert.Equal(t, int64(1), snap.AuditDropped)
		assert.Equal(t, int64(1), snap.CacheHits)
		assert.Equal(t, int64(1), snap.CacheMisses)
	})

	t.Run("registers against a custom registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		m.IncAllowed()

		families, err := reg.Gather()
		require.NoError(t, err)

		var found bool
		for _, f := range families {
			if f.GetName() == "wagateway_requests_allowed_total" {
				found = true
			}
		}
		assert.True(t, found)
	})
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealthChecker(t *testing.T) {
	t.Run("lifecycle transitions", func(t *testing.T) {
		h := NewHealthChecker()
		assert.False(t, h.IsStarted())
		assert.False(t, h.IsReady())

		h.SetStarted()
		h.SetReady()
		assert.True(t, h.IsStarted())
		assert.True(t, h.IsReady())

		h.SetNotReady()
		assert.False(t, h.IsReady())
	})

	t.Run("startz reflects startup state", func(t *testing.T) {
		h := NewHealthChecker()

		w := httptest.NewRecorder()
		h.StartzHandler()(w, httptest.NewRequest("GET", "/startz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		h.SetStarted()
		w = httptest.NewRecorder()
		h.StartzHandler()(w, httptest.NewRequest("GET", "/startz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("healthz is always 200", func(t *testing.T) {
		h := NewHealthChecker()
		w := httptest.NewRecorder()
		h.HealthzHandler()(w, httptest.NewRequest("GET", "/healthz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("readyz deep check pings redis", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()

		h.SetRedisPinger(fakePinger{})
		w := httptest.NewRecorder()
		h.ReadyzHandler()(w, httptest.NewRequest("GET", "/readyz?deep=true", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"redis":"ok"`)

		h.SetRedisPinger(fakePinger{err: errors.New("down")})
		w = httptest.NewRecorder()
		h.ReadyzHandler()(w, httptest.NewRequest("GET", "/readyz?deep=true", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "unreachable")
	})

	t.Run("readyz shallow check skips redis", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetRedisPinger(fakePinger{err: errors.New("down")})

		w := httptest.NewRecorder()
		h.ReadyzHandler()(w, httptest.NewRequest("GET", "/readyz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{Enabled: false}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
