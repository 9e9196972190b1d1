package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evasend/wagateway/internal/config"
)

var testLogger = slog.Default()

// sink collects delivered audit rows.
type sink struct {
	mu      sync.Mutex
	records []Record
	headers []http.Header
}

func (s *sink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var rec Record
		_ = json.Unmarshal(body, &rec)

		s.mu.Lock()
		s.records = append(s.records, rec)
		s.headers = append(s.headers, r.Header.Clone())
		s.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
	}
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *sink) waitFor(t *testing.T, n int) []Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.count() >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	require.GreaterOrEqual(t, len(s.records), n)
	return append([]Record(nil), s.records...)
}

func newLogger(t *testing.T, url string, serviceKey string, mode config.AuditMode) *Logger {
	t.Helper()
	l := NewLogger(
		config.StoreConfig{
			URL:        url,
			ServiceKey: config.RedactedString(serviceKey),
			AuditPath:  "/rest/v1/api_logs",
		},
		config.AuditConfig{Mode: mode, BufferSize: 16},
		nil,
		testLogger,
	)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

var testRecord = Record{
	Endpoint:   "/chatwoot/config",
	Method:     http.MethodPost,
	StatusCode: 200,
	LatencyMS:  42,
	Success:    true,
	UserID:     "user-1",
	InstanceID: "inst-1",
	IPAddress:  "1.2.3.4",
}

func TestLoggerSync(t *testing.T) {
	t.Run("delivers inline with service key headers", func(t *testing.T) {
		s := &sink{}
		srv := httptest.NewServer(s.handler())
		t.Cleanup(srv.Close)

		l := newLogger(t, srv.URL, "service-key", config.AuditModeSync)
		l.Log(context.Background(), testRecord)

		require.Equal(t, 1, s.count())
		got := s.records[0]
		assert.Equal(t, "/chatwoot/config", got.Endpoint)
		assert.True(t, got.Success)
		assert.Equal(t, int64(42), got.LatencyMS)

		h := s.headers[0]
		assert.Equal(t, "service-key", h.Get("apikey"))
		assert.Equal(t, "Bearer service-key", h.Get("Authorization"))
		assert.Equal(t, "return=minimal", h.Get("Prefer"))
	})

	t.Run("sink failures are swallowed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(srv.Close)

		l := newLogger(t, srv.URL, "service-key", config.AuditModeSync)
		// Must not panic or block.
		l.Log(context.Background(), testRecord)
	})
}

func TestLoggerAsync(t *testing.T) {
	t.Run("delivers buffered records in the background", func(t *testing.T) {
		s := &sink{}
		srv := httptest.NewServer(s.handler())
		t.Cleanup(srv.Close)

		l := newLogger(t, srv.URL, "service-key", config.AuditModeAsync)
		for i := 0; i < 3; i++ {
			l.Log(context.Background(), testRecord)
		}

		records := s.waitFor(t, 3)
		assert.Len(t, records, 3)
	})

	t.Run("close drains pending records", func(t *testing.T) {
		s := &sink{}
		srv := httptest.NewServer(s.handler())
		t.Cleanup(srv.Close)

		l := newLogger(t, srv.URL, "service-key", config.AuditModeAsync)
		for i := 0; i < 5; i++ {
			l.Log(context.Background(), testRecord)
		}
		require.NoError(t, l.Close())

		assert.GreaterOrEqual(t, s.count(), 5)
	})

	t.Run("full buffer drops oldest instead of blocking", func(t *testing.T) {
		blocked := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			<-blocked
			w.WriteHeader(http.StatusCreated)
		}))
		t.Cleanup(srv.Close)
		t.Cleanup(func() { close(blocked) })

		drops := &dropCounter{}
		l := NewLogger(
			config.StoreConfig{URL: srv.URL, ServiceKey: "service-key", AuditPath: "/rest/v1/api_logs"},
			config.AuditConfig{Mode: config.AuditModeAsync, BufferSize: 4},
			drops,
			testLogger,
		)

		done := make(chan struct{})
		go func() {
			for i := 0; i < 50; i++ {
				l.Log(context.Background(), testRecord)
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Log blocked on a full buffer")
		}
		assert.Greater(t, drops.count(), 0)
	})
}

func TestLoggerDisabled(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s.handler())
	t.Cleanup(srv.Close)

	l := newLogger(t, srv.URL, "", config.AuditModeSync)
	assert.False(t, l.Enabled())

	l.Log(context.Background(), testRecord)
	assert.Equal(t, 0, s.count())
}

type dropCounter struct {
	mu sync.Mutex
	n  int
}

func (d *dropCounter) IncAuditDropped() {
	d.mu.Lock()
	d.n++
	d.mu.Unlock()
}

func (d *dropCounter) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}
