// Package audit records every completed proxied exchange to the REST
// telemetry sink. Recording is fire-and-forget: sink errors never surface to
// the caller, and in async mode the request hot path only touches an
// in-memory buffer.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/evasend/wagateway/internal/config"
)

// Record is one audit row, matching the telemetry table's columns.
type Record struct {
	Endpoint      string `json:"endpoint"`
	Method        string `json:"method"`
	StatusCode    int    `json:"status_code"`
	LatencyMS     int64  `json:"latency_ms"`
	Success       bool   `json:"success"`
	UserID        string `json:"user_id,omitempty"`
	InstanceID    string `json:"instance_id,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	RequestOrigin string `json:"request_origin,omitempty"`
	IPAddress     string `json:"ip_address"`
}

// DropMetrics counts records lost to a full buffer. *observability.Metrics
// satisfies this.
type DropMetrics interface {
	IncAuditDropped()
}

// Logger writes audit records to the telemetry sink. With no service key
// configured it degrades to a silent no-op, which keeps local and test
// deployments free of a telemetry dependency.
type Logger struct {
	url        string
	serviceKey string
	mode       config.AuditMode
	client     *http.Client
	logger     *slog.Logger
	metrics    DropMetrics // may be nil

	bufferSize int
	ring       []Record
	ringMu     sync.Mutex
	ringHead   int
	ringTail   int
	ringLen    int

	notify    chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewLogger creates the audit logger. Returns a disabled no-op logger when
// the store's service key is empty.
func NewLogger(storeCfg config.StoreConfig, auditCfg config.AuditConfig, metrics DropMetrics, logger *slog.Logger) *Logger {
	l := &Logger{
		url:        storeCfg.URL + storeCfg.AuditPath,
		serviceKey: storeCfg.ServiceKey.Value(),
		mode:       auditCfg.Mode,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "audit"),
		metrics:    metrics,
	}

	if l.serviceKey == "" {
		l.logger.Debug("no service key configured, audit logging disabled")
		return l
	}

	if l.mode == config.AuditModeAsync {
		l.bufferSize = auditCfg.BufferSize
		if l.bufferSize <= 0 {
			l.bufferSize = 1000
		}
		l.ring = make([]Record, l.bufferSize)
		l.notify = make(chan struct{}, 1)
		l.done = make(chan struct{})
		l.wg.Add(1)
		go l.deliverLoop()
	}

	return l
}

// Enabled reports whether records are actually delivered anywhere.
func (l *Logger) Enabled() bool { return l.serviceKey != "" }

// Log records one completed exchange. Never blocks and never returns an
// error. In async mode the record is buffered (oldest dropped when full);
// in sync mode it is delivered inline with sink errors swallowed.
func (l *Logger) Log(ctx context.Context, rec Record) {
	if l.serviceKey == "" {
		return
	}

	if l.mode == config.AuditModeSync {
		l.deliver(ctx, rec)
		return
	}

	l.ringMu.Lock()
	l.ring[l.ringTail] = rec
	l.ringTail = (l.ringTail + 1) % l.bufferSize
	if l.ringLen == l.bufferSize {
		l.ringHead = (l.ringHead + 1) % l.bufferSize
		if l.metrics != nil {
			l.metrics.IncAuditDropped()
		}
	} else {
		l.ringLen++
	}
	l.ringMu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Close stops the delivery worker and drains any buffered records.
func (l *Logger) Close() error {
	if l.done == nil {
		return nil
	}
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		l.drainAll()
	})
	return nil
}

func (l *Logger) deliverLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case <-l.notify:
			l.drainAll()
		}
	}
}

func (l *Logger) drainAll() {
	for {
		rec, ok := l.pop()
		if !ok {
			return
		}
		l.deliver(context.Background(), rec)
	}
}

func (l *Logger) pop() (Record, bool) {
	l.ringMu.Lock()
	defer l.ringMu.Unlock()
	if l.ringLen == 0 {
		return Record{}, false
	}
	rec := l.ring[l.ringHead]
	l.ringHead = (l.ringHead + 1) % l.bufferSize
	l.ringLen--
	return rec, true
}

// deliver posts one record to the sink. Failures are logged and dropped.
func (l *Logger) deliver(ctx context.Context, rec Record) {
	body, err := json.Marshal(rec)
	if err != nil {
		l.logger.Error("failed to marshal audit record", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		l.logger.Error("failed to build audit request", "error", err)
		return
	}
	req.Header.Set("apikey", l.serviceKey)
	req.Header.Set("Authorization", "Bearer "+l.serviceKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")

	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Warn("failed to deliver audit record", "error", err)
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		l.logger.Warn("audit sink returned error",
			"status", resp.StatusCode, "endpoint", rec.Endpoint)
	}
}
