package soar

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AuditEventType enumerates the engine lifecycle events worth an audit trail.
type AuditEventType string

const (
	AuditExecutionStarted   AuditEventType = "execution_started"
	AuditExecutionCompleted AuditEventType = "execution_completed"
	AuditExecutionFailed    AuditEventType = "execution_failed"
	AuditExecutionCancelled AuditEventType = "execution_cancelled"
	AuditStepCompleted      AuditEventType = "step_completed"
	AuditStepFailed         AuditEventType = "step_failed"
	AuditStepSkipped        AuditEventType = "step_skipped"
	AuditStepCompensated    AuditEventType = "step_compensated"
	AuditEnqueueRejected    AuditEventType = "enqueue_rejected"
)

// AuditEvent is one entry in the execution audit trail. Metadata is
// redacted before emission; sinks may assume it is safe to persist.
type AuditEvent struct {
	Event          AuditEventType         `json:"event"`
	ExecutionID    string                 `json:"execution_id"`
	PlaybookID     string                 `json:"playbook_id"`
	OrganizationID string                 `json:"organization_id"`
	StepID         string                 `json:"step_id,omitempty"`
	ActionID       string                 `json:"action_id,omitempty"`
	TriggeredBy    string                 `json:"triggered_by,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// AuditSink receives audit events. Emit must not block the executor for
// long; sinks that talk to slow backends buffer internally and drop
// rather than stall.
type AuditSink interface {
	Emit(ctx context.Context, event *AuditEvent)
	Close() error
}

// NoopAuditSink discards everything. Default when auditing is not configured.
type NoopAuditSink struct{}

func (NoopAuditSink) Emit(context.Context, *AuditEvent) {}
func (NoopAuditSink) Close() error                      { return nil }

// LogAuditSink writes audit events to the structured log.
type LogAuditSink struct {
	logger *zap.SugaredLogger
}

func NewLogAuditSink(logger *zap.SugaredLogger) *LogAuditSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LogAuditSink{logger: logger}
}

func (s *LogAuditSink) Emit(_ context.Context, event *AuditEvent) {
	s.logger.Infow("Audit event",
		"event", event.Event,
		"execution_id", event.ExecutionID,
		"playbook_id", event.PlaybookID,
		"organization_id", event.OrganizationID,
		"step_id", event.StepID,
		"action_id", event.ActionID,
		"metadata", event.Metadata,
	)
}

func (s *LogAuditSink) Close() error { return nil }

// MultiAuditSink fans out to several sinks.
type MultiAuditSink struct {
	sinks []AuditSink
}

func NewMultiAuditSink(sinks ...AuditSink) *MultiAuditSink {
	return &MultiAuditSink{sinks: sinks}
}

func (m *MultiAuditSink) Emit(ctx context.Context, event *AuditEvent) {
	for _, s := range m.sinks {
		s.Emit(ctx, event)
	}
}

func (m *MultiAuditSink) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// secretKeyMarkers flags map keys whose values must never reach an
// audit backend or log line.
var secretKeyMarkers = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"authorization", "auth", "credential", "private_key",
}

// RedactSecrets returns a copy of params with sensitive values masked.
// Nested maps and lists are walked; the input is never mutated.
func RedactSecrets(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if isSecretKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return RedactSecrets(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			out[i] = redactValue(elem)
		}
		return out
	default:
		return v
	}
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range secretKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
