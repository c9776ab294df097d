package soar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactSecrets(t *testing.T) {
	params := map[string]interface{}{
		"ip":            "10.0.0.8",
		"password":      "hunter2",
		"API_KEY":       "abc123",
		"vault_token":   "s.xyz",
		"Authorization": "Bearer abc",
		"nested": map[string]interface{}{
			"client_secret": "shh",
			"comment":       "fine",
		},
		"list": []interface{}{
			map[string]interface{}{"private_key": "-----BEGIN"},
			"plain",
		},
	}

	got := RedactSecrets(params)

	assert.Equal(t, "10.0.0.8", got["ip"])
	assert.Equal(t, "[REDACTED]", got["password"])
	assert.Equal(t, "[REDACTED]", got["API_KEY"])
	assert.Equal(t, "[REDACTED]", got["vault_token"])
	assert.Equal(t, "[REDACTED]", got["Authorization"])

	nested := got["nested"].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", nested["client_secret"])
	assert.Equal(t, "fine", nested["comment"])

	list := got["list"].([]interface{})
	assert.Equal(t, "[REDACTED]", list[0].(map[string]interface{})["private_key"])
	assert.Equal(t, "plain", list[1])

	// Originals are untouched.
	assert.Equal(t, "hunter2", params["password"])
	assert.Equal(t, "shh", params["nested"].(map[string]interface{})["client_secret"])
}

func TestRedactSecretsNil(t *testing.T) {
	assert.Nil(t, RedactSecrets(nil))
}

func TestMultiAuditSinkFansOut(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{}
	multi := NewMultiAuditSink(a, b)

	multi.Emit(context.Background(), &AuditEvent{
		Event:       AuditExecutionStarted,
		ExecutionID: "exec-1",
		Timestamp:   time.Now().UTC(),
	})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, AuditExecutionStarted, a.events[0].Event)
}

// closeErrSink fails on Close so fan-out error handling is observable.
type closeErrSink struct {
	NoopAuditSink
	err    error
	closed bool
}

func (s *closeErrSink) Close() error {
	s.closed = true
	return s.err
}

func TestMultiAuditSinkCloseReturnsFirstError(t *testing.T) {
	first := &closeErrSink{err: errors.New("flush failed")}
	second := &closeErrSink{err: errors.New("other failure")}
	multi := NewMultiAuditSink(first, second)

	err := multi.Close()
	assert.EqualError(t, err, "flush failed")
	assert.True(t, first.closed)
	assert.True(t, second.closed, "every sink is closed even after an error")
}

func TestLogAuditSinkNilLogger(t *testing.T) {
	s := NewLogAuditSink(nil)
	s.Emit(context.Background(), &AuditEvent{Event: AuditStepCompleted})
	assert.NoError(t, s.Close())
}
