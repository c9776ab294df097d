package soar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"orthrus/core"
)

// Notifier delivers messages over configured channels. The notify
// package implements it.
type Notifier interface {
	Send(ctx context.Context, channel, subject, message string) error
}

// ActionConfig carries the deployment policy shared by the built-in
// actions.
type ActionConfig struct {
	// DestructiveEnabled gates actions that change infrastructure state
	// (block_ip, isolate_host). Off by default; fails secure.
	DestructiveEnabled bool
	// AllowedWebhookHosts bypass the outbound address checks.
	AllowedWebhookHosts []string
}

// RegisterBuiltinActions wires the standard action set into a registry.
func RegisterBuiltinActions(r *Registry, cfg ActionConfig, notifier Notifier, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	actions := []Action{
		NewSendNotificationAction(notifier, logger),
		NewCallWebhookAction(cfg.AllowedWebhookHosts, logger),
		NewBlockIPAction(cfg.DestructiveEnabled, logger),
		NewIsolateHostAction(cfg.DestructiveEnabled, logger),
		NewUnblockIPAction(cfg.DestructiveEnabled, logger),
		NewUnisolateHostAction(cfg.DestructiveEnabled, logger),
		NewCreateTicketAction(logger),
		NewEnrichIOCAction(logger),
		NewDelayAction(),
		NewLogAction(logger),
		NewSetContextAction(),
	}
	for _, a := range actions {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// SendNotificationAction delivers a message through the notifier.
type SendNotificationAction struct {
	notifier Notifier
	logger   *zap.SugaredLogger
}

func NewSendNotificationAction(notifier Notifier, logger *zap.SugaredLogger) *SendNotificationAction {
	return &SendNotificationAction{notifier: notifier, logger: logger}
}

func (a *SendNotificationAction) ID() string { return "send_notification" }
func (a *SendNotificationAction) Description() string {
	return "Sends a message over a configured notification channel"
}
func (a *SendNotificationAction) DefaultTimeout() time.Duration { return 15 * time.Second }

func (a *SendNotificationAction) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"channel", "message"},
		"properties": map[string]interface{}{
			"channel": map[string]interface{}{"type": "string", "minLength": 1},
			"subject": map[string]interface{}{"type": "string"},
			"message": map[string]interface{}{"type": "string", "minLength": 1},
		},
	}
}

func (a *SendNotificationAction) Execute(ctx context.Context, input map[string]interface{}, ec *ExecutionContext) (map[string]interface{}, error) {
	channel, _ := input["channel"].(string)
	subject, _ := input["subject"].(string)
	message, _ := input["message"].(string)
	if a.notifier == nil {
		return nil, NewPermanentError("no notifier configured")
	}
	if err := a.notifier.Send(ctx, channel, subject, message); err != nil {
		return nil, fmt.Errorf("send notification via %q: %w", channel, err)
	}
	return map[string]interface{}{
		"channel": channel,
		"sent_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// CallWebhookAction POSTs a JSON body to an external URL. Outbound
// targets are validated against internal address ranges and each host
// gets its own circuit breaker so one dead endpoint cannot consume
// every retry budget in the org.
type CallWebhookAction struct {
	allowedHosts []string
	logger       *zap.SugaredLogger

	mu       sync.Mutex
	breakers map[string]*core.CircuitBreaker
}

func NewCallWebhookAction(allowedHosts []string, logger *zap.SugaredLogger) *CallWebhookAction {
	return &CallWebhookAction{
		allowedHosts: allowedHosts,
		logger:       logger,
		breakers:     make(map[string]*core.CircuitBreaker),
	}
}

func (a *CallWebhookAction) ID() string { return "call_webhook" }
func (a *CallWebhookAction) Description() string {
	return "Sends an HTTP POST with a JSON body to an external webhook"
}
func (a *CallWebhookAction) DefaultTimeout() time.Duration { return core.HTTPClientTimeout }

func (a *CallWebhookAction) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"url"},
		"properties": map[string]interface{}{
			"url":     map[string]interface{}{"type": "string", "format": "uri"},
			"body":    map[string]interface{}{"type": "object"},
			"headers": map[string]interface{}{"type": "object"},
		},
	}
}

func (a *CallWebhookAction) breakerFor(host string) *core.CircuitBreaker {
	a.mu.Lock()
	defer a.mu.Unlock()
	cb, ok := a.breakers[host]
	if !ok {
		cb = core.MustNewCircuitBreaker(core.DefaultCircuitBreakerConfig())
		a.breakers[host] = cb
	}
	return cb
}

func (a *CallWebhookAction) Execute(ctx context.Context, input map[string]interface{}, ec *ExecutionContext) (map[string]interface{}, error) {
	rawURL, _ := input["url"].(string)

	ip, err := ValidateWebhookURL(rawURL, a.allowedHosts)
	if err != nil {
		return nil, NewPermanentError("%v", err)
	}

	cb := a.breakerFor(ip.String())
	if err := cb.Allow(); err != nil {
		return nil, NewTransientError("webhook endpoint circuit open: %v", err)
	}

	var bodyBytes []byte
	if body, ok := input["body"]; ok {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			cb.RecordSuccess() // not the endpoint's fault
			return nil, NewPermanentError("marshal webhook body: %v", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(bodyBytes))
	if err != nil {
		cb.RecordSuccess()
		return nil, NewPermanentError("build webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := input["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	client := NewPinnedHTTPClient(ip, 0)
	resp, err := client.Do(req)
	if err != nil {
		cb.RecordFailure()
		return nil, NewTransientError("webhook request failed: %v", err)
	}
	defer resp.Body.Close()

	// Cap the response we keep; webhook outputs feed the execution
	// context and must stay small.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 400 {
		cb.RecordFailure()
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: rawURL}
	}
	cb.RecordSuccess()

	out := map[string]interface{}{
		"status_code": resp.StatusCode,
	}
	var parsed map[string]interface{}
	if json.Unmarshal(respBody, &parsed) == nil {
		out["response"] = parsed
	} else if len(respBody) > 0 {
		out["response_text"] = string(respBody)
	}
	return out, nil
}

// destructiveAction factors the gate shared by infrastructure-changing
// actions. The deployment switch wins over anything a playbook says.
type destructiveAction struct {
	enabled bool
	logger  *zap.SugaredLogger
}

func (d *destructiveAction) gate(id string) error {
	if !d.enabled {
		return NewPermanentError("action %q: %w", id, ErrDestructiveActionsDisabled)
	}
	return nil
}

// BlockIPAction blocks an address at the network boundary. Without a
// firewall integration configured the block is simulated and flagged as
// such in the output, which keeps playbook development honest.
type BlockIPAction struct {
	destructiveAction
}

func NewBlockIPAction(enabled bool, logger *zap.SugaredLogger) *BlockIPAction {
	return &BlockIPAction{destructiveAction{enabled: enabled, logger: logger}}
}

func (a *BlockIPAction) ID() string                    { return "block_ip" }
func (a *BlockIPAction) Description() string           { return "Blocks an IP address at the network boundary" }
func (a *BlockIPAction) DefaultTimeout() time.Duration { return 30 * time.Second }

func (a *BlockIPAction) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"ip"},
		"properties": map[string]interface{}{
			"ip":       map[string]interface{}{"type": "string", "minLength": 1},
			"duration": map[string]interface{}{"type": "string"},
			"reason":   map[string]interface{}{"type": "string"},
		},
	}
}

func (a *BlockIPAction) Execute(ctx context.Context, input map[string]interface{}, ec *ExecutionContext) (map[string]interface{}, error) {
	if err := a.gate(a.ID()); err != nil {
		return nil, err
	}
	ipStr, _ := input["ip"].(string)
	if net.ParseIP(ipStr) == nil {
		return nil, NewPermanentError("invalid IP address %q", ipStr)
	}
	a.logger.Infow("Blocking IP",
		"ip", ipStr,
		"execution_id", ec.ExecutionID,
		"organization_id", ec.OrganizationID,
		"reason", input["reason"])
	return map[string]interface{}{
		"ip":         ipStr,
		"blocked":    true,
		"simulated":  true,
		"blocked_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// UnblockIPAction reverses block_ip; playbooks use it as the
// compensation for a block.
type UnblockIPAction struct {
	destructiveAction
}

func NewUnblockIPAction(enabled bool, logger *zap.SugaredLogger) *UnblockIPAction {
	return &UnblockIPAction{destructiveAction{enabled: enabled, logger: logger}}
}

func (a *UnblockIPAction) ID() string                    { return "unblock_ip" }
func (a *UnblockIPAction) Description() string           { return "Removes a previously applied IP block" }
func (a *UnblockIPAction) DefaultTimeout() time.Duration { return 30 * time.Second }

func (a *UnblockIPAction) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"ip"},
		"properties": map[string]interface{}{
			"ip": map[string]interface{}{"type": "string", "minLength": 1},
		},
	}
}

func (a *UnblockIPAction) Execute(ctx context.Context, input map[string]interface{}, ec *ExecutionContext) (map[string]interface{}, error) {
	if err := a.gate(a.ID()); err != nil {
		return nil, err
	}
	ipStr, _ := input["ip"].(string)
	if net.ParseIP(ipStr) == nil {
		return nil, NewPermanentError("invalid IP address %q", ipStr)
	}
	a.logger.Infow("Unblocking IP", "ip", ipStr, "execution_id", ec.ExecutionID)
	return map[string]interface{}{
		"ip":        ipStr,
		"unblocked": true,
		"simulated": true,
	}, nil
}

// IsolateHostAction quarantines an endpoint from the network.
type IsolateHostAction struct {
	destructiveAction
}

func NewIsolateHostAction(enabled bool, logger *zap.SugaredLogger) *IsolateHostAction {
	return &IsolateHostAction{destructiveAction{enabled: enabled, logger: logger}}
}

func (a *IsolateHostAction) ID() string                    { return "isolate_host" }
func (a *IsolateHostAction) Description() string           { return "Isolates a host from the network" }
func (a *IsolateHostAction) DefaultTimeout() time.Duration { return 60 * time.Second }

func (a *IsolateHostAction) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"host"},
		"properties": map[string]interface{}{
			"host":   map[string]interface{}{"type": "string", "minLength": 1},
			"reason": map[string]interface{}{"type": "string"},
		},
	}
}

func (a *IsolateHostAction) Execute(ctx context.Context, input map[string]interface{}, ec *ExecutionContext) (map[string]interface{}, error) {
	if err := a.gate(a.ID()); err != nil {
		return nil, err
	}
	host, _ := input["host"].(string)
	a.logger.Infow("Isolating host",
		"host", host,
		"execution_id", ec.ExecutionID,
		"organization_id", ec.OrganizationID,
		"reason", input["reason"])
	return map[string]interface{}{
		"host":        host,
		"isolated":    true,
		"simulated":   true,
		"isolated_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// UnisolateHostAction reverses isolate_host.
type UnisolateHostAction struct {
	destructiveAction
}

func NewUnisolateHostAction(enabled bool, logger *zap.SugaredLogger) *UnisolateHostAction {
	return &UnisolateHostAction{destructiveAction{enabled: enabled, logger: logger}}
}

func (a *UnisolateHostAction) ID() string { return "unisolate_host" }
func (a *UnisolateHostAction) Description() string {
	return "Restores network access for an isolated host"
}
func (a *UnisolateHostAction) DefaultTimeout() time.Duration { return 60 * time.Second }

func (a *UnisolateHostAction) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"host"},
		"properties": map[string]interface{}{
			"host": map[string]interface{}{"type": "string", "minLength": 1},
		},
	}
}

func (a *UnisolateHostAction) Execute(ctx context.Context, input map[string]interface{}, ec *ExecutionContext) (map[string]interface{}, error) {
	if err := a.gate(a.ID()); err != nil {
		return nil, err
	}
	host, _ := input["host"].(string)
	a.logger.Infow("Restoring host network access", "host", host, "execution_id", ec.ExecutionID)
	return map[string]interface{}{
		"host":       host,
		"unisolated": true,
		"simulated":  true,
	}, nil
}

// CreateTicketAction opens a tracking ticket for the incident. Ticket
// ids are generated locally; deployments with a real ticketing system
// point a call_webhook step at it instead.
type CreateTicketAction struct {
	logger *zap.SugaredLogger
}

func NewCreateTicketAction(logger *zap.SugaredLogger) *CreateTicketAction {
	return &CreateTicketAction{logger: logger}
}

func (a *CreateTicketAction) ID() string                    { return "create_ticket" }
func (a *CreateTicketAction) Description() string           { return "Creates an incident tracking ticket" }
func (a *CreateTicketAction) DefaultTimeout() time.Duration { return 15 * time.Second }

func (a *CreateTicketAction) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"title"},
		"properties": map[string]interface{}{
			"title":       map[string]interface{}{"type": "string", "minLength": 1},
			"description": map[string]interface{}{"type": "string"},
			"severity":    map[string]interface{}{"type": "string", "enum": []interface{}{"low", "medium", "high", "critical"}},
			"assignee":    map[string]interface{}{"type": "string"},
		},
	}
}

func (a *CreateTicketAction) Execute(ctx context.Context, input map[string]interface{}, ec *ExecutionContext) (map[string]interface{}, error) {
	title, _ := input["title"].(string)
	ticketID := fmt.Sprintf("TKT-%d", time.Now().UnixNano()%100000000)
	a.logger.Infow("Created ticket",
		"ticket_id", ticketID,
		"title", title,
		"execution_id", ec.ExecutionID)
	return map[string]interface{}{
		"ticket_id":  ticketID,
		"title":      title,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// DelayAction pauses the playbook for a bounded duration.
type DelayAction struct{}

func NewDelayAction() *DelayAction { return &DelayAction{} }

func (a *DelayAction) ID() string                    { return "delay" }
func (a *DelayAction) Description() string           { return "Waits for a fixed duration before the next step" }
func (a *DelayAction) DefaultTimeout() time.Duration { return 10 * time.Minute }

func (a *DelayAction) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"duration"},
		"properties": map[string]interface{}{
			"duration": map[string]interface{}{"type": "string", "minLength": 2},
		},
	}
}

func (a *DelayAction) Execute(ctx context.Context, input map[string]interface{}, ec *ExecutionContext) (map[string]interface{}, error) {
	raw, _ := input["duration"].(string)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, NewPermanentError("invalid duration %q: %v", raw, err)
	}
	if d > 5*time.Minute {
		return nil, NewPermanentError("delay %s exceeds the 5m maximum", d)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d):
	}
	return map[string]interface{}{"waited": d.String()}, nil
}

// LogAction writes a structured log line from playbook data. Useful as
// a tracer while developing playbooks.
type LogAction struct {
	logger *zap.SugaredLogger
}

func NewLogAction(logger *zap.SugaredLogger) *LogAction {
	return &LogAction{logger: logger}
}

func (a *LogAction) ID() string                    { return "log" }
func (a *LogAction) Description() string           { return "Writes a structured log entry" }
func (a *LogAction) DefaultTimeout() time.Duration { return 5 * time.Second }

func (a *LogAction) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"message"},
		"properties": map[string]interface{}{
			"message": map[string]interface{}{"type": "string"},
			"fields":  map[string]interface{}{"type": "object"},
		},
	}
}

func (a *LogAction) Execute(ctx context.Context, input map[string]interface{}, ec *ExecutionContext) (map[string]interface{}, error) {
	message, _ := input["message"].(string)
	a.logger.Infow("Playbook log",
		"message", message,
		"fields", RedactSecrets(asMap(input["fields"])),
		"execution_id", ec.ExecutionID,
		"playbook_id", ec.PlaybookID)
	return map[string]interface{}{"logged": true}, nil
}

// SetContextAction publishes its params as step output, letting a
// playbook stage derived values for later steps to reference.
type SetContextAction struct{}

func NewSetContextAction() *SetContextAction { return &SetContextAction{} }

func (a *SetContextAction) ID() string                    { return "set_context" }
func (a *SetContextAction) Description() string           { return "Stores values in the execution context" }
func (a *SetContextAction) DefaultTimeout() time.Duration { return 5 * time.Second }
func (a *SetContextAction) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func (a *SetContextAction) Execute(ctx context.Context, input map[string]interface{}, ec *ExecutionContext) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out, nil
}

func asMap(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return nil
}
