// Package notify delivers engine notifications over configured
// channels. Each channel carries its own circuit breaker so a dead
// SMTP relay or webhook endpoint degrades that channel alone.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"orthrus/config"
	"orthrus/core"
)

// ErrUnknownChannel is returned for sends to unconfigured channels.
var ErrUnknownChannel = errors.New("unknown notification channel")

// channel delivers one message.
type channel interface {
	send(ctx context.Context, subject, message string) error
}

// Notifier routes messages to named channels.
type Notifier struct {
	channels map[string]channel
	breakers map[string]*core.CircuitBreaker
	logger   *zap.SugaredLogger
}

// New builds a notifier from the notifications config section. Channels
// with an unknown type are skipped with a warning so one typo does not
// take down the rest.
func New(cfg config.NotificationsConfig, logger *zap.SugaredLogger) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	n := &Notifier{
		channels: make(map[string]channel),
		breakers: make(map[string]*core.CircuitBreaker),
		logger:   logger,
	}
	for name, ch := range cfg.Channels {
		switch ch.Type {
		case "email":
			n.channels[name] = &emailChannel{cfg: ch}
		case "webhook":
			n.channels[name] = &webhookChannel{
				url: ch.URL,
				client: &http.Client{
					Timeout: core.HTTPClientTimeout,
				},
			}
		default:
			logger.Warnw("Skipping notification channel with unknown type",
				"channel", name, "type", ch.Type)
			continue
		}
		n.breakers[name] = core.MustNewCircuitBreaker(core.DefaultCircuitBreakerConfig())
	}
	return n
}

// Send delivers a message over the named channel.
func (n *Notifier) Send(ctx context.Context, channelName, subject, message string) error {
	ch, ok := n.channels[channelName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channelName)
	}
	cb := n.breakers[channelName]
	if err := cb.Allow(); err != nil {
		return fmt.Errorf("channel %q: %w", channelName, err)
	}

	if err := ch.send(ctx, subject, message); err != nil {
		cb.RecordFailure()
		n.logger.Warnw("Notification delivery failed",
			"channel", channelName, "error", err)
		return fmt.Errorf("channel %q: %w", channelName, err)
	}
	cb.RecordSuccess()
	return nil
}

// Channels lists the configured channel names.
func (n *Notifier) Channels() []string {
	out := make([]string, 0, len(n.channels))
	for name := range n.channels {
		out = append(out, name)
	}
	return out
}

type emailChannel struct {
	cfg config.ChannelConfig
}

func (c *emailChannel) send(ctx context.Context, subject, message string) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.SMTPHost, c.cfg.SMTPPort)

	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.SMTPHost)
	}

	var body bytes.Buffer
	fmt.Fprintf(&body, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(c.cfg.To, ", "))
	fmt.Fprintf(&body, "Subject: %s\r\n", subject)
	fmt.Fprintf(&body, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	body.WriteString("\r\n")
	body.WriteString(message)

	// net/smtp has no context support; run it out of band so a hung
	// relay still honors cancellation.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, c.cfg.From, c.cfg.To, body.Bytes())
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	}
}

type webhookChannel struct {
	url    string
	client *http.Client
}

func (c *webhookChannel) send(ctx context.Context, subject, message string) error {
	payload, err := json.Marshal(map[string]string{
		"subject": subject,
		"text":    message,
	})
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
