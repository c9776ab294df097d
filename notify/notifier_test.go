package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orthrus/config"
	"orthrus/core"
)

func webhookConfig(url string) config.NotificationsConfig {
	return config.NotificationsConfig{
		Channels: map[string]config.ChannelConfig{
			"ops": {Type: "webhook", URL: url},
		},
	}
}

func TestNotifierWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(webhookConfig(srv.URL), nil)
	require.NoError(t, n.Send(context.Background(), "ops", "Execution failed", "playbook pb-1 aborted"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Execution failed", received["subject"])
	assert.Equal(t, "playbook pb-1 aborted", received["text"])
}

func TestNotifierWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := New(webhookConfig(srv.URL), nil)
	err := n.Send(context.Background(), "ops", "subject", "message")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNotifierUnknownChannel(t *testing.T) {
	n := New(config.NotificationsConfig{}, nil)
	err := n.Send(context.Background(), "ghost", "subject", "message")
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestNotifierSkipsUnknownChannelType(t *testing.T) {
	n := New(config.NotificationsConfig{
		Channels: map[string]config.ChannelConfig{
			"carrier-pigeon": {Type: "pigeon"},
			"ops":            {Type: "webhook", URL: "https://hooks.example.com"},
		},
	}, nil)
	assert.Equal(t, []string{"ops"}, n.Channels())
}

func TestNotifierCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(webhookConfig(srv.URL), nil)
	ctx := context.Background()
	failures := core.DefaultCircuitBreakerConfig().MaxFailures
	for i := uint32(0); i < failures; i++ {
		require.Error(t, n.Send(ctx, "ops", "s", "m"))
	}

	// The breaker is open now; delivery is not even attempted.
	err := n.Send(ctx, "ops", "s", "m")
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
}
