package soar

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateWebhookURLBlocksInternalAddresses(t *testing.T) {
	cases := []struct {
		name string
		url  string
	}{
		{"loopback", "http://127.0.0.1/hook"},
		{"loopback v6", "http://[::1]/hook"},
		{"rfc1918 ten", "https://10.0.0.5/hook"},
		{"rfc1918 one-seven-two", "https://172.16.4.2/hook"},
		{"rfc1918 one-nine-two", "https://192.168.1.10/hook"},
		{"cloud metadata", "http://169.254.169.254/latest/meta-data/"},
		{"multicast", "http://224.0.0.1/hook"},
		{"unspecified", "http://0.0.0.0/hook"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateWebhookURL(tc.url, nil)
			assert.ErrorIs(t, err, ErrURLNotAllowed)
		})
	}
}

func TestValidateWebhookURLAllowsPublicAddress(t *testing.T) {
	ip, err := ValidateWebhookURL("https://198.51.100.7/hook", nil)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", ip.String())
}

func TestValidateWebhookURLRejectsBadTargets(t *testing.T) {
	_, err := ValidateWebhookURL("ftp://example.com/hook", nil)
	assert.ErrorIs(t, err, ErrURLNotAllowed)

	_, err = ValidateWebhookURL("http:///hook", nil)
	assert.ErrorIs(t, err, ErrURLNotAllowed)

	_, err = ValidateWebhookURL("://not a url", nil)
	assert.ErrorIs(t, err, ErrURLNotAllowed)
}

func TestValidateWebhookURLAllowlistBypassesAddressChecks(t *testing.T) {
	_, err := ValidateWebhookURL("http://127.0.0.1:9200/hook", nil)
	require.ErrorIs(t, err, ErrURLNotAllowed)

	ip, err := ValidateWebhookURL("http://127.0.0.1:9200/hook", []string{"127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip.String())

	// Allowlist matching is case-insensitive on the host.
	_, err = ValidateWebhookURL("http://LOCALHOST/hook", []string{"localhost"})
	assert.NoError(t, err)
}

func TestPinnedHTTPClientRefusesRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://198.51.100.7/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	client := NewPinnedHTTPClient(net.ParseIP("127.0.0.1"), time.Second)
	resp, err := client.Get(srv.URL)
	if resp != nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirects are not followed")
}

func TestPinnedHTTPClientDialsPinnedAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewPinnedHTTPClient(net.ParseIP("127.0.0.1"), time.Second)
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
