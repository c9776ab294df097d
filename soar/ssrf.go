package soar

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"orthrus/core"
)

var (
	// ErrURLNotAllowed is returned when a webhook target resolves to an
	// address the engine refuses to contact.
	ErrURLNotAllowed = errors.New("webhook URL is not allowed")
)

// ValidateWebhookURL resolves a webhook target and rejects anything
// that would let a playbook reach internal infrastructure: loopback,
// RFC1918, link-local (including cloud metadata), multicast and
// unspecified addresses. Hosts on the allowlist skip the address
// checks, for deployments that intentionally notify internal systems.
// Returns the resolved IP so the caller can pin the connection to it.
func ValidateWebhookURL(rawURL string, allowedHosts []string) (net.IP, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrURLNotAllowed, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q (only http and https)", ErrURLNotAllowed, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrURLNotAllowed)
	}

	allowed := false
	for _, h := range allowedHosts {
		if strings.EqualFold(h, host) {
			allowed = true
			break
		}
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot resolve %q: %v", ErrURLNotAllowed, host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: %q resolved to no addresses", ErrURLNotAllowed, host)
	}

	ip := ips[0]
	if !allowed {
		for _, candidate := range ips {
			if reason := blockedAddressReason(candidate); reason != "" {
				return nil, fmt.Errorf("%w: %q resolves to %s (%s)", ErrURLNotAllowed, host, candidate, reason)
			}
		}
	}
	return ip, nil
}

func blockedAddressReason(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "loopback address"
	case ip.IsPrivate():
		return "private address"
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return "link-local address"
	case ip.IsMulticast():
		return "multicast address"
	case ip.IsUnspecified():
		return "unspecified address"
	}
	return ""
}

// NewPinnedHTTPClient builds a client whose dialer connects only to the
// already-validated IP, closing the DNS-rebinding window between
// validation and request. Redirects are refused for the same reason.
func NewPinnedHTTPClient(ip net.IP, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = core.HTTPClientTimeout
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		},
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:        core.HTTPClientMaxIdleConns,
		MaxIdleConnsPerHost: core.HTTPClientMaxIdleConnsPerHost,
		IdleConnTimeout:     core.HTTPClientIdleConnTimeout,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return fmt.Errorf("%w: redirects are not followed", ErrURLNotAllowed)
		},
	}
}
