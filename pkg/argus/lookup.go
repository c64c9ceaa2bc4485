package argus

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
)

// AddressLookup resolves the host's apparent public address.
type AddressLookup interface {
	HostAddress(ctx context.Context) (netip.Addr, error)
}

// HTTPLookup asks a plain-text IP echo service over the default route.
type HTTPLookup struct {
	URL    string
	Client *http.Client
}

func NewHTTPLookup(url string) *HTTPLookup {
	return &HTTPLookup{URL: url, Client: http.DefaultClient}
}

func (l *HTTPLookup) HostAddress(ctx context.Context) (netip.Addr, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to build echo request: %w", err)
	}
	req.Header.Set("User-Agent", "curl/8")
	resp, err := l.Client.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to query %s: %w", l.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("echo service %s returned %s", l.URL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 128))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to read echo response: %w", err)
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(string(body)))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("echo service %s returned %q: %w", l.URL, body, err)
	}
	return addr.Unmap(), nil
}
