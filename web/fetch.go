// Package web provides an outbound HTTP fetch guarded against SSRF: requests
// may only reach public addresses, resolved addresses are pinned for the
// actual dial, and redirects are re-validated.
package web

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/logger"
)

// DefaultFetchTimeout bounds one guarded fetch end to end.
const DefaultFetchTimeout = 30 * time.Second

// maxRedirects bounds redirect chains; every hop is re-validated.
const maxRedirects = 5

// FetchOptions configure one guarded fetch.
type FetchOptions struct {
	// AllowHosts are hostnames exempt from the private-address denial,
	// for deployments that intentionally fetch from internal services.
	AllowHosts []string

	// Timeout bounds the whole fetch. Zero selects the default.
	Timeout time.Duration

	// UserAgent overrides the request User-Agent when non-empty.
	UserAgent string

	// MaxBodyBytes caps the response body via the returned reader. Zero
	// means unlimited.
	MaxBodyBytes int64
}

// FetchResult is the outcome of a guarded fetch. Callers must call Release
// to close the sockets owned by the fetch.
type FetchResult struct {
	Response *http.Response
	release  func()
}

// Release closes the response body and the dedicated transport.
func (r *FetchResult) Release() {
	if r == nil {
		return
	}
	if r.Response != nil && r.Response.Body != nil {
		_ = r.Response.Body.Close()
	}
	if r.release != nil {
		r.release()
	}
}

// SafeFetch performs a GET against a public address. The URL's host is
// resolved once, every resolved address is checked against the private
// ranges, and the connection is dialed to a pinned resolved address so a
// DNS answer cannot change between check and use.
func SafeFetch(ctx context.Context, rawURL string, opts FetchOptions) (*FetchResult, error) {
	log := logger.Module("web")

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	transport := &http.Transport{
		DialContext:       pinnedDialer(opts.AllowHosts),
		ForceAttemptHTTP2: true,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			// The pinned dialer re-validates the new host; reject
			// scheme downgrades to non-HTTP here.
			if err := validateScheme(req.URL); err != nil {
				return err
			}
			return nil
		},
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid fetch url: %w", err)
	}
	if err := validateScheme(parsed); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("could not build fetch request: %w", err)
	}
	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		transport.CloseIdleConnections()
		return nil, err
	}

	if opts.MaxBodyBytes > 0 {
		resp.Body = limitedBody{
			Reader: io.LimitReader(resp.Body, opts.MaxBodyBytes),
			Closer: resp.Body,
		}
	}

	log.Debug("guarded fetch",
		zap.String("host", parsed.Hostname()),
		zap.Int("status", resp.StatusCode))

	return &FetchResult{
		Response: resp,
		release:  transport.CloseIdleConnections,
	}, nil
}

// limitedBody caps a response body while preserving Close.
type limitedBody struct {
	io.Reader
	io.Closer
}

func validateScheme(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return nil
	default:
		return fmt.Errorf("unsupported url scheme: %q", u.Scheme)
	}
}

// pinnedDialer resolves the host itself, rejects private addresses and dials
// the validated IP directly.
func pinnedDialer(allowHosts []string) func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid dial address %q: %w", addr, err)
		}

		ip, err := ResolvePublicIP(ctx, host, allowHosts)
		if err != nil {
			return nil, err
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
	}
}

// ResolvePublicIP resolves host and returns the first address, rejecting any
// resolution that includes a non-public address unless the host is
// allowlisted. Checking every address closes the multi-answer bypass where
// one benign record hides a private one.
func ResolvePublicIP(ctx context.Context, host string, allowHosts []string) (net.IP, error) {
	allowed := hostAllowed(host, allowHosts)

	if ip := net.ParseIP(host); ip != nil {
		if !allowed && isDeniedIP(ip) {
			return nil, fmt.Errorf("fetch blocked: %s resolves to a private address", host)
		}
		return ip, nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("could not resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}

	if !allowed {
		for _, addr := range addrs {
			if isDeniedIP(addr.IP) {
				return nil, fmt.Errorf("fetch blocked: %s resolves to a private address", host)
			}
		}
	}
	return addrs[0].IP, nil
}

func hostAllowed(host string, allowHosts []string) bool {
	for _, candidate := range allowHosts {
		if strings.EqualFold(strings.TrimSpace(candidate), host) {
			return true
		}
	}
	return false
}

// isDeniedIP reports whether the address is loopback, private, link-local,
// unspecified or multicast.
func isDeniedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}
