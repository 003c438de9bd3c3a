package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/gatekeeper-sh/gatekeeper/internal/canonical"
	"github.com/gatekeeper-sh/gatekeeper/internal/domain/policy"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	defaultBodyCap      = 1 << 20 // 1 MiB
	defaultMaxRedirects = 3
)

// defaultDenyIPRanges applies when the policy sets none.
var defaultDenyIPRanges = []string{
	"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12",
	"192.168.0.0/16", "169.254.0.0/16", "0.0.0.0/8",
}

// responseHeaderAllowlist are the only upstream headers echoed back.
var responseHeaderAllowlist = []string{
	"content-type", "content-length", "cache-control",
	"etag", "last-modified", "date", "x-request-id",
}

// HTTPRequest executes http.request with per-hop SSRF validation: every
// hostname, including each redirect target, is resolved and every resolved
// address checked against the private ranges and the policy's deny CIDRs
// before any connection is made. The connection then dials one of the
// validated addresses, never a fresh resolution.
type HTTPRequest struct {
	logger *slog.Logger

	// lookupIP and dial are injectable for tests.
	lookupIP func(ctx context.Context, host string) ([]netip.Addr, error)
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewHTTPRequest returns the http.request executor.
func NewHTTPRequest(logger *slog.Logger) *HTTPRequest {
	var d net.Dialer
	return &HTTPRequest{
		logger:   logger,
		lookupIP: resolveAll,
		dial:     d.DialContext,
	}
}

func (h *HTTPRequest) Name() string { return policy.ToolHTTPRequest }

// resolveAll returns the union of A and AAAA records for host; an IP
// literal resolves to itself.
func resolveAll(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, ok := canonical.ParseIP(host); ok {
		return []netip.Addr{addr}, nil
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		if addr, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, addr.Unmap())
		}
	}
	return out, nil
}

// validateHost applies the domain rules and resolves the host, returning
// the validated addresses. Fail-closed: any private or denied address
// rejects the whole host.
func (h *HTTPRequest) validateHost(ctx context.Context, host string, tp policy.ToolPolicy) ([]netip.Addr, error) {
	lowered := strings.ToLower(host)
	for _, d := range tp.DenyDomains {
		if lowered == strings.ToLower(d) {
			return nil, fmt.Errorf("domain %s is denied by policy", host)
		}
	}
	if len(tp.AllowedDomains) > 0 {
		allowed := false
		for _, d := range tp.AllowedDomains {
			if policy.DomainMatches(lowered, d) {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("domain %s is not on the allow list", host)
		}
	}

	addrs, err := h.lookupIP(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}

	denyRanges := tp.DenyIPRanges
	if len(denyRanges) == 0 {
		denyRanges = defaultDenyIPRanges
	}
	for _, addr := range addrs {
		if canonical.IsPrivateAddr(addr) {
			return nil, fmt.Errorf("host %s resolves to private address %s", host, addr)
		}
		for _, cidr := range denyRanges {
			if canonical.IPInCIDR(addr.String(), cidr) {
				return nil, fmt.Errorf("host %s resolves to denied range %s (%s)", host, cidr, addr)
			}
		}
	}
	return addrs, nil
}

// clientFor builds a single-use client pinned to the validated addresses:
// the dialer ignores whatever the transport would resolve and connects to
// one of addrs, so the checked answer and the used answer cannot diverge.
func (h *HTTPRequest) clientFor(addrs []netip.Addr) *http.Client {
	dialPinned := func(ctx context.Context, network, hostport string) (net.Conn, error) {
		_, port, err := net.SplitHostPort(hostport)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, addr := range addrs {
			conn, err := h.dial(ctx, network, net.JoinHostPort(addr.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:       dialPinned,
			DisableKeepAlives: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (h *HTTPRequest) Execute(ctx context.Context, args map[string]any, tp policy.ToolPolicy) Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return failure("url is required")
	}
	method, _ := args["method"].(string)
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	body, _ := args["body"].(string)

	timeout := defaultHTTPTimeout
	if tp.TimeoutMs > 0 {
		timeout = time.Duration(tp.TimeoutMs) * time.Millisecond
	}
	bodyCap := int64(defaultBodyCap)
	if tp.MaxBodyBytes > 0 {
		bodyCap = tp.MaxBodyBytes
	}
	maxRedirects := defaultMaxRedirects
	if tp.MaxRedirects != nil {
		maxRedirects = *tp.MaxRedirects
	}

	// One deadline covers every hop; redirects do not extend it.
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	current, err := url.Parse(rawURL)
	if err != nil || current.Hostname() == "" {
		return failure("invalid url %q", rawURL)
	}
	if current.Scheme != "http" && current.Scheme != "https" {
		return failure("unsupported scheme %q", current.Scheme)
	}

	redirects := 0
	for {
		addrs, err := h.validateHost(ctx, current.Hostname(), tp)
		if err != nil {
			return h.asResult(ctx, timeout, err)
		}

		var reqBody io.Reader
		if body != "" && redirects == 0 {
			reqBody = strings.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, current.String(), reqBody)
		if err != nil {
			return failure("build request: %v", err)
		}
		if headers, ok := args["headers"].(map[string]any); ok && redirects == 0 {
			for k, v := range headers {
				if s, ok := v.(string); ok {
					req.Header.Set(k, s)
				}
			}
		}

		client := h.clientFor(addrs)
		resp, err := client.Do(req)
		if err != nil {
			return h.asResult(ctx, timeout, err)
		}

		if isRedirect(resp.StatusCode) {
			// Redirect bodies are closed unread.
			_ = resp.Body.Close()

			if method != http.MethodGet {
				return failure("redirect on non-GET request (%s %d)", method, resp.StatusCode)
			}
			location := resp.Header.Get("Location")
			if location == "" {
				return failure("redirect without Location header (%d)", resp.StatusCode)
			}
			next, err := current.Parse(location)
			if err != nil {
				return failure("invalid redirect location %q", location)
			}
			redirects++
			if redirects > maxRedirects {
				return failure("too many redirects (max %d)", maxRedirects)
			}
			current = next
			continue
		}

		defer func() { _ = resp.Body.Close() }()
		data, err := io.ReadAll(io.LimitReader(resp.Body, bodyCap+1))
		if err != nil {
			return h.asResult(ctx, timeout, err)
		}
		truncated := false
		if int64(len(data)) > bodyCap {
			data = data[:bodyCap]
			truncated = true
		}

		headers := map[string]string{}
		for _, name := range responseHeaderAllowlist {
			if v := resp.Header.Get(name); v != "" {
				headers[name] = v
			}
		}

		return Result{Success: resp.StatusCode < 400, Output: map[string]any{
			"status":    resp.StatusCode,
			"headers":   headers,
			"body":      string(data),
			"truncated": truncated,
			"redirects": redirects,
		}}
	}
}

// asResult folds an error into the structured form, recognizing the
// overall deadline.
func (h *HTTPRequest) asResult(ctx context.Context, timeout time.Duration, err error) Result {
	if ctx.Err() == context.DeadlineExceeded {
		return failure("Request timeout (%dms exceeded)", timeout.Milliseconds())
	}
	return failure("%v", err)
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

var _ Executor = (*HTTPRequest)(nil)
