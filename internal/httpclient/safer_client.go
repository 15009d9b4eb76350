// Package httpclient provides the outbound HTTP client used for AI providers.
// Requests to loopback, private, link-local and metadata addresses are refused
// both before dialing and after DNS resolution, and redirects are re-checked.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/teranos/engage/errors"
)

// Options customize a SaferClient. Zero values select the defaults.
type Options struct {
	AllowedSchemes []string // default http, https
	MaxRedirects   int      // default 10
	// AllowPrivate disables address filtering. Only tests talking to httptest servers set it.
	AllowPrivate bool
}

// SaferClient is an http.Client that refuses requests to internal addresses.
type SaferClient struct {
	*http.Client
	schemes      []string
	maxRedirects int
	allowPrivate bool
}

// New builds a SaferClient with the given overall request timeout.
func New(timeout time.Duration, opts Options) *SaferClient {
	c := &SaferClient{
		Client:       &http.Client{Timeout: timeout},
		schemes:      opts.AllowedSchemes,
		maxRedirects: opts.MaxRedirects,
		allowPrivate: opts.AllowPrivate,
	}
	if len(c.schemes) == 0 {
		c.schemes = []string{"http", "https"}
	}
	if c.maxRedirects <= 0 {
		c.maxRedirects = 10
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		if err := c.check(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if !c.allowPrivate {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		c.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, ip := range ips {
					if Internal(ip) {
						return nil, errors.Newf("private IP address blocked: %s", ip)
					}
				}
				// dial the address we checked, not a fresh resolution
				return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
			},
			MaxIdleConns:          20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}
	return c
}

// ForTesting wraps an existing client, typically an httptest server's, with filtering off.
func ForTesting(client *http.Client) *SaferClient {
	return &SaferClient{Client: client, schemes: []string{"http", "https"}, maxRedirects: 10, allowPrivate: true}
}

// ValidateURL parses raw and applies the same checks Do does.
func (c *SaferClient) ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.check(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Do sends req after validating its URL.
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.check(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked by SSRF protection")
	}
	return c.Client.Do(req)
}

func (c *SaferClient) check(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if !slices.Contains(c.schemes, scheme) {
		return errors.Newf("scheme %q not allowed (allowed: %v)", scheme, c.schemes)
	}
	if u.User != nil {
		return errors.New("URL contains @ character (potential SSRF attempt)")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if c.allowPrivate {
		return nil
	}
	if isLocalhost(host) {
		return errors.New("localhost access blocked")
	}
	if ip, err := netip.ParseAddr(host); err == nil && Internal(ip) {
		return errors.Newf("private IP address blocked: %s", host)
	}
	return nil
}

var reserved = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// Internal reports addresses that must never be reached from a server process:
// loopback, RFC 1918 and ULA, link-local (cloud metadata), multicast, unspecified
// and reserved ranges. IPv4-mapped IPv6 addresses are judged as IPv4.
func Internal(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() || ip.IsInterfaceLocalMulticast() {
		return true
	}
	for _, p := range reserved {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func isLocalhost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return host == "localhost" || host == "localhost.localdomain" || strings.HasSuffix(host, ".localhost")
}
