// Package httpclient provides the outbound HTTP client used for provider
// endpoints and webhook deliveries. URLs come from operator-entered provider
// configs, so every request is screened against SSRF: non-HTTP schemes,
// localhost, and private address ranges are refused unless the caller opts
// out for LAN-hosted services.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Await-d/FluxCaption-sub000/errors"
)

const maxRedirects = 10

// SaferClient is an http.Client that screens request and redirect targets.
type SaferClient struct {
	*http.Client
	blockPrivateIP bool
}

// SaferClientOptions relaxes the default screening.
type SaferClientOptions struct {
	// BlockPrivateIP defaults to true. Local inference servers (Ollama on
	// localhost or the LAN) need it off.
	BlockPrivateIP *bool
}

// NewSaferClient creates a client with full screening enabled.
func NewSaferClient(timeout time.Duration) *SaferClient {
	return NewSaferClientWithOptions(timeout, SaferClientOptions{})
}

// NewSaferClientWithOptions creates a client with explicit screening options.
func NewSaferClientWithOptions(timeout time.Duration, opts SaferClientOptions) *SaferClient {
	blockPrivateIP := true
	if opts.BlockPrivateIP != nil {
		blockPrivateIP = *opts.BlockPrivateIP
	}

	client := &SaferClient{
		Client:         &http.Client{Timeout: timeout},
		blockPrivateIP: blockPrivateIP,
	}

	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errors.Newf("stopped after %d redirects", maxRedirects)
		}
		if err := client.validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if blockPrivateIP {
		client.Transport = resolvingTransport()
	}
	return client
}

// resolvingTransport re-checks resolved IPs at dial time, so a hostname that
// passed validation cannot rebind to a private address between the DNS lookup
// and the connect.
func resolvingTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve host %q", host)
			}
			for _, ip := range ips {
				if isPrivateIP(ip) {
					return nil, errors.Newf("private IP address blocked: %s", ip)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Do executes a request after screening its URL.
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.validateURL(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked by SSRF protection")
	}
	return c.Client.Do(req)
}

func (c *SaferClient) validateURL(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.Newf("scheme %q not allowed", u.Scheme)
	}

	// http://evil.com@localhost/ parses with evil.com as userinfo.
	if strings.Contains(u.String(), "@") {
		return errors.New("URL contains @ character (potential SSRF attempt)")
	}

	hostname := u.Hostname()
	if hostname == "" {
		return errors.New("URL missing hostname")
	}

	if c.blockPrivateIP {
		if isLocalhost(hostname) {
			return errors.New("localhost access blocked")
		}
		if ip := net.ParseIP(hostname); ip != nil && isPrivateIP(ip) {
			return errors.Newf("private IP address blocked: %s", hostname)
		}
	}
	return nil
}

// privateV4Blocks covers RFC 1918 plus loopback, link-local, multicast, and
// the reserved ranges.
var privateV4Blocks = []net.IPNet{
	{IP: net.IPv4(10, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(172, 16, 0, 0), Mask: net.CIDRMask(12, 32)},
	{IP: net.IPv4(192, 168, 0, 0), Mask: net.CIDRMask(16, 32)},
	{IP: net.IPv4(127, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(169, 254, 0, 0), Mask: net.CIDRMask(16, 32)},
	{IP: net.IPv4(0, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(224, 0, 0, 0), Mask: net.CIDRMask(4, 32)},
	{IP: net.IPv4(240, 0, 0, 0), Mask: net.CIDRMask(4, 32)},
}

func isPrivateIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		for _, block := range privateV4Blocks {
			if block.Contains(ip4) {
				return true
			}
		}
		return false
	}

	if len(ip) == net.IPv6len {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
			return true
		}
		// Unique local, fc00::/7.
		if (ip[0] & 0xfe) == 0xfc {
			return true
		}
		// Site-local, fec0::/10. Deprecated but still routable on old gear.
		if ip[0] == 0xfe && (ip[1]&0xc0) == 0xc0 {
			return true
		}
		// Documentation prefix, 2001:db8::/32.
		if ip[0] == 0x20 && ip[1] == 0x01 && ip[2] == 0x0d && ip[3] == 0xb8 {
			return true
		}
	}
	return false
}

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}

// WrapClient wraps an existing http.Client with screening disabled. Only for
// tests that talk to an httptest server on the loopback interface.
func WrapClient(client *http.Client) *SaferClient {
	return &SaferClient{
		Client:         client,
		blockPrivateIP: false,
	}
}
