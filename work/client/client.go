package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"

	"playback-proxy/work/config"
)

const maxRedirects = 10

// Guard is the host policy applied to every outbound connection.
type Guard interface {
	Check(ctx context.Context, rawURL string) (*url.URL, error)
	CheckAddr(addr netip.Addr) error
}

// HeaderSettingClient wraps http.Client to set per-session headers, rate limit per
// upstream host, and refuse connections to blocked addresses.
type HeaderSettingClient struct {
	Client    *http.Client
	userAgent string
	rps       int
	limiters  *xsync.MapOf[string, ratelimit.Limiter]
}

// NewHeaderSettingClient builds the upstream client. With a nil guard no dial-time
// address check is made (tests against loopback servers).
func NewHeaderSettingClient(cfg *config.Config, guard Guard) *HeaderSettingClient {
	dialer := &net.Dialer{
		Timeout:   cfg.FetchTimeout,
		KeepAlive: 30 * time.Second,
	}
	if guard != nil {
		dialer.Control = func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			addr, err := netip.ParseAddr(host)
			if err != nil {
				return fmt.Errorf("dial to non-IP address %q: %w", host, err)
			}
			return guard.CheckAddr(addr)
		}
	}

	client := &http.Client{
		Timeout: 0, // streaming bodies are bounded per read, not overall
		Transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: cfg.FetchTimeout,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("stopped after too many redirects")
			}
			if guard != nil {
				if _, err := guard.Check(req.Context(), req.URL.String()); err != nil {
					return err
				}
			}
			return nil
		},
	}

	return &HeaderSettingClient{
		Client:    client,
		userAgent: cfg.UserAgent,
		rps:       cfg.UpstreamRequestsPerSecond,
		limiters:  xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

// Do sends req after applying the session headers and waiting on the host's rate limiter.
func (hsc *HeaderSettingClient) Do(req *http.Request, headers map[string]string) (*http.Response, error) {
	hsc.setHeaders(req, headers)
	if limiter := hsc.limiterFor(req.URL.Hostname()); limiter != nil {
		limiter.Take()
	}
	return hsc.Client.Do(req)
}

// setHeaders copies the session's headers onto req. A User-Agent is only
// supplied when the session did not carry one.
func (hsc *HeaderSettingClient) setHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" && hsc.userAgent != "" {
		req.Header.Set("User-Agent", hsc.userAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
}

func (hsc *HeaderSettingClient) limiterFor(host string) ratelimit.Limiter {
	if hsc.rps <= 0 || host == "" {
		return nil
	}
	limiter, _ := hsc.limiters.LoadOrCompute(host, func() ratelimit.Limiter {
		return ratelimit.New(hsc.rps)
	})
	return limiter
}

// CloseIdleConnections releases pooled upstream connections on shutdown.
func (hsc *HeaderSettingClient) CloseIdleConnections() {
	hsc.Client.CloseIdleConnections()
}
