// Package hostguard decides whether an upstream URL may be fetched by the proxy.
//
// Every upstream the proxy touches goes through a Guard: at session creation, before each
// manifest/sub-resource/file fetch, and once more at dial time against the address actually
// connected to.
package hostguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ErrForbiddenHost is wrapped by every rejection.
var ErrForbiddenHost = errors.New("forbidden upstream host")

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// Resolver is the subset of *net.Resolver the guard needs.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Options configure a Guard.
type Options struct {
	Allowlist         []string // exact hostnames; empty means any non-blocked host
	AllowlistRequired bool     // with an empty allowlist, deny everything
	Resolve           bool     // resolve names and check every returned address
	Resolver          Resolver // defaults to net.DefaultResolver
}

// Guard classifies upstream URLs. It is safe for concurrent use.
type Guard struct {
	allow    map[string]struct{}
	required bool
	resolve  bool
	resolver Resolver
}

// New builds a Guard from options. Allowlist entries are normalised the same way
// request hosts are, so "CDN.example.com." matches "cdn.example.com".
func New(opts Options) *Guard {
	g := &Guard{
		allow:    make(map[string]struct{}, len(opts.Allowlist)),
		required: opts.AllowlistRequired,
		resolve:  opts.Resolve,
		resolver: opts.Resolver,
	}
	if g.resolver == nil {
		g.resolver = net.DefaultResolver
	}
	for _, h := range opts.Allowlist {
		if n, err := normalizeHost(h); err == nil && n != "" {
			g.allow[n] = struct{}{}
		}
	}
	return g
}

// PermitsAll reports whether any public host is allowed (empty, optional allowlist).
func (g *Guard) PermitsAll() bool {
	return len(g.allow) == 0 && !g.required
}

// IsAllowed is Check without the reason.
func (g *Guard) IsAllowed(ctx context.Context, rawURL string) bool {
	_, err := g.Check(ctx, rawURL)
	return err == nil
}

// Check parses rawURL and returns it when the proxy may fetch it.
// Any failure, including a failed DNS lookup, is a rejection wrapping ErrForbiddenHost.
func (g *Guard) Check(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable url", ErrForbiddenHost)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q not allowed", ErrForbiddenHost, u.Scheme)
	}

	host, err := normalizeHost(u.Hostname())
	if err != nil || host == "" {
		return nil, fmt.Errorf("%w: missing or invalid host", ErrForbiddenHost)
	}

	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return nil, fmt.Errorf("%w: %s", ErrForbiddenHost, host)
	}

	// inet_aton forms such as "2130706433" or "0x7f.1" reach loopback on some stacks
	if isNumericHost(host) {
		if _, perr := netip.ParseAddr(host); perr != nil {
			return nil, fmt.Errorf("%w: ambiguous numeric host %s", ErrForbiddenHost, host)
		}
	}

	if addr, perr := netip.ParseAddr(host); perr == nil {
		if err := g.CheckAddr(addr); err != nil {
			return nil, err
		}
	} else if g.resolve {
		addrs, lerr := g.resolver.LookupNetIP(ctx, "ip", host)
		if lerr != nil {
			return nil, fmt.Errorf("%w: resolving %s: %v", ErrForbiddenHost, host, lerr)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("%w: %s has no addresses", ErrForbiddenHost, host)
		}
		for _, a := range addrs {
			if err := g.CheckAddr(a); err != nil {
				return nil, fmt.Errorf("%s resolves to blocked address: %w", host, err)
			}
		}
	}

	if len(g.allow) > 0 {
		if _, ok := g.allow[host]; !ok {
			return nil, fmt.Errorf("%w: %s is not allowlisted", ErrForbiddenHost, host)
		}
	} else if g.required {
		return nil, fmt.Errorf("%w: allowlist is required but empty", ErrForbiddenHost)
	}

	return u, nil
}

// CheckAddr rejects addresses inside a blocked range. IPv4-mapped IPv6
// addresses are judged by their IPv4 form.
func (g *Guard) CheckAddr(addr netip.Addr) error {
	if !addr.IsValid() {
		return fmt.Errorf("%w: invalid address", ErrForbiddenHost)
	}
	addr = addr.Unmap().WithZone("")
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return fmt.Errorf("%w: %s is in %s", ErrForbiddenHost, addr, p)
		}
	}
	return nil
}

func isNumericHost(h string) bool {
	last := h
	if i := strings.LastIndexByte(h, '.'); i >= 0 {
		last = h[i+1:]
	}
	if last == "" {
		return false
	}
	if strings.HasPrefix(last, "0x") {
		return true
	}
	for _, c := range last {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// normalizeHost lowercases, drops a trailing dot and converts IDNs to ASCII.
// IPv6 literals come in without brackets from url.Hostname.
func normalizeHost(h string) (string, error) {
	h = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
	if h == "" {
		return "", nil
	}
	if _, err := netip.ParseAddr(h); err == nil {
		return h, nil
	}
	return idna.Lookup.ToASCII(h)
}
