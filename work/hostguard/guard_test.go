package hostguard

import (
	"context"
	"errors"
	"net/netip"
	"testing"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	raw, ok := f[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	addrs := make([]netip.Addr, 0, len(raw))
	for _, r := range raw {
		addrs = append(addrs, netip.MustParseAddr(r))
	}
	return addrs, nil
}

func TestCheck_BlockedRegardlessOfAllowlist(t *testing.T) {
	blocked := []string{
		"http://localhost/a.m3u8",
		"http://LOCALHOST./a.m3u8",
		"http://tv.localhost/a.m3u8",
		"http://127.0.0.1/a.m3u8",
		"http://127.8.9.10:8080/a",
		"http://10.0.0.5/x.m3u8",
		"http://172.16.0.1/a",
		"http://172.31.255.255/a",
		"http://192.168.1.1/a",
		"http://169.254.169.254/latest/meta-data",
		"http://0.0.0.0/a",
		"http://[::1]/a",
		"http://[::]/a",
		"http://[fd00::1]/a",
		"http://[fe80::1]/a",
		"http://[::ffff:127.0.0.1]/a",
		"http://2130706433/a",
		"http://0x7f.1/a",
	}

	guards := map[string]*Guard{
		"permit-all": New(Options{}),
		"allowlisted": New(Options{Allowlist: []string{
			"localhost", "tv.localhost", "127.0.0.1", "10.0.0.5", "192.168.1.1", "169.254.169.254",
		}}),
	}

	for name, g := range guards {
		for _, raw := range blocked {
			_, err := g.Check(context.Background(), raw)
			if !errors.Is(err, ErrForbiddenHost) {
				t.Errorf("%s: Check(%q) error = %v, want ErrForbiddenHost", name, raw, err)
			}
		}
	}
}

func TestCheck_SchemeAndShape(t *testing.T) {
	g := New(Options{})
	for _, raw := range []string{
		"ftp://example.com/a",
		"file:///etc/passwd",
		"gopher://example.com",
		"//example.com/a",
		"/relative/path.m3u8",
		"http://",
		"http://%zz/",
	} {
		if g.IsAllowed(context.Background(), raw) {
			t.Errorf("IsAllowed(%q) = true, want false", raw)
		}
	}
}

func TestCheck_PublicHostsPermitAll(t *testing.T) {
	g := New(Options{})
	if !g.PermitsAll() {
		t.Fatalf("PermitsAll() = false for empty optional allowlist")
	}

	u, err := g.Check(context.Background(), "https://cdn.example.com/live/index.m3u8?t=1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if u.Host != "cdn.example.com" || u.RawQuery != "t=1" {
		t.Errorf("Check() returned %v", u)
	}
	if !g.IsAllowed(context.Background(), "http://93.184.216.34/a.ts") {
		t.Errorf("public IPv4 literal should be allowed")
	}
}

func TestCheck_Allowlist(t *testing.T) {
	g := New(Options{Allowlist: []string{"CDN.Example.com."}})

	if !g.IsAllowed(context.Background(), "https://cdn.example.com/a.m3u8") {
		t.Errorf("allowlisted host rejected")
	}
	if !g.IsAllowed(context.Background(), "https://CDN.EXAMPLE.COM./a.m3u8") {
		t.Errorf("case/trailing-dot variant rejected")
	}
	if g.IsAllowed(context.Background(), "https://evil.example.com/a.m3u8") {
		t.Errorf("non-allowlisted host accepted")
	}
	if g.IsAllowed(context.Background(), "https://sub.cdn.example.com/a.m3u8") {
		t.Errorf("allowlist must be exact, subdomain accepted")
	}
}

func TestCheck_AllowlistRequired(t *testing.T) {
	g := New(Options{AllowlistRequired: true})
	if g.PermitsAll() {
		t.Fatalf("PermitsAll() = true in required mode")
	}
	if g.IsAllowed(context.Background(), "https://cdn.example.com/a.m3u8") {
		t.Errorf("required mode with empty allowlist must deny")
	}
}

func TestCheck_Resolution(t *testing.T) {
	g := New(Options{
		Resolve: true,
		Resolver: fakeResolver{
			"cdn.example.com":    {"93.184.216.34", "2606:2800:220:1::1"},
			"rebind.example.com": {"93.184.216.34", "10.1.2.3"},
			"mapped.example.com": {"::ffff:192.168.0.10"},
		},
	})

	if !g.IsAllowed(context.Background(), "https://cdn.example.com/a") {
		t.Errorf("public name rejected")
	}
	for _, raw := range []string{
		"https://rebind.example.com/a",
		"https://mapped.example.com/a",
		"https://unknown.example.com/a",
	} {
		if _, err := g.Check(context.Background(), raw); !errors.Is(err, ErrForbiddenHost) {
			t.Errorf("Check(%q) error = %v, want ErrForbiddenHost", raw, err)
		}
	}
}

func TestCheck_IDN(t *testing.T) {
	g := New(Options{Allowlist: []string{"xn--bcher-kva.example"}})
	if !g.IsAllowed(context.Background(), "https://bücher.example/a.m3u8") {
		t.Errorf("unicode host should match its punycode allowlist entry")
	}
}

func TestCheckAddr(t *testing.T) {
	g := New(Options{})
	if err := g.CheckAddr(netip.MustParseAddr("8.8.8.8")); err != nil {
		t.Errorf("CheckAddr(8.8.8.8) = %v", err)
	}
	if err := g.CheckAddr(netip.MustParseAddr("::ffff:10.0.0.1")); !errors.Is(err, ErrForbiddenHost) {
		t.Errorf("CheckAddr(mapped 10.0.0.1) = %v", err)
	}
	if err := g.CheckAddr(netip.Addr{}); !errors.Is(err, ErrForbiddenHost) {
		t.Errorf("CheckAddr(zero) = %v", err)
	}
}
