package parser

import (
	"strings"
	"testing"

	"playback-proxy/work/signer"
)

func tokenFrom(t *testing.T, line, sessionID string) string {
	t.Helper()
	prefix := "/proxy/hls/" + sessionID + "/u/"
	if !strings.HasPrefix(line, prefix) {
		t.Fatalf("line %q does not start with %q", line, prefix)
	}
	return strings.TrimPrefix(line, prefix)
}

func TestRewrite_MasterScenario(t *testing.T) {
	s := signer.New("secret")
	r := NewRewriter(s, true)

	in := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=100\n1080p/index.m3u8\n"
	out := r.Rewrite(in, "http://origin/a/master.m3u8", "play_1")

	lines := strings.Split(out, "\n")
	if len(lines) != 4 {
		t.Fatalf("line count = %d, want 4: %q", len(lines), out)
	}
	if lines[0] != "#EXTM3U" || lines[1] != "#EXT-X-STREAM-INF:BANDWIDTH=100" || lines[3] != "" {
		t.Errorf("tag lines changed: %q", out)
	}

	got, err := s.Verify(tokenFrom(t, lines[2], "play_1"))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got != "http://origin/a/1080p/index.m3u8" {
		t.Errorf("Verify() = %q, want http://origin/a/1080p/index.m3u8", got)
	}
}

func TestRewrite_MediaPlaylist(t *testing.T) {
	s := signer.New("secret")
	r := NewRewriter(s, false)

	in := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-TARGETDURATION:6",
		`#EXT-X-KEY:METHOD=AES-128,URI="key.bin"`,
		"",
		"#EXTINF:6.0,",
		"seg/000.ts",
		"#EXTINF:6.0,",
		"  ../other/001.ts  ",
		"#EXTINF:6.0,",
		"https://cdn2.example.com/abs/002.ts?sig=x",
		"#EXTINF:6.0,",
		"/root/003.ts",
		"#EXT-X-ENDLIST",
	}, "\n")

	out := r.Rewrite(in, "https://cdn.example.com/live/ch1/index.m3u8?auth=1", "play_abc")
	inLines := strings.Split(in, "\n")
	outLines := strings.Split(out, "\n")
	if len(inLines) != len(outLines) {
		t.Fatalf("line count changed: %d -> %d", len(inLines), len(outLines))
	}

	want := map[int]string{
		5:  "https://cdn.example.com/live/ch1/seg/000.ts",
		7:  "https://cdn.example.com/live/other/001.ts",
		9:  "https://cdn2.example.com/abs/002.ts?sig=x",
		11: "https://cdn.example.com/root/003.ts",
	}
	for i, line := range inLines {
		if target, ok := want[i]; ok {
			got, err := s.Verify(tokenFrom(t, outLines[i], "play_abc"))
			if err != nil {
				t.Fatalf("line %d: Verify() error = %v", i, err)
			}
			if got != target {
				t.Errorf("line %d: resolved %q, want %q", i, got, target)
			}
			continue
		}
		if outLines[i] != line {
			t.Errorf("line %d changed: %q -> %q", i, line, outLines[i])
		}
	}
}

func TestRewrite_CRLF(t *testing.T) {
	s := signer.New("secret")
	r := NewRewriter(s, true)

	out := r.Rewrite("#EXTM3U\r\n#EXTINF:4,\r\na.ts\r\n", "http://origin/p/list.m3u8", "play_1")
	lines := strings.Split(out, "\n")
	if lines[0] != "#EXTM3U\r" || lines[1] != "#EXTINF:4,\r" {
		t.Errorf("tag lines lost CR: %q", out)
	}
	if !strings.HasSuffix(lines[2], "\r") {
		t.Fatalf("URI line lost CR: %q", lines[2])
	}
	got, err := s.Verify(tokenFrom(t, strings.TrimSuffix(lines[2], "\r"), "play_1"))
	if err != nil || got != "http://origin/p/a.ts" {
		t.Errorf("Verify() = %q, %v", got, err)
	}
}

func TestRewrite_WhitespaceOnlyAndIndentedTags(t *testing.T) {
	r := NewRewriter(signer.New("secret"), true)
	in := "#EXTM3U\n   \n  #EXT-X-VERSION:3\n\t\n"
	if out := r.Rewrite(in, "http://origin/x.m3u8", "play_1"); out != in {
		t.Errorf("Rewrite() = %q, want unchanged %q", out, in)
	}
}

func TestSubResourcePath_EscapesSessionID(t *testing.T) {
	if got := SubResourcePath("a/b", "tok"); got != "/proxy/hls/a%2Fb/u/tok" {
		t.Errorf("SubResourcePath() = %q", got)
	}
}
