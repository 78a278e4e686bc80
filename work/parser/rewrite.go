package parser

import (
	"net/url"
	"strings"

	"playback-proxy/work/logger"
	"playback-proxy/work/utils"
)

// TokenSigner issues the opaque token that replaces an upstream URL.
type TokenSigner interface {
	Sign(upstreamURL string) string
}

// Rewriter turns an upstream HLS playlist into one whose every URI line points back
// at the proxy's sub-resource endpoint.
//
// The rewrite is line based and applies the same way to master playlists (variant URIs)
// and media playlists (segment URIs):
//   - blank lines and lines starting with "#" are copied byte for byte
//   - every other line is resolved against the playlist URL, signed, and replaced with
//     /proxy/hls/{sessionId}/u/{token}
//
// URIs inside tag attributes (EXT-X-KEY, EXT-X-MEDIA, EXT-X-MAP URI="...") are left as-is.
type Rewriter struct {
	signer    TokenSigner
	obfuscate bool
}

// NewRewriter creates a rewriter. obfuscate controls how URLs appear in debug logs.
func NewRewriter(signer TokenSigner, obfuscate bool) *Rewriter {
	return &Rewriter{signer: signer, obfuscate: obfuscate}
}

// SubResourcePath is the proxy path a signed token is served from.
func SubResourcePath(sessionID, token string) string {
	return "/proxy/hls/" + url.PathEscape(sessionID) + "/u/" + token
}

// Rewrite returns manifestText with every URI line replaced. Line order and count are
// preserved, and a line ending in "\r" keeps it.
func (r *Rewriter) Rewrite(manifestText, manifestBaseURL, sessionID string) string {
	base, baseErr := url.Parse(manifestBaseURL)
	if baseErr != nil {
		logger.Warn("{parser/rewrite - Rewrite} Unparseable playlist base URL %s: %v", utils.LogURLWithFlag(r.obfuscate, manifestBaseURL), baseErr)
		base = nil
	}

	lines := strings.Split(manifestText, "\n")
	rewritten := 0

	for i, line := range lines {
		body, hadCR := strings.CutSuffix(line, "\r")
		trimmed := strings.TrimSpace(body)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		target := r.resolveURL(trimmed, base)
		out := SubResourcePath(sessionID, r.signer.Sign(target))
		if hadCR {
			out += "\r"
		}
		lines[i] = out
		rewritten++
	}

	logger.Debug("{parser/rewrite - Rewrite} Rewrote %d URI lines for session %s", rewritten, utils.ShortID(sessionID))

	return strings.Join(lines, "\n")
}

// resolveURL makes a playlist line absolute against the playlist URL. When either side
// cannot be parsed the raw line is used, and the Host Guard decides at fetch time.
func (r *Rewriter) resolveURL(line string, base *url.URL) string {
	rel, err := url.Parse(line)
	if err != nil {
		logger.Debug("{parser/rewrite - resolveURL} Unparseable playlist line %s: %v", utils.LogURLWithFlag(r.obfuscate, line), err)
		return line
	}

	if base == nil {
		return line
	}

	return base.ResolveReference(rel).String()
}
