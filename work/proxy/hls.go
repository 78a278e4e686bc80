package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"playback-proxy/work/buffer"
	"playback-proxy/work/metrics"
	"playback-proxy/work/parser"
	"playback-proxy/work/session"
	"playback-proxy/work/utils"
)

// Endpoint labels used in metrics and logs.
const (
	EndpointCreateSession = "create_session"
	EndpointManifest      = "manifest"
	EndpointSegment       = "segment"
	EndpointFile          = "file"
	EndpointHealth        = "health"
)

const mpegURLContentType = "application/vnd.apple.mpegurl"

// HandleManifest fetches the session's playlist and returns it with every URI line
// replaced by a signed sub-resource path.
func (g *Gateway) HandleManifest(w http.ResponseWriter, r *http.Request, id string) {
	s, err := g.lookup(r.Context(), id)
	if err != nil {
		writeTextError(w, err)
		return
	}

	ctx, cancel := context.WithTimeoutCause(r.Context(), g.cfg.FetchTimeout, errUpstreamTimeout)
	defer cancel()

	resp, err := g.fetch(ctx, EndpointManifest, s.URL, s.Headers, nil)
	if err != nil {
		writeTextError(w, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		writeTextError(w, g.badStatus(EndpointManifest, s.URL, resp))
		return
	}

	text, err := g.readPlaylist(ctx, EndpointManifest, s.URL, resp.Body)
	if err != nil {
		writeTextError(w, err)
		return
	}

	g.serveRewritten(w, s, text, finalURL(resp, s.URL))
}

// HandleSubResource serves a URL referenced from a rewritten playlist. The token must
// verify under the proxy's secret; the session must still be live. Nested playlists
// are rewritten like the top-level manifest, everything else streams through as-is.
func (g *Gateway) HandleSubResource(w http.ResponseWriter, r *http.Request, id, token string) {
	s, err := g.lookup(r.Context(), id)
	if err != nil {
		writeTextError(w, err)
		return
	}

	target, err := g.signer.Verify(token)
	if err != nil {
		metrics.SecurityEvents.WithLabelValues("invalid_token").Inc()
		g.logger.Security("{proxy/hls - HandleSubResource} Rejected token for session %s from %s", utils.ShortID(id), r.RemoteAddr)
		writeTextError(w, err)
		return
	}

	release, ok := g.acquireSlot()
	if !ok {
		g.rejectAtCapacity(w, "HandleSubResource")
		return
	}
	defer release()

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)

	headerTimer := time.AfterFunc(g.cfg.FetchTimeout, func() { cancel(errUpstreamTimeout) })
	resp, err := g.fetch(ctx, EndpointSegment, target, s.Headers, map[string]string{"Accept-Encoding": "identity"})
	headerTimer.Stop()
	if err != nil {
		writeTextError(w, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		writeTextError(w, g.badStatus(EndpointSegment, target, resp))
		return
	}

	body := newIdleTimeoutReader(resp.Body, g.cfg.FetchTimeout, cancel)
	defer body.Stop()

	if isPlaylist(resp.Header.Get("Content-Type"), target) {
		text, err := g.readPlaylist(ctx, EndpointSegment, target, body)
		if err != nil {
			writeTextError(w, err)
			return
		}
		g.serveRewritten(w, s, text, finalURL(resp, target))
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	total, err := g.stream(ctx, w, EndpointSegment, body)
	g.finishStream(EndpointSegment, s.ID, total, err)
}

// readPlaylist reads a playlist body up to the configured cap.
func (g *Gateway) readPlaylist(ctx context.Context, endpoint, rawURL string, body io.Reader) (string, error) {
	text, err := buffer.ReadCapped(body, g.cfg.ManifestMaxBytes)
	if err == nil {
		return text, nil
	}
	if errors.Is(err, buffer.ErrTooLarge) {
		metrics.UpstreamErrors.WithLabelValues(endpoint, "too_large").Inc()
		g.logger.Warn("{proxy/hls - readPlaylist} Playlist %s exceeds %d bytes", utils.LogURL(g.cfg, rawURL), g.cfg.ManifestMaxBytes)
		return "", &UpstreamError{Message: "Upstream playlist too large", Err: err}
	}
	return "", g.classify(ctx, endpoint, rawURL, err)
}

func (g *Gateway) serveRewritten(w http.ResponseWriter, s *session.Session, text, baseURL string) {
	info := parser.Inspect(text)
	metrics.ManifestsRewritten.WithLabelValues(info.Type).Inc()
	g.logger.Debug("{proxy/hls - serveRewritten} Session %s: %s playlist (%d variants, %d segments, ended=%t)",
		utils.ShortID(s.ID), info.Type, info.Variants, info.Segments, info.Ended)

	out := g.rewriter.Rewrite(text, baseURL, s.ID)

	w.Header().Set("Content-Type", mpegURLContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, out); err != nil {
		g.logger.Debug("{proxy/hls - serveRewritten} Session %s: write failed: %v", utils.ShortID(s.ID), err)
	}
}

// finalURL is the URL the body was actually served from, after redirects. Relative
// playlist entries resolve against it.
func finalURL(resp *http.Response, fallback string) string {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String()
	}
	return fallback
}

var playlistContentTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
}

// isPlaylist reports whether an upstream response is an HLS playlist, by content type
// or, for servers that label playlists generically, by a .m3u8 path.
func isPlaylist(contentType, rawURL string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	if playlistContentTypes[strings.ToLower(strings.TrimSpace(mediaType))] {
		return true
	}
	path, _, _ := strings.Cut(rawURL, "?")
	return strings.HasSuffix(strings.ToLower(path), ".m3u8")
}
