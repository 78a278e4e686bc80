package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/grafana/regexp"

	"playback-proxy/work/utils"
)

// single or multiple byte ranges, open-ended either side
var rangePattern = regexp.MustCompile(`^bytes=\d*-\d*(\s*,\s*\d*-\d*)*$`)

// headers relayed from the upstream file response
var fileHeaders = []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"}

// HandleFile streams the session's URL as a progressive file. A client Range header is
// forwarded; the upstream status (200 or 206) and range headers are mirrored so seeking
// works end to end.
func (g *Gateway) HandleFile(w http.ResponseWriter, r *http.Request, id string) {
	s, err := g.lookup(r.Context(), id)
	if err != nil {
		writeTextError(w, err)
		return
	}

	extra := map[string]string{"Accept-Encoding": "identity"}
	if rng := r.Header.Get("Range"); rng != "" {
		// an unparseable Range is ignored and the whole file served
		if rangePattern.MatchString(rng) {
			extra["Range"] = rng
		} else {
			g.logger.Debug("{proxy/file - HandleFile} Ignoring malformed Range %q for session %s", rng, utils.ShortID(s.ID))
		}
	}

	release, ok := g.acquireSlot()
	if !ok {
		g.rejectAtCapacity(w, "HandleFile")
		return
	}
	defer release()

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)

	headerTimer := time.AfterFunc(g.cfg.FetchTimeout, func() { cancel(errUpstreamTimeout) })
	resp, err := g.fetch(ctx, EndpointFile, s.URL, s.Headers, extra)
	headerTimer.Stop()
	if err != nil {
		writeTextError(w, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		writeTextError(w, g.badStatus(EndpointFile, s.URL, resp))
		return
	}

	for _, h := range fileHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(resp.StatusCode)

	body := newIdleTimeoutReader(resp.Body, g.cfg.FetchTimeout, cancel)
	defer body.Stop()

	total, err := g.stream(ctx, w, EndpointFile, body)
	g.finishStream(EndpointFile, s.ID, total, err)
}
