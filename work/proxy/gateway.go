package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"playback-proxy/work/buffer"
	"playback-proxy/work/config"
	"playback-proxy/work/logger"
	"playback-proxy/work/metrics"
	"playback-proxy/work/parser"
	"playback-proxy/work/session"
	"playback-proxy/work/utils"
)

const (
	maxCreateBodyBytes = 64 * 1024
	maxSessionHeaders  = 32
)

// Guard decides whether an upstream URL may be fetched.
type Guard interface {
	Check(ctx context.Context, rawURL string) (*url.URL, error)
}

// Signer issues and verifies sub-resource tokens.
type Signer interface {
	Sign(upstreamURL string) string
	Verify(token string) (string, error)
}

// Upstream performs outbound requests with per-session headers applied.
type Upstream interface {
	Do(req *http.Request, headers map[string]string) (*http.Response, error)
}

// Gateway serves the playback API: session creation, rewritten HLS playlists, signed
// sub-resources and ranged file streaming.
type Gateway struct {
	cfg        *config.Config
	store      session.Store
	guard      Guard
	signer     Signer
	client     Upstream
	bufferPool *buffer.BufferPool
	rewriter   *parser.Rewriter
	logger     *logger.Logger
	clock      session.Clock
	slots      chan struct{} // concurrent streaming responses; nil means unlimited
}

// New wires a gateway. A nil clock uses time.Now.
func New(cfg *config.Config, store session.Store, guard Guard, signer Signer, httpClient Upstream, bufferPool *buffer.BufferPool, log *logger.Logger) *Gateway {
	gw := &Gateway{
		cfg:        cfg,
		store:      store,
		guard:      guard,
		signer:     signer,
		client:     httpClient,
		bufferPool: bufferPool,
		rewriter:   parser.NewRewriter(signer, cfg.ObfuscateUrls),
		logger:     log,
		clock:      time.Now,
	}
	if cfg.MaxConnectionsToApp > 0 {
		gw.slots = make(chan struct{}, cfg.MaxConnectionsToApp)
	}
	return gw
}

// SetClock replaces the gateway's time source.
func (g *Gateway) SetClock(clock session.Clock) {
	if clock != nil {
		g.clock = clock
	}
}

type createSessionRequest struct {
	Kind    string            `json:"kind"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

type createSessionResponse struct {
	OK        bool   `json:"ok"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expiresAt"`
}

// HandleCreateSession opens a playback session for an upstream URL.
// POST {kind, url, headers?} answers {ok, id, expiresAt} or {ok:false, message} with 400.
func (g *Gateway) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBodyBytes))
	if err := dec.Decode(&body); err != nil {
		g.rejectCreate(w, invalid("Invalid JSON body"))
		return
	}

	kind, ok := session.ParseKind(body.Kind)
	if !ok {
		g.rejectCreate(w, invalid("kind must be one of LIVE, MOVIE, EPISODE"))
		return
	}
	if err := validateUpstreamURL(body.URL); err != nil {
		g.rejectCreate(w, err)
		return
	}
	if err := validateHeaders(body.Headers); err != nil {
		g.rejectCreate(w, err)
		return
	}

	if _, err := g.guard.Check(r.Context(), body.URL); err != nil {
		metrics.SecurityEvents.WithLabelValues("forbidden_host").Inc()
		g.logger.Security("{proxy/gateway - HandleCreateSession} Refused session for %s from %s: %v", utils.LogURL(g.cfg, body.URL), r.RemoteAddr, err)
		g.rejectCreate(w, invalid("Forbidden upstream host"))
		return
	}

	s, err := g.store.Create(r.Context(), kind, body.URL, body.Headers, g.cfg.SessionTTL)
	if errors.Is(err, session.ErrStoreFull) {
		g.logger.Warn("{proxy/gateway - HandleCreateSession} Session store full, refusing %s session", kind)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{OK: false, Message: "Too many active sessions"})
		return
	}
	if err != nil {
		g.logger.Error("{proxy/gateway - HandleCreateSession} Failed to store session: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{OK: false, Message: "Failed to create session"})
		return
	}

	metrics.SessionsCreated.WithLabelValues(string(kind)).Inc()
	g.logger.Info("{proxy/gateway - HandleCreateSession} Created %s session %s for %s", kind, utils.ShortID(s.ID), utils.LogURL(g.cfg, s.URL))

	writeJSON(w, http.StatusOK, createSessionResponse{OK: true, ID: s.ID, ExpiresAt: s.ExpiresAt.UnixMilli()})
}

func (g *Gateway) rejectCreate(w http.ResponseWriter, err error) {
	g.logger.Debug("{proxy/gateway - HandleCreateSession} Rejected: %v", err)
	writeJSON(w, http.StatusBadRequest, errorResponse{OK: false, Message: messageFor(err)})
}

// validateUpstreamURL requires an absolute http(s) URL with a host. Userinfo is
// allowed; the client sends it upstream as Basic auth.
func validateUpstreamURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return invalid("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalid("url is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("url must use http or https")
	}
	if u.Host == "" {
		return invalid("url must be absolute")
	}
	return nil
}

// validateHeaders accepts only well-formed header fields, and never the ones that
// control framing or routing of the upstream request.
func validateHeaders(headers map[string]string) error {
	if len(headers) > maxSessionHeaders {
		return invalid("too many headers")
	}
	for k, v := range headers {
		if !httpguts.ValidHeaderFieldName(k) {
			return invalid("invalid header name %q", k)
		}
		if !httpguts.ValidHeaderFieldValue(v) {
			return invalid("invalid value for header %q", k)
		}
		switch http.CanonicalHeaderKey(k) {
		case "Host", "Content-Length", "Transfer-Encoding", "Connection", "Upgrade", "Te", "Trailer":
			return invalid("header %q is not allowed", k)
		}
	}
	return nil
}

// lookup loads a live session; unknown, malformed and expired ids all read as not found.
func (g *Gateway) lookup(ctx context.Context, id string) (*session.Session, error) {
	s, err := g.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			g.logger.Error("{proxy/gateway - lookup} Session store failure for %s: %v", utils.ShortID(id), err)
		}
		return nil, session.ErrNotFound
	}
	if s.Expired(g.clock()) {
		return nil, session.ErrNotFound
	}
	return s, nil
}

// acquireSlot reserves a streaming slot. The returned release must be called once.
func (g *Gateway) acquireSlot() (release func(), ok bool) {
	if g.slots == nil {
		return func() {}, true
	}
	select {
	case g.slots <- struct{}{}:
		return func() { <-g.slots }, true
	default:
		return nil, false
	}
}

func (g *Gateway) rejectAtCapacity(w http.ResponseWriter, endpoint string) {
	g.logger.Debug("{proxy/gateway - %s} Max connections reached (%d), rejecting client", endpoint, g.cfg.MaxConnectionsToApp)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusServiceUnavailable)
	io.WriteString(w, "Server at capacity")
}

type healthResponse struct {
	OK  bool  `json:"ok"`
	Now int64 `json:"now"`
}

// HandleHealth is a liveness probe.
func (g *Gateway) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{OK: true, Now: g.clock().UnixMilli()})
}
