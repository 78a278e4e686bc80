package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"playback-proxy/work/config"
	"playback-proxy/work/logger"
	"playback-proxy/work/metrics"
	"playback-proxy/work/middleware"
	"playback-proxy/work/proxy"
)

// NewRouter builds the public HTTP surface:
//
//	POST /api/playback/session
//	GET  /proxy/hls/{sessionId}/manifest.m3u8
//	GET  /proxy/hls/{sessionId}/u/{token}
//	GET  /proxy/file/{sessionId}
//	GET  /health
//	GET  /metrics
//
// wrapped in request ids, access logging, CORS and panic recovery.
func NewRouter(gw *proxy.Gateway, cfg *config.Config, log *logger.Logger) http.Handler {
	router := mux.NewRouter()

	// JSON and playlists compress well; media bodies are streamed untouched
	router.HandleFunc("/api/playback/session", instrument(proxy.EndpointCreateSession, middleware.GzipMiddleware(gw.HandleCreateSession))).Methods(http.MethodPost)
	router.HandleFunc("/proxy/hls/{sessionId}/manifest.m3u8", instrument(proxy.EndpointManifest, middleware.GzipMiddleware(HandleManifest(gw)))).Methods(http.MethodGet)
	router.HandleFunc("/proxy/hls/{sessionId}/u/{token}", instrument(proxy.EndpointSegment, HandleSubResource(gw))).Methods(http.MethodGet)
	router.HandleFunc("/proxy/file/{sessionId}", instrument(proxy.EndpointFile, HandleFile(gw))).Methods(http.MethodGet)
	router.HandleFunc("/health", instrument(proxy.EndpointHealth, gw.HandleHealth)).Methods(http.MethodGet)

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(notFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	cors := handlers.CORS(
		handlers.AllowedOrigins(cfg.CORSOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Range", middleware.RequestIDHeader}),
		handlers.ExposedHeaders([]string{"Content-Range", "Content-Length", "Accept-Ranges", middleware.RequestIDHeader}),
	)

	var h http.Handler = router
	h = cors(h)
	h = middleware.AccessLog(log)(h)
	h = middleware.RequestID(h)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{log}),
		handlers.PrintRecoveryStack(false),
	)(h)
	return h
}

func HandleManifest(gw *proxy.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gw.HandleManifest(w, r, mux.Vars(r)["sessionId"])
	}
}

func HandleSubResource(gw *proxy.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		gw.HandleSubResource(w, r, vars["sessionId"], vars["token"])
	}
}

func HandleFile(gw *proxy.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gw.HandleFile(w, r, mux.Vars(r)["sessionId"])
	}
}

// instrument counts responses per endpoint and status.
func instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := middleware.NewStatusRecorder(w)
		next(rec, r)

		status := rec.Status
		if status == 0 {
			status = http.StatusOK
		}
		metrics.Requests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	}
}

func notFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	io.WriteString(w, "Not found")
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusMethodNotAllowed)
	io.WriteString(w, "Method not allowed")
}

// recoveryLogger routes gorilla's panic reports into the application log.
type recoveryLogger struct {
	log *logger.Logger
}

func (rl recoveryLogger) Println(v ...interface{}) {
	rl.log.Error("{handlers - RecoveryHandler} Panic serving request: %s", fmt.Sprint(v...))
}
