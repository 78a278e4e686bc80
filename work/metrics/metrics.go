package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionsCreated counts playback sessions opened, by content kind (LIVE, MOVIE, EPISODE).
var SessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "playback_proxy_sessions_created_total",
	Help: "Playback sessions created",
}, []string{"kind"})

// SessionsPruned counts expired sessions removed from a persistent backend by the janitor.
var SessionsPruned = promauto.NewCounter(prometheus.CounterOpts{
	Name: "playback_proxy_sessions_pruned_total",
	Help: "Expired playback sessions pruned",
})

// Requests counts gateway responses per endpoint and status code.
var Requests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "playback_proxy_requests_total",
	Help: "Gateway requests by endpoint and status",
}, []string{"endpoint", "status"})

// BytesTransferred tracks the body bytes relayed to clients per endpoint.
// This metric is a counter and only increases.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "playback_proxy_bytes_transferred_total",
	Help: "Total bytes relayed to clients",
}, []string{"endpoint"})

// ActiveStreams tracks streaming responses currently in flight.
var ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "playback_proxy_active_streams",
	Help: "Streaming responses in flight",
}, []string{"endpoint"})

// UpstreamErrors counts failed upstream fetches.
// The "error_type" label separates timeouts, bad statuses, forbidden hosts and network errors.
var UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "playback_proxy_upstream_errors_total",
	Help: "Upstream fetch failures",
}, []string{"endpoint", "error_type"})

// SecurityEvents counts requests rejected for security reasons (forged tokens, blocked hosts).
var SecurityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "playback_proxy_security_events_total",
	Help: "Security-relevant rejections",
}, []string{"type"})

var UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "playback_proxy_upstream_latency_seconds",
	Help:    "Time to upstream response headers",
	Buckets: prometheus.DefBuckets,
}, []string{"endpoint"})

// ManifestsRewritten counts rewritten playlists by detected type (master, media, unknown).
var ManifestsRewritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "playback_proxy_manifests_rewritten_total",
	Help: "HLS playlists rewritten",
}, []string{"playlist_type"})
