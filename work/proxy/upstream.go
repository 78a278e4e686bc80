package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"playback-proxy/work/hostguard"
	"playback-proxy/work/metrics"
	"playback-proxy/work/utils"
)

var errUpstreamTimeout = errors.New("upstream timed out")

// fetch issues a GET for rawURL after the host guard approves it. extra headers are
// applied over the session's own. Failures come back as *UpstreamError; on success
// the caller owns resp.Body.
func (g *Gateway) fetch(ctx context.Context, endpoint, rawURL string, headers map[string]string, extra map[string]string) (*http.Response, error) {
	u, err := g.guard.Check(ctx, rawURL)
	if err != nil {
		g.forbidden(endpoint, rawURL, err)
		return nil, &UpstreamError{Message: "Forbidden upstream host", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &UpstreamError{Message: "Upstream fetch failed", Err: err}
	}

	merged := make(map[string]string, len(headers)+len(extra))
	for k, v := range headers {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}

	start := time.Now()
	resp, err := g.client.Do(req, merged)
	metrics.UpstreamLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, g.classify(ctx, endpoint, rawURL, err)
	}
	return resp, nil
}

// classify turns a transport error into an UpstreamError and records it.
func (g *Gateway) classify(ctx context.Context, endpoint, rawURL string, err error) error {
	switch {
	case errors.Is(err, hostguard.ErrForbiddenHost):
		// redirect target or dialed address refused
		g.forbidden(endpoint, rawURL, err)
		return &UpstreamError{Message: "Forbidden upstream host", Err: err}
	case errors.Is(context.Cause(ctx), errUpstreamTimeout):
		metrics.UpstreamErrors.WithLabelValues(endpoint, "timeout").Inc()
		g.logger.Warn("{proxy/upstream - fetch} Timeout fetching %s", utils.LogURL(g.cfg, rawURL))
		return &UpstreamError{Message: "Upstream timeout", Err: err}
	case ctx.Err() != nil:
		metrics.UpstreamErrors.WithLabelValues(endpoint, "canceled").Inc()
		g.logger.Debug("{proxy/upstream - fetch} Client went away while fetching %s", utils.LogURL(g.cfg, rawURL))
		return &UpstreamError{Message: "Upstream fetch canceled", Err: err}
	default:
		metrics.UpstreamErrors.WithLabelValues(endpoint, "network").Inc()
		g.logger.Warn("{proxy/upstream - fetch} Failed to fetch %s: %v", utils.LogURL(g.cfg, rawURL), err)
		return &UpstreamError{Message: "Upstream fetch failed", Err: err}
	}
}

func (g *Gateway) forbidden(endpoint, rawURL string, err error) {
	metrics.SecurityEvents.WithLabelValues("forbidden_host").Inc()
	metrics.UpstreamErrors.WithLabelValues(endpoint, "forbidden_host").Inc()
	g.logger.Security("{proxy/upstream - fetch} Blocked upstream %s: %v", utils.LogURL(g.cfg, rawURL), err)
}

// badStatus drains and closes resp and reports its status as an UpstreamError.
func (g *Gateway) badStatus(endpoint, rawURL string, resp *http.Response) error {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	metrics.UpstreamErrors.WithLabelValues(endpoint, "bad_status").Inc()
	g.logger.Warn("{proxy/upstream - fetch} Upstream %s answered HTTP %d", utils.LogURL(g.cfg, rawURL), resp.StatusCode)
	return &UpstreamError{Status: resp.StatusCode, Message: fmt.Sprintf("Upstream HTTP %d", resp.StatusCode)}
}

// idleTimeoutReader cancels the request when a single Read blocks longer than
// timeout. Time spent outside Read (writing to the client) is not counted.
type idleTimeoutReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func newIdleTimeoutReader(r io.Reader, timeout time.Duration, cancel context.CancelCauseFunc) *idleTimeoutReader {
	t := &idleTimeoutReader{r: r, timeout: timeout}
	t.timer = time.AfterFunc(timeout, func() {
		t.fired.Store(true)
		cancel(errUpstreamTimeout)
	})
	t.timer.Stop()
	return t
}

func (t *idleTimeoutReader) Read(p []byte) (int, error) {
	t.timer.Reset(t.timeout)
	n, err := t.r.Read(p)
	t.timer.Stop()
	if err != nil && err != io.EOF && t.fired.Load() {
		err = errUpstreamTimeout
	}
	return n, err
}

// Stop disarms the timer for good.
func (t *idleTimeoutReader) Stop() {
	t.timer.Stop()
}

// stream copies body to w through a pooled buffer, flushing after every chunk so
// players see bytes as soon as upstream produces them. It returns when the body ends,
// a write fails or the client goes away.
func (g *Gateway) stream(ctx context.Context, w http.ResponseWriter, endpoint string, body io.Reader) (int64, error) {
	buf := g.bufferPool.Get()
	defer g.bufferPool.Put(buf)

	metrics.ActiveStreams.WithLabelValues(endpoint).Inc()
	defer metrics.ActiveStreams.WithLabelValues(endpoint).Dec()

	flusher, _ := w.(http.Flusher)
	bytes := metrics.BytesTransferred.WithLabelValues(endpoint)

	var total int64
	for {
		if ctx.Err() != nil {
			return total, context.Cause(ctx)
		}

		n, readErr := body.Read(buf.B)
		if n > 0 {
			written, writeErr := w.Write(buf.B[:n])
			total += int64(written)
			bytes.Add(float64(written))
			if writeErr != nil {
				return total, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, readErr
		}
	}
}

// finishStream logs how a streaming copy ended. Errors after the status line has been
// sent can only be reported by cutting the response short.
func (g *Gateway) finishStream(endpoint, id string, total int64, err error) {
	switch {
	case err == nil:
		g.logger.Debug("{proxy/upstream - %s} Session %s: streamed %d bytes", endpoint, utils.ShortID(id), total)
	case errors.Is(err, errUpstreamTimeout):
		metrics.UpstreamErrors.WithLabelValues(endpoint, "timeout").Inc()
		g.logger.Warn("{proxy/upstream - %s} Session %s: upstream stalled after %d bytes", endpoint, utils.ShortID(id), total)
	case errors.Is(err, context.Canceled):
		g.logger.Debug("{proxy/upstream - %s} Session %s: client disconnected after %d bytes", endpoint, utils.ShortID(id), total)
	default:
		g.logger.Debug("{proxy/upstream - %s} Session %s: stream ended after %d bytes: %v", endpoint, utils.ShortID(id), total, err)
	}
}
