package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"

	"playback-proxy/work/logger"
	"playback-proxy/work/metrics"
)

// Pruner is a session backend that can drop expired rows.
type Pruner interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Janitor periodically prunes expired sessions from a persistent backend.
// Expired sessions are already invisible to Get; pruning only reclaims space.
type Janitor struct {
	pruner   Pruner
	interval time.Duration
	pool     *ants.Pool
	logger   *logger.Logger
}

// NewJanitor creates a janitor backed by a single-worker, non-blocking pool,
// so a slow sweep causes the next tick to be skipped rather than queued.
func NewJanitor(pruner Pruner, interval time.Duration, log *logger.Logger) (*Janitor, error) {
	pool, err := ants.NewPool(1, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create janitor pool: %w", err)
	}
	if log == nil {
		log = logger.New("INFO")
	}
	return &Janitor{pruner: pruner, interval: interval, pool: pool, logger: log}, nil
}

// Run sweeps on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	defer j.pool.Release()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("{database/janitor - Run} Session janitor started, interval %s", j.interval)

	for {
		select {
		case <-ctx.Done():
			j.logger.Debug("{database/janitor - Run} Session janitor stopping")
			return nil
		case <-ticker.C:
			j.Trigger(ctx)
		}
	}
}

// Trigger submits one sweep. It reports false when a sweep is already running.
func (j *Janitor) Trigger(ctx context.Context) bool {
	err := j.pool.Submit(func() {
		j.sweep(ctx)
	})
	if errors.Is(err, ants.ErrPoolOverload) {
		j.logger.Debug("{database/janitor - Trigger} Previous sweep still running, skipping")
		return false
	}
	if err != nil {
		j.logger.Error("{database/janitor - Trigger} Failed to submit sweep: %v", err)
		return false
	}
	return true
}

func (j *Janitor) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, j.interval)
	defer cancel()

	n, err := j.pruner.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("{database/janitor - sweep} Failed to prune sessions: %v", err)
		return
	}
	if n > 0 {
		metrics.SessionsPruned.Add(float64(n))
		j.logger.Debug("{database/janitor - sweep} Pruned %d expired sessions", n)
	}
}
