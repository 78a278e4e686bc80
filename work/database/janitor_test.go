package database

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type blockingPruner struct {
	calls   atomic.Int32
	release chan struct{}
	done    chan struct{}
}

func (p *blockingPruner) DeleteExpired(ctx context.Context) (int64, error) {
	p.calls.Add(1)
	<-p.release
	p.done <- struct{}{}
	return 2, nil
}

func TestJanitor_SkipsOverlappingSweeps(t *testing.T) {
	p := &blockingPruner{release: make(chan struct{}), done: make(chan struct{}, 4)}
	j, err := NewJanitor(p, time.Hour, nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}
	defer j.pool.Release()

	ctx := context.Background()
	if !j.Trigger(ctx) {
		t.Fatalf("first Trigger() = false")
	}

	// wait until the first sweep is actually running
	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sweep never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if j.Trigger(ctx) {
		t.Errorf("second Trigger() = true while a sweep is running")
	}

	close(p.release)
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweep did not finish")
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("DeleteExpired calls = %d, want 1", got)
	}
}

type countingPruner struct{ calls atomic.Int32 }

func (p *countingPruner) DeleteExpired(context.Context) (int64, error) {
	p.calls.Add(1)
	return 0, nil
}

func TestJanitor_RunStopsOnCancel(t *testing.T) {
	p := &countingPruner{}
	j, err := NewJanitor(p, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- j.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return after cancel")
	}
}
