package database

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"playback-proxy/work/session"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "app.sqlite"), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newSQLiteTestStore(t *testing.T) (*SQLiteStore, *DB, *testClock) {
	t.Helper()
	db := openTestDB(t)
	sealer, err := NewSealer(testKeyHex, "")
	if err != nil {
		t.Fatal(err)
	}
	clock := &testClock{now: time.UnixMilli(1_740_000_000_000)}
	return NewSQLiteStore(db, sealer, clock.Now), db, clock
}

func TestSQLiteStore_CreateGet(t *testing.T) {
	store, db, _ := newSQLiteTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, session.KindEpisode, "https://cdn.example.com/e1.m3u8",
		map[string]string{"Cookie": "sid=secret"}, time.Hour)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Kind != session.KindEpisode || got.URL != created.URL || got.Headers["Cookie"] != "sid=secret" {
		t.Errorf("Get() = %+v", got)
	}
	if !got.ExpiresAt.Equal(created.ExpiresAt) || !got.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("Get() times = %v..%v, want %v..%v", got.CreatedAt, got.ExpiresAt, created.CreatedAt, created.ExpiresAt)
	}

	var raw string
	if err := db.QueryRow("SELECT headers_sealed FROM playback_sessions WHERE id = ?", created.ID).Scan(&raw); err != nil {
		t.Fatalf("raw select error = %v", err)
	}
	if strings.Contains(raw, "secret") {
		t.Errorf("headers stored in clear: %q", raw)
	}
}

func TestSQLiteStore_ExpiryAndPrune(t *testing.T) {
	store, _, clock := newSQLiteTestStore(t)
	ctx := context.Background()

	short, err := store.Create(ctx, session.KindLive, "https://cdn.example.com/a.m3u8", nil, time.Minute)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	long, err := store.Create(ctx, session.KindMovie, "https://cdn.example.com/b.mp4", nil, time.Hour)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	clock.now = clock.now.Add(time.Minute)
	if _, err := store.Get(ctx, short.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Get(expired) error = %v, want ErrNotFound", err)
	}

	n, err := store.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteExpired() = %d, want 1", n)
	}
	if _, err := store.Get(ctx, long.ID); err != nil {
		t.Errorf("Get(live session) error = %v", err)
	}
}

func TestSQLiteStore_NotFound(t *testing.T) {
	store, _, _ := newSQLiteTestStore(t)
	for _, id := range []string{"nope", session.NewID()} {
		if _, err := store.Get(context.Background(), id); !errors.Is(err, session.ErrNotFound) {
			t.Errorf("Get(%q) error = %v, want ErrNotFound", id, err)
		}
	}
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.sqlite")
	for i := 0; i < 2; i++ {
		db, err := Open(path, nil)
		if err != nil {
			t.Fatalf("Open() #%d error = %v", i+1, err)
		}
		var n int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
			t.Fatalf("count migrations error = %v", err)
		}
		if n != 1 {
			t.Errorf("schema_migrations rows = %d, want 1", n)
		}
		db.Close()
	}
}

func TestVacuumAfterPrune(t *testing.T) {
	store, db, clock := newSQLiteTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, session.KindLive, "https://cdn.example.com/a.m3u8", nil, time.Minute); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	clock.now = clock.now.Add(time.Hour)

	if n, err := store.DeleteExpired(ctx); err != nil || n != 1 {
		t.Fatalf("DeleteExpired() = %d, %v", n, err)
	}
	if err := db.Vacuum(ctx); err != nil {
		t.Errorf("Vacuum() error = %v", err)
	}
}
