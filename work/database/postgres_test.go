package database

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"playback-proxy/work/session"
)

func newPgTestStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface, *testClock, *Sealer) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	t.Cleanup(mock.Close)

	sealer, err := NewSealer("", "pg-test-secret")
	if err != nil {
		t.Fatal(err)
	}
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewPostgresStore(mock, sealer, clock.Now), mock, clock, sealer
}

func TestPostgresStore_EnsureSchema(t *testing.T) {
	store, mock, _, _ := newPgTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("create table if not exists playback_sessions")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta("create index if not exists idx_playback_sessions_expires_at")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_Create(t *testing.T) {
	store, mock, clock, _ := newPgTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("insert into playback_sessions")).
		WithArgs(pgxmock.AnyArg(), "LIVE", "https://cdn.example.com/live.m3u8", pgxmock.AnyArg(), clock.now, clock.now.Add(time.Hour)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s, err := store.Create(context.Background(), session.KindLive, "https://cdn.example.com/live.m3u8",
		map[string]string{"Referer": "https://r.example"}, time.Hour)
	if err != nil {
		t.Fatalf("Create returned err: %v", err)
	}
	if !session.ValidID(s.ID) {
		t.Fatalf("unexpected id %q", s.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock, clock, sealer := newPgTestStore(t)

	id := session.NewID()
	sealed, err := sealer.Seal(id, map[string]string{"Authorization": "Bearer abc"})
	if err != nil {
		t.Fatal(err)
	}
	cols := []string{"kind", "url", "headers_sealed", "created_at", "expires_at"}

	mock.ExpectQuery(regexp.QuoteMeta("select kind, url, headers_sealed, created_at, expires_at")).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(cols).AddRow("MOVIE", "https://cdn.example.com/m.mp4", sealed, clock.now, clock.now.Add(time.Hour)))

	got, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get returned err: %v", err)
	}
	if got.Kind != session.KindMovie || got.Headers["Authorization"] != "Bearer abc" {
		t.Fatalf("unexpected session %+v", got)
	}

	// expired row
	mock.ExpectQuery(regexp.QuoteMeta("select kind, url, headers_sealed, created_at, expires_at")).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(cols).AddRow("MOVIE", "https://cdn.example.com/m.mp4", sealed, clock.now.Add(-2*time.Hour), clock.now))
	if _, err := store.Get(context.Background(), id); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired row, got %v", err)
	}

	// missing row
	mock.ExpectQuery(regexp.QuoteMeta("select kind, url, headers_sealed")).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)
	if _, err := store.Get(context.Background(), id); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing row, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_DeleteExpired(t *testing.T) {
	store, mock, clock, _ := newPgTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("delete from playback_sessions where expires_at <= $1")).
		WithArgs(clock.now).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := store.DeleteExpired(context.Background())
	if err != nil {
		t.Fatalf("DeleteExpired returned err: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
