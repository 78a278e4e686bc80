package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"playback-proxy/work/session"
)

//go:embed pgmigrations/*.sql
var pgMigrations embed.FS

// PgDB is the part of *pgxpool.Pool the postgres store uses; pgxmock satisfies it in tests.
type PgDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists playback sessions in postgres.
type PostgresStore struct {
	db     PgDB
	sealer *Sealer
	now    session.Clock
}

// OpenPostgres connects a pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return pool, nil
}

func NewPostgresStore(db PgDB, sealer *Sealer, clock session.Clock) *PostgresStore {
	if clock == nil {
		clock = time.Now
	}
	return &PostgresStore{db: db, sealer: sealer, now: clock}
}

// EnsureSchema applies the embedded DDL. Every statement is idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	entries, err := pgMigrations.ReadDir("pgmigrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	for _, entry := range entries {
		content, err := pgMigrations.ReadFile("pgmigrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		for _, stmt := range splitStatements(string(content)) {
			if _, err := s.db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute migration %s: %w", entry.Name(), err)
			}
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, kind session.Kind, upstreamURL string, headers map[string]string, ttl time.Duration) (*session.Session, error) {
	sess, err := session.New(s.now(), kind, upstreamURL, headers, ttl)
	if err != nil {
		return nil, err
	}

	sealed, err := s.sealer.Seal(sess.ID, sess.Headers)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(ctx, `insert into playback_sessions (id, kind, url, headers_sealed, created_at, expires_at)
values ($1, $2, $3, $4, $5, $6)`,
		sess.ID, string(sess.Kind), sess.URL, sealed, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	return sess.Clone(), nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*session.Session, error) {
	if !session.ValidID(id) {
		return nil, session.ErrNotFound
	}

	var (
		sess   = &session.Session{ID: id}
		kind   string
		sealed string
	)
	err := s.db.QueryRow(ctx, `select kind, url, headers_sealed, created_at, expires_at
from playback_sessions
where id = $1`, id).Scan(&kind, &sess.URL, &sealed, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	sess.Kind = session.Kind(kind)
	if sess.Expired(s.now()) {
		return nil, session.ErrNotFound
	}

	if sess.Headers, err = s.sealer.Open(id, sealed); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, "delete from playback_sessions where expires_at <= $1", s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
