package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"playback-proxy/work/session"
)

// SQLiteStore persists playback sessions in the playback_sessions table.
// Times are stored as unix milliseconds.
type SQLiteStore struct {
	db     *DB
	sealer *Sealer
	now    session.Clock
}

func NewSQLiteStore(db *DB, sealer *Sealer, clock session.Clock) *SQLiteStore {
	if clock == nil {
		clock = time.Now
	}
	return &SQLiteStore{db: db, sealer: sealer, now: clock}
}

func (s *SQLiteStore) Create(ctx context.Context, kind session.Kind, upstreamURL string, headers map[string]string, ttl time.Duration) (*session.Session, error) {
	sess, err := session.New(s.now(), kind, upstreamURL, headers, ttl)
	if err != nil {
		return nil, err
	}

	sealed, err := s.sealer.Seal(sess.ID, sess.Headers)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO playback_sessions (id, kind, url, headers_sealed, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID, string(sess.Kind), sess.URL, sealed, sess.CreatedAt.UnixMilli(), sess.ExpiresAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	return sess.Clone(), nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*session.Session, error) {
	if !session.ValidID(id) {
		return nil, session.ErrNotFound
	}

	var (
		kind, url, sealed    string
		createdMs, expiresMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT kind, url, headers_sealed, created_at, expires_at
		FROM playback_sessions
		WHERE id = ?
	`, id).Scan(&kind, &url, &sealed, &createdMs, &expiresMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	sess := &session.Session{
		ID:        id,
		Kind:      session.Kind(kind),
		URL:       url,
		CreatedAt: time.UnixMilli(createdMs),
		ExpiresAt: time.UnixMilli(expiresMs),
	}
	if sess.Expired(s.now()) {
		return nil, session.ErrNotFound
	}

	if sess.Headers, err = s.sealer.Open(id, sealed); err != nil {
		return nil, err
	}
	return sess, nil
}

// DeleteExpired removes sessions whose expiry is at or before now.
func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM playback_sessions WHERE expires_at <= ?", s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}
