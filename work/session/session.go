// Package session holds playback sessions: short-lived, write-once records binding an
// opaque id to an upstream URL and the headers needed to fetch it.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grafana/regexp"
)

// Kind is the content category a session was opened for.
type Kind string

const (
	KindLive    Kind = "LIVE"
	KindMovie   Kind = "MOVIE"
	KindEpisode Kind = "EPISODE"
)

// IDPrefix marks playback session identifiers.
const IDPrefix = "play_"

var (
	// ErrNotFound is returned for unknown and expired sessions alike.
	ErrNotFound = errors.New("session not found")

	ErrInvalidTTL = errors.New("session ttl must be positive")

	// ErrStoreFull means the store already holds as many live sessions as it may.
	ErrStoreFull = errors.New("session store is full")

	idPattern = regexp.MustCompile(`^play_[0-9a-f]{32}$`)
)

// ParseKind accepts the exact upper-case kind names.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindLive, KindMovie, KindEpisode:
		return k, true
	}
	return "", false
}

// Session is a playback session. Values handed out by a Store are copies.
type Session struct {
	ID        string
	Kind      Kind
	URL       string
	Headers   map[string]string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session is past its lifetime at now. The boundary
// instant counts as expired.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.Headers = maps.Clone(s.Headers)
	if c.Headers == nil {
		c.Headers = map[string]string{}
	}
	return &c
}

// Store is implemented by every session backend.
type Store interface {
	Create(ctx context.Context, kind Kind, upstreamURL string, headers map[string]string, ttl time.Duration) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
}

// Clock lets tests pin time.
type Clock func() time.Time

// NewID returns "play_" followed by 32 lowercase hex characters of a random UUID.
func NewID() string {
	return IDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidID reports whether id has the shape NewID produces. Backends use it to
// skip lookups for ids that cannot exist.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// New builds a fresh session; shared by every backend so ids and expiry are
// computed the same way everywhere.
func New(now time.Time, kind Kind, upstreamURL string, headers map[string]string, ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	if _, ok := ParseKind(string(kind)); !ok {
		return nil, fmt.Errorf("unknown session kind %q", kind)
	}

	h := maps.Clone(headers)
	if h == nil {
		h = map[string]string{}
	}

	return &Session{
		ID:        NewID(),
		Kind:      kind,
		URL:       upstreamURL,
		Headers:   h,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}
