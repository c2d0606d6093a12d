// Package oauthstate persists single-use anti-replay state for the
// authorization-code login flow. The caller generates the random state
// value; this store only persists and single-use-gates it.
package oauthstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumption outcomes.
var (
	ErrNotFound        = errors.New("oauthstate: not found")
	ErrExpired         = errors.New("oauthstate: expired")
	ErrAlreadyConsumed = errors.New("oauthstate: already consumed")
	ErrUnavailable     = errors.New("oauthstate: store unavailable")
)

const (
	statePrefix    = "auth9:oauth_state:"
	consumedPrefix = "auth9:oauth_state_used:"
	// consumedMarkerTTL bounds how long a replay is distinguishable from
	// a state that never existed.
	consumedMarkerTTL = 10 * time.Minute
)

// Entry is one stored authorization-code state record.
type Entry struct {
	State       string `json:"state"`
	Nonce       string `json:"nonce"`
	RedirectURI string `json:"redirect_uri"`
	ExpiresAt   int64  `json:"expires_at"`
}

// commands is the slice of the redis client the store needs.
type commands interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// Store is a redis-backed single-use state store.
type Store struct {
	rdb commands
	now func() time.Time
}

// NewStore builds a Store over a redis client.
func NewStore(rdb commands) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

// WithClock overrides the time source. Returns the store for chaining in
// test setup.
func (s *Store) WithClock(fn func() time.Time) *Store {
	if fn != nil {
		s.now = fn
	}
	return s
}

// Store persists a state entry for at most ttl.
func (s *Store) Store(ctx context.Context, e Entry, ttl time.Duration) error {
	e.State = strings.TrimSpace(e.State)
	if e.State == "" {
		return errors.New("oauthstate: state value is required")
	}
	if ttl <= 0 {
		return errors.New("oauthstate: ttl must be positive")
	}
	e.ExpiresAt = s.now().UTC().Add(ttl).Unix()
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("oauthstate: encode entry: %w", err)
	}
	// The redis TTL runs slightly past the logical expiry so a late
	// consume resolves to Expired rather than NotFound.
	if err := s.rdb.Set(ctx, statePrefix+e.State, payload, ttl+time.Minute).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Consume atomically claims a state value. The first successful call
// returns the entry and invalidates the value for everyone else; racing
// callers receive ErrAlreadyConsumed. A value that was never stored (or
// aged past the marker window) resolves to ErrNotFound.
func (s *Store) Consume(ctx context.Context, state string) (Entry, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return Entry{}, ErrNotFound
	}

	raw, err := s.rdb.GetDel(ctx, statePrefix+state).Result()
	if errors.Is(err, redis.Nil) {
		n, exErr := s.rdb.Exists(ctx, consumedPrefix+state).Result()
		if exErr != nil {
			return Entry{}, fmt.Errorf("%w: %v", ErrUnavailable, exErr)
		}
		if n > 0 {
			return Entry{}, ErrAlreadyConsumed
		}
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, fmt.Errorf("oauthstate: decode entry: %w", err)
	}

	// Mark consumed before judging expiry: a replay of an expired value
	// is still a replay.
	if err := s.rdb.Set(ctx, consumedPrefix+state, "1", consumedMarkerTTL).Err(); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if e.ExpiresAt > 0 && s.now().UTC().Unix() > e.ExpiresAt {
		return Entry{}, ErrExpired
	}
	return e, nil
}
