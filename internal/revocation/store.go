// Package revocation tracks revoked token identifiers. The store fails
// closed: when the backend cannot be reached within the retry budget,
// liveness checks report the token as revoked.
package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gpgkd906/auth9-sub008/internal/obs"
)

// ErrUnavailable reports that the backing store stayed unreachable for
// the whole retry budget. IsRevoked pairs it with revoked=true.
var ErrUnavailable = errors.New("revocation: store unavailable")

const keyPrefix = "auth9:revoked:"

// commands is the slice of the redis client the store needs. *redis.Client
// satisfies it; tests substitute a stub.
type commands interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// entry is the stored revocation record. Decoding ignores unknown fields
// so records written by newer writers stay legible during rolling upgrades.
type entry struct {
	TokenID   string `json:"token_id"`
	RevokedAt int64  `json:"revoked_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// Store is a redis-backed revocation list with TTL-expiring entries.
type Store struct {
	rdb     commands
	log     *zap.Logger
	now     func() time.Time
	retries int
	backoff time.Duration
	timeout time.Duration
}

// Option configures the Store.
type Option func(*Store)

// WithRetryBudget bounds the retries and the initial backoff applied to
// backend calls.
func WithRetryBudget(retries int, backoff time.Duration) Option {
	return func(s *Store) {
		if retries >= 0 {
			s.retries = retries
		}
		if backoff > 0 {
			s.backoff = backoff
		}
	}
}

// WithCallTimeout bounds each individual backend call.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewStore builds a Store over a redis client.
func NewStore(rdb commands, log *zap.Logger, opts ...Option) *Store {
	s := &Store{
		rdb:     rdb,
		log:     log,
		now:     time.Now,
		retries: 2,
		backoff: 50 * time.Millisecond,
		timeout: 2 * time.Second,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Revoke records a token identifier as revoked until its TTL elapses.
// Revoking an already-revoked identifier is a no-op success. A TTL at or
// below zero means the token already expired and nothing is written.
func (s *Store) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return errors.New("revocation: token id is required")
	}
	if ttl <= 0 {
		return nil
	}
	now := s.now().UTC()
	payload, err := json.Marshal(entry{
		TokenID:   tokenID,
		RevokedAt: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
	if err != nil {
		return fmt.Errorf("revocation: encode entry: %w", err)
	}

	err = s.withRetry(ctx, func(callCtx context.Context) error {
		return s.rdb.Set(callCtx, keyPrefix+tokenID, payload, ttl).Err()
	})
	if err != nil {
		obs.ObserveRevocationStoreError()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IsRevoked reports whether the token identifier has been revoked. When
// the backend is unreachable after the retry budget, it returns
// (true, ErrUnavailable): the caller must deny, never default to "not
// revoked" on a security-sensitive path.
func (s *Store) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return true, errors.New("revocation: token id is required")
	}
	var n int64
	err := s.withRetry(ctx, func(callCtx context.Context) error {
		var callErr error
		n, callErr = s.rdb.Exists(callCtx, keyPrefix+tokenID).Result()
		return callErr
	})
	if err != nil {
		obs.ObserveRevocationStoreError()
		s.log.Warn("revocation check failed closed", zap.String("token_id", tokenID), zap.Error(err))
		return true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

func (s *Store) withRetry(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	wait := s.backoff
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		lastErr = fn(callCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}
