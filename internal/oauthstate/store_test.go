package oauthstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type stubRedis struct {
	mu   sync.Mutex
	keys map[string]string
	err  error
}

func newStubRedis() *stubRedis {
	return &stubRedis{keys: map[string]string{}}
}

func (s *stubRedis) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return redis.NewStatusResult("", s.err)
	}
	switch v := value.(type) {
	case []byte:
		s.keys[key] = string(v)
	case string:
		s.keys[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (s *stubRedis) GetDel(_ context.Context, key string) *redis.StringCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return redis.NewStringResult("", s.err)
	}
	v, ok := s.keys[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	delete(s.keys, key)
	return redis.NewStringResult(v, nil)
}

func (s *stubRedis) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return redis.NewIntResult(0, s.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := s.keys[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestStoreAndConsume(t *testing.T) {
	rdb := newStubRedis()
	s := NewStore(rdb)

	e := Entry{State: "abc", Nonce: "n1", RedirectURI: "https://app.example.com/cb"}
	if err := s.Store(context.Background(), e, 10*time.Minute); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := s.Consume(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got.Nonce != "n1" || got.RedirectURI != e.RedirectURI {
		t.Fatalf("entry not preserved: %+v", got)
	}
}

func TestConsumeIsSingleUse(t *testing.T) {
	rdb := newStubRedis()
	s := NewStore(rdb)
	if err := s.Store(context.Background(), Entry{State: "abc"}, 10*time.Minute); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := s.Consume(context.Background(), "abc"); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if _, err := s.Consume(context.Background(), "abc"); !errors.Is(err, ErrAlreadyConsumed) {
		t.Fatalf("second consume: expected ErrAlreadyConsumed, got %v", err)
	}
}

func TestConcurrentConsumeHasOneWinner(t *testing.T) {
	rdb := newStubRedis()
	s := NewStore(rdb)
	if err := s.Store(context.Background(), Entry{State: "race"}, 10*time.Minute); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Losers racing ahead of the winner's marker write may see NotFound
	// instead of AlreadyConsumed; the invariant under test is that exactly
	// one caller gets the entry.
	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	losses := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Consume(context.Background(), "race")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyConsumed), errors.Is(err, ErrNotFound):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d (losses %d)", wins, losses)
	}
	if wins+losses != n {
		t.Fatalf("accounting mismatch: wins=%d losses=%d", wins, losses)
	}
}

func TestConsumeUnknownState(t *testing.T) {
	s := NewStore(newStubRedis())
	if _, err := s.Consume(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConsumeExpiredState(t *testing.T) {
	rdb := newStubRedis()
	base := time.Now().UTC()
	clock := base
	s := NewStore(rdb).WithClock(func() time.Time { return clock })

	if err := s.Store(context.Background(), Entry{State: "old"}, time.Minute); err != nil {
		t.Fatalf("Store: %v", err)
	}
	clock = base.Add(2 * time.Minute)
	if _, err := s.Consume(context.Background(), "old"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	// And an expired replay is still a replay.
	if _, err := s.Consume(context.Background(), "old"); !errors.Is(err, ErrAlreadyConsumed) {
		t.Fatalf("expected ErrAlreadyConsumed on replay, got %v", err)
	}
}

func TestStoreValidatesInput(t *testing.T) {
	s := NewStore(newStubRedis())
	if err := s.Store(context.Background(), Entry{}, time.Minute); err == nil {
		t.Fatal("expected error for empty state")
	}
	if err := s.Store(context.Background(), Entry{State: "x"}, 0); err == nil {
		t.Fatal("expected error for non-positive ttl")
	}
}

func TestStoreUnavailable(t *testing.T) {
	rdb := newStubRedis()
	rdb.err = errors.New("connection refused")
	s := NewStore(rdb)
	if err := s.Store(context.Background(), Entry{State: "x"}, time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
