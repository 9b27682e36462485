package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps reservations in process. It only guards a single instance.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]entry)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Reply, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.live(now) {
		return e.outcome(fingerprint)
	}
	s.entries[key] = entry{Fingerprint: fingerprint, ExpiresAt: now.Add(ttl)}
	return Acquired, Reply{}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, reply Reply, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.Fingerprint != fingerprint {
		return ErrKeyReused
	}
	reply.Body = append([]byte(nil), reply.Body...)
	s.entries[key] = entry{Fingerprint: fingerprint, Done: true, Reply: reply, ExpiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if limit > 0 && removed >= limit {
			break
		}
		if e.live(now) {
			continue
		}
		delete(s.entries, key)
		removed++
	}
	return removed, nil
}
