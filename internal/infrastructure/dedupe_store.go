package infrastructure

import (
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v3"
)

// DedupeStore is a time windowed set of processed keys.
// Expired entries are purged lazily on lookup; once the store holds maxEntries
// keys, new registrations evict the oldest inserted keys regardless of their TTL.
type DedupeStore struct {
	mu         sync.Mutex
	entries    *orderedmap.OrderedMap[string, time.Time]
	maxEntries int
}

// NewDedupeStore creates a store bounded to maxEntries keys (<= 0 means unbounded).
func NewDedupeStore(maxEntries int) *DedupeStore {
	return &DedupeStore{
		entries:    orderedmap.NewOrderedMap[string, time.Time](),
		maxEntries: maxEntries,
	}
}

// ShouldSkip reports whether key was registered and has not expired at now.
func (s *DedupeStore) ShouldSkip(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldSkip(key, now)
}

// Register marks key as processed until now+ttl.
// Callers register only after the work the key stands for has been persisted.
func (s *DedupeStore) Register(key string, now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.register(key, now, ttl)
}

// TryRegister atomically checks and registers key, returning false when it was already present.
func (s *DedupeStore) TryRegister(key string, now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldSkip(key, now) {
		return false
	}
	s.register(key, now, ttl)
	return true
}

func (s *DedupeStore) shouldSkip(key string, now time.Time) bool {
	s.sweep(now)
	expiresAt, ok := s.entries.Get(key)
	return ok && now.Before(expiresAt)
}

func (s *DedupeStore) register(key string, now time.Time, ttl time.Duration) {
	// Re-registering moves the key to the back of the eviction order.
	s.entries.Delete(key)
	s.entries.Set(key, now.Add(ttl))

	if s.maxEntries <= 0 {
		return
	}
	for s.entries.Len() > s.maxEntries {
		oldest := s.entries.Front()
		if oldest == nil {
			break
		}
		s.entries.Delete(oldest.Key)
	}
}

// Forget removes key so the next lookup treats it as unseen.
func (s *DedupeStore) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Delete(key)
}

func (s *DedupeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

// sweep drops expired entries. Caller must hold mu.
func (s *DedupeStore) sweep(now time.Time) {
	var expired []string
	for el := s.entries.Front(); el != nil; el = el.Next() {
		if !now.Before(el.Value) {
			expired = append(expired, el.Key)
		}
	}
	for _, key := range expired {
		s.entries.Delete(key)
	}
}

// GetStats returns store statistics for the health endpoint.
func (s *DedupeStore) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"entries":     s.entries.Len(),
		"max_entries": s.maxEntries,
	}
}
