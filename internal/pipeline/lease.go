package pipeline

import (
	"sync"
	"time"
)

// Leases grants exclusive per-project execution rights. A holder that
// never releases (a crashed pipeline) loses the lease once the TTL
// lapses, so the project becomes submittable again without operator
// intervention.
type Leases struct {
	mu   sync.Mutex
	ttl  time.Duration
	held map[string]time.Time
	now  func() time.Time
}

func NewLeases(ttl time.Duration) *Leases {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Leases{ttl: ttl, held: make(map[string]time.Time), now: time.Now}
}

// Acquire takes the lease for key, reporting false when a live lease is
// already held. An expired lease is silently reclaimed.
func (l *Leases) Acquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expiry, ok := l.held[key]; ok && l.now().Before(expiry) {
		return false
	}
	l.held[key] = l.now().Add(l.ttl)
	return true
}

// Release frees the lease for key. Releasing an unheld lease is a no-op.
func (l *Leases) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

// Held reports whether a live lease exists for key.
func (l *Leases) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	expiry, ok := l.held[key]
	return ok && l.now().Before(expiry)
}
