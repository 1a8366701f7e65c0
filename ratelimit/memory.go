package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucket pairs a rate.Limiter with the capacity and window it was built
// from, refilling capacity tokens per window.
type bucket struct {
	capacity int
	window   time.Duration
	limiter  *rate.Limiter
}

func newBucket(capacity int, window time.Duration) *bucket {
	return &bucket{
		capacity: capacity,
		window:   window,
		limiter:  rate.NewLimiter(every(capacity, window), capacity),
	}
}

func every(capacity int, window time.Duration) rate.Limit {
	return rate.Every(window / time.Duration(capacity))
}

// untilNext returns the wait before one whole token is available at now.
func (b *bucket) untilNext(now time.Time) time.Duration {
	tokens := b.limiter.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / float64(b.limiter.Limit()) * float64(time.Second))
}

// MemoryLimiter provides per-process rate limiting with one rate.Limiter
// per resource. It is safe for concurrent use.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	nowFunc func() time.Time // for testing
}

// NewMemoryLimiter creates a new in-memory rate limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		nowFunc: time.Now,
	}
}

// SetCapacity configures the rate limit for a resource.
func (m *MemoryLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if capacity <= 0 || window <= 0 {
		delete(m.buckets, resource)
		return
	}

	if b, ok := m.buckets[resource]; ok {
		now := m.nowFunc()
		b.capacity = capacity
		b.window = window
		b.limiter.SetLimitAt(now, every(capacity, window))
		b.limiter.SetBurstAt(now, capacity)
		return
	}
	m.buckets[resource] = newBucket(capacity, window)
}

// GetCapacity returns the current capacity info for a resource.
func (m *MemoryLimiter) GetCapacity(resource string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[resource]
	if !ok {
		return nil
	}
	now := m.nowFunc()
	return &Capacity{
		Resource:   resource,
		Available:  max(int(b.limiter.TokensAt(now)), 0),
		Total:      b.capacity,
		Window:     b.window,
		RetryAfter: b.untilNext(now),
	}
}

// TryAcquire attempts to acquire a token without blocking.
func (m *MemoryLimiter) TryAcquire(resource string) bool {
	ok, _, _ := m.take(resource)
	return ok
}

// take consumes a token if one is available. When it is not, wait reports
// how long until the next one.
func (m *MemoryLimiter) take(resource string) (ok bool, wait time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, 0, ErrClosed
	}
	b, exists := m.buckets[resource]
	if !exists {
		return true, 0, nil
	}
	now := m.nowFunc()
	if b.limiter.AllowN(now, 1) {
		return true, 0, nil
	}
	return false, b.untilNext(now), nil
}

// Acquire blocks until a token is available for the resource.
func (m *MemoryLimiter) Acquire(ctx context.Context, resource string) error {
	m.mu.Lock()
	_, exists := m.buckets[resource]
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !exists {
		return ErrResourceUnknown
	}

	for {
		ok, wait, err := m.take(resource)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Close shuts down the limiter. Closing twice returns ErrClosed.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.buckets = make(map[string]*bucket)
	return nil
}

var _ Limiter = (*MemoryLimiter)(nil)
