package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("limiter closed")
	ErrResourceUnknown = errors.New("unknown resource")
)

// Limiter meters calls to named resources. In taskkit a resource is a tool
// name and the capacity comes from the policy's rate_limit setting.
type Limiter interface {
	// Acquire blocks until a token is available for the resource.
	// Returns ctx.Err() if the context ends first and ErrResourceUnknown
	// if the resource has no configured capacity.
	Acquire(ctx context.Context, resource string) error

	// TryAcquire takes a token without blocking. Resources without a
	// configured capacity are unlimited and always succeed.
	TryAcquire(resource string) bool

	// SetCapacity configures capacity tokens per window for a resource.
	// A non-positive capacity or window removes the limit.
	SetCapacity(resource string, capacity int, window time.Duration)

	// GetCapacity returns a snapshot for the resource, or nil if unlimited.
	GetCapacity(resource string) *Capacity

	Close() error
}

// Capacity describes the state of one resource's bucket.
type Capacity struct {
	Resource  string
	Available int
	Total     int
	Window    time.Duration

	// RetryAfter is how long until the next token, zero when Available > 0.
	RetryAfter time.Duration
}
