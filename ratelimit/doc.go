// Package ratelimit meters tool calls with golang.org/x/time/rate token
// buckets.
//
// Capacities come from policy.toml; each tool with a rate_limit gets a bucket
// holding that many tokens, refilled continuously over one minute:
//
//	limiter := ratelimit.NewMemoryLimiter()
//	limiter.SetCapacity("task_claim", 120, time.Minute)
//
//	if !limiter.TryAcquire("task_claim") {
//	    return errors.RateLimited("task_claim rate limit exceeded")
//	}
//
// Acquire blocks until a token is available or the context ends. Resources
// without a configured capacity are unlimited for TryAcquire.
package ratelimit
