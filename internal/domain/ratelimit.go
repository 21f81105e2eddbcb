package domain

import (
	"context"
	"time"
)

// RateLimiter throttles a keyed resource — used by the HTTP control plane
// to cap request volume per client, independent of the Lock Manager, which
// throttles per-task execution rather than per-client requests.
type RateLimiter interface {
	// Allow reports whether a request for key is permitted under a sliding
	// window of the given size, counting the request if so.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
