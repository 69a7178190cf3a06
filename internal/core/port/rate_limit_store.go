package port

import (
	"context"
	"time"
)

// RateLimitStore keeps timestamped attempts per identifier for sliding-window throttling
// of the public authentication routes.
type RateLimitStore interface {
	TrimWindow(ctx context.Context, identifier string, window time.Duration, reference time.Time) error
	CountAttempts(ctx context.Context, identifier string, window time.Duration, reference time.Time) (int, error)
	RecordAttempt(ctx context.Context, identifier string, at time.Time) error
	OldestAttempt(ctx context.Context, identifier string, window time.Duration, reference time.Time) (oldest time.Time, found bool, err error)
}
