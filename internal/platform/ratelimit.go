package platform

import (
	"context"
	"sync"
	"time"
)

// RateLimitTracker is a process-wide counter of remaining request quota
// for one platform instance. Every concurrent batch submission consults
// and updates it, so all state sits behind a mutex.
type RateLimitTracker struct {
	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time

	now func() time.Time // test hook
}

// NewRateLimitTracker creates a tracker that assumes a full quota until
// the first Observe call.
func NewRateLimitTracker(limit int) *RateLimitTracker {
	if limit <= 0 {
		limit = 1000
	}
	return &RateLimitTracker{
		limit:     limit,
		remaining: limit,
		now:       time.Now,
	}
}

// Observe records the quota state reported by a response, typically from
// X-Rate-Limit-Remaining / X-Rate-Limit-Reset headers.
func (t *RateLimitTracker) Observe(remaining int, resetAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining = remaining
	if !resetAt.IsZero() {
		t.resetAt = resetAt
	}
}

// Consume decrements the remaining quota for one issued request.
func (t *RateLimitTracker) Consume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remaining > 0 {
		t.remaining--
	}
}

// RemainingQuota returns the remaining request quota. A window whose reset
// time has passed reports a full quota again.
func (t *RateLimitTracker) RemainingQuota() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshLocked()
	return t.remaining
}

// ShouldPause reports whether the remaining quota is at or below the
// safety threshold.
func (t *RateLimitTracker) ShouldPause(threshold int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshLocked()
	return t.remaining <= threshold
}

// TimeUntilReset returns how long until the current window resets.
func (t *RateLimitTracker) TimeUntilReset() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resetAt.IsZero() {
		return 0
	}
	d := t.resetAt.Sub(t.now())
	if d < 0 {
		return 0
	}
	return d
}

// WaitForReset sleeps until the window reset time elapses or ctx is done.
// After a successful wait the quota is considered full again.
func (t *RateLimitTracker) WaitForReset(ctx context.Context) error {
	wait := t.TimeUntilReset()
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	t.mu.Lock()
	t.remaining = t.limit
	t.resetAt = time.Time{}
	t.mu.Unlock()
	return nil
}

func (t *RateLimitTracker) refreshLocked() {
	if !t.resetAt.IsZero() && t.now().After(t.resetAt) {
		t.remaining = t.limit
		t.resetAt = time.Time{}
	}
}
