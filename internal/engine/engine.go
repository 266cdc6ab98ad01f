// Package engine implements the resilient batched migration core: the
// batch processor, the migration orchestrator, and the job manager that
// exposes lifecycle operations to the HTTP layer and CLI.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rburan/gridshift/internal/domain"
	"github.com/rburan/gridshift/internal/platform"
)

// SourceReader streams and counts records of a source collection.
type SourceReader interface {
	StreamItems(ctx context.Context, collectionID string, opts platform.StreamOptions) (platform.Page, error)
	CountItems(ctx context.Context, collectionID string, filters map[string]interface{}) (int, error)
}

// TargetAPI is everything the engine needs from the target platform:
// streaming reads for the prefetch cache, schema description for mapping
// validation, and bulk writes.
type TargetAPI interface {
	StreamItems(ctx context.Context, collectionID string, opts platform.StreamOptions) (platform.Page, error)
	GetSchema(ctx context.Context, collectionID string) ([]platform.SchemaField, error)
	BulkCreate(ctx context.Context, collectionID string, records []map[string]interface{}, opts platform.WriteOptions) (*platform.BulkResult, error)
	BulkUpdate(ctx context.Context, itemID string, fields map[string]interface{}, opts platform.WriteOptions) error
	DeleteItem(ctx context.Context, itemID string) error
}

// RateLimiter is the shared quota tracker consulted between batches.
type RateLimiter interface {
	ShouldPause(threshold int) bool
	TimeUntilReset() time.Duration
	WaitForReset(ctx context.Context) error
}

// PauseToken is a cooperative cancellation flag checked at batch and page
// boundaries, never mid-batch. A pause is a controlled early exit, not an
// error.
type PauseToken struct {
	requested atomic.Bool
}

// NewPauseToken returns an unset token.
func NewPauseToken() *PauseToken {
	return &PauseToken{}
}

// Request asks the running migration to stop at the next yield point.
func (t *PauseToken) Request() {
	t.requested.Store(true)
}

// Requested reports whether a pause has been requested.
func (t *PauseToken) Requested() bool {
	return t != nil && t.requested.Load()
}

// EventType identifies a progress event published by the batch processor.
type EventType string

const (
	EventProgress        EventType = "progress"
	EventRateLimitPause  EventType = "rate_limit_pause"
	EventRateLimitResume EventType = "rate_limit_resume"
)

// Event is one progress update on the processor's bounded event channel.
// The orchestrator drains the channel; there is no global listener state.
type Event struct {
	Type        EventType
	BatchNumber int
	Processed   int
	Successful  int
	Failed      int
	Wait        time.Duration
}

// BatchItem is one queued write: a create (TargetID empty) or an update
// keyed by target id. SourceID is carried through so failures attribute
// back to the originating source record.
type BatchItem struct {
	SourceID string
	TargetID string
	Fields   map[string]interface{}
}

// ItemFailure is one classified per-item failure.
type ItemFailure struct {
	SourceID string
	TargetID string
	Err      error
	Category domain.ErrorCategory
	Attempts int
	FirstAt  time.Time
	LastAt   time.Time
}

// Detail converts a failure into its failure-log form.
func (f ItemFailure) Detail() domain.FailedItemDetail {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return domain.FailedItemDetail{
		SourceItemID:   f.SourceID,
		TargetItemID:   f.TargetID,
		Error:          msg,
		ErrorCategory:  f.Category,
		AttemptCount:   f.Attempts,
		FirstAttemptAt: f.FirstAt,
		LastAttemptAt:  f.LastAt,
	}
}

// BatchResult aggregates one ProcessCreate/ProcessUpdate run.
type BatchResult struct {
	Total            int
	Attempted        int
	Successful       int
	Failed           int
	FailedItems      []ItemFailure
	ErrorsByCategory map[domain.ErrorCategory]int
	// Aborted is set when stopOnError cut the operation short.
	Aborted bool
	// Paused is set when a cooperative pause stopped the operation
	// between batches.
	Paused bool
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
