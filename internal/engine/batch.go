package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rburan/gridshift/internal/domain"
	"github.com/rburan/gridshift/internal/logger"
	"github.com/rburan/gridshift/internal/platform"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize      = 500
	DefaultConcurrency    = 5
	DefaultMaxRetries     = 3
	DefaultPauseThreshold = 10

	defaultRetryBase = 500 * time.Millisecond
	defaultRetryCap  = 30 * time.Second

	eventBuffer = 64
)

// errStaleSchema wraps a field-missing failure so it propagates distinctly
// through the batch machinery.
var errStaleSchema = errors.New("target schema changed during migration")

// ProcessorConfig tunes one batch processor.
type ProcessorConfig struct {
	BatchSize      int
	Concurrency    int
	MaxRetries     int
	PauseThreshold int
	StopOnError    bool
	Silent         bool
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.PauseThreshold <= 0 {
		c.PauseThreshold = DefaultPauseThreshold
	}
	return c
}

// BatchProcessor executes create/update operations in fixed-size batches
// with bounded internal concurrency, a shared rate-limit tracker, and a
// classifier-driven per-item retry policy. Batches run strictly in input
// order; items within a batch may complete in any order.
type BatchProcessor struct {
	target  TargetAPI
	limiter RateLimiter
	cfg     ProcessorConfig
	events  chan Event

	// OnStaleSchema is invoked when a write fails because a target field
	// no longer exists; it should invalidate and rebuild the prefetch
	// cache. The failing batch is retried exactly once afterwards.
	OnStaleSchema func(ctx context.Context) error
}

// NewBatchProcessor creates a processor with a bounded event channel.
func NewBatchProcessor(target TargetAPI, limiter RateLimiter, cfg ProcessorConfig) *BatchProcessor {
	return &BatchProcessor{
		target:  target,
		limiter: limiter,
		cfg:     cfg.withDefaults(),
		events:  make(chan Event, eventBuffer),
	}
}

// Events exposes the bounded progress channel for the orchestrator to
// drain. Events are dropped rather than blocking a slow consumer.
func (p *BatchProcessor) Events() <-chan Event {
	return p.events
}

// ProcessCreate creates the queued items on the target collection.
func (p *BatchProcessor) ProcessCreate(ctx context.Context, collectionID string, items []BatchItem, pause *PauseToken) (*BatchResult, error) {
	return p.run(ctx, items, pause, func(ctx context.Context, batch []BatchItem) ([]ItemFailure, bool, error) {
		return p.submitCreate(ctx, collectionID, batch)
	})
}

// ProcessUpdate applies the queued updates, each keyed by target item id.
func (p *BatchProcessor) ProcessUpdate(ctx context.Context, items []BatchItem, pause *PauseToken) (*BatchResult, error) {
	return p.run(ctx, items, pause, p.submitUpdate)
}

// submitFn attempts one batch and returns the per-item failures, whether
// any failure carried a rate-limit signature, and a batch-level error for
// whole-call failures that survived retries.
type submitFn func(ctx context.Context, batch []BatchItem) ([]ItemFailure, bool, error)

func (p *BatchProcessor) run(ctx context.Context, items []BatchItem, pause *PauseToken, submit submitFn) (*BatchResult, error) {
	result := &BatchResult{
		Total:            len(items),
		ErrorsByCategory: make(map[domain.ErrorCategory]int),
	}
	if len(items) == 0 {
		return result, nil
	}

	batches := chunkItems(items, p.cfg.BatchSize)
	for i, batch := range batches {
		if pause.Requested() {
			result.Paused = true
			return result, nil
		}

		if err := p.pauseForQuota(ctx, i); err != nil {
			return result, err
		}

		failures, rateLimited, batchErr := p.submitWithStaleRetry(ctx, batch, submit)
		if batchErr != nil && (errors.Is(batchErr, context.Canceled) || errors.Is(batchErr, context.DeadlineExceeded)) {
			return result, batchErr
		}

		result.Attempted += len(batch)
		result.Successful += len(batch) - len(failures)
		p.recordFailures(result, failures)

		p.emit(Event{
			Type:        EventProgress,
			BatchNumber: i + 1,
			Processed:   result.Successful + result.Failed,
			Successful:  result.Successful,
			Failed:      result.Failed,
		})

		if batchErr != nil && p.cfg.StopOnError {
			result.Aborted = true
			return result, nil
		}

		// Do not hammer an endpoint that already answered 429 within
		// this batch; sit out the window before the next one.
		if rateLimited && i < len(batches)-1 {
			if err := p.waitForReset(ctx, i); err != nil {
				return result, err
			}
		}
	}

	return result, nil
}

// pauseForQuota blocks until the rate-limit window resets when remaining
// quota is below the safety threshold.
func (p *BatchProcessor) pauseForQuota(ctx context.Context, batchIdx int) error {
	if p.limiter == nil || !p.limiter.ShouldPause(p.cfg.PauseThreshold) {
		return nil
	}
	return p.waitForReset(ctx, batchIdx)
}

func (p *BatchProcessor) waitForReset(ctx context.Context, batchIdx int) error {
	if p.limiter == nil {
		return nil
	}
	wait := p.limiter.TimeUntilReset()
	p.emit(Event{Type: EventRateLimitPause, BatchNumber: batchIdx + 1, Wait: wait})
	logger.CtxInfo(ctx, "Rate limit pause: waiting %s before next batch", wait)
	if err := p.limiter.WaitForReset(ctx); err != nil {
		return err
	}
	p.emit(Event{Type: EventRateLimitResume, BatchNumber: batchIdx + 1})
	return nil
}

// submitWithStaleRetry runs a batch once, and once more after cache
// invalidation if the failure carried the field-missing signature.
func (p *BatchProcessor) submitWithStaleRetry(ctx context.Context, batch []BatchItem, submit submitFn) ([]ItemFailure, bool, error) {
	failures, rateLimited, err := submit(ctx, batch)
	if err == nil || !errors.Is(err, errStaleSchema) {
		return failures, rateLimited, err
	}

	logger.CtxWarn(ctx, "Target schema changed mid-run, rebuilding caches and retrying batch once")
	if p.OnStaleSchema != nil {
		if hookErr := p.OnStaleSchema(ctx); hookErr != nil {
			wrapped := fmt.Errorf("cache rebuild after schema change failed: %w", hookErr)
			return p.failBatch(batch, wrapped), false, wrapped
		}
	}
	failures, rateLimited, err = submit(ctx, batch)
	if err != nil && errors.Is(err, errStaleSchema) {
		wrapped := fmt.Errorf("batch still failing after schema refresh: %w", err)
		return p.failBatch(batch, wrapped), rateLimited, wrapped
	}
	return failures, rateLimited, err
}

// submitCreate pushes one batch through the bulk create endpoint, then
// re-submits retryable failed entries until the retry budget is spent.
func (p *BatchProcessor) submitCreate(ctx context.Context, collectionID string, batch []BatchItem) ([]ItemFailure, bool, error) {
	pending := batch
	firstAt := time.Now()
	rateLimited := false
	var failures []ItemFailure

	for attempt := 1; ; attempt++ {
		records := make([]map[string]interface{}, len(pending))
		for i, item := range pending {
			records[i] = item.Fields
		}

		bulk, callErr := p.target.BulkCreate(ctx, collectionID, records, platform.WriteOptions{
			Concurrency: p.cfg.Concurrency,
			Silent:      p.cfg.Silent,
		})
		if callErr != nil {
			if platform.IsFieldMissing(callErr) {
				return nil, rateLimited, fmt.Errorf("%w: %v", errStaleSchema, callErr)
			}
			cls := platform.Classify(callErr)
			if cls.Category == domain.CategoryRateLimit {
				rateLimited = true
			}
			if platform.ShouldRetry(cls.Category, attempt, p.cfg.MaxRetries) {
				if err := sleepCtx(ctx, platform.Backoff(retryBase(cls), attempt-1, defaultRetryCap)); err != nil {
					return failures, rateLimited, err
				}
				continue
			}
			// Whole call exhausted: everything still pending fails.
			now := time.Now()
			for _, item := range pending {
				failures = append(failures, ItemFailure{
					SourceID: item.SourceID,
					Err:      callErr,
					Category: cls.Category,
					Attempts: attempt,
					FirstAt:  firstAt,
					LastAt:   now,
				})
			}
			return failures, rateLimited, callErr
		}

		if len(bulk.Failed) == 0 {
			return failures, rateLimited, nil
		}

		var retry []BatchItem
		now := time.Now()
		for _, f := range bulk.Failed {
			if f.Index < 0 || f.Index >= len(pending) {
				continue
			}
			item := pending[f.Index]
			entryErr := bulkEntryError(f)
			cls := platform.Classify(entryErr)
			if cls.Category == domain.CategoryRateLimit {
				rateLimited = true
			}
			if platform.ShouldRetry(cls.Category, attempt, p.cfg.MaxRetries) {
				retry = append(retry, item)
				continue
			}
			failures = append(failures, ItemFailure{
				SourceID: item.SourceID,
				Err:      entryErr,
				Category: cls.Category,
				Attempts: attempt,
				FirstAt:  firstAt,
				LastAt:   now,
			})
		}

		if len(retry) == 0 {
			return failures, rateLimited, nil
		}
		if err := sleepCtx(ctx, platform.Backoff(defaultRetryBase, attempt-1, defaultRetryCap)); err != nil {
			return failures, rateLimited, err
		}
		pending = retry
	}
}

// submitUpdate applies each update with bounded concurrency and a
// per-item retry loop.
func (p *BatchProcessor) submitUpdate(ctx context.Context, batch []BatchItem) ([]ItemFailure, bool, error) {
	var (
		mu          sync.Mutex
		failures    []ItemFailure
		rateLimited bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, item := range batch {
		item := item
		g.Go(func() error {
			firstAt := time.Now()
			for attempt := 1; ; attempt++ {
				err := p.target.BulkUpdate(gctx, item.TargetID, item.Fields, platform.WriteOptions{Silent: p.cfg.Silent})
				if err == nil {
					return nil
				}
				if platform.IsFieldMissing(err) {
					return fmt.Errorf("%w: %v", errStaleSchema, err)
				}

				cls := platform.Classify(err)
				if cls.Category == domain.CategoryRateLimit {
					mu.Lock()
					rateLimited = true
					mu.Unlock()
				}
				if platform.ShouldRetry(cls.Category, attempt, p.cfg.MaxRetries) {
					if sleepErr := sleepCtx(gctx, platform.Backoff(retryBase(cls), attempt-1, defaultRetryCap)); sleepErr != nil {
						err = sleepErr
					} else {
						continue
					}
				}

				mu.Lock()
				failures = append(failures, ItemFailure{
					SourceID: item.SourceID,
					TargetID: item.TargetID,
					Err:      err,
					Category: cls.Category,
					Attempts: attempt,
					FirstAt:  firstAt,
					LastAt:   time.Now(),
				})
				mu.Unlock()
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, errStaleSchema) {
			return nil, rateLimited, err
		}
		return failures, rateLimited, err
	}
	return failures, rateLimited, nil
}

func (p *BatchProcessor) recordFailures(result *BatchResult, failures []ItemFailure) {
	result.Failed += len(failures)
	result.FailedItems = append(result.FailedItems, failures...)
	for _, f := range failures {
		result.ErrorsByCategory[f.Category]++
	}
}

// failBatch marks every item of a batch failed with the batch-level error.
func (p *BatchProcessor) failBatch(batch []BatchItem, err error) []ItemFailure {
	cls := platform.Classify(err)
	now := time.Now()
	failures := make([]ItemFailure, 0, len(batch))
	for _, item := range batch {
		failures = append(failures, ItemFailure{
			SourceID: item.SourceID,
			TargetID: item.TargetID,
			Err:      err,
			Category: cls.Category,
			Attempts: p.cfg.MaxRetries,
			FirstAt:  now,
			LastAt:   now,
		})
	}
	return failures
}

func (p *BatchProcessor) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		// A slow consumer drops events, it never blocks a batch.
	}
}

// bulkEntryError turns one failed bulk entry into a classifiable error,
// preserving the per-entry status code when the platform reports one.
func bulkEntryError(f platform.BulkFailure) error {
	if f.Status > 0 {
		return platform.NewAPIError(f.Status, f.Error)
	}
	return errors.New(f.Error)
}

func retryBase(cls platform.Classification) time.Duration {
	if cls.RetryDelay > 0 {
		return cls.RetryDelay
	}
	return defaultRetryBase
}

func chunkItems(items []BatchItem, size int) [][]BatchItem {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var batches [][]BatchItem
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}
