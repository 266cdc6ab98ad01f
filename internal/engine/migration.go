package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rburan/gridshift/internal/domain"
	"github.com/rburan/gridshift/internal/logger"
	"github.com/rburan/gridshift/internal/match"
	"github.com/rburan/gridshift/internal/platform"
	"github.com/rburan/gridshift/internal/store"
)

const (
	smokeTestRecords = 3
	previewMaxRecords = 1000
)

// Defaults carries engine-wide tunables applied when a job's settings
// leave them unset.
type Defaults struct {
	PageSize          int
	BatchSize         int
	Concurrency       int
	MaxRetries        int
	PauseThreshold    int
	CacheTTL          time.Duration
	CacheStallTimeout time.Duration
	CacheBuildTimeout time.Duration
	RoundNumbers      bool
}

func (d Defaults) withFallbacks() Defaults {
	if d.PageSize <= 0 {
		d.PageSize = 500
	}
	if d.BatchSize <= 0 {
		d.BatchSize = DefaultBatchSize
	}
	if d.Concurrency <= 0 {
		d.Concurrency = DefaultConcurrency
	}
	if d.MaxRetries <= 0 {
		d.MaxRetries = DefaultMaxRetries
	}
	if d.PauseThreshold <= 0 {
		d.PauseThreshold = DefaultPauseThreshold
	}
	return d
}

// Orchestrator drives one migration run end to end: validation, prefetch
// cache construction, page streaming with per-record decisions, batched
// writes, checkpointing, and finalization. Each run owns its own prefetch
// cache instance.
type Orchestrator struct {
	source   SourceReader
	target   TargetAPI
	limiter  RateLimiter
	jobs     *store.JobStore
	failures *store.FailureLog
	defaults Defaults
}

// NewOrchestrator wires the engine against its collaborators.
func NewOrchestrator(source SourceReader, target TargetAPI, limiter RateLimiter, jobs *store.JobStore, failures *store.FailureLog, defaults Defaults) *Orchestrator {
	return &Orchestrator{
		source:   source,
		target:   target,
		limiter:  limiter,
		jobs:     jobs,
		failures: failures,
		defaults: defaults.withFallbacks(),
	}
}

// FieldDiff is one field-level change in a dry-run preview. Before is
// limited to what the slim prefetch cache retains (the matched value);
// full target records are deliberately not held in memory.
type FieldDiff struct {
	Field  string      `json:"field"`
	Before interface{} `json:"before,omitempty"`
	After  interface{} `json:"after"`
}

// PreviewRecord is one per-record dry-run decision.
type PreviewRecord struct {
	SourceItemID string      `json:"source_item_id"`
	Action       string      `json:"action"`
	TargetItemID string      `json:"target_item_id,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	Diffs        []FieldDiff `json:"diffs,omitempty"`
}

// Preview summarizes a dry run. It is produced by the exact decision path
// a live run uses, so the numbers are trustworthy.
type Preview struct {
	WouldCreate int             `json:"would_create"`
	WouldUpdate int             `json:"would_update"`
	WouldSkip   int             `json:"would_skip"`
	WouldFail   int             `json:"would_fail"`
	Records     []PreviewRecord `json:"records,omitempty"`
}

// MigrationResult is the outcome of one Execute call.
type MigrationResult struct {
	JobID       string
	Status      domain.JobStatus
	Progress    domain.MigrationProgress
	Preview     *Preview
	CacheHits   int64
	CacheMisses int64
}

// Execute runs (or resumes) the migration for jobID until completion,
// pause, or job-level failure.
func (o *Orchestrator) Execute(ctx context.Context, jobID string, pause *PauseToken) (*MigrationResult, error) {
	return o.execute(ctx, jobID, pause, nil)
}

// ExecuteRetry re-runs the migration restricted to previously failed
// source ids. The duplicate cache is not rebuilt: those records failed for
// reasons unrelated to duplication. Duplicate-category failures are left
// out of the retry set entirely; blindly re-creating them would produce
// the exact duplicates the original run refused to write.
func (o *Orchestrator) ExecuteRetry(ctx context.Context, jobID string, pause *PauseToken) (*MigrationResult, error) {
	details, err := o.failures.List(jobID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load failure log: %w", err)
	}
	if len(details) == 0 {
		return nil, fmt.Errorf("job %s has no recorded failures to retry", jobID)
	}

	retrySet := make(map[string]string, len(details))
	for _, d := range details {
		if d.ErrorCategory == domain.CategoryDuplicate {
			continue
		}
		if prev, ok := retrySet[d.SourceItemID]; !ok || prev == "" {
			retrySet[d.SourceItemID] = d.TargetItemID
		}
	}
	if len(retrySet) == 0 {
		return nil, fmt.Errorf("job %s has only duplicate failures; retrying would re-create them", jobID)
	}
	return o.execute(ctx, jobID, pause, retrySet)
}

func (o *Orchestrator) execute(ctx context.Context, jobID string, pause *PauseToken, retrySet map[string]string) (*MigrationResult, error) {
	ctx = logger.SetJobID(ctx, jobID)

	job, err := o.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}
	cfg := job.Settings.Migration
	if cfg == nil {
		return nil, o.failJob(ctx, jobID, domain.JobErrorLifecycle, errors.New("job has no item migration settings"))
	}
	run := o.newRun(job, cfg, retrySet)

	if err := o.validate(ctx, run); err != nil {
		return nil, o.failJob(ctx, jobID, domain.JobErrorLifecycle, err)
	}

	if job, err = o.jobs.UpdateStatus(jobID, domain.JobStatusInProgress); err != nil {
		return nil, err
	}
	run.progress = job.Progress

	if err := o.prepareTotals(ctx, run); err != nil {
		return nil, o.failJob(ctx, jobID, domain.JobErrorExecution, err)
	}

	if run.needsCache() {
		if err := o.buildCache(ctx, run); err != nil {
			return nil, o.failJob(ctx, jobID, domain.JobErrorPrefetch, err)
		}
	}

	result, err := o.stream(ctx, run, pause)
	if err != nil {
		return nil, o.failJob(ctx, jobID, domain.JobErrorExecution, err)
	}
	return result, nil
}

// buildCache runs a full prefetch scan under the configured build
// deadline, so a scan that never finishes surfaces as a timeout instead
// of hanging the job.
func (o *Orchestrator) buildCache(ctx context.Context, run *migrationRun) error {
	if o.defaults.CacheBuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.defaults.CacheBuildTimeout)
		defer cancel()
	}
	return run.cache.Build(ctx, o.target, o.defaults.PageSize)
}

// migrationRun is the per-execution working state.
type migrationRun struct {
	job      *domain.MigrationJob
	cfg      *domain.ItemMigrationConfig
	retrySet map[string]string
	dryRun   bool

	mapping  domain.FieldMapping
	cache    *match.Cache
	norm     match.Normalizer
	progress domain.MigrationProgress
	preview  *Preview

	startedAt  time.Time
	batchSize  int
	maxRetries int
}

func (o *Orchestrator) newRun(job *domain.MigrationJob, cfg *domain.ItemMigrationConfig, retrySet map[string]string) *migrationRun {
	run := &migrationRun{
		job:        job,
		cfg:        cfg,
		retrySet:   retrySet,
		dryRun:     cfg.DryRun,
		mapping:    job.FieldMapping,
		norm:       match.Normalizer{RoundNumbers: o.defaults.RoundNumbers},
		startedAt:  time.Now(),
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
	}
	if run.batchSize <= 0 {
		run.batchSize = o.defaults.BatchSize
	}
	if run.maxRetries <= 0 {
		run.maxRetries = o.defaults.MaxRetries
	}
	if run.dryRun {
		run.preview = &Preview{}
	}
	if cfg.HasMatchFields() {
		run.cache = match.NewCache(job.TargetCollectionID, cfg.MatchTargetField, match.CacheOptions{
			TTL:          o.defaults.CacheTTL,
			StallTimeout: o.defaults.CacheStallTimeout,
			Normalizer:   run.norm,
		})
	}
	return run
}

func (r *migrationRun) needsCache() bool {
	return r.cache != nil && r.retrySet == nil
}

// effectiveDuplicateBehavior folds the upsert mode into create-with-update.
func (r *migrationRun) effectiveDuplicateBehavior() domain.DuplicateBehavior {
	if r.job.Mode == domain.ModeUpsert {
		return domain.DuplicateUpdate
	}
	if r.cfg.DuplicateBehavior == "" {
		return domain.DuplicateSkip
	}
	return r.cfg.DuplicateBehavior
}

// prepareTotals counts the source stream (or the retry set) up front so
// percent and ETA are meaningful.
func (o *Orchestrator) prepareTotals(ctx context.Context, run *migrationRun) error {
	if run.retrySet != nil {
		// A retry pass reports its own counters; earlier checkpoints are
		// kept for the record.
		run.progress = domain.MigrationProgress{
			Total:            len(run.retrySet),
			BatchCheckpoints: run.progress.BatchCheckpoints,
		}
		return nil
	}
	if run.progress.Total > 0 {
		return nil // resuming; total already known
	}
	total, err := o.source.CountItems(ctx, run.job.SourceCollectionID, run.cfg.Filters)
	if err != nil {
		return fmt.Errorf("failed to count source items: %w", err)
	}
	run.progress.Total = total
	return nil
}

// stream walks the source collection page by page, applies the per-record
// decision, flushes each page's queued writes through the batch
// processor, and checkpoints after every page.
func (o *Orchestrator) stream(ctx context.Context, run *migrationRun, pause *PauseToken) (*MigrationResult, error) {
	processor := NewBatchProcessor(o.target, o.limiter, ProcessorConfig{
		BatchSize:      run.batchSize,
		Concurrency:    resolveOr(run.cfg.Concurrency, o.defaults.Concurrency),
		MaxRetries:     run.maxRetries,
		PauseThreshold: o.defaults.PauseThreshold,
		StopOnError:    run.cfg.StopOnError,
		Silent:         true,
	})
	if run.cache != nil {
		processor.OnStaleSchema = func(ctx context.Context) error {
			run.cache.Invalidate()
			return o.buildCache(ctx, run)
		}
	}

	drainDone := o.drainEvents(ctx, run.job.ID, processor.Events())
	defer drainDone()

	offset := 0
	batchNumber := 0
	if cp, ok := run.progress.LastCheckpoint(); ok && run.retrySet == nil {
		offset = cp.Offset
		batchNumber = cp.BatchNumber
		logger.CtxInfo(ctx, "Resuming from checkpoint: batch=%d offset=%d", batchNumber, offset)
	}

	paused := false
	aborted := false

	for {
		if pause.Requested() {
			paused = true
			break
		}

		page, err := o.source.StreamItems(ctx, run.job.SourceCollectionID, platform.StreamOptions{
			BatchSize: o.defaults.PageSize,
			Offset:    offset,
			Filters:   run.cfg.Filters,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to stream source items: %w", err)
		}
		if len(page.Items) == 0 {
			break
		}

		decisions := o.decidePage(ctx, run, page.Items)
		offset += len(page.Items)
		batchNumber++

		if run.dryRun {
			o.recordPreview(run, decisions)
			continue
		}

		pageStart := run.progress.Clone()
		pageResult, execErr := o.flushPage(ctx, run, processor, decisions, pause)
		if execErr != nil {
			return nil, execErr
		}

		cp := domain.BatchCheckpoint{
			BatchNumber:     batchNumber,
			Offset:          offset,
			ItemsProcessed:  pageResult.processed,
			ItemsSuccessful: pageResult.successful,
			ItemsFailed:     pageResult.failed,
			Status:          "completed",
			StartedAt:       pageResult.startedAt,
			CompletedAt:     &pageResult.completedAt,
		}
		if pageResult.paused || pageResult.aborted {
			// The page was cut short: no checkpoint covers it and a resume
			// replays it from the page boundary, so its partial counts must
			// not survive into the persisted progress either.
			run.progress = pageStart
			paused = pageResult.paused
			aborted = pageResult.aborted
			break
		}
		if run.retrySet == nil {
			updated, err := o.jobs.SaveCheckpoint(run.job.ID, cp)
			if err != nil {
				return nil, fmt.Errorf("failed to save checkpoint: %w", err)
			}
			// UpdateProgress below replaces the whole progress block, so
			// the freshly appended checkpoint must ride along.
			run.progress.BatchCheckpoints = updated.Progress.BatchCheckpoints
		}

		run.progress.UpdateThroughput(run.startedAt)
		if _, err := o.jobs.UpdateProgress(run.job.ID, run.progress); err != nil {
			return nil, fmt.Errorf("failed to persist progress: %w", err)
		}

		if page.Total > 0 && offset >= page.Total {
			break
		}
	}

	return o.finalize(ctx, run, paused, aborted)
}

// pageDecisions buckets one page of records by their decided action.
type pageDecisions struct {
	creates  []BatchItem
	updates  []BatchItem
	skips    []PreviewRecord
	failures []ItemFailure
	previews []PreviewRecord
}

// decidePage applies field mapping and duplicate detection to one page.
// Dry runs and live runs share this path exactly.
func (o *Orchestrator) decidePage(ctx context.Context, run *migrationRun, items []platform.Item) *pageDecisions {
	d := &pageDecisions{}
	behavior := run.effectiveDuplicateBehavior()

	for _, item := range items {
		if run.retrySet != nil {
			if _, ok := run.retrySet[item.ID]; !ok {
				continue
			}
		}

		mapped := applyMapping(item.Fields, run.mapping)

		switch run.job.Mode {
		case domain.ModeCreate, domain.ModeUpsert:
			o.decideCreate(run, d, item, mapped, behavior)
		case domain.ModeUpdate:
			o.decideUpdate(run, d, item, mapped)
		default:
			d.failures = append(d.failures, decisionFailure(item.ID, "",
				fmt.Errorf("unsupported migration mode %q", run.job.Mode)))
		}
	}
	return d
}

func (o *Orchestrator) decideCreate(run *migrationRun, d *pageDecisions, item platform.Item, mapped map[string]interface{}, behavior domain.DuplicateBehavior) {
	if run.cache == nil || run.retrySet != nil {
		d.creates = append(d.creates, BatchItem{SourceID: item.ID, Fields: mapped})
		return
	}

	matchRaw := item.Fields[run.cfg.MatchSourceField]
	targetID, hit := run.cache.Lookup(matchRaw)
	if !hit {
		d.creates = append(d.creates, BatchItem{SourceID: item.ID, Fields: mapped})
		return
	}

	switch behavior {
	case domain.DuplicateSkip:
		d.skips = append(d.skips, PreviewRecord{
			SourceItemID: item.ID,
			Action:       "skip",
			TargetItemID: targetID,
			Reason:       "duplicate match on " + run.cfg.MatchTargetField,
		})
	case domain.DuplicateError:
		d.failures = append(d.failures, ItemFailure{
			SourceID: item.ID,
			TargetID: targetID,
			Err:      fmt.Errorf("duplicate of target item %s on %s", targetID, run.cfg.MatchTargetField),
			Category: domain.CategoryDuplicate,
			Attempts: 1,
			FirstAt:  time.Now(),
			LastAt:   time.Now(),
		})
	case domain.DuplicateUpdate:
		d.updates = append(d.updates, BatchItem{SourceID: item.ID, TargetID: targetID, Fields: mapped})
	}
}

func (o *Orchestrator) decideUpdate(run *migrationRun, d *pageDecisions, item platform.Item, mapped map[string]interface{}) {
	if run.retrySet != nil {
		if targetID := run.retrySet[item.ID]; targetID != "" {
			d.updates = append(d.updates, BatchItem{SourceID: item.ID, TargetID: targetID, Fields: mapped})
			return
		}
		d.failures = append(d.failures, decisionFailure(item.ID, "",
			fmt.Errorf("no matching target item for %q", run.cfg.MatchTargetField)))
		return
	}

	matchRaw := item.Fields[run.cfg.MatchSourceField]
	targetID, hit := run.cache.Lookup(matchRaw)
	if !hit {
		// Not transient: a missing match must never silently retry.
		d.failures = append(d.failures, decisionFailure(item.ID, "",
			fmt.Errorf("no matching target item for %q value %v", run.cfg.MatchSourceField, matchRaw)))
		return
	}
	d.updates = append(d.updates, BatchItem{SourceID: item.ID, TargetID: targetID, Fields: mapped})
}

func decisionFailure(sourceID, targetID string, err error) ItemFailure {
	now := time.Now()
	return ItemFailure{
		SourceID: sourceID,
		TargetID: targetID,
		Err:      err,
		Category: domain.CategoryValidation,
		Attempts: 1,
		FirstAt:  now,
		LastAt:   now,
	}
}

// pageOutcome aggregates the write results of one page.
type pageOutcome struct {
	processed   int
	successful  int
	failed      int
	paused      bool
	aborted     bool
	startedAt   time.Time
	completedAt time.Time
}

// flushPage pushes one page's queued updates then creates through the
// batch processor and folds the results into job progress and the
// failure log.
func (o *Orchestrator) flushPage(ctx context.Context, run *migrationRun, processor *BatchProcessor, d *pageDecisions, pause *PauseToken) (*pageOutcome, error) {
	out := &pageOutcome{startedAt: time.Now()}

	// Decision-time failures (no-match, duplicate-as-error) are final.
	if err := o.recordFailures(ctx, run, d.failures); err != nil {
		return nil, err
	}
	out.failed += len(d.failures)
	run.progress.Skipped += len(d.skips)

	updateRes, err := processor.ProcessUpdate(ctx, d.updates, pause)
	if err != nil {
		return nil, err
	}
	o.foldResult(ctx, run, out, updateRes)

	if !updateRes.Paused && !updateRes.Aborted {
		createRes, err := processor.ProcessCreate(ctx, run.job.TargetCollectionID, d.creates, pause)
		if err != nil {
			return nil, err
		}
		o.foldResult(ctx, run, out, createRes)
	} else {
		out.paused = updateRes.Paused
		out.aborted = updateRes.Aborted
	}

	out.processed = out.successful + out.failed
	out.completedAt = time.Now()
	return out, nil
}

func (o *Orchestrator) foldResult(ctx context.Context, run *migrationRun, out *pageOutcome, res *BatchResult) {
	out.successful += res.Successful
	out.failed += res.Failed
	out.paused = out.paused || res.Paused
	out.aborted = out.aborted || res.Aborted

	run.progress.Record(res.Successful, res.Failed, 0)
	for category, n := range res.ErrorsByCategory {
		run.progress.AddFailure(category, n)
	}
	if err := o.appendFailureLog(run.job.ID, res.FailedItems); err != nil {
		logger.CtxError(ctx, "Failed to append failure log: %v", err)
	}
}

func (o *Orchestrator) recordFailures(ctx context.Context, run *migrationRun, failures []ItemFailure) error {
	if len(failures) == 0 {
		return nil
	}
	run.progress.Record(0, len(failures), 0)
	for _, f := range failures {
		run.progress.AddFailure(f.Category, 1)
	}
	return o.appendFailureLog(run.job.ID, failures)
}

func (o *Orchestrator) appendFailureLog(jobID string, failures []ItemFailure) error {
	for _, f := range failures {
		if err := o.failures.Append(jobID, f.Detail()); err != nil {
			return err
		}
	}
	return nil
}

// recordPreview folds one page of decisions into the dry-run preview.
func (o *Orchestrator) recordPreview(run *migrationRun, d *pageDecisions) {
	p := run.preview
	p.WouldCreate += len(d.creates)
	p.WouldUpdate += len(d.updates)
	p.WouldSkip += len(d.skips)
	p.WouldFail += len(d.failures)

	appendRecord := func(rec PreviewRecord) {
		if len(p.Records) < previewMaxRecords {
			p.Records = append(p.Records, rec)
		}
	}
	for _, item := range d.creates {
		appendRecord(PreviewRecord{
			SourceItemID: item.SourceID,
			Action:       "create",
			Diffs:        diffsFor(item.Fields, nil),
		})
	}
	for _, item := range d.updates {
		appendRecord(PreviewRecord{
			SourceItemID: item.SourceID,
			Action:       "update",
			TargetItemID: item.TargetID,
			Diffs:        diffsFor(item.Fields, nil),
		})
	}
	for _, rec := range d.skips {
		appendRecord(rec)
	}
	for _, f := range d.failures {
		appendRecord(PreviewRecord{
			SourceItemID: f.SourceID,
			Action:       "fail",
			Reason:       f.Err.Error(),
		})
	}
}

func diffsFor(after map[string]interface{}, before map[string]interface{}) []FieldDiff {
	diffs := make([]FieldDiff, 0, len(after))
	for field, value := range after {
		d := FieldDiff{Field: field, After: value}
		if before != nil {
			d.Before = before[field]
		}
		diffs = append(diffs, d)
	}
	return diffs
}

// finalize persists the terminal (or paused) state and assembles the
// result.
func (o *Orchestrator) finalize(ctx context.Context, run *migrationRun, paused, aborted bool) (*MigrationResult, error) {
	run.progress.UpdateThroughput(run.startedAt)
	if _, err := o.jobs.UpdateProgress(run.job.ID, run.progress); err != nil {
		return nil, err
	}

	status := domain.JobStatusCompleted
	switch {
	case paused:
		status = domain.JobStatusPaused
	case aborted:
		status = domain.JobStatusFailed
	}
	job, err := o.jobs.UpdateStatus(run.job.ID, status)
	if err != nil {
		return nil, err
	}
	if aborted {
		if _, err := o.jobs.Update(run.job.ID, func(j *domain.MigrationJob) error {
			j.AddError(domain.JobErrorExecution, "stopped on first batch error (stop_on_error)")
			return nil
		}); err != nil {
			return nil, err
		}
	}

	result := &MigrationResult{
		JobID:    run.job.ID,
		Status:   status,
		Progress: job.Progress,
		Preview:  run.preview,
	}
	if run.cache != nil {
		result.CacheHits, result.CacheMisses, _ = run.cache.Stats()
		run.cache.Drop()
	}

	logger.With(logger.Fields{
		logger.FieldStatus: string(status),
		logger.FieldCount:  job.Progress.Processed,
	}).Info(ctx, "Migration run finished: successful=%d failed=%d skipped=%d",
		job.Progress.Successful, job.Progress.Failed, job.Progress.Skipped)
	return result, nil
}

// failJob marks the job failed with a job-level error and returns err.
func (o *Orchestrator) failJob(ctx context.Context, jobID string, kind domain.JobErrorKind, err error) error {
	logger.CtxError(ctx, "Migration job failed: kind=%s: %v", kind, err)
	if _, updErr := o.jobs.Update(jobID, func(j *domain.MigrationJob) error {
		j.Status = domain.JobStatusFailed
		now := time.Now()
		j.CompletedAt = &now
		j.AddError(kind, err.Error())
		return nil
	}); updErr != nil {
		logger.CtxError(ctx, "Failed to persist job failure: %v", updErr)
	}
	return err
}

// drainEvents consumes the processor's bounded event channel, logging
// rate-limit pauses and refreshing the job heartbeat on progress.
func (o *Orchestrator) drainEvents(ctx context.Context, jobID string, events <-chan Event) func() {
	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case ev := <-events:
				switch ev.Type {
				case EventRateLimitPause:
					logger.CtxWarn(ctx, "Batch %d paused for rate limit (%s)", ev.BatchNumber, ev.Wait)
				case EventRateLimitResume:
					logger.CtxInfo(ctx, "Batch %d resumed after rate limit", ev.BatchNumber)
				case EventProgress:
					logger.CtxDebug(ctx, "Batch %d progress: processed=%d successful=%d failed=%d",
						ev.BatchNumber, ev.Processed, ev.Successful, ev.Failed)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// applyMapping projects source fields through the ordered field mapping.
func applyMapping(fields map[string]interface{}, mapping domain.FieldMapping) map[string]interface{} {
	mapped := make(map[string]interface{}, len(mapping))
	for _, pair := range mapping {
		if value, ok := fields[pair.Source]; ok {
			mapped[pair.Target] = value
		}
	}
	return mapped
}

func resolveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
