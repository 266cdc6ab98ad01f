package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rburan/gridshift/internal/domain"
	"github.com/rburan/gridshift/internal/platform"
	"github.com/rburan/gridshift/internal/store"
)

// fakeSource pages over a fixed slice of items.
type fakeSource struct {
	items []platform.Item
}

func (s *fakeSource) StreamItems(ctx context.Context, collectionID string, opts platform.StreamOptions) (platform.Page, error) {
	end := opts.Offset + opts.BatchSize
	if end > len(s.items) {
		end = len(s.items)
	}
	var items []platform.Item
	if opts.Offset < len(s.items) {
		items = s.items[opts.Offset:end]
	}
	return platform.Page{Items: items, Offset: opts.Offset, Total: len(s.items)}, nil
}

func (s *fakeSource) CountItems(ctx context.Context, collectionID string, filters map[string]interface{}) (int, error) {
	return len(s.items), nil
}

// fakePlatform is a scriptable target platform for orchestrator tests.
type fakePlatform struct {
	mu sync.Mutex

	existing []platform.Item
	schema   []platform.SchemaField

	nextID      int
	createCalls int
	createdIDs  []string
	created     []map[string]interface{}
	updated     map[string]map[string]interface{}
	deleted     []string

	createFn func(records []map[string]interface{}) (*platform.BulkResult, error)
	updateFn func(itemID string) error
	deleteFn func(itemID string) error
}

func newFakePlatform(existing []platform.Item) *fakePlatform {
	return &fakePlatform{
		existing: existing,
		schema: []platform.SchemaField{
			{ID: "f1", ExternalID: "email", Type: "text", Label: "Email"},
			{ID: "f2", ExternalID: "name", Type: "text", Label: "Name"},
		},
		updated: make(map[string]map[string]interface{}),
	}
}

func (p *fakePlatform) StreamItems(ctx context.Context, collectionID string, opts platform.StreamOptions) (platform.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	end := opts.Offset + opts.BatchSize
	if end > len(p.existing) {
		end = len(p.existing)
	}
	var items []platform.Item
	if opts.Offset < len(p.existing) {
		items = p.existing[opts.Offset:end]
	}
	return platform.Page{Items: items, Offset: opts.Offset, Total: len(p.existing)}, nil
}

func (p *fakePlatform) GetSchema(ctx context.Context, collectionID string) ([]platform.SchemaField, error) {
	return p.schema, nil
}

func (p *fakePlatform) BulkCreate(ctx context.Context, collectionID string, records []map[string]interface{}, opts platform.WriteOptions) (*platform.BulkResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	if p.createFn != nil {
		return p.createFn(records)
	}
	res := &platform.BulkResult{}
	for _, rec := range records {
		p.nextID++
		id := fmt.Sprintf("new-%d", p.nextID)
		p.createdIDs = append(p.createdIDs, id)
		p.created = append(p.created, rec)
		res.SuccessfulIDs = append(res.SuccessfulIDs, id)
	}
	return res, nil
}

func (p *fakePlatform) BulkUpdate(ctx context.Context, itemID string, fields map[string]interface{}, opts platform.WriteOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.updateFn != nil {
		if err := p.updateFn(itemID); err != nil {
			return err
		}
	}
	p.updated[itemID] = fields
	return nil
}

func (p *fakePlatform) DeleteItem(ctx context.Context, itemID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleteFn != nil {
		if err := p.deleteFn(itemID); err != nil {
			return err
		}
	}
	p.deleted = append(p.deleted, itemID)
	return nil
}

// testHarness bundles an orchestrator with its stores and fakes.
type testHarness struct {
	orchestrator *Orchestrator
	jobs         *store.JobStore
	failures     *store.FailureLog
	source       *fakeSource
	target       *fakePlatform
}

func newHarness(t *testing.T, source *fakeSource, target *fakePlatform) *testHarness {
	t.Helper()
	dir := t.TempDir()
	jobs, err := store.NewJobStore(dir)
	require.NoError(t, err)
	failures, err := store.NewFailureLog(dir)
	require.NoError(t, err)

	orch := NewOrchestrator(source, target, nil, jobs, failures, Defaults{
		PageSize:     100,
		BatchSize:    500,
		Concurrency:  3,
		MaxRetries:   2,
		RoundNumbers: true,
	})
	return &testHarness{orchestrator: orch, jobs: jobs, failures: failures, source: source, target: target}
}

func (h *testHarness) createJob(t *testing.T, mode domain.MigrationMode, cfg domain.ItemMigrationConfig) *domain.MigrationJob {
	t.Helper()
	job := &domain.MigrationJob{
		ID:                 "job-" + string(mode) + "-" + t.Name(),
		Status:             domain.JobStatusPlanning,
		SourceCollectionID: "src-1",
		TargetCollectionID: "tgt-1",
		Mode:               mode,
		FieldMapping: domain.FieldMapping{
			{Source: "email", Target: "email"},
			{Source: "name", Target: "name"},
		},
		Settings: domain.JobSettings{Kind: domain.KindItemMigration, Migration: &cfg},
	}
	require.NoError(t, h.jobs.Create(job))
	return job
}

func sourceItems(n int) []platform.Item {
	items := make([]platform.Item, n)
	for i := range items {
		items[i] = platform.Item{
			ID: fmt.Sprintf("s%d", i),
			Fields: map[string]interface{}{
				"email": fmt.Sprintf("user%d@example.com", i),
				"name":  fmt.Sprintf("User %d", i),
			},
		}
	}
	return items
}

func existingTargets(n int) []platform.Item {
	items := make([]platform.Item, n)
	for i := range items {
		items[i] = platform.Item{
			ID: fmt.Sprintf("t%d", i),
			Fields: map[string]interface{}{
				"email": fmt.Sprintf("user%d@example.com", i),
				"name":  fmt.Sprintf("Existing %d", i),
			},
		}
	}
	return items
}

func TestExecuteCreateWithDuplicateSkip(t *testing.T) {
	// 1000 source records, 200 already exist in the target.
	h := newHarness(t, &fakeSource{items: sourceItems(1000)}, newFakePlatform(existingTargets(200)))
	job := h.createJob(t, domain.ModeCreate, domain.ItemMigrationConfig{
		MatchSourceField:  "email",
		MatchTargetField:  "email",
		DuplicateBehavior: domain.DuplicateSkip,
	})

	result, err := h.orchestrator.Execute(context.Background(), job.ID, nil)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, result.Status)

	p := result.Progress
	require.Equal(t, 1000, p.Total)
	require.Equal(t, 800, p.Successful)
	require.Equal(t, 200, p.Skipped)
	require.Equal(t, 0, p.Failed)
	require.Equal(t, p.Successful+p.Failed, p.Processed)
	require.Equal(t, 80, p.Percent)

	// 800 real creates; the write probe's records were deleted again.
	require.Len(t, h.target.created, 800+len(h.target.deleted))
	require.Len(t, h.target.deleted, 3)
	require.Equal(t, int64(200), result.CacheHits)

	// Checkpoints cover all ten source pages and survive in the store.
	stored, err := h.jobs.Get(job.ID)
	require.NoError(t, err)
	cp, ok := stored.Progress.LastCheckpoint()
	require.True(t, ok)
	require.Equal(t, 10, cp.BatchNumber)
	require.Equal(t, 1000, cp.Offset)
}

func TestExecuteCreateWithDuplicateError(t *testing.T) {
	h := newHarness(t, &fakeSource{items: sourceItems(10)}, newFakePlatform(existingTargets(4)))
	job := h.createJob(t, domain.ModeCreate, domain.ItemMigrationConfig{
		MatchSourceField:  "email",
		MatchTargetField:  "email",
		DuplicateBehavior: domain.DuplicateError,
	})

	result, err := h.orchestrator.Execute(context.Background(), job.ID, nil)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, result.Status)

	p := result.Progress
	require.Equal(t, 6, p.Successful)
	require.Equal(t, 4, p.Failed)
	require.Equal(t, 0, p.Skipped)
	require.Equal(t, 4, p.FailedByCategory[domain.CategoryDuplicate])

	// Duplicates land in the failure log with their match target.
	details, err := h.failures.List(job.ID, 0)
	require.NoError(t, err)
	require.Len(t, details, 4)
	require.Equal(t, domain.CategoryDuplicate, details[0].ErrorCategory)
	require.NotEmpty(t, details[0].TargetItemID)
}

func TestExecuteUpsertUpdatesMatches(t *testing.T) {
	h := newHarness(t, &fakeSource{items: sourceItems(10)}, newFakePlatform(existingTargets(4)))
	job := h.createJob(t, domain.ModeUpsert, domain.ItemMigrationConfig{
		MatchSourceField: "email",
		MatchTargetField: "email",
	})

	result, err := h.orchestrator.Execute(context.Background(), job.ID, nil)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, result.Status)
	require.Equal(t, 10, result.Progress.Successful)

	// 4 matched records updated in place, 6 created.
	require.Len(t, h.target.updated, 4)
	require.Contains(t, h.target.updated, "t0")
	require.Len(t, h.target.created, 6+len(h.target.deleted))
}

func TestExecuteUpdateMissesAreValidationFailures(t *testing.T) {
	// Only 3 of 5 source records have a match in the target.
	h := newHarness(t, &fakeSource{items: sourceItems(5)}, newFakePlatform(existingTargets(3)))
	job := h.createJob(t, domain.ModeUpdate, domain.ItemMigrationConfig{
		MatchSourceField: "email",
		MatchTargetField: "email",
	})

	result, err := h.orchestrator.Execute(context.Background(), job.ID, nil)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, result.Status)

	p := result.Progress
	require.Equal(t, 3, p.Successful)
	require.Equal(t, 2, p.Failed)
	require.Equal(t, 2, p.FailedByCategory[domain.CategoryValidation])

	// A missing match is data needing review, never a retry loop.
	details, err := h.failures.List(job.ID, 0)
	require.NoError(t, err)
	require.Len(t, details, 2)
	for _, d := range details {
		require.Equal(t, domain.CategoryValidation, d.ErrorCategory)
		require.Contains(t, d.Error, "no match")
	}

	// Update mode never creates.
	require.Equal(t, 0, len(h.target.created))
}

func TestExecuteDryRunWritesNothing(t *testing.T) {
	h := newHarness(t, &fakeSource{items: sourceItems(100)}, newFakePlatform(existingTargets(20)))
	job := h.createJob(t, domain.ModeCreate, domain.ItemMigrationConfig{
		MatchSourceField:  "email",
		MatchTargetField:  "email",
		DuplicateBehavior: domain.DuplicateSkip,
		DryRun:            true,
	})

	result, err := h.orchestrator.Execute(context.Background(), job.ID, nil)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, result.Status)

	require.NotNil(t, result.Preview)
	require.Equal(t, 80, result.Preview.WouldCreate)
	require.Equal(t, 20, result.Preview.WouldSkip)
	require.Equal(t, 0, result.Preview.WouldUpdate)
	require.Equal(t, 0, result.Preview.WouldFail)
	require.NotEmpty(t, result.Preview.Records)

	// No writes of any kind, including the write probe.
	require.Equal(t, 0, h.target.createCalls)
	require.Empty(t, h.target.updated)
	require.Empty(t, h.target.deleted)
}

func TestExecuteDryRunMatchesLiveRun(t *testing.T) {
	items := sourceItems(50)
	existing := existingTargets(10)

	dry := newHarness(t, &fakeSource{items: items}, newFakePlatform(existing))
	dryJob := dry.createJob(t, domain.ModeCreate, domain.ItemMigrationConfig{
		MatchSourceField:  "email",
		MatchTargetField:  "email",
		DuplicateBehavior: domain.DuplicateSkip,
		DryRun:            true,
	})
	dryResult, err := dry.orchestrator.Execute(context.Background(), dryJob.ID, nil)
	require.NoError(t, err)

	live := newHarness(t, &fakeSource{items: items}, newFakePlatform(existing))
	liveJob := live.createJob(t, domain.ModeCreate, domain.ItemMigrationConfig{
		MatchSourceField:  "email",
		MatchTargetField:  "email",
		DuplicateBehavior: domain.DuplicateSkip,
	})
	liveResult, err := live.orchestrator.Execute(context.Background(), liveJob.ID, nil)
	require.NoError(t, err)

	require.Equal(t, liveResult.Progress.Successful, dryResult.Preview.WouldCreate)
	require.Equal(t, liveResult.Progress.Skipped, dryResult.Preview.WouldSkip)
	require.Equal(t, liveResult.Progress.Failed, dryResult.Preview.WouldFail)
}

func TestExecuteResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t, &fakeSource{items: sourceItems(1000)}, newFakePlatform(nil))
	job := h.createJob(t, domain.ModeCreate, domain.ItemMigrationConfig{})

	// Simulate a prior run that completed five pages before pausing.
	_, err := h.jobs.Update(job.ID, func(j *domain.MigrationJob) error {
		j.Status = domain.JobStatusPaused
		j.Progress.Total = 1000
		j.Progress.Record(500, 0, 0)
		return nil
	})
	require.NoError(t, err)
	_, err = h.jobs.SaveCheckpoint(job.ID, domain.BatchCheckpoint{
		BatchNumber: 5, Offset: 500, ItemsProcessed: 500, ItemsSuccessful: 500, Status: "completed",
	})
	require.NoError(t, err)

	result, err := h.orchestrator.Execute(context.Background(), job.ID, nil)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, result.Status)

	// Only the second half was written in this process.
	require.Len(t, h.target.created, 500)
	require.Equal(t, "user500@example.com", h.target.created[0]["email"])
	require.Equal(t, 1000, result.Progress.Successful)
	require.Equal(t, 100, result.Progress.Percent)

	cp, ok := result.Progress.LastCheckpoint()
	require.True(t, ok)
	require.Equal(t, 10, cp.BatchNumber)
}

func TestExecutePauseMidPageDoesNotDoubleCount(t *testing.T) {
	target := newFakePlatform(nil)
	pause := NewPauseToken()
	probeDone := false
	target.createFn = func(records []map[string]interface{}) (*platform.BulkResult, error) {
		res := &platform.BulkResult{}
		for range records {
			target.nextID++
			res.SuccessfulIDs = append(res.SuccessfulIDs, fmt.Sprintf("new-%d", target.nextID))
		}
		if probeDone {
			// Interrupt the page while it still has batches left.
			pause.Request()
		}
		probeDone = true
		return res, nil
	}

	h := newHarness(t, &fakeSource{items: sourceItems(10)}, target)
	job := h.createJob(t, domain.ModeCreate, domain.ItemMigrationConfig{BatchSize: 5})

	result, err := h.orchestrator.Execute(context.Background(), job.ID, pause)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusPaused, result.Status)

	// The cut-short page has no checkpoint, so none of its counts may be
	// persisted either; the resume replays the page from its start.
	require.Equal(t, 0, result.Progress.Successful)
	require.Equal(t, 0, result.Progress.Processed)

	resumed, err := h.orchestrator.Execute(context.Background(), job.ID, nil)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, resumed.Status)
	require.Equal(t, 10, resumed.Progress.Total)
	require.Equal(t, 10, resumed.Progress.Successful)
	require.Equal(t, 10, resumed.Progress.Processed)
	require.Equal(t, 100, resumed.Progress.Percent)
}

func TestExecutePauseParksJob(t *testing.T) {
	h := newHarness(t, &fakeSource{items: sourceItems(50)}, newFakePlatform(nil))
	job := h.createJob(t, domain.ModeCreate, domain.ItemMigrationConfig{})

	pause := NewPauseToken()
	pause.Request()

	result, err := h.orchestrator.Execute(context.Background(), job.ID, pause)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusPaused, result.Status)

	stored, err := h.jobs.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusPaused, stored.Status)
}

func TestExecuteStopOnErrorFailsJob(t *testing.T) {
	target := newFakePlatform(nil)
	probeDone := false
	target.createFn = func(records []map[string]interface{}) (*platform.BulkResult, error) {
		if !probeDone {
			// Let the write probe pass, fail the real run.
			probeDone = true
			res := &platform.BulkResult{}
			for i := range records {
				res.SuccessfulIDs = append(res.SuccessfulIDs, fmt.Sprintf("probe-%d", i))
			}
			return res, nil
		}
		return nil, platform.NewAPIError(403, "forbidden")
	}

	h := newHarness(t, &fakeSource{items: sourceItems(20)}, target)
	job := h.createJob(t, domain.ModeCreate, domain.ItemMigrationConfig{
		StopOnError: true,
		MaxRetries:  1,
	})

	result, err := h.orchestrator.Execute(context.Background(), job.ID, nil)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusFailed, result.Status)

	stored, err := h.jobs.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusFailed, stored.Status)
	require.NotEmpty(t, stored.Errors)
}

func TestExecuteFailsJobWhenCacheBuildFails(t *testing.T) {
	target := newFakePlatform(nil)
	h := newHarness(t, &fakeSource{items: sourceItems(5)}, target)

	// Update mode needs the cache; make the target scan impossible.
	h.orchestrator.target = &failingScanTarget{fakePlatform: &fakePlatform{schema: target.schema}}

	job := h.createJob(t, domain.ModeUpdate, domain.ItemMigrationConfig{
		MatchSourceField: "email",
		MatchTargetField: "email",
	})

	_, err := h.orchestrator.Execute(context.Background(), job.ID, nil)
	require.Error(t, err)

	stored, getErr := h.jobs.Get(job.ID)
	require.NoError(t, getErr)
	require.Equal(t, domain.JobStatusFailed, stored.Status)
	require.Equal(t, domain.JobErrorPrefetch, stored.Errors[len(stored.Errors)-1].Kind)
}

// failingScanTarget serves schema but refuses collection scans.
type failingScanTarget struct {
	*fakePlatform
}

func (f *failingScanTarget) StreamItems(ctx context.Context, collectionID string, opts platform.StreamOptions) (platform.Page, error) {
	return platform.Page{}, platform.NewAPIError(500, "scan backend down")
}

func TestExecuteSmokeTestDeleteFailureAborts(t *testing.T) {
	target := newFakePlatform(nil)
	target.deleteFn = func(itemID string) error {
		return platform.NewAPIError(403, "delete forbidden")
	}

	h := newHarness(t, &fakeSource{items: sourceItems(20)}, target)
	job := h.createJob(t, domain.ModeCreate, domain.ItemMigrationConfig{})

	_, err := h.orchestrator.Execute(context.Background(), job.ID, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "could not be deleted")

	stored, getErr := h.jobs.Get(job.ID)
	require.NoError(t, getErr)
	require.Equal(t, domain.JobStatusFailed, stored.Status)
}

func TestExecuteRejectsNonPortableMatchField(t *testing.T) {
	target := newFakePlatform(nil)
	target.schema = append(target.schema, platform.SchemaField{
		ID: "f3", ExternalID: "owner", Type: "relationship", Label: "Owner",
	})

	h := newHarness(t, &fakeSource{items: sourceItems(5)}, target)
	job := h.createJob(t, domain.ModeUpdate, domain.ItemMigrationConfig{
		MatchSourceField: "owner",
		MatchTargetField: "owner",
	})

	_, err := h.orchestrator.Execute(context.Background(), job.ID, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "non-portable")
}

func TestExecuteRejectsUnknownMappedField(t *testing.T) {
	h := newHarness(t, &fakeSource{items: sourceItems(5)}, newFakePlatform(nil))
	job := &domain.MigrationJob{
		ID:                 "job-badmap",
		Status:             domain.JobStatusPlanning,
		SourceCollectionID: "src-1",
		TargetCollectionID: "tgt-1",
		Mode:               domain.ModeCreate,
		FieldMapping:       domain.FieldMapping{{Source: "email", Target: "ghost_field"}},
		Settings: domain.JobSettings{
			Kind:      domain.KindItemMigration,
			Migration: &domain.ItemMigrationConfig{},
		},
	}
	require.NoError(t, h.jobs.Create(job))

	_, err := h.orchestrator.Execute(context.Background(), job.ID, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not exist")
}

func TestExecuteRetryReprocessesOnlyFailures(t *testing.T) {
	target := newFakePlatform(nil)
	rejectOdd := true
	probeDone := false
	target.createFn = func(records []map[string]interface{}) (*platform.BulkResult, error) {
		res := &platform.BulkResult{}
		for i, rec := range records {
			if rejectOdd && probeDone && i%2 == 1 {
				res.Failed = append(res.Failed, platform.BulkFailure{
					Index: i, Error: "invalid field value", Status: 400,
				})
				continue
			}
			target.nextID++
			id := fmt.Sprintf("new-%d", target.nextID)
			target.created = append(target.created, rec)
			res.SuccessfulIDs = append(res.SuccessfulIDs, id)
		}
		// The first call is the write probe; failures start after it.
		probeDone = true
		return res, nil
	}

	h := newHarness(t, &fakeSource{items: sourceItems(10)}, target)
	job := h.createJob(t, domain.ModeCreate, domain.ItemMigrationConfig{MaxRetries: 1})

	result, err := h.orchestrator.Execute(context.Background(), job.ID, nil)
	require.NoError(t, err)
	require.Equal(t, 5, result.Progress.Failed)

	// The data issue gets fixed; retry only the failed records.
	rejectOdd = false
	createdBefore := len(target.created)

	retryResult, err := h.orchestrator.ExecuteRetry(context.Background(), job.ID, nil)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, retryResult.Status)
	require.Equal(t, 5, retryResult.Progress.Total)
	require.Equal(t, 5, retryResult.Progress.Successful)
	require.Equal(t, 0, retryResult.Progress.Failed)
	require.Equal(t, 5, len(target.created)-createdBefore)
}

func TestExecuteRetryWithoutFailuresErrors(t *testing.T) {
	h := newHarness(t, &fakeSource{items: sourceItems(5)}, newFakePlatform(nil))
	job := h.createJob(t, domain.ModeCreate, domain.ItemMigrationConfig{})

	_, err := h.orchestrator.Execute(context.Background(), job.ID, nil)
	require.NoError(t, err)

	_, err = h.orchestrator.ExecuteRetry(context.Background(), job.ID, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no recorded failures")
}

func TestExecuteRetryExcludesDuplicateFailures(t *testing.T) {
	target := newFakePlatform(existingTargets(4))
	rejectFirst := true
	probeDone := false
	target.createFn = func(records []map[string]interface{}) (*platform.BulkResult, error) {
		res := &platform.BulkResult{}
		for i, rec := range records {
			if rejectFirst && probeDone && i == 0 {
				res.Failed = append(res.Failed, platform.BulkFailure{
					Index: i, Error: "missing required field", Status: 400,
				})
				continue
			}
			target.nextID++
			target.created = append(target.created, rec)
			res.SuccessfulIDs = append(res.SuccessfulIDs, fmt.Sprintf("new-%d", target.nextID))
		}
		probeDone = true
		return res, nil
	}

	h := newHarness(t, &fakeSource{items: sourceItems(10)}, target)
	job := h.createJob(t, domain.ModeCreate, domain.ItemMigrationConfig{
		MatchSourceField:  "email",
		MatchTargetField:  "email",
		DuplicateBehavior: domain.DuplicateError,
	})

	result, err := h.orchestrator.Execute(context.Background(), job.ID, nil)
	require.NoError(t, err)
	require.Equal(t, 5, result.Progress.Failed)
	require.Equal(t, 4, result.Progress.FailedByCategory[domain.CategoryDuplicate])
	require.Equal(t, 1, result.Progress.FailedByCategory[domain.CategoryValidation])

	// The data issue gets fixed. A retry must not touch the duplicate
	// failures: re-creating those would produce the very duplicates the
	// first run refused to write.
	rejectFirst = false
	createdBefore := len(target.created)

	retryResult, err := h.orchestrator.ExecuteRetry(context.Background(), job.ID, nil)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, retryResult.Status)
	require.Equal(t, 1, retryResult.Progress.Total)
	require.Equal(t, 1, retryResult.Progress.Successful)
	require.Equal(t, 1, len(target.created)-createdBefore)
}

func TestExecuteRetryOnlyDuplicateFailuresErrors(t *testing.T) {
	h := newHarness(t, &fakeSource{items: sourceItems(10)}, newFakePlatform(existingTargets(4)))
	job := h.createJob(t, domain.ModeCreate, domain.ItemMigrationConfig{
		MatchSourceField:  "email",
		MatchTargetField:  "email",
		DuplicateBehavior: domain.DuplicateError,
	})

	result, err := h.orchestrator.Execute(context.Background(), job.ID, nil)
	require.NoError(t, err)
	require.Equal(t, 4, result.Progress.FailedByCategory[domain.CategoryDuplicate])

	_, err = h.orchestrator.ExecuteRetry(context.Background(), job.ID, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "only duplicate failures")
}
