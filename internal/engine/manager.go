package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rburan/gridshift/internal/domain"
	"github.com/rburan/gridshift/internal/logger"
	"github.com/rburan/gridshift/internal/platform"
	"github.com/rburan/gridshift/internal/store"
)

// runKind distinguishes a fresh or resumed run from a failed-items retry.
type runKind int

const (
	runNormal runKind = iota
	runRetry
)

// Manager owns job lifecycle transitions and the registry of running
// migrations. Execution happens on background goroutines; pause requests
// reach them through their registered PauseToken.
type Manager struct {
	orchestrator *Orchestrator
	jobs         *store.JobStore
	failures     *store.FailureLog

	mu      sync.Mutex
	running map[string]*PauseToken
}

// NewManager wires a Manager over the orchestrator and stores.
func NewManager(orchestrator *Orchestrator, jobs *store.JobStore, failures *store.FailureLog) *Manager {
	return &Manager{
		orchestrator: orchestrator,
		jobs:         jobs,
		failures:     failures,
		running:      make(map[string]*PauseToken),
	}
}

// CreateJobParams is the input for CreateJob.
type CreateJobParams struct {
	SourceCollectionID string
	TargetCollectionID string
	Mode               domain.MigrationMode
	FieldMapping       domain.FieldMapping
	Config             domain.ItemMigrationConfig
}

// CreateJob validates the parameters, persists a new job in planning
// state, and returns it.
func (m *Manager) CreateJob(ctx context.Context, params CreateJobParams) (*domain.MigrationJob, error) {
	if params.SourceCollectionID == "" || params.TargetCollectionID == "" {
		return nil, fmt.Errorf("source and target collection ids are required")
	}
	if len(params.FieldMapping) == 0 {
		return nil, fmt.Errorf("field mapping must not be empty")
	}
	switch params.Mode {
	case domain.ModeCreate:
	case domain.ModeUpdate, domain.ModeUpsert:
		cfg := params.Config
		if !cfg.HasMatchFields() {
			return nil, fmt.Errorf("mode %q requires match_source_field and match_target_field", params.Mode)
		}
	default:
		return nil, fmt.Errorf("unknown migration mode %q", params.Mode)
	}

	cfg := params.Config
	now := time.Now()
	job := &domain.MigrationJob{
		ID:                 uuid.New().String(),
		Status:             domain.JobStatusPlanning,
		SourceCollectionID: params.SourceCollectionID,
		TargetCollectionID: params.TargetCollectionID,
		Mode:               params.Mode,
		FieldMapping:       params.FieldMapping,
		Settings: domain.JobSettings{
			Kind:      domain.KindItemMigration,
			Migration: &cfg,
		},
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.jobs.Create(job); err != nil {
		return nil, err
	}
	logger.CtxInfo(ctx, "Created migration job %s: %s -> %s mode=%s",
		job.ID, job.SourceCollectionID, job.TargetCollectionID, job.Mode)
	return job, nil
}

// Start launches a planning-state job on a background goroutine.
func (m *Manager) Start(ctx context.Context, jobID string) error {
	job, err := m.jobs.Get(jobID)
	if err != nil {
		return err
	}
	if !job.CanStart() {
		return fmt.Errorf("job %s cannot start from status %q", jobID, job.Status)
	}
	return m.launch(ctx, jobID, runNormal)
}

// Pause requests a cooperative pause of a running job. In-flight batches
// finish before the job parks.
func (m *Manager) Pause(ctx context.Context, jobID string) error {
	job, err := m.jobs.Get(jobID)
	if err != nil {
		return err
	}
	if !job.CanPause() {
		return fmt.Errorf("job %s cannot pause from status %q", jobID, job.Status)
	}

	m.mu.Lock()
	token, ok := m.running[jobID]
	m.mu.Unlock()
	if !ok {
		// The process that ran this job is gone; its persisted state is
		// already consistent up to the last checkpoint.
		_, err := m.jobs.UpdateStatus(jobID, domain.JobStatusPaused)
		return err
	}
	token.Request()
	logger.CtxInfo(ctx, "Pause requested for job %s", jobID)
	return nil
}

// Resume continues a paused or failed job from its last checkpoint.
func (m *Manager) Resume(ctx context.Context, jobID string) error {
	job, err := m.jobs.Get(jobID)
	if err != nil {
		return err
	}
	if !job.CanResume() {
		return fmt.Errorf("job %s cannot resume from status %q", jobID, job.Status)
	}
	if _, ok := job.Progress.LastCheckpoint(); !ok {
		return fmt.Errorf("job %s has no checkpoint to resume from", jobID)
	}
	return m.launch(ctx, jobID, runNormal)
}

// Retry re-runs only the records recorded in the job's failure log.
func (m *Manager) Retry(ctx context.Context, jobID string) error {
	job, err := m.jobs.Get(jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusPaused:
	default:
		return fmt.Errorf("job %s cannot retry from status %q", jobID, job.Status)
	}
	details, err := m.failures.List(jobID, 1)
	if err != nil {
		return err
	}
	if len(details) == 0 {
		return fmt.Errorf("job %s has no recorded failures to retry", jobID)
	}
	return m.launch(ctx, jobID, runRetry)
}

// GetStatus returns the current persisted job state.
func (m *Manager) GetStatus(jobID string) (*domain.MigrationJob, error) {
	return m.jobs.Get(jobID)
}

// CategoryBreakdown is one failure category of a job with a hint on
// whether a retry pass can help those records at all.
type CategoryBreakdown struct {
	Category    domain.ErrorCategory `json:"category"`
	Count       int                  `json:"count"`
	ShouldRetry bool                 `json:"should_retry"`
}

// FailureBreakdown summarizes the per-category failure counts of a
// progress block, sorted by category for stable output.
func FailureBreakdown(progress domain.MigrationProgress) []CategoryBreakdown {
	if len(progress.FailedByCategory) == 0 {
		return nil
	}
	breakdown := make([]CategoryBreakdown, 0, len(progress.FailedByCategory))
	for category, count := range progress.FailedByCategory {
		breakdown = append(breakdown, CategoryBreakdown{
			Category:    category,
			Count:       count,
			ShouldRetry: platform.RetryableCategory(category),
		})
	}
	sort.Slice(breakdown, func(i, j int) bool {
		return breakdown[i].Category < breakdown[j].Category
	})
	return breakdown
}

// ListJobs returns all persisted jobs.
func (m *Manager) ListJobs() ([]*domain.MigrationJob, error) {
	return m.jobs.List()
}

// Failures returns up to limit entries from the job's failure log.
func (m *Manager) Failures(jobID string, limit int) ([]domain.FailedItemDetail, error) {
	return m.failures.List(jobID, limit)
}

// IsRunning reports whether the job is executing in this process.
func (m *Manager) IsRunning(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[jobID]
	return ok
}

func (m *Manager) launch(ctx context.Context, jobID string, kind runKind) error {
	m.mu.Lock()
	if _, ok := m.running[jobID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("job %s is already running", jobID)
	}
	token := NewPauseToken()
	m.running[jobID] = token
	m.mu.Unlock()

	// The run outlives the request that triggered it but keeps its log
	// context.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.running, jobID)
			m.mu.Unlock()
		}()

		var err error
		if kind == runRetry {
			_, err = m.orchestrator.ExecuteRetry(runCtx, jobID, token)
		} else {
			_, err = m.orchestrator.Execute(runCtx, jobID, token)
		}
		if err != nil {
			logger.CtxError(runCtx, "Migration job %s ended with error: %v", jobID, err)
		}
	}()
	return nil
}

// RecoverInterrupted is called at startup: jobs left in_progress by a
// crashed process are parked as paused so they can be resumed from their
// last checkpoint.
func (m *Manager) RecoverInterrupted(ctx context.Context) error {
	jobs, err := m.jobs.List()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Status != domain.JobStatusInProgress {
			continue
		}
		if _, err := m.jobs.UpdateStatus(job.ID, domain.JobStatusPaused); err != nil {
			logger.CtxError(ctx, "Failed to park interrupted job %s: %v", job.ID, err)
			continue
		}
		logger.CtxWarn(ctx, "Parked interrupted job %s as paused", job.ID)
	}
	return nil
}
