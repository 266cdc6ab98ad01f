package domain

import "time"

// JobStatus represents the lifecycle state of a migration job.
// Values include JobStatusPlanning, JobStatusInProgress, JobStatusPaused,
// JobStatusCompleted, JobStatusFailed, and JobStatusCancelled.
type JobStatus string

const (
	JobStatusPlanning   JobStatus = "planning"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusPaused     JobStatus = "paused"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// MigrationMode controls how source records are written to the target.
type MigrationMode string

const (
	ModeCreate MigrationMode = "create"
	ModeUpdate MigrationMode = "update"
	ModeUpsert MigrationMode = "upsert"
)

// DuplicateBehavior controls what happens when a create-mode record
// matches an existing target record.
type DuplicateBehavior string

const (
	DuplicateSkip   DuplicateBehavior = "skip"
	DuplicateError  DuplicateBehavior = "error"
	DuplicateUpdate DuplicateBehavior = "update"
)

// FieldMapPair maps one source field to one target field. Mappings are a
// slice rather than a map so the configured order survives serialization.
type FieldMapPair struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// FieldMapping is an ordered list of source-to-target field pairs.
type FieldMapping []FieldMapPair

// TargetFor returns the target field mapped from the given source field.
func (m FieldMapping) TargetFor(source string) (string, bool) {
	for _, p := range m {
		if p.Source == source {
			return p.Target, true
		}
	}
	return "", false
}

// JobErrorKind classifies job-level failures that halt the whole job,
// as opposed to per-item failures recorded in the failure log.
type JobErrorKind string

const (
	JobErrorLifecycle JobErrorKind = "job_lifecycle"
	JobErrorExecution JobErrorKind = "migration_execution"
	JobErrorPrefetch  JobErrorKind = "prefetch_failed"
)

// JobError is a job-level failure appended to the job's error list.
type JobError struct {
	Kind       JobErrorKind `json:"kind"`
	Message    string       `json:"message"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// MigrationJob is the root aggregate for one migration. It is owned by the
// job state store and must only be mutated through its update operations.
type MigrationJob struct {
	ID                 string            `json:"id"`
	Status             JobStatus         `json:"status"`
	SourceCollectionID string            `json:"source_collection_id"`
	TargetCollectionID string            `json:"target_collection_id"`
	Mode               MigrationMode     `json:"mode"`
	FieldMapping       FieldMapping      `json:"field_mapping"`
	Settings           JobSettings       `json:"settings"`
	Progress           MigrationProgress `json:"progress"`
	Errors             []JobError        `json:"errors,omitempty"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	LastHeartbeat      time.Time         `json:"last_heartbeat"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// AddError appends a job-level error.
func (j *MigrationJob) AddError(kind JobErrorKind, msg string) {
	j.Errors = append(j.Errors, JobError{Kind: kind, Message: msg, OccurredAt: time.Now()})
}

// CanStart reports whether the job may transition into in_progress.
func (j *MigrationJob) CanStart() bool {
	return j.Status == JobStatusPlanning
}

// CanPause reports whether a pause request is valid for the current status.
func (j *MigrationJob) CanPause() bool {
	return j.Status == JobStatusInProgress
}

// CanResume reports whether the job may be resumed. Resumption also
// requires an existing checkpoint, which the caller checks separately.
func (j *MigrationJob) CanResume() bool {
	return j.Status == JobStatusPaused || j.Status == JobStatusFailed
}
