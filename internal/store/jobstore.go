package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rburan/gridshift/internal/domain"
	"github.com/rburan/gridshift/internal/logger"
)

// ErrJobNotFound is returned when no state file exists for a job id.
var ErrJobNotFound = errors.New("job not found")

const (
	writeAttempts   = 3
	writeRetryDelay = 100 * time.Millisecond
)

// JobStore persists one JSON state file per job id with crash-consistent
// writes: snapshot the current file to a backup, write a uniquely named
// temp file, fsync it, re-read and re-parse it to verify integrity, then
// atomically rename it over the target. All writes for a given job id are
// serialized through a per-id lock so concurrent updates cannot interleave
// on the same file.
type JobStore struct {
	dir       string
	backupDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewJobStore creates the state directories if needed.
func NewJobStore(dir string) (*JobStore, error) {
	jobsDir := filepath.Join(dir, "jobs")
	backupDir := filepath.Join(dir, "backups")
	for _, d := range []string{jobsDir, backupDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	return &JobStore{
		dir:       jobsDir,
		backupDir: backupDir,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// Create persists a brand-new job record.
func (s *JobStore) Create(job *domain.MigrationJob) error {
	lock := s.lockFor(job.ID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(s.path(job.ID)); err == nil {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.LastHeartbeat = now
	return s.write(job, false)
}

// Get loads a job, recovering from the backup once if the state file is
// corrupted.
func (s *JobStore) Get(id string) (*domain.MigrationJob, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return s.load(id)
}

// Save overwrites the job state.
func (s *JobStore) Save(job *domain.MigrationJob) error {
	lock := s.lockFor(job.ID)
	lock.Lock()
	defer lock.Unlock()
	job.UpdatedAt = time.Now()
	return s.write(job, false)
}

// Update applies fn to the loaded job under the per-id lock and persists
// the result. All mutating operations below funnel through here.
func (s *JobStore) Update(id string, fn func(*domain.MigrationJob) error) (*domain.MigrationJob, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	job.UpdatedAt = time.Now()
	job.LastHeartbeat = job.UpdatedAt
	if err := s.write(job, false); err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateStatus transitions the job status and stamps timestamps.
func (s *JobStore) UpdateStatus(id string, status domain.JobStatus) (*domain.MigrationJob, error) {
	return s.Update(id, func(job *domain.MigrationJob) error {
		job.Status = status
		now := time.Now()
		switch status {
		case domain.JobStatusInProgress:
			if job.StartedAt == nil {
				job.StartedAt = &now
			}
		case domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled:
			job.CompletedAt = &now
		}
		return nil
	})
}

// UpdateProgress replaces the progress block.
func (s *JobStore) UpdateProgress(id string, progress domain.MigrationProgress) (*domain.MigrationJob, error) {
	return s.Update(id, func(job *domain.MigrationJob) error {
		job.Progress = progress
		return nil
	})
}

// SaveCheckpoint appends a batch checkpoint and refreshes the progress
// counters it carries.
func (s *JobStore) SaveCheckpoint(id string, cp domain.BatchCheckpoint) (*domain.MigrationJob, error) {
	return s.Update(id, func(job *domain.MigrationJob) error {
		if last, ok := job.Progress.LastCheckpoint(); ok && cp.BatchNumber <= last.BatchNumber {
			return fmt.Errorf("checkpoint batch number %d not after %d", cp.BatchNumber, last.BatchNumber)
		}
		job.Progress.BatchCheckpoints = append(job.Progress.BatchCheckpoints, cp)
		job.Progress.LastUpdate = time.Now()
		return nil
	})
}

// IncrementFailedCount bumps failure counters for one error category.
func (s *JobStore) IncrementFailedCount(id string, category domain.ErrorCategory, n int) (*domain.MigrationJob, error) {
	return s.Update(id, func(job *domain.MigrationJob) error {
		job.Progress.Record(0, n, 0)
		job.Progress.AddFailure(category, n)
		return nil
	})
}

// List returns every job in the state directory, skipping unreadable
// files.
func (s *JobStore) List() ([]*domain.MigrationJob, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}
	jobs := make([]*domain.MigrationJob, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		job, err := s.Get(id)
		if err != nil {
			logger.Warn("Skipping unreadable job state %s: %v", id, err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *JobStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *JobStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *JobStore) backupPath(id string) string {
	return filepath.Join(s.backupDir, id+".json.bak")
}

// load reads and parses the state file, falling back to the backup once on
// corruption. A recovered backup is restored via a recovery write that
// skips the pre-write backup so a bad file never overwrites a good backup.
func (s *JobStore) load(id string) (*domain.MigrationJob, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to read job state: %w", err)
	}

	var job domain.MigrationJob
	if err := json.Unmarshal(data, &job); err == nil {
		return &job, nil
	}

	recovered, recErr := s.recoverFromBackup(id)
	if recErr != nil {
		return nil, fmt.Errorf("job state corrupted and backup recovery failed: %w", recErr)
	}
	return recovered, nil
}

func (s *JobStore) recoverFromBackup(id string) (*domain.MigrationJob, error) {
	data, err := os.ReadFile(s.backupPath(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	var job domain.MigrationJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("backup is also corrupted: %w", err)
	}
	// Restore the good copy before serving it.
	if err := s.write(&job, true); err != nil {
		return nil, fmt.Errorf("failed to restore backup: %w", err)
	}
	return &job, nil
}

// write runs the backup/temp/fsync/verify/rename sequence, retrying the
// whole sequence with backoff on transient I/O failure. recovery writes
// skip the backup snapshot so a corrupt current file never replaces a
// good backup.
func (s *JobStore) write(job *domain.MigrationJob, recovery bool) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job state: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(writeRetryDelay << (attempt - 1))
		}
		if lastErr = s.writeOnce(job.ID, data, recovery); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to persist job state after %d attempts: %w", writeAttempts, lastErr)
}

func (s *JobStore) writeOnce(id string, data []byte, recovery bool) error {
	target := s.path(id)

	if !recovery {
		if err := s.snapshotBackup(id); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(s.dir, id+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// Verify the bytes on disk parse back before committing.
	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("failed to verify temp file: %w", err)
	}
	if len(written) != len(data) {
		return fmt.Errorf("temp file length mismatch: wrote %d, read %d", len(data), len(written))
	}
	var verify domain.MigrationJob
	if err := json.Unmarshal(written, &verify); err != nil {
		return fmt.Errorf("temp file failed verification parse: %w", err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to commit job state: %w", err)
	}
	return nil
}

// snapshotBackup copies the current state file to the backup location.
// Missing current state (first write) is not an error.
func (s *JobStore) snapshotBackup(id string) error {
	src, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open state for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(s.backupPath(id))
	if err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy backup: %w", err)
	}
	return dst.Sync()
}
