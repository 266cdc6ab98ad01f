package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rburan/gridshift/internal/domain"
)

// FailureLog keeps full per-item failure detail out of the job state file:
// one JSONL file per job id, append-only. Mutations are new appended lines
// or truncation on an explicit clear, never in-place rewrites. It is an
// independent append target, safe to write concurrently with job state
// updates.
type FailureLog struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFailureLog creates the failure-log directory if needed.
func NewFailureLog(dir string) (*FailureLog, error) {
	logDir := filepath.Join(dir, "failures")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create failure log directory: %w", err)
	}
	return &FailureLog{dir: logDir, locks: make(map[string]*sync.Mutex)}, nil
}

// Append writes one failure entry as a single JSON line.
func (l *FailureLog) Append(jobID string, detail domain.FailedItemDetail) error {
	lock := l.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	line, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to marshal failure detail: %w", err)
	}

	f, err := os.OpenFile(l.path(jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open failure log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append failure detail: %w", err)
	}
	return nil
}

// AppendAll writes a batch of failure entries.
func (l *FailureLog) AppendAll(jobID string, details []domain.FailedItemDetail) error {
	for _, d := range details {
		if err := l.Append(jobID, d); err != nil {
			return err
		}
	}
	return nil
}

// List returns up to limit entries for a job (all entries when limit <= 0).
// Torn trailing lines from a crashed writer are skipped.
func (l *FailureLog) List(jobID string, limit int) ([]domain.FailedItemDetail, error) {
	lock := l.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(l.path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open failure log: %w", err)
	}
	defer f.Close()

	var details []domain.FailedItemDetail
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var d domain.FailedItemDetail
		if err := json.Unmarshal(scanner.Bytes(), &d); err != nil {
			continue
		}
		details = append(details, d)
		if limit > 0 && len(details) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan failure log: %w", err)
	}
	return details, nil
}

// Clear truncates the log for a job.
func (l *FailureLog) Clear(jobID string) error {
	lock := l.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	err := os.Truncate(l.path(jobID), 0)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear failure log: %w", err)
	}
	return nil
}

func (l *FailureLog) lockFor(jobID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[jobID] = lock
	}
	return lock
}

func (l *FailureLog) path(jobID string) string {
	return filepath.Join(l.dir, jobID+".jsonl")
}
