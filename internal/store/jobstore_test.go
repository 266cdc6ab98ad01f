package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rburan/gridshift/internal/domain"
)

func newTestStore(t *testing.T) *JobStore {
	t.Helper()
	s, err := NewJobStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func newTestJob(id string) *domain.MigrationJob {
	return &domain.MigrationJob{
		ID:                 id,
		Status:             domain.JobStatusPlanning,
		SourceCollectionID: "src-1",
		TargetCollectionID: "tgt-1",
		Mode:               domain.ModeCreate,
		FieldMapping: domain.FieldMapping{
			{Source: "f1", Target: "g1"},
		},
		Settings: domain.JobSettings{
			Kind:      domain.KindItemMigration,
			Migration: &domain.ItemMigrationConfig{BatchSize: 100},
		},
	}
}

func TestJobStoreCreateAndGet(t *testing.T) {
	s := newTestStore(t)

	job := newTestJob("job-1")
	require.NoError(t, s.Create(job))

	loaded, err := s.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", loaded.ID)
	require.Equal(t, domain.JobStatusPlanning, loaded.Status)
	require.NotNil(t, loaded.Settings.Migration)
	require.Equal(t, 100, loaded.Settings.Migration.BatchSize)

	// Duplicate create is rejected.
	require.Error(t, s.Create(newTestJob("job-1")))
}

func TestJobStoreGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("nope")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobStoreUpdateStatusStampsTimestamps(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(newTestJob("job-1")))

	job, err := s.UpdateStatus("job-1", domain.JobStatusInProgress)
	require.NoError(t, err)
	require.NotNil(t, job.StartedAt)
	require.Nil(t, job.CompletedAt)
	started := *job.StartedAt

	// StartedAt sticks across later transitions.
	job, err = s.UpdateStatus("job-1", domain.JobStatusCompleted)
	require.NoError(t, err)
	require.Equal(t, started, *job.StartedAt)
	require.NotNil(t, job.CompletedAt)
}

func TestJobStoreCheckpointsAreMonotonic(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(newTestJob("job-1")))

	now := time.Now()
	_, err := s.SaveCheckpoint("job-1", domain.BatchCheckpoint{BatchNumber: 1, Offset: 500, Status: "completed", StartedAt: now})
	require.NoError(t, err)
	_, err = s.SaveCheckpoint("job-1", domain.BatchCheckpoint{BatchNumber: 2, Offset: 1000, Status: "completed", StartedAt: now})
	require.NoError(t, err)

	// Regressing batch numbers are rejected.
	_, err = s.SaveCheckpoint("job-1", domain.BatchCheckpoint{BatchNumber: 2, Offset: 1500, Status: "completed", StartedAt: now})
	require.Error(t, err)

	job, err := s.Get("job-1")
	require.NoError(t, err)
	cp, ok := job.Progress.LastCheckpoint()
	require.True(t, ok)
	require.Equal(t, 2, cp.BatchNumber)
	require.Equal(t, 1000, cp.Offset)
}

func TestJobStoreRecoversFromCorruptedState(t *testing.T) {
	s := newTestStore(t)
	job := newTestJob("job-1")
	require.NoError(t, s.Create(job))

	// A second write produces a backup of the first good state.
	_, err := s.UpdateStatus("job-1", domain.JobStatusInProgress)
	require.NoError(t, err)

	// Corrupt the live file the way a torn write would.
	require.NoError(t, os.WriteFile(s.path("job-1"), []byte(`{"id": "job-1", "status`), 0o644))

	loaded, err := s.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", loaded.ID)

	// The restored file parses again on its own.
	data, err := os.ReadFile(s.path("job-1"))
	require.NoError(t, err)
	var verify domain.MigrationJob
	require.NoError(t, json.Unmarshal(data, &verify))
}

func TestJobStoreCorruptionWithoutBackupFails(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(newTestJob("job-1")))

	// No backup exists yet (first write skips it), so corruption is fatal.
	require.NoError(t, os.WriteFile(s.path("job-1"), []byte("garbage"), 0o644))
	require.NoError(t, os.RemoveAll(s.backupPath("job-1")))

	_, err := s.Get("job-1")
	require.Error(t, err)
}

func TestJobStoreConcurrentUpdates(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(newTestJob("job-1")))

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update("job-1", func(job *domain.MigrationJob) error {
				job.Progress.Record(1, 0, 0)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	job, err := s.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, writers, job.Progress.Successful)
	require.Equal(t, writers, job.Progress.Processed)
}

func TestJobStoreList(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(newTestJob("job-1")))
	require.NoError(t, s.Create(newTestJob("job-2")))

	// Unreadable files are skipped, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "broken.json"), []byte("nope"), 0o644))

	jobs, err := s.List()
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}

func TestJobStoreLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(newTestJob("job-1")))
	for i := 0; i < 5; i++ {
		_, err := s.Update("job-1", func(job *domain.MigrationJob) error {
			job.Progress.Record(1, 0, 0)
			return nil
		})
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.Equal(t, ".json", filepath.Ext(e.Name()), "unexpected leftover file %s", e.Name())
	}
}
