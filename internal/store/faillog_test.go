package store

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rburan/gridshift/internal/domain"
)

func newTestFailureLog(t *testing.T) *FailureLog {
	t.Helper()
	l, err := NewFailureLog(t.TempDir())
	require.NoError(t, err)
	return l
}

func sampleDetail(sourceID string) domain.FailedItemDetail {
	return domain.FailedItemDetail{
		SourceItemID:   sourceID,
		Error:          "missing required field",
		ErrorCategory:  domain.CategoryValidation,
		AttemptCount:   1,
		FirstAttemptAt: time.Now(),
		LastAttemptAt:  time.Now(),
	}
}

func TestFailureLogAppendAndList(t *testing.T) {
	l := newTestFailureLog(t)

	require.NoError(t, l.Append("job-1", sampleDetail("s1")))
	require.NoError(t, l.AppendAll("job-1", []domain.FailedItemDetail{
		sampleDetail("s2"),
		sampleDetail("s3"),
	}))

	details, err := l.List("job-1", 0)
	require.NoError(t, err)
	require.Len(t, details, 3)
	require.Equal(t, "s1", details[0].SourceItemID)
	require.Equal(t, domain.CategoryValidation, details[0].ErrorCategory)
}

func TestFailureLogListLimit(t *testing.T) {
	l := newTestFailureLog(t)
	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		require.NoError(t, l.Append("job-1", sampleDetail(id)))
	}

	details, err := l.List("job-1", 2)
	require.NoError(t, err)
	require.Len(t, details, 2)
}

func TestFailureLogMissingJobIsEmpty(t *testing.T) {
	l := newTestFailureLog(t)
	details, err := l.List("nope", 0)
	require.NoError(t, err)
	require.Empty(t, details)
}

func TestFailureLogSkipsTornLines(t *testing.T) {
	l := newTestFailureLog(t)
	require.NoError(t, l.Append("job-1", sampleDetail("s1")))

	// Simulate a crash mid-append: a torn partial line at the tail.
	f, err := os.OpenFile(l.path("job-1"), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"source_item_id": "s2", "err`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	details, err := l.List("job-1", 0)
	require.NoError(t, err)
	require.Len(t, details, 1)
	require.Equal(t, "s1", details[0].SourceItemID)
}

func TestFailureLogClear(t *testing.T) {
	l := newTestFailureLog(t)
	require.NoError(t, l.Append("job-1", sampleDetail("s1")))
	require.NoError(t, l.Clear("job-1"))

	details, err := l.List("job-1", 0)
	require.NoError(t, err)
	require.Empty(t, details)

	// Clearing a job that never failed is fine.
	require.NoError(t, l.Clear("job-2"))
}

func TestFailureLogIsolatesJobs(t *testing.T) {
	l := newTestFailureLog(t)
	require.NoError(t, l.Append("job-1", sampleDetail("s1")))
	require.NoError(t, l.Append("job-2", sampleDetail("s9")))

	one, err := l.List("job-1", 0)
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Equal(t, "s1", one[0].SourceItemID)

	two, err := l.List("job-2", 0)
	require.NoError(t, err)
	require.Len(t, two, 1)
	require.Equal(t, "s9", two[0].SourceItemID)
}
