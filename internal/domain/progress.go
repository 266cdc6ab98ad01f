package domain

import (
	"math"
	"time"
)

// MigrationProgress tracks aggregate counters for a job. The invariant
// Processed == Successful + Failed holds at every observation point;
// skipped records are counted separately and are neither successes nor
// failures. Full per-item failure detail lives in the failure log, only
// the per-category counts are kept here to bound state-file size.
type MigrationProgress struct {
	Total            int                   `json:"total"`
	Processed        int                   `json:"processed"`
	Successful       int                   `json:"successful"`
	Failed           int                   `json:"failed"`
	Skipped          int                   `json:"skipped"`
	Percent          int                   `json:"percent"`
	LastUpdate       time.Time             `json:"last_update"`
	Throughput       *ThroughputStats      `json:"throughput,omitempty"`
	BatchCheckpoints []BatchCheckpoint     `json:"batch_checkpoints,omitempty"`
	FailedByCategory map[ErrorCategory]int `json:"failed_items_by_category,omitempty"`
}

// ThroughputStats is a rolling processing rate with an ETA estimate.
type ThroughputStats struct {
	ItemsPerSecond float64 `json:"items_per_second"`
	ETASeconds     int64   `json:"eta_seconds"`
}

// BatchCheckpoint marks one completed unit of work. BatchNumber increases
// monotonically; resuming a job continues from the highest checkpoint's
// offset.
type BatchCheckpoint struct {
	BatchNumber     int        `json:"batch_number"`
	Offset          int        `json:"offset"`
	ItemsProcessed  int        `json:"items_processed"`
	ItemsSuccessful int        `json:"items_successful"`
	ItemsFailed     int        `json:"items_failed"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Record applies counter deltas and refreshes the derived percent.
func (p *MigrationProgress) Record(successful, failed, skipped int) {
	p.Successful += successful
	p.Failed += failed
	p.Skipped += skipped
	p.Processed = p.Successful + p.Failed
	p.refreshPercent()
	p.LastUpdate = time.Now()
}

// AddFailure bumps the per-category failure counter.
func (p *MigrationProgress) AddFailure(category ErrorCategory, n int) {
	if p.FailedByCategory == nil {
		p.FailedByCategory = make(map[ErrorCategory]int)
	}
	p.FailedByCategory[category] += n
}

// Clone returns an independent copy. The map and slice members are
// duplicated so mutating the clone (or the original) leaves the other
// untouched.
func (p MigrationProgress) Clone() MigrationProgress {
	c := p
	if p.FailedByCategory != nil {
		c.FailedByCategory = make(map[ErrorCategory]int, len(p.FailedByCategory))
		for k, v := range p.FailedByCategory {
			c.FailedByCategory[k] = v
		}
	}
	if p.BatchCheckpoints != nil {
		c.BatchCheckpoints = append([]BatchCheckpoint(nil), p.BatchCheckpoints...)
	}
	if p.Throughput != nil {
		t := *p.Throughput
		c.Throughput = &t
	}
	return c
}

// LastCheckpoint returns the checkpoint with the highest batch number.
func (p *MigrationProgress) LastCheckpoint() (BatchCheckpoint, bool) {
	if len(p.BatchCheckpoints) == 0 {
		return BatchCheckpoint{}, false
	}
	best := p.BatchCheckpoints[0]
	for _, cp := range p.BatchCheckpoints[1:] {
		if cp.BatchNumber > best.BatchNumber {
			best = cp
		}
	}
	return best, true
}

// UpdateThroughput recomputes the rolling rate from the run start time.
func (p *MigrationProgress) UpdateThroughput(startedAt time.Time) {
	elapsed := time.Since(startedAt).Seconds()
	if elapsed <= 0 || p.Processed == 0 {
		return
	}
	rate := float64(p.Processed) / elapsed
	stats := &ThroughputStats{ItemsPerSecond: math.Round(rate*100) / 100}
	if remaining := p.Total - p.Processed - p.Skipped; remaining > 0 && rate > 0 {
		stats.ETASeconds = int64(float64(remaining) / rate)
	}
	p.Throughput = stats
}

func (p *MigrationProgress) refreshPercent() {
	if p.Total <= 0 {
		p.Percent = 0
		return
	}
	p.Percent = int(math.Round(float64(p.Processed) / float64(p.Total) * 100))
}
