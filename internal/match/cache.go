package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rburan/gridshift/internal/logger"
	"github.com/rburan/gridshift/internal/platform"
)

// DefaultTTL keeps entries alive for long-running migrations; a full
// rebuild is cheap relative to hours of batch writes.
const DefaultTTL = 12 * time.Hour

// DefaultStallTimeout bounds how long the build phase may go without
// receiving a single new item before it is declared stalled.
const DefaultStallTimeout = 2 * time.Minute

// buildPollInterval spaces out re-polls when the platform reports more
// items than it delivers, so a misbehaving endpoint is not hammered in a
// tight loop. Variable so tests can shrink it.
var buildPollInterval = time.Second

// Build failure sentinels. A partial cache would yield false negatives and
// mass duplicate creation, so the build phase fails the whole migration.
var (
	// ErrBuildTimeout means the scan exceeded its deadline. Remediation:
	// raise the timeout or narrow the target collection with filters.
	ErrBuildTimeout = errors.New("prefetch cache build timed out; increase the build timeout or filter the target collection")

	// ErrBuildStalled means the scan stopped making progress. Remediation:
	// check target platform health and retry the migration.
	ErrBuildStalled = errors.New("prefetch cache build stalled with no progress; check target platform health and retry")
)

// ItemPager streams one page of a collection at a time.
type ItemPager interface {
	StreamItems(ctx context.Context, collectionID string, opts platform.StreamOptions) (platform.Page, error)
}

// Entry is a slim index record. It deliberately excludes the full target
// record to bound memory on large collections.
type Entry struct {
	TargetItemID string
	MatchValue   string
	CreatedAt    time.Time
	CollectionID string
}

// Cache is the per-migration duplicate-detection index: one full scan of
// the target collection up front, then O(1) lookups per source record.
// Each migration run owns its own instance; it is never shared across
// jobs.
type Cache struct {
	collectionID string
	matchField   string
	norm         Normalizer
	ttl          time.Duration
	stallTimeout time.Duration

	mu      sync.RWMutex
	entries map[string]Entry
	built   bool

	hits   atomic.Int64
	misses atomic.Int64
}

// CacheOptions tunes a cache instance.
type CacheOptions struct {
	TTL          time.Duration
	StallTimeout time.Duration
	Normalizer   Normalizer
}

// NewCache creates an empty cache for one collection and match field.
func NewCache(collectionID, matchField string, opts CacheOptions) *Cache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	stall := opts.StallTimeout
	if stall <= 0 {
		stall = DefaultStallTimeout
	}
	return &Cache{
		collectionID: collectionID,
		matchField:   matchField,
		norm:         opts.Normalizer,
		ttl:          ttl,
		stallTimeout: stall,
		entries:      make(map[string]Entry),
	}
}

// Build streams the entire target collection once and indexes the
// normalized match-field value of every record. Records whose normalized
// value is empty are skipped: empty never matches empty. Build either
// completes fully or fails the migration.
func (c *Cache) Build(ctx context.Context, pager ItemPager, pageSize int) error {
	if pageSize <= 0 {
		pageSize = 500
	}

	start := time.Now()
	lastProgress := start
	offset := 0
	indexed := 0

	for {
		page, err := pager.StreamItems(ctx, c.collectionID, platform.StreamOptions{
			BatchSize: pageSize,
			Offset:    offset,
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %v", ErrBuildTimeout, err)
			}
			return fmt.Errorf("prefetch cache build failed: %w", err)
		}

		if len(page.Items) == 0 {
			if page.Total <= offset {
				break
			}
			// More items reported than delivered. Treat repeated
			// no-progress pages as a stalled scan, and space out the
			// re-polls in the meantime.
			if time.Since(lastProgress) > c.stallTimeout {
				return ErrBuildStalled
			}
			select {
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return fmt.Errorf("%w: %v", ErrBuildTimeout, ctx.Err())
				}
				return fmt.Errorf("prefetch cache build failed: %w", ctx.Err())
			case <-time.After(buildPollInterval):
			}
			continue
		}
		lastProgress = time.Now()

		now := time.Now()
		c.mu.Lock()
		for _, item := range page.Items {
			raw, ok := item.Fields[c.matchField]
			if !ok {
				continue
			}
			norm := c.norm.Normalize(raw)
			if norm == "" {
				continue
			}
			c.entries[c.key(norm)] = Entry{
				TargetItemID: item.ID,
				MatchValue:   norm,
				CreatedAt:    now,
				CollectionID: c.collectionID,
			}
			indexed++
		}
		c.mu.Unlock()

		offset += len(page.Items)
		if page.Total > 0 && offset >= page.Total {
			break
		}
	}

	c.mu.Lock()
	c.built = true
	c.mu.Unlock()

	logger.With(logger.Fields{
		logger.FieldCollection: c.collectionID,
		logger.FieldCount:      indexed,
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info(ctx, "Prefetch cache built: match_field=%s scanned=%d", c.matchField, offset)
	return nil
}

// Built reports whether a full build has completed.
func (c *Cache) Built() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.built
}

// Lookup normalizes the raw value and returns the matching target item id.
// An empty normalized value is always a miss, even if empty keys somehow
// exist, so blank fields can never mass-match each other. Expired entries
// are evicted lazily here.
func (c *Cache) Lookup(raw interface{}) (string, bool) {
	norm := c.norm.Normalize(raw)
	if norm == "" {
		c.misses.Add(1)
		return "", false
	}

	key := c.key(norm)
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		return "", false
	}

	if time.Since(entry.CreatedAt) > c.ttl {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		c.misses.Add(1)
		return "", false
	}

	c.hits.Add(1)
	return entry.TargetItemID, true
}

// Invalidate clears all entries, typically on a stale-schema signal. The
// cache must be rebuilt before further lookups are meaningful.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.built = false
	c.mu.Unlock()
}

// Drop releases the cache at the end of a run.
func (c *Cache) Drop() {
	c.Invalidate()
	c.hits.Store(0)
	c.misses.Store(0)
}

// Stats returns hit/miss counters and the live entry count.
func (c *Cache) Stats() (hits, misses int64, size int) {
	c.mu.RLock()
	size = len(c.entries)
	c.mu.RUnlock()
	return c.hits.Load(), c.misses.Load(), size
}

func (c *Cache) key(norm string) string {
	return c.collectionID + "|" + c.matchField + "|" + norm
}
