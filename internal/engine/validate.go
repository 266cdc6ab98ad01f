package engine

import (
	"context"
	"fmt"

	"github.com/rburan/gridshift/internal/domain"
	"github.com/rburan/gridshift/internal/logger"
	"github.com/rburan/gridshift/internal/platform"
)

// nonPortableFieldTypes cannot serve as match fields: their values are
// references or computed aggregates, not stable scalars.
var nonPortableFieldTypes = map[string]bool{
	"relationship": true,
	"app":          true,
	"attachment":   true,
	"file":         true,
	"image":        true,
	"date_range":   true,
	"calculation":  true,
	"created_by":   true,
	"created_on":   true,
}

// validate resolves the field mapping against the target schema, checks
// match-field portability, and for create runs performs a small write
// probe before the real migration starts.
func (o *Orchestrator) validate(ctx context.Context, run *migrationRun) error {
	schema, err := o.target.GetSchema(ctx, run.job.TargetCollectionID)
	if err != nil {
		return fmt.Errorf("failed to fetch target schema: %w", err)
	}

	byID := make(map[string]platform.SchemaField, len(schema))
	byExternal := make(map[string]platform.SchemaField, len(schema))
	for _, f := range schema {
		byID[f.ID] = f
		if f.ExternalID != "" {
			byExternal[f.ExternalID] = f
		}
	}
	resolve := func(name string) (platform.SchemaField, bool) {
		if f, ok := byID[name]; ok {
			return f, true
		}
		f, ok := byExternal[name]
		return f, ok
	}

	// Canonicalize mapping targets to the schema's external ids so the
	// write path always sends the same identifiers.
	resolved := make(domain.FieldMapping, 0, len(run.mapping))
	for _, pair := range run.mapping {
		field, ok := resolve(pair.Target)
		if !ok {
			return fmt.Errorf("mapped target field %q does not exist in collection %s", pair.Target, run.job.TargetCollectionID)
		}
		canonical := field.ExternalID
		if canonical == "" {
			canonical = field.ID
		}
		resolved = append(resolved, domain.FieldMapPair{Source: pair.Source, Target: canonical})
	}
	run.mapping = resolved

	needsMatch := run.job.Mode != domain.ModeCreate || run.cfg.HasMatchFields()
	if needsMatch {
		if !run.cfg.HasMatchFields() {
			return fmt.Errorf("mode %q requires both a source and a target match field", run.job.Mode)
		}
		field, ok := resolve(run.cfg.MatchTargetField)
		if !ok {
			return fmt.Errorf("match field %q does not exist in collection %s", run.cfg.MatchTargetField, run.job.TargetCollectionID)
		}
		if nonPortableFieldTypes[field.Type] {
			return fmt.Errorf("match field %q has non-portable type %q", run.cfg.MatchTargetField, field.Type)
		}
	}

	_, resumed := run.job.Progress.LastCheckpoint()
	if run.job.Mode != domain.ModeUpdate && !run.dryRun && run.retrySet == nil && !resumed {
		if err := o.smokeTest(ctx, run); err != nil {
			return err
		}
	}
	return nil
}

// smokeTest writes a handful of real records to the target and deletes
// them again. It catches mapping and permission problems before the run
// commits to thousands of writes. A failed cleanup aborts the migration:
// leaking probe records into the target is worse than not starting.
func (o *Orchestrator) smokeTest(ctx context.Context, run *migrationRun) error {
	page, err := o.source.StreamItems(ctx, run.job.SourceCollectionID, platform.StreamOptions{
		BatchSize: smokeTestRecords,
		Offset:    0,
		Filters:   run.cfg.Filters,
	})
	if err != nil {
		return fmt.Errorf("failed to read sample records for write probe: %w", err)
	}
	if len(page.Items) == 0 {
		return nil // empty source, nothing to probe
	}

	records := make([]map[string]interface{}, 0, smokeTestRecords)
	for _, item := range page.Items {
		if len(records) == smokeTestRecords {
			break
		}
		records = append(records, applyMapping(item.Fields, run.mapping))
	}

	result, err := o.target.BulkCreate(ctx, run.job.TargetCollectionID, records, platform.WriteOptions{
		Concurrency: 1,
		Silent:      true,
	})
	if err != nil {
		return fmt.Errorf("write probe failed: %w", err)
	}
	if len(result.Failed) > 0 {
		first := result.Failed[0]
		err = fmt.Errorf("write probe rejected %d of %d records: %s", len(result.Failed), len(records), first.Error)
	}

	for _, id := range result.SuccessfulIDs {
		if delErr := o.target.DeleteItem(ctx, id); delErr != nil {
			return fmt.Errorf("aborting: probe record %s could not be deleted from target: %w", id, delErr)
		}
	}
	if err != nil {
		return err
	}

	logger.CtxDebug(ctx, "Write probe passed with %d records", len(result.SuccessfulIDs))
	return nil
}
