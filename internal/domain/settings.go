package domain

import (
	"encoding/json"
	"fmt"
)

// JobKind tags the settings union so mode-specific configuration is
// decoded exactly once at load time.
type JobKind string

const (
	KindItemMigration JobKind = "item_migration"
	KindCleanup       JobKind = "cleanup"
	KindDelete        JobKind = "delete"
)

// ItemMigrationConfig is the settings payload for item migration jobs.
type ItemMigrationConfig struct {
	MatchSourceField  string                 `json:"match_source_field,omitempty"`
	MatchTargetField  string                 `json:"match_target_field,omitempty"`
	DuplicateBehavior DuplicateBehavior      `json:"duplicate_behavior,omitempty"`
	BatchSize         int                    `json:"batch_size,omitempty"`
	Concurrency       int                    `json:"concurrency,omitempty"`
	MaxRetries        int                    `json:"max_retries,omitempty"`
	StopOnError       bool                   `json:"stop_on_error,omitempty"`
	DryRun            bool                   `json:"dry_run,omitempty"`
	Filters           map[string]interface{} `json:"filters,omitempty"`
}

// HasMatchFields reports whether both sides of a duplicate-detection match
// pair are configured.
func (c *ItemMigrationConfig) HasMatchFields() bool {
	return c.MatchSourceField != "" && c.MatchTargetField != ""
}

// CleanupConfig is the settings payload for duplicate-record cleanup jobs.
// The cleanup flow itself runs outside this engine.
type CleanupConfig struct {
	CollectionID string `json:"collection_id"`
	MatchField   string `json:"match_field"`
	KeepStrategy string `json:"keep_strategy,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
}

// DeleteConfig is the settings payload for bulk delete jobs.
type DeleteConfig struct {
	CollectionID string                 `json:"collection_id"`
	Filters      map[string]interface{} `json:"filters,omitempty"`
	BatchSize    int                    `json:"batch_size,omitempty"`
}

// JobSettings is a tagged union over the per-kind configuration types.
// Exactly one payload is populated, matching Kind.
type JobSettings struct {
	Kind      JobKind
	Migration *ItemMigrationConfig
	Cleanup   *CleanupConfig
	Delete    *DeleteConfig
}

type settingsEnvelope struct {
	Kind   JobKind         `json:"kind"`
	Config json.RawMessage `json:"config,omitempty"`
}

// MarshalJSON encodes the union as a {kind, config} envelope.
func (s JobSettings) MarshalJSON() ([]byte, error) {
	env := settingsEnvelope{Kind: s.Kind}
	var payload interface{}
	switch s.Kind {
	case KindItemMigration:
		payload = s.Migration
	case KindCleanup:
		payload = s.Cleanup
	case KindDelete:
		payload = s.Delete
	case "":
		return json.Marshal(env)
	default:
		return nil, fmt.Errorf("unknown job kind %q", s.Kind)
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Config = raw
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the envelope and the matching payload type once,
// so callers never re-interpret a loose metadata bag.
func (s *JobSettings) UnmarshalJSON(data []byte) error {
	var env settingsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	s.Kind = env.Kind
	s.Migration, s.Cleanup, s.Delete = nil, nil, nil
	if len(env.Config) == 0 {
		return nil
	}
	switch env.Kind {
	case KindItemMigration:
		s.Migration = &ItemMigrationConfig{}
		return json.Unmarshal(env.Config, s.Migration)
	case KindCleanup:
		s.Cleanup = &CleanupConfig{}
		return json.Unmarshal(env.Config, s.Cleanup)
	case KindDelete:
		s.Delete = &DeleteConfig{}
		return json.Unmarshal(env.Config, s.Delete)
	case "":
		return nil
	default:
		return fmt.Errorf("unknown job kind %q", env.Kind)
	}
}
