package domain

import "time"

// ErrorCategory is the per-item failure taxonomy produced by the error
// classifier.
type ErrorCategory string

const (
	CategoryNetwork    ErrorCategory = "network"
	CategoryRateLimit  ErrorCategory = "rate_limit"
	CategoryValidation ErrorCategory = "validation"
	CategoryPermission ErrorCategory = "permission"
	CategoryDuplicate  ErrorCategory = "duplicate"
	CategoryUnknown    ErrorCategory = "unknown"
)

// FailedItemDetail is one failure-log entry. The log is append-only, one
// JSON object per line; a repeated failure for the same item is a new line,
// never a rewrite.
type FailedItemDetail struct {
	SourceItemID   string        `json:"source_item_id"`
	TargetItemID   string        `json:"target_item_id,omitempty"`
	Error          string        `json:"error"`
	ErrorCategory  ErrorCategory `json:"error_category"`
	AttemptCount   int           `json:"attempt_count"`
	FirstAttemptAt time.Time     `json:"first_attempt_at"`
	LastAttemptAt  time.Time     `json:"last_attempt_at"`
}
