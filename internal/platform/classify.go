package platform

import (
	"math/rand"
	"strings"
	"time"

	"github.com/rburan/gridshift/internal/domain"
)

const (
	rateLimitBaseDelay = 5 * time.Second
	networkBaseDelay   = 2 * time.Second
)

// Classification is the outcome of mapping a raw failure onto the error
// taxonomy, with a retry recommendation.
type Classification struct {
	Category    domain.ErrorCategory
	ShouldRetry bool
	RetryDelay  time.Duration
	Code        string
}

// Classify maps any error onto the failure taxonomy. HTTP status wins when
// present; otherwise message patterns decide. Unmatched errors are
// `unknown` with a single retry recommendation.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: domain.CategoryUnknown, Code: "none"}
	}

	if apiErr, ok := AsAPIError(err); ok {
		return classifyStatus(apiErr)
	}
	return classifyMessage(err.Error())
}

func classifyStatus(apiErr *APIError) Classification {
	status := apiErr.StatusCode
	switch {
	case status == 429 || status == 420:
		return Classification{
			Category:    domain.CategoryRateLimit,
			ShouldRetry: true,
			RetryDelay:  rateLimitBaseDelay,
			Code:        "http_429",
		}
	case status >= 500:
		return Classification{
			Category:    domain.CategoryNetwork,
			ShouldRetry: true,
			RetryDelay:  networkBaseDelay,
			Code:        "http_5xx",
		}
	case status == 401 || status == 403:
		return Classification{Category: domain.CategoryPermission, Code: "http_auth"}
	case status == 400 && hasDuplicateSignature(apiErr.Message):
		return Classification{Category: domain.CategoryDuplicate, Code: "http_duplicate"}
	case status == 400 || status == 404:
		return Classification{Category: domain.CategoryValidation, Code: "http_validation"}
	}
	return Classification{
		Category:    domain.CategoryUnknown,
		ShouldRetry: true,
		Code:        "http_other",
	}
}

func classifyMessage(msg string) Classification {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "timeout", "timed out", "connection refused", "connection reset", "no such host", "broken pipe", "eof"):
		return Classification{
			Category:    domain.CategoryNetwork,
			ShouldRetry: true,
			RetryDelay:  networkBaseDelay,
			Code:        "net_pattern",
		}
	case containsAny(lower, "rate limit", "too many requests", "quota exceeded"):
		return Classification{
			Category:    domain.CategoryRateLimit,
			ShouldRetry: true,
			RetryDelay:  rateLimitBaseDelay,
			Code:        "rate_pattern",
		}
	case containsAny(lower, "duplicate", "already exists"):
		return Classification{Category: domain.CategoryDuplicate, Code: "dup_pattern"}
	case containsAny(lower, "unauthorized", "forbidden", "permission denied", "access denied"):
		return Classification{Category: domain.CategoryPermission, Code: "perm_pattern"}
	case containsAny(lower, "validation", "invalid", "required field", "bad request"):
		return Classification{Category: domain.CategoryValidation, Code: "valid_pattern"}
	}
	return Classification{
		Category:    domain.CategoryUnknown,
		ShouldRetry: true,
		Code:        "unknown",
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hasDuplicateSignature(msg string) bool {
	lower := strings.ToLower(msg)
	return containsAny(lower, "duplicate", "already exists", "unique")
}

// ShouldRetry enforces the retry policy per category. Validation,
// permission and duplicate failures never retry; network and rate-limit
// failures retry up to maxRetries; unknown failures retry exactly once.
// attemptCount is the number of attempts already made, so the first
// failure arrives with attemptCount == 1.
func ShouldRetry(category domain.ErrorCategory, attemptCount, maxRetries int) bool {
	switch category {
	case domain.CategoryValidation, domain.CategoryPermission, domain.CategoryDuplicate:
		return false
	case domain.CategoryNetwork, domain.CategoryRateLimit:
		return attemptCount < maxRetries
	case domain.CategoryUnknown:
		return attemptCount < 2
	}
	return false
}

// RetryableCategory reports whether failures of this category can succeed
// on a later attempt at all. Operators use it to judge whether a retry
// pass is worth running.
func RetryableCategory(category domain.ErrorCategory) bool {
	switch category {
	case domain.CategoryNetwork, domain.CategoryRateLimit, domain.CategoryUnknown:
		return true
	}
	return false
}

// Backoff computes min(base * 2^attempt, cap) with ±20% jitter, floored at
// zero. attempt is zero-based.
func Backoff(base time.Duration, attempt int, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			break
		}
	}
	if delay > cap {
		delay = cap
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	jittered := time.Duration(float64(delay) * jitter)
	if jittered < 0 {
		return 0
	}
	return jittered
}
