package platform

import (
	"errors"
	"testing"
	"time"

	"github.com/rburan/gridshift/internal/domain"
)

func TestClassifyByStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		message   string
		category  domain.ErrorCategory
		retryable bool
		delay     time.Duration
	}{
		{"rate limited", 429, "too many requests", domain.CategoryRateLimit, true, 5 * time.Second},
		{"legacy throttle status", 420, "enhance your calm", domain.CategoryRateLimit, true, 5 * time.Second},
		{"server error", 500, "internal error", domain.CategoryNetwork, true, 2 * time.Second},
		{"bad gateway", 502, "bad gateway", domain.CategoryNetwork, true, 2 * time.Second},
		{"unauthorized", 401, "unauthorized", domain.CategoryPermission, false, 0},
		{"forbidden", 403, "forbidden", domain.CategoryPermission, false, 0},
		{"validation", 400, "missing required field", domain.CategoryValidation, false, 0},
		{"not found", 404, "item not found", domain.CategoryValidation, false, 0},
		{"duplicate on 400", 400, "value already exists for unique field", domain.CategoryDuplicate, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := Classify(NewAPIError(tt.status, tt.message))
			if cls.Category != tt.category {
				t.Errorf("category = %s, want %s", cls.Category, tt.category)
			}
			if cls.ShouldRetry != tt.retryable {
				t.Errorf("ShouldRetry = %v, want %v", cls.ShouldRetry, tt.retryable)
			}
			if cls.RetryDelay != tt.delay {
				t.Errorf("RetryDelay = %s, want %s", cls.RetryDelay, tt.delay)
			}
		})
	}
}

func TestClassifyByMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category domain.ErrorCategory
	}{
		{"timeout", errors.New("request timed out"), domain.CategoryNetwork},
		{"connection refused", errors.New("dial tcp: connection refused"), domain.CategoryNetwork},
		{"rate limit text", errors.New("rate limit exceeded"), domain.CategoryRateLimit},
		{"duplicate text", errors.New("record already exists"), domain.CategoryDuplicate},
		{"permission text", errors.New("access denied for token"), domain.CategoryPermission},
		{"validation text", errors.New("invalid field value"), domain.CategoryValidation},
		{"unmatched", errors.New("something odd happened"), domain.CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if cls := Classify(tt.err); cls.Category != tt.category {
				t.Errorf("category = %s, want %s", cls.Category, tt.category)
			}
		})
	}
}

func TestShouldRetryPolicy(t *testing.T) {
	const maxRetries = 3

	tests := []struct {
		name     string
		category domain.ErrorCategory
		attempts int
		want     bool
	}{
		{"validation never retries", domain.CategoryValidation, 1, false},
		{"permission never retries", domain.CategoryPermission, 1, false},
		{"duplicate never retries", domain.CategoryDuplicate, 1, false},
		{"network retries under max", domain.CategoryNetwork, 2, true},
		{"network stops at max", domain.CategoryNetwork, 3, false},
		{"rate limit retries under max", domain.CategoryRateLimit, 1, true},
		{"unknown retries after first attempt", domain.CategoryUnknown, 1, true},
		{"unknown stops after second attempt", domain.CategoryUnknown, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRetry(tt.category, tt.attempts, maxRetries); got != tt.want {
				t.Errorf("ShouldRetry(%s, %d) = %v, want %v", tt.category, tt.attempts, got, tt.want)
			}
		})
	}
}

func TestRetryableCategory(t *testing.T) {
	retryable := []domain.ErrorCategory{
		domain.CategoryNetwork, domain.CategoryRateLimit, domain.CategoryUnknown,
	}
	for _, c := range retryable {
		if !RetryableCategory(c) {
			t.Errorf("RetryableCategory(%s) = false, want true", c)
		}
	}
	permanent := []domain.ErrorCategory{
		domain.CategoryValidation, domain.CategoryPermission, domain.CategoryDuplicate,
	}
	for _, c := range permanent {
		if RetryableCategory(c) {
			t.Errorf("RetryableCategory(%s) = true, want false", c)
		}
	}
}

func TestBackoffBounds(t *testing.T) {
	base := 500 * time.Millisecond
	cap := 30 * time.Second

	for attempt := 0; attempt < 10; attempt++ {
		d := Backoff(base, attempt, cap)
		// Exponential growth capped, then ±20% jitter.
		exp := base << attempt
		if exp > cap || exp <= 0 {
			exp = cap
		}
		min := time.Duration(float64(exp) * 0.8)
		max := time.Duration(float64(exp) * 1.2)
		if d < min || d > max {
			t.Errorf("attempt %d: backoff %s outside [%s, %s]", attempt, d, min, max)
		}
	}

	if d := Backoff(0, 3, cap); d != 0 {
		t.Errorf("zero base should yield zero, got %s", d)
	}
}

func TestIsFieldMissing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"deleted field", NewAPIError(400, "field f123 no longer exists"), true},
		{"missing field 404", NewAPIError(404, "field not found"), true},
		{"other validation", NewAPIError(400, "value out of range"), false},
		{"server error", NewAPIError(500, "field service crashed"), false},
		{"plain error", errors.New("field gone"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFieldMissing(tt.err); got != tt.want {
				t.Errorf("IsFieldMissing = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRateLimited(t *testing.T) {
	if !IsRateLimited(NewAPIError(429, "slow down")) {
		t.Error("429 should be rate limited")
	}
	if !IsRateLimited(NewAPIError(420, "enhance your calm")) {
		t.Error("420 should be rate limited")
	}
	if IsRateLimited(NewAPIError(500, "boom")) {
		t.Error("500 is not rate limited")
	}
	if IsRateLimited(errors.New("some error")) {
		t.Error("plain error is not rate limited")
	}
}
