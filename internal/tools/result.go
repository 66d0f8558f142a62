package tools

import (
	"fmt"
	"time"
)

// Category classifies a failed tool result. Retry policy and user
// messaging both key off it.
type Category string

const (
	CategoryNone          Category = ""
	CategoryValidation    Category = "validation"
	CategoryNetwork       Category = "network"
	CategoryRateLimit     Category = "rate_limit"
	CategoryTimeout       Category = "timeout"
	CategoryPermission    Category = "permission"
	CategoryCancelled     Category = "cancelled"
	CategoryCircuitBroken Category = "circuit_broken"
	CategoryUnknown       Category = "unknown"
)

// Retriable reports whether the executor should retry a failure of this
// category. Validation, permission, and cancellation never improve on
// retry.
func (c Category) Retriable() bool {
	switch c {
	case CategoryNetwork, CategoryRateLimit, CategoryTimeout:
		return true
	default:
		return false
	}
}

// Overload reports whether the category signals provider or resource
// pressure, which triggers the sequential fallback path.
func (c Category) Overload() bool {
	return c == CategoryRateLimit || c == CategoryTimeout
}

// Result is the unified return type from tool execution.
type Result struct {
	Content  string   `json:"content"`
	IsError  bool     `json:"is_error"`
	Category Category `json:"category,omitempty"`
	// RetryAfter suggests when a retry could succeed. Zero means no hint.
	RetryAfter time.Duration  `json:"retry_after,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	// SequentialFallback marks results produced by the degraded
	// one-at-a-time retry pass.
	SequentialFallback bool `json:"sequential_fallback,omitempty"`
}

func NewResult(content string) *Result {
	return &Result{Content: content}
}

func Errorf(category Category, format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true, Category: category}
}

// ErrorResult is a plain failure with unknown category.
func ErrorResult(message string) *Result {
	return &Result{Content: message, IsError: true, Category: CategoryUnknown}
}

func (r *Result) WithMetadata(key string, value any) *Result {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
	return r
}

func (r *Result) WithRetryAfter(d time.Duration) *Result {
	r.RetryAfter = d
	return r
}
