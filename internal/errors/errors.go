// Package errors provides the error taxonomy for edgeroute.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================
// Error Categories
// ============================================================

// Category defines the type of error for handling decisions.
type Category int

const (
	// CategoryTemporary errors are retryable (network timeouts, temporary failures)
	CategoryTemporary Category = iota

	// CategoryPermanent errors are not retryable (invalid input, not found)
	CategoryPermanent

	// CategoryUser errors are due to user input (validation, syntax)
	CategoryUser

	// CategorySystem errors are system-level (missing backend, bad configuration)
	CategorySystem

	// CategoryRateLimit errors are due to API rate limiting
	CategoryRateLimit
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTemporary:
		return "temporary"
	case CategoryPermanent:
		return "permanent"
	case CategoryUser:
		return "user"
	case CategorySystem:
		return "system"
	case CategoryRateLimit:
		return "rate_limit"
	default:
		return "unknown"
	}
}

// ============================================================
// AppError - Main Error Type
// ============================================================

// AppError is the main error type for all edgeroute errors.
type AppError struct {
	// Code is a unique error code for programmatic handling
	Code string

	// Message is a user-friendly error message
	Message string

	// Category determines how the error should be handled
	Category Category

	// Inner is the underlying error
	Inner error

	// Retryable indicates if the operation can be retried
	Retryable bool

	// Suggestions are recovery suggestions for the user
	Suggestions []string

	// Context is additional debugging information
	Context map[string]interface{}

	// RetryAfter is the suggested delay before retry
	RetryAfter time.Duration
}

// Error returns the error message.
func (e *AppError) Error() string {
	var sb strings.Builder

	if e.Code != "" {
		sb.WriteString("[")
		sb.WriteString(e.Code)
		sb.WriteString("] ")
	}

	sb.WriteString(e.Message)

	if e.Inner != nil {
		innerMsg := e.Inner.Error()
		if innerMsg != "" && innerMsg != e.Message {
			sb.WriteString(": ")
			sb.WriteString(innerMsg)
		}
	}

	return sb.String()
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Inner
}

// Is checks if the target error is contained in this error.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Inner, target)
}

// Backend returns the backend recorded on the error, if any.
func (e *AppError) Backend() string {
	if e.Context == nil {
		return ""
	}
	b, _ := e.Context["backend"].(string)
	return b
}

// ============================================================
// Error Constructors
// ============================================================

// New creates a new AppError.
func New(code, message string, category Category) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Category: category,
	}
}

// Wrap wraps an existing error with context.
func Wrap(err error, code, message string, category Category) *AppError {
	if err == nil {
		return nil
	}

	// If it's already an AppError, just add context
	if appErr, ok := err.(*AppError); ok {
		return &AppError{
			Code:        code,
			Message:     message,
			Category:    category,
			Inner:       appErr,
			Retryable:   appErr.Retryable,
			Suggestions: appErr.Suggestions,
			Context:     appErr.Context,
		}
	}

	return &AppError{
		Code:     code,
		Message:  message,
		Category: category,
		Inner:    err,
	}
}

// Temporary creates a retryable temporary error.
func Temporary(code, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Category:  CategoryTemporary,
		Retryable: true,
	}
}

// Permanent creates a non-retryable permanent error.
func Permanent(code, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Category:  CategoryPermanent,
		Retryable: false,
	}
}

// RateLimit creates a rate limit error with retry after duration.
func RateLimit(code, message string, retryAfter time.Duration) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Category:   CategoryRateLimit,
		Retryable:  true,
		RetryAfter: retryAfter,
		Suggestions: []string{
			fmt.Sprintf("Wait %s before retrying", retryAfter),
			"Check your API quota",
		},
	}
}

// ============================================================
// Routing Errors
// ============================================================

// Configuration reports that no viable inference path exists. Never retried.
func Configuration(message string) *AppError {
	return NewBuilder(CodeConfiguration, message).
		System().
		WithSuggestion("Configure a cloud provider or run on a device with an accelerator").
		Build()
}

// InsufficientCapability reports that the device cannot meet the policy thresholds.
func InsufficientCapability(message string) *AppError {
	return NewBuilder(CodeInsufficientCapability, message).
		Permanent().
		WithContext("backend", "device").
		Build()
}

// ModelLoad wraps a backend initialization failure.
func ModelLoad(err error, backend string) *AppError {
	return NewBuilder(CodeModelLoad, "failed to initialize "+backend+" backend").
		System().
		Wrap(err).
		WithContext("backend", backend).
		Build()
}

// Generation wraps a failure raised by a backend while streaming.
func Generation(err error, backend string) *AppError {
	return NewBuilder(CodeGeneration, backend+" generation failed").
		Temporary().
		Wrap(err).
		WithContext("backend", backend).
		Build()
}

// CloudFallback reports that both the device attempt and its cloud retry failed.
// The message carries both underlying messages and errors.Is reaches both errors.
func CloudFallback(primary, fallback error) *AppError {
	return NewBuilder(CodeCloudFallback, "cloud fallback failed").
		Permanent().
		Wrap(&attemptErrors{device: primary, cloud: fallback}).
		WithContext("backend", "cloud").
		WithContext("primary_error", messageOf(primary)).
		WithContext("fallback_error", messageOf(fallback)).
		Build()
}

// attemptErrors pairs the device and cloud failures of a fallback.
type attemptErrors struct {
	device error
	cloud  error
}

func (a *attemptErrors) Error() string {
	return fmt.Sprintf("device: %s; cloud: %s", messageOf(a.device), messageOf(a.cloud))
}

func (a *attemptErrors) Unwrap() []error {
	return []error{a.device, a.cloud}
}

// Cancelled reports that the consumer stopped the request before it finished.
func Cancelled(backend string) *AppError {
	return NewBuilder(CodeCancelled, "cancelled").
		Permanent().
		WithContext("backend", backend).
		Build()
}

func messageOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ============================================================
// Builder Pattern for Fluent Error Construction
// ============================================================

// Builder provides fluent error construction.
type Builder struct {
	err *AppError
}

// NewBuilder starts building a new error.
func NewBuilder(code, message string) *Builder {
	return &Builder{
		err: &AppError{
			Code:     code,
			Message:  message,
			Category: CategoryTemporary,
			Context:  make(map[string]interface{}),
		},
	}
}

// Temporary marks the error as temporary/retryable.
func (b *Builder) Temporary() *Builder {
	b.err.Category = CategoryTemporary
	b.err.Retryable = true
	return b
}

// Permanent marks the error as permanent/non-retryable.
func (b *Builder) Permanent() *Builder {
	b.err.Category = CategoryPermanent
	b.err.Retryable = false
	return b
}

// User marks the error as a user input error.
func (b *Builder) User() *Builder {
	b.err.Category = CategoryUser
	b.err.Retryable = false
	return b
}

// System marks the error as a system error.
func (b *Builder) System() *Builder {
	b.err.Category = CategorySystem
	b.err.Retryable = false
	return b
}

// Wrap sets the underlying error.
func (b *Builder) Wrap(err error) *Builder {
	b.err.Inner = err
	return b
}

// WithSuggestion adds a recovery suggestion.
func (b *Builder) WithSuggestion(suggestion string) *Builder {
	b.err.Suggestions = append(b.err.Suggestions, suggestion)
	return b
}

// WithContext adds context information.
func (b *Builder) WithContext(key string, value interface{}) *Builder {
	b.err.Context[key] = value
	return b
}

// Build returns the constructed error.
func (b *Builder) Build() *AppError {
	return b.err
}

// ============================================================
// Error Codes
// ============================================================

const (
	// Routing errors
	CodeConfiguration          = "CONFIGURATION_ERROR"
	CodeInsufficientCapability = "INSUFFICIENT_CAPABILITY"
	CodeModelLoad              = "MODEL_LOAD_ERROR"
	CodeGeneration             = "GENERATION_ERROR"
	CodeCloudFallback          = "CLOUD_FALLBACK_FAILED"
	CodeCancelled              = "CANCELLED"

	// Model errors
	CodeModelUnavailable     = "MODEL_UNAVAILABLE"
	CodeModelParseError      = "MODEL_PARSE_ERROR"
	CodeModelRateLimit       = "MODEL_RATE_LIMIT"
	CodeModelInvalidResponse = "MODEL_INVALID_RESPONSE"

	// Network errors
	CodeNetworkUnavailable = "NETWORK_UNAVAILABLE"

	// Config errors
	CodeConfigInvalid = "CONFIG_INVALID"
)

// ============================================================
// Helpers
// ============================================================

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// GetCategory extracts the category from an error.
// Returns CategoryTemporary for non-AppError errors.
func GetCategory(err error) Category {
	if err == nil {
		return CategoryTemporary
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Category
	}

	// Default to temporary for unknown errors (safe default)
	return CategoryTemporary
}

// GetCode returns the code of the outermost AppError in the chain.
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// HasCode reports whether any AppError in the chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}

	// Default to retryable for unknown errors
	return true
}

// GetRetryAfter returns the suggested retry duration.
func GetRetryAfter(err error) time.Duration {
	if err == nil {
		return 0
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.RetryAfter
	}

	return 0
}

// FormatUserMessage formats a user-friendly error message with suggestions.
func FormatUserMessage(err error) string {
	if err == nil {
		return ""
	}

	var sb strings.Builder

	var appErr *AppError
	if errors.As(err, &appErr) {
		sb.WriteString(appErr.Error())

		if len(appErr.Suggestions) > 0 {
			sb.WriteString("\n\nSuggestions:")
			for _, s := range appErr.Suggestions {
				sb.WriteString("\n  - ")
				sb.WriteString(s)
			}
		}

		return sb.String()
	}

	return err.Error()
}
