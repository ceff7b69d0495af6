package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions, mirroring the
// error kinds enumerated in the system's error handling design: transient
// I/O, session, agent/CI/merge failure, precondition violations and
// budget overruns each map onto one category below.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input / precondition violated
	ErrCatExecution  ErrorCategory = "execution"  // Runtime failure (agent exit, driver call)
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
	ErrCatRateLimit  ErrorCategory = "rate_limit" // API rate limited
	ErrCatState      ErrorCategory = "state"      // State corruption/conflict
	ErrCatSession    ErrorCategory = "session"    // Agent rejected a resume token
	ErrCatAuth       ErrorCategory = "auth"       // Authentication failure
	ErrCatNetwork    ErrorCategory = "network"    // Network connectivity / transient I/O
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatConflict   ErrorCategory = "conflict"   // Concurrent modification
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
	ErrCatBudget     ErrorCategory = "budget"     // Iteration budget exceeded
	ErrCatMerge      ErrorCategory = "merge"      // Merge gate / merge call refusal
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a non-retryable validation/precondition error. The
// worker pool and queue treat these as "do not retry": the handler should
// terminalize its domain record and complete the job rather than fail it.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrExecution creates a retryable execution error (agent exit, driver call).
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrTimeout creates a retryable timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      "TIMEOUT",
		Message:   message,
		Retryable: true,
	}
}

// ErrRateLimit creates a retryable rate-limit error.
func ErrRateLimit(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatRateLimit,
		Code:      "RATE_LIMITED",
		Message:   message,
		Retryable: true,
	}
}

// ErrState creates a non-retryable state-corruption/conflict error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrSession creates an error for a rejected agent session-resume token.
// Recoverable exactly once, by retrying without the resume id (spec §7).
func ErrSession(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatSession,
		Code:      CodeSessionRejected,
		Message:   message,
		Retryable: true,
	}
}

// ErrAuth creates an authentication error.
func ErrAuth(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatAuth,
		Code:      "AUTH_FAILED",
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      "NOT_FOUND",
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrMerge creates an error for a merge-gate or merge-call refusal; the
// autonomous cycle engine transitions the task to failed on this error.
func ErrMerge(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatMerge,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrIterationBudgetExceeded creates an error for an exhausted iteration
// budget (total, CI-fix, or review-fix), matching spec §7's "Budget
// exceeded" error kind.
func ErrIterationBudgetExceeded(kind string, iteration, limit int) *DomainError {
	return &DomainError{
		Category:  ErrCatBudget,
		Code:      CodeBudgetExceeded,
		Message:   fmt.Sprintf("exceeded max %s iterations (%d > %d)", kind, iteration, limit),
		Retryable: false,
		Details: map[string]interface{}{
			"kind":      kind,
			"iteration": iteration,
			"limit":     limit,
		},
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// Predefined error codes shared across packages.
const (
	CodeJobNotFound      = "JOB_NOT_FOUND"
	CodeRunNotFound      = "RUN_NOT_FOUND"
	CodeReviewNotFound   = "REVIEW_NOT_FOUND"
	CodeTaskNotFound     = "TASK_NOT_FOUND"
	CodeInvalidState     = "INVALID_STATE"
	CodeLockAcquireFailed = "LOCK_ACQUIRE_FAILED"
	CodeStateCorrupted   = "STATE_CORRUPTED"
	CodeSessionRejected  = "SESSION_REJECTED"
	CodeChecksFailed     = "CHECKS_FAILED"
	CodeMergeConflict    = "MERGE_CONFLICT"
	CodeMergeNotReady    = "MERGE_NOT_READY"
	CodeBudgetExceeded   = "BUDGET_EXCEEDED"

	// Validation error codes
	CodeEmptyInstruction = "EMPTY_INSTRUCTION"
	CodeInvalidConfig    = "INVALID_CONFIG"
	CodeInvalidRunStatus = "INVALID_RUN_STATUS"
	CodeInvalidTimeout   = "INVALID_TIMEOUT"
	CodeMissingWorkspace = "MISSING_WORKSPACE"

	// Execution error codes
	CodeAgentFailed    = "AGENT_FAILED"
	CodePushFailed      = "PUSH_FAILED"
	CodeParseFailed    = "PARSE_FAILED"
)

// MaxInstructionLength is the maximum accepted length, in bytes, of a Run
// or Review instruction string.
const MaxInstructionLength = 100000
