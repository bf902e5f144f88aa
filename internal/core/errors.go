package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatNotFound   ErrorCategory = "not_found"  // Referenced entity absent
	ErrCatConflict   ErrorCategory = "conflict"   // Concurrent modification
	ErrCatState      ErrorCategory = "state"      // State corruption/invariant broken
	ErrCatStorage    ErrorCategory = "storage"    // Persistence failure
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
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

// Error codes.
const (
	CodeInvalidVoteValue         = "INVALID_VOTE_VALUE"
	CodeInvalidWeight            = "INVALID_WEIGHT"
	CodeInvalidArgument          = "INVALID_ARGUMENT"
	CodeUnknownClaim             = "UNKNOWN_CLAIM"
	CodeUnknownAgent             = "UNKNOWN_AGENT"
	CodeConcurrentModification   = "CONCURRENT_MODIFICATION"
	CodeLedgerInvariantViolation = "LEDGER_INVARIANT_VIOLATION"
	CodeLedgerHalted             = "LEDGER_HALTED"
	CodeStorageFailure           = "STORAGE_FAILURE"
)

// Sentinels usable with errors.Is. Only Category and Code are compared.
var (
	ErrInvalidVoteValue         = &DomainError{Category: ErrCatValidation, Code: CodeInvalidVoteValue}
	ErrInvalidWeight            = &DomainError{Category: ErrCatValidation, Code: CodeInvalidWeight}
	ErrUnknownClaim             = &DomainError{Category: ErrCatNotFound, Code: CodeUnknownClaim}
	ErrUnknownAgent             = &DomainError{Category: ErrCatNotFound, Code: CodeUnknownAgent}
	ErrConcurrentModification   = &DomainError{Category: ErrCatConflict, Code: CodeConcurrentModification}
	ErrLedgerInvariantViolation = &DomainError{Category: ErrCatState, Code: CodeLedgerInvariantViolation}
	ErrLedgerHalted             = &DomainError{Category: ErrCatState, Code: CodeLedgerHalted}
)

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// InvalidVoteValue rejects a vote value outside [0,1].
func InvalidVoteValue(value float64) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      CodeInvalidVoteValue,
		Message:   fmt.Sprintf("vote value %v outside [0,1]", value),
		Retryable: false,
		Details:   map[string]interface{}{"value": value},
	}
}

// InvalidWeight rejects a vote weight that is not finite and at least 1.
func InvalidWeight(weight float64) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      CodeInvalidWeight,
		Message:   fmt.Sprintf("vote weight %v must be finite and >= 1", weight),
		Retryable: false,
		Details:   map[string]interface{}{"weight": weight},
	}
}

// UnknownClaim reports a claim that does not exist.
func UnknownClaim(claimID string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      CodeUnknownClaim,
		Message:   fmt.Sprintf("claim not found: %s", claimID),
		Retryable: false,
		Details:   map[string]interface{}{"claim_id": claimID},
	}
}

// UnknownAgent reports an agent that does not exist.
func UnknownAgent(agentID string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      CodeUnknownAgent,
		Message:   fmt.Sprintf("agent not found: %s", agentID),
		Retryable: false,
		Details:   map[string]interface{}{"agent_id": agentID},
	}
}

// ConcurrentModification reports an optimistic version conflict.
func ConcurrentModification(resource, id string, expected int64) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      CodeConcurrentModification,
		Message:   fmt.Sprintf("%s %s changed since version %d", resource, id, expected),
		Retryable: true,
		Details: map[string]interface{}{
			"resource":         resource,
			"id":               id,
			"expected_version": expected,
		},
	}
}

// LedgerInvariantViolation reports a projection that diverged from its event log.
func LedgerInvariantViolation(agentID string, projected, logSum float64) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      CodeLedgerInvariantViolation,
		Message:   fmt.Sprintf("agent %s score %v diverges from event log sum %v", agentID, projected, logSum),
		Retryable: false,
		Details: map[string]interface{}{
			"agent_id":  agentID,
			"projected": projected,
			"log_sum":   logSum,
		},
	}
}

// LedgerHalted refuses writes for an agent whose ledger failed verification.
func LedgerHalted(agentID string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      CodeLedgerHalted,
		Message:   fmt.Sprintf("ledger writes halted for agent %s", agentID),
		Retryable: false,
		Details:   map[string]interface{}{"agent_id": agentID},
	}
}

// ErrStorage wraps a persistence failure.
func ErrStorage(op string, cause error) *DomainError {
	return &DomainError{
		Category:  ErrCatStorage,
		Code:      CodeStorageFailure,
		Message:   op,
		Retryable: false,
		Cause:     cause,
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

// GetCode extracts the error code, or "" for non-domain errors.
func GetCode(err error) string {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Code
	}
	return ""
}
