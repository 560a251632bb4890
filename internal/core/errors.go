package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatConflict   ErrorCategory = "conflict"   // Expected under concurrency
	ErrCatForbidden  ErrorCategory = "forbidden"  // Caller not allowed to act
	ErrCatResource   ErrorCategory = "resource"   // Missing capacity (roster too small)
	ErrCatState      ErrorCategory = "state"      // State corruption/conflict
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
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

// Predefined error codes
const (
	CodeInvalidVote     = "INVALID_VOTE"
	CodeInvalidRule     = "INVALID_RULE"
	CodeInvalidAgent    = "INVALID_AGENT"
	CodeInvalidSubject  = "INVALID_SUBJECT"
	CodeDuplicateVote   = "DUPLICATE_VOTE"
	CodeSessionNotOpen  = "SESSION_NOT_OPEN"
	CodeIneligibleAgent = "INELIGIBLE_AGENT"
	CodeRosterTooSmall  = "ROSTER_TOO_SMALL"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeAgentNotFound   = "AGENT_NOT_FOUND"
	CodeAgentExists     = "AGENT_EXISTS"
	CodeInvalidState    = "INVALID_STATE"
	CodeLedgerCorrupted = "LEDGER_CORRUPTED"
	CodeSnapshotMissing = "SNAPSHOT_NOT_FOUND"
	CodeProviderFailed  = "PROVIDER_FAILED"
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

// ErrInvalidVote creates an input error for a malformed vote.
func ErrInvalidVote(message string) *DomainError {
	return ErrValidation(CodeInvalidVote, message)
}

// ErrInvalidRule creates an input error for a consensus rule that cannot be applied.
func ErrInvalidRule(message string) *DomainError {
	return ErrValidation(CodeInvalidRule, message)
}

// ErrDuplicateVote reports a second vote from the same agent in one session.
func ErrDuplicateVote(sessionID SessionID, agentID AgentID) *DomainError {
	return &DomainError{
		Category: ErrCatConflict,
		Code:     CodeDuplicateVote,
		Message:  fmt.Sprintf("agent %s already voted in session %s", agentID, sessionID),
		Details: map[string]interface{}{
			"session_id": string(sessionID),
			"agent_id":   string(agentID),
		},
	}
}

// ErrSessionNotOpen reports a vote against a session that is not accepting votes.
func ErrSessionNotOpen(sessionID SessionID, status SessionStatus) *DomainError {
	return &DomainError{
		Category: ErrCatConflict,
		Code:     CodeSessionNotOpen,
		Message:  fmt.Sprintf("session %s is %s, not accepting votes", sessionID, status),
		Details: map[string]interface{}{
			"session_id": string(sessionID),
			"status":     string(status),
		},
	}
}

// ErrIneligibleAgent reports an agent outside the session's roster snapshot.
func ErrIneligibleAgent(sessionID SessionID, agentID AgentID) *DomainError {
	return &DomainError{
		Category: ErrCatForbidden,
		Code:     CodeIneligibleAgent,
		Message:  fmt.Sprintf("agent %s is not on the roster of session %s", agentID, sessionID),
		Details: map[string]interface{}{
			"session_id": string(sessionID),
			"agent_id":   string(agentID),
		},
	}
}

// ErrRosterTooSmall reports that too few active agents exist to open a session.
func ErrRosterTooSmall(active, required int) *DomainError {
	return &DomainError{
		Category: ErrCatResource,
		Code:     CodeRosterTooSmall,
		Message:  fmt.Sprintf("roster has %d active agents, at least %d required", active, required),
		Details: map[string]interface{}{
			"active":   active,
			"required": required,
		},
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrConflict creates a conflict error.
func ErrConflict(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatConflict,
		Code:     code,
		Message:  message,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(code, resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      code,
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrSessionNotFound reports an unknown session id.
func ErrSessionNotFound(id SessionID) *DomainError {
	return ErrNotFound(CodeSessionNotFound, "session", string(id))
}

// ErrAgentNotFound reports an unknown agent id.
func ErrAgentNotFound(id AgentID) *DomainError {
	return ErrNotFound(CodeAgentNotFound, "agent", string(id))
}

// ErrProviderFailed reports a vote provider that could not produce a ballot.
// Transient failures are marked retryable.
func ErrProviderFailed(provider, message string, transient bool) *DomainError {
	return &DomainError{
		Category:  ErrCatResource,
		Code:      CodeProviderFailed,
		Message:   fmt.Sprintf("provider %s: %s", provider, message),
		Retryable: transient,
		Details:   map[string]interface{}{"provider": provider},
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

// IsCode checks if an error carries the given code.
func IsCode(err error, code string) bool {
	return err != nil && GetCode(err) == code
}

// IsStateConflict reports whether err is expected under concurrency
// (duplicate vote or session not open) rather than a system failure.
func IsStateConflict(err error) bool {
	return IsCode(err, CodeDuplicateVote) || IsCode(err, CodeSessionNotOpen)
}
