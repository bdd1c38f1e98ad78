package models

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/maruel/ksid"
)

// ErrorCode identifies the specific failure so callers can pick a remediation
// strategy programmatically rather than by string-matching.
type ErrorCode string

const (
	// ErrorCodeLockHeldByOther is returned when another briefcase holds an
	// incompatible lock on the requested object.
	ErrorCodeLockHeldByOther ErrorCode = "LOCK_HELD_BY_OTHER"
	// ErrorCodeCodeReservedByOther is returned when another briefcase has the
	// requested code reserved.
	ErrorCodeCodeReservedByOther ErrorCode = "CODE_RESERVED_BY_OTHER"
	// ErrorCodeCodeUsed is returned when the requested code was already
	// consumed by a pushed change-set.
	ErrorCodeCodeUsed ErrorCode = "CODE_USED"
	// ErrorCodeStaleHead is returned when a push names a parent that is no
	// longer the head of the timeline. The caller must pull, merge, and retry.
	ErrorCodeStaleHead ErrorCode = "STALE_HEAD"
	// ErrorCodeBriefcaseNotFound is returned for operations naming an unknown
	// or released briefcase.
	ErrorCodeBriefcaseNotFound ErrorCode = "BRIEFCASE_NOT_FOUND"
	// ErrorCodeChangeSetNotFound is returned when a timeline position does
	// not exist.
	ErrorCodeChangeSetNotFound ErrorCode = "CHANGESET_NOT_FOUND"
	// ErrorCodeValidationFailed is returned when a request is malformed.
	ErrorCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	// ErrorCodeUnauthorized is returned when the briefcase session token is
	// missing or invalid.
	ErrorCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	// ErrorCodeRateLimited is returned when the briefcase exceeded its
	// request budget.
	ErrorCodeRateLimited ErrorCode = "RATE_LIMITED"
	// ErrorCodeTransient marks failures that are safe to retry with backoff:
	// no partial remote mutation is visible until acknowledged.
	ErrorCodeTransient ErrorCode = "TRANSIENT"
	// ErrorCodeInternal is returned for unexpected hub-side failures.
	ErrorCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// ErrorDetails defines the structured error information in a response.
type ErrorDetails struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ErrorResponse is the wire envelope for hub errors.
type ErrorResponse struct {
	Error   ErrorDetails   `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// AuthorityError is an error returned by the hub. Authoritative denials carry
// the contested key and the holding briefcase; transient failures are marked
// retryable.
type AuthorityError struct {
	statusCode int
	code       ErrorCode
	message    string
	details    map[string]any
	wrappedErr error
}

// NewAuthorityError creates a new AuthorityError with the given status and code.
func NewAuthorityError(statusCode int, code ErrorCode, message string) *AuthorityError {
	return &AuthorityError{
		statusCode: statusCode,
		code:       code,
		message:    message,
		details:    make(map[string]any),
	}
}

// WithDetail adds a single structured detail to the error.
func (e *AuthorityError) WithDetail(key string, value any) *AuthorityError {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *AuthorityError) Wrap(err error) *AuthorityError {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *AuthorityError) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// StatusCode returns the HTTP status code.
func (e *AuthorityError) StatusCode() int {
	return e.statusCode
}

// Code returns the error code.
func (e *AuthorityError) Code() ErrorCode {
	return e.code
}

// Details returns additional structured error details.
func (e *AuthorityError) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *AuthorityError) Unwrap() error {
	return e.wrappedErr
}

// Retryable reports whether the failure is safe to retry with backoff.
// Authoritative denials are never retryable without releasing or
// renegotiating the contested resource first.
func (e *AuthorityError) Retryable() bool {
	return e.code == ErrorCodeTransient || e.code == ErrorCodeRateLimited
}

// Predefined error constructors for the hub's denial cases.

// LockHeldByOther creates a denial for a lock held by another briefcase.
func LockHeldByOther(key LockKey, requested, actual LockLevel, holder BriefcaseID) *AuthorityError {
	return NewAuthorityError(http.StatusConflict, ErrorCodeLockHeldByOther,
		fmt.Sprintf("lock %s is held %s by %s", key, actual, holder)).
		WithDetail("lock", key.String()).
		WithDetail("requested_level", requested.String()).
		WithDetail("actual_level", actual.String()).
		WithDetail("held_by", uint32(holder))
}

// CodeReservedByOther creates a denial for a code reserved by another briefcase.
func CodeReservedByOther(key CodeKey, holder BriefcaseID) *AuthorityError {
	return NewAuthorityError(http.StatusConflict, ErrorCodeCodeReservedByOther,
		fmt.Sprintf("code %s is reserved by %s", key, holder)).
		WithDetail("code", key.String()).
		WithDetail("held_by", uint32(holder))
}

// CodeUsed creates a denial for a code already consumed by a pushed change-set.
func CodeUsed(key CodeKey, holder BriefcaseID) *AuthorityError {
	return NewAuthorityError(http.StatusConflict, ErrorCodeCodeUsed,
		fmt.Sprintf("code %s was used by %s", key, holder)).
		WithDetail("code", key.String()).
		WithDetail("held_by", uint32(holder))
}

// StaleHead creates a denial for a push against an outdated timeline head.
func StaleHead(parent, head ksid.ID) *AuthorityError {
	return NewAuthorityError(http.StatusConflict, ErrorCodeStaleHead,
		"push parent is not the timeline head; pull and merge first").
		WithDetail("parent", parent.String()).
		WithDetail("head", head.String())
}

// BriefcaseNotFound creates a denial for an unknown or released briefcase.
func BriefcaseNotFound(id BriefcaseID) *AuthorityError {
	return NewAuthorityError(http.StatusNotFound, ErrorCodeBriefcaseNotFound,
		fmt.Sprintf("%s not found", id)).
		WithDetail("briefcase_id", uint32(id))
}

// BadRequest creates a validation error.
func BadRequest(message string) *AuthorityError {
	return NewAuthorityError(http.StatusBadRequest, ErrorCodeValidationFailed, message)
}

// Unauthorized creates an authentication error.
func Unauthorized() *AuthorityError {
	return NewAuthorityError(http.StatusUnauthorized, ErrorCodeUnauthorized, "unauthorized")
}

// Transient creates a retryable failure wrapping an underlying error.
func Transient(message string, err error) *AuthorityError {
	return NewAuthorityError(http.StatusServiceUnavailable, ErrorCodeTransient, message).Wrap(err)
}

// Internal creates an unexpected hub-side failure.
func Internal(message string, err error) *AuthorityError {
	return NewAuthorityError(http.StatusInternalServerError, ErrorCodeInternal, message).Wrap(err)
}

// IsAuthorityDenial reports whether err is a non-retryable hub denial.
func IsAuthorityDenial(err error) bool {
	var ae *AuthorityError
	return errors.As(err, &ae) && !ae.Retryable()
}

// HasErrorCode reports whether err carries the given code.
func HasErrorCode(err error, code ErrorCode) bool {
	var ae *AuthorityError
	return errors.As(err, &ae) && ae.Code() == code
}

// Local policy violations. These are synchronous, never cross the network and
// are recoverable by acquiring the missing resource and retrying.

// PolicyErrorCode identifies a local concurrency policy violation.
type PolicyErrorCode string

const (
	// PolicyCodeLockNotHeld means a pessimistic write was attempted without
	// the covering lock.
	PolicyCodeLockNotHeld PolicyErrorCode = "LOCK_NOT_HELD"
	// PolicyCodeCodeNotReserved means a write used a code that was never
	// reserved.
	PolicyCodeCodeNotReserved PolicyErrorCode = "CODE_NOT_RESERVED"
	// PolicyCodePendingRequests means SaveChanges was called with unsatisfied
	// pending lock/code requests outside bulk mode.
	PolicyCodePendingRequests PolicyErrorCode = "PENDING_REQUESTS"
	// PolicyCodeBusy means a second remote call overlapped an in-flight one
	// on the same briefcase.
	PolicyCodeBusy PolicyErrorCode = "BUSY"
	// PolicyCodeTxnPushed means an undo targeted a Txn already covered by an
	// accepted push. Pushed change-sets are immutable; reversing one locally
	// would silently diverge from the timeline.
	PolicyCodeTxnPushed PolicyErrorCode = "TXN_PUSHED"
)

// PolicyError is a local concurrency policy violation.
type PolicyError struct {
	PolicyCode PolicyErrorCode
	Lock       *LockKey
	CodeKey    *CodeKey
	message    string
}

// Error implements the error interface.
func (e *PolicyError) Error() string {
	return e.message
}

// LockNotHeld creates the violation for an uncovered pessimistic write.
func LockNotHeld(key LockKey, level LockLevel) *PolicyError {
	return &PolicyError{
		PolicyCode: PolicyCodeLockNotHeld,
		Lock:       &key,
		message:    fmt.Sprintf("lock %s (%s) is not held; call Request first or use bulk mode", key, level),
	}
}

// CodeNotReserved creates the violation for a write using an unreserved code.
func CodeNotReserved(key CodeKey) *PolicyError {
	return &PolicyError{
		PolicyCode: PolicyCodeCodeNotReserved,
		CodeKey:    &key,
		message:    fmt.Sprintf("code %s is not reserved; call Request first or use bulk mode", key),
	}
}

// PendingRequests creates the violation for committing with unsatisfied
// pending requests outside bulk mode.
func PendingRequests(locks, codes int) *PolicyError {
	return &PolicyError{
		PolicyCode: PolicyCodePendingRequests,
		message:    fmt.Sprintf("%d lock and %d code requests are pending; call Request before SaveChanges", locks, codes),
	}
}

// TxnPushed creates the violation for reversing a Txn already covered by an
// accepted push.
func TxnPushed(txnID int64) *PolicyError {
	return &PolicyError{
		PolicyCode: PolicyCodeTxnPushed,
		message:    fmt.Sprintf("txn %d is part of a pushed change-set and cannot be reversed", txnID),
	}
}

// Busy creates the violation for overlapping remote calls on one briefcase.
func Busy(op string) *PolicyError {
	return &PolicyError{
		PolicyCode: PolicyCodeBusy,
		message:    fmt.Sprintf("briefcase is busy with a remote call; %s must wait for it to resolve", op),
	}
}

// IsPolicyViolation reports whether err is a local policy violation with the
// given code.
func IsPolicyViolation(err error, code PolicyErrorCode) bool {
	var pe *PolicyError
	return errors.As(err, &pe) && pe.PolicyCode == code
}
