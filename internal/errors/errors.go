package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ark-custody/internal/types"
)

// Kind is the stable error taxonomy surfaced to callers
type Kind string

const (
	// KindNotFound means a wallet, address, transaction or output is absent
	KindNotFound Kind = "not_found"
	// KindValidation means malformed input
	KindValidation Kind = "validation"
	// KindInsufficientFunds means eligible funds cannot cover amount and fee
	KindInsufficientFunds Kind = "insufficient_funds"
	// KindRemoteUnavailable means a collaborator timed out or is unreachable.
	// It is recoverable.
	KindRemoteUnavailable Kind = "remote_unavailable"
	// KindRemoteRejected means a collaborator explicitly refused. Not retried.
	KindRemoteRejected Kind = "remote_rejected"
	// KindTimelockNotExpired means the exit path is not yet valid
	KindTimelockNotExpired Kind = "timelock_not_expired"
	// KindAlreadySettled means the output was already spent, swept or exited
	KindAlreadySettled Kind = "already_settled"
	// KindStorageInconsistency means the ledger atomicity invariant was
	// violated. Fatal, never repaired silently.
	KindStorageInconsistency Kind = "storage_inconsistency"
	// KindInternal covers programming and unexpected errors
	KindInternal Kind = "internal"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryProvider represents remote collaborator errors
	CategoryProvider ErrorCategory = "provider"
	// CategoryDatabase represents ledger store errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents state conflicts
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// Error codes
const (
	CodeWalletNotFound         = "WALLET_NOT_FOUND"
	CodeAddressNotFound        = "ADDRESS_NOT_FOUND"
	CodeTransactionNotFound    = "TRANSACTION_NOT_FOUND"
	CodeOutputNotFound         = "OUTPUT_NOT_FOUND"
	CodeRoundNotFound          = "ROUND_NOT_FOUND"
	CodeInvalidParameter       = "INVALID_PARAMETER"
	CodeInvalidDestination     = "INVALID_DESTINATION"
	CodeInvalidAmount          = "INVALID_AMOUNT"
	CodeDerivationExhausted    = "DERIVATION_EXHAUSTED"
	CodeNoEligibleInputs       = "NO_ELIGIBLE_INPUTS"
	CodeInsufficientFunds      = "INSUFFICIENT_FUNDS"
	CodeCoordinatorUnavailable = "COORDINATOR_UNAVAILABLE"
	CodeIndexerUnavailable     = "INDEXER_UNAVAILABLE"
	CodeFeeEstimationDegraded  = "FEE_ESTIMATION_DEGRADED"
	CodeBroadcastFailed        = "BROADCAST_FAILED"
	CodeIndexerRejected        = "INDEXER_REJECTED"
	CodeCoordinatorRejected    = "COORDINATOR_REJECTED"
	CodeTimelockNotExpired     = "TIMELOCK_NOT_EXPIRED"
	CodeAlreadySettled         = "ALREADY_SETTLED"
	CodeStorageInconsistency   = "STORAGE_INCONSISTENCY"
	CodeDatabaseError          = "DATABASE_ERROR"
	CodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	CodeInternalError          = "INTERNAL_ERROR"
)

// CategorizedError represents an error with kind, category and HTTP status code
type CategorizedError struct {
	Kind       Kind
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details["kind"] = string(e.Kind)
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
	}
}

// WithDetail returns e with one more detail set
func (e *CategorizedError) WithDetail(key string, value interface{}) *CategorizedError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Not found

// NewNotFoundError creates a not found error
func NewNotFoundError(code, resource, id string) *CategorizedError {
	return &CategorizedError{
		Kind:       KindNotFound,
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       code,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewWalletNotFoundError creates a wallet not found error
func NewWalletNotFoundError(walletID string) *CategorizedError {
	return NewNotFoundError(CodeWalletNotFound, "wallet", walletID)
}

// NewTransactionNotFoundError creates a transaction not found error
func NewTransactionNotFoundError(txid string) *CategorizedError {
	return NewNotFoundError(CodeTransactionNotFound, "transaction", txid)
}

// NewOutputNotFoundError creates an output not found error
func NewOutputNotFoundError(txid string) *CategorizedError {
	return NewNotFoundError(CodeOutputNotFound, "output", txid)
}

// Validation

func newValidationError(code, message string, details map[string]interface{}) *CategorizedError {
	return &CategorizedError{
		Kind:       KindValidation,
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       code,
		Message:    message,
		Details:    details,
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return newValidationError(
		CodeInvalidParameter,
		fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		map[string]interface{}{"parameter": param, "reason": reason},
	)
}

// NewInvalidDestinationError creates an invalid destination error
func NewInvalidDestinationError(address string, cause error) *CategorizedError {
	e := newValidationError(
		CodeInvalidDestination,
		fmt.Sprintf("invalid destination address: %s", address),
		map[string]interface{}{"address": address},
	)
	e.Cause = cause
	return e
}

// NewInvalidAmountError creates an invalid amount error
func NewInvalidAmountError(amount int64, reason string) *CategorizedError {
	return newValidationError(
		CodeInvalidAmount,
		fmt.Sprintf("invalid amount %d: %s", amount, reason),
		map[string]interface{}{"amount": amount, "reason": reason},
	)
}

// NewDerivationExhaustedError creates a derivation exhausted error
func NewDerivationExhaustedError(class types.AddressClass, cause error) *CategorizedError {
	e := newValidationError(
		CodeDerivationExhausted,
		fmt.Sprintf("no further %s address can be derived", class),
		map[string]interface{}{"class": string(class)},
	)
	e.StatusCode = http.StatusUnprocessableEntity
	e.Cause = cause
	return e
}

// NewNoEligibleInputsError is returned when a round has nothing to settle
func NewNoEligibleInputsError(walletID string) *CategorizedError {
	return newValidationError(
		CodeNoEligibleInputs,
		"wallet has no boarding or off-chain output eligible for a round",
		map[string]interface{}{"walletId": walletID},
	)
}

// Funds and state

// NewInsufficientFundsError creates an insufficient funds error
func NewInsufficientFundsError(required, available int64) *CategorizedError {
	return &CategorizedError{
		Kind:       KindInsufficientFunds,
		Category:   CategoryUserInput,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeInsufficientFunds,
		Message:    fmt.Sprintf("insufficient funds: required %d sats, available %d sats", required, available),
		Details: map[string]interface{}{
			"required":  required,
			"available": available,
		},
	}
}

// NewTimelockNotExpiredError creates a timelock error
func NewTimelockNotExpiredError(txid string, blocksRemaining int64) *CategorizedError {
	return &CategorizedError{
		Kind:       KindTimelockNotExpired,
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeTimelockNotExpired,
		Message:    fmt.Sprintf("exit timelock for %s expires in %d blocks", txid, blocksRemaining),
		Details: map[string]interface{}{
			"txid":            txid,
			"blocksRemaining": blocksRemaining,
		},
	}
}

// NewAlreadySettledError creates an already settled error
func NewAlreadySettledError(txid string, reason string) *CategorizedError {
	return &CategorizedError{
		Kind:       KindAlreadySettled,
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeAlreadySettled,
		Message:    fmt.Sprintf("output %s already settled: %s", txid, reason),
		Details: map[string]interface{}{
			"txid":   txid,
			"reason": reason,
		},
	}
}

// Remote collaborators

// NewCoordinatorUnavailableError creates a coordinator unavailable error
func NewCoordinatorUnavailableError(op string, cause error) *CategorizedError {
	return &CategorizedError{
		Kind:       KindRemoteUnavailable,
		Category:   CategoryProvider,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeCoordinatorUnavailable,
		Message:    fmt.Sprintf("settlement coordinator unavailable during %s", op),
		Cause:      cause,
		Details:    map[string]interface{}{"operation": op},
	}
}

// NewIndexerUnavailableError creates an indexer unavailable error
func NewIndexerUnavailableError(op string, cause error) *CategorizedError {
	return &CategorizedError{
		Kind:       KindRemoteUnavailable,
		Category:   CategoryProvider,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeIndexerUnavailable,
		Message:    fmt.Sprintf("on-chain indexer unavailable during %s", op),
		Cause:      cause,
		Details:    map[string]interface{}{"operation": op},
	}
}

// NewFeeEstimationDegradedError is a warning: the floor rate was used
func NewFeeEstimationDegradedError(floor float64, cause error) *CategorizedError {
	return &CategorizedError{
		Kind:       KindRemoteUnavailable,
		Category:   CategoryProvider,
		StatusCode: http.StatusOK,
		Code:       CodeFeeEstimationDegraded,
		Message:    fmt.Sprintf("fee estimation degraded, using floor of %.2f sat/vB", floor),
		Cause:      cause,
		Details:    map[string]interface{}{"floorSatVb": floor},
	}
}

// NewFeeRatesStaleError reports that expired rates were served because a
// refresh failed
func NewFeeRatesStaleError(age time.Duration, cause error) *CategorizedError {
	return &CategorizedError{
		Kind:       KindRemoteUnavailable,
		Category:   CategoryProvider,
		StatusCode: http.StatusOK,
		Code:       CodeFeeEstimationDegraded,
		Message:    fmt.Sprintf("fee estimation degraded, using rates fetched %s ago", age.Round(time.Second)),
		Cause:      cause,
		Details:    map[string]interface{}{"staleSeconds": int64(age.Seconds())},
	}
}

// NewBroadcastFailedError creates a broadcast failure error. Callers must
// resubmit; the transaction may or may not have reached the network.
func NewBroadcastFailedError(cause error) *CategorizedError {
	return &CategorizedError{
		Kind:       KindRemoteRejected,
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeBroadcastFailed,
		Message:    "transaction broadcast failed",
		Cause:      cause,
	}
}

// NewIndexerRejectedError is returned when the indexer refuses a read,
// usually because the address is malformed for its network
func NewIndexerRejectedError(op, reason string, cause error) *CategorizedError {
	return &CategorizedError{
		Kind:       KindRemoteRejected,
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeIndexerRejected,
		Message:    fmt.Sprintf("on-chain indexer rejected %s: %s", op, reason),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": op,
			"reason":    reason,
		},
	}
}

// NewCoordinatorRejectedError creates a coordinator rejection error
func NewCoordinatorRejectedError(op, reason string, cause error) *CategorizedError {
	return &CategorizedError{
		Kind:       KindRemoteRejected,
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeCoordinatorRejected,
		Message:    fmt.Sprintf("settlement coordinator rejected %s: %s", op, reason),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": op,
			"reason":    reason,
		},
	}
}

// Storage

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Kind:       KindInternal,
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabaseError,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewStorageInconsistencyError reports a violated ledger invariant
func NewStorageInconsistencyError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Kind:       KindStorageInconsistency,
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeStorageInconsistency,
		Message:    message,
		Cause:      cause,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Kind:       KindValidation,
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Kind:       KindInternal,
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternalError,
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Kind:       KindInternal,
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// KindOf returns the kind of err, KindInternal for uncategorized errors
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Categorize(err).Kind
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HasCode reports whether err carries the given code
func HasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	return Categorize(err).Code == code
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether a caller may safely retry. Rejections and
// broadcast failures are never retryable.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.Kind == KindRemoteUnavailable
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// IsSystemError determines if an error is a system error (5xx)
func IsSystemError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 500
}
