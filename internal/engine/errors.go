package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/habitsync/internal/docstore"
)

// ErrorCode categorizes sync failures.
type ErrorCode string

const (
	// CodeLocalStoreReadFailure: the local identity store could not be
	// read. Treated as "no local identity".
	CodeLocalStoreReadFailure ErrorCode = "LOCAL_STORE_READ_FAILURE"

	// CodeRemoteAuthTimeout: the auth provider did not answer before the
	// landing deadline.
	CodeRemoteAuthTimeout ErrorCode = "REMOTE_AUTH_TIMEOUT"

	// CodeRemoteFetchTimeout: a document read ran out of time.
	CodeRemoteFetchTimeout ErrorCode = "REMOTE_FETCH_TIMEOUT"

	// CodePermissionRevoked: the store no longer authorizes the identity.
	// Expected after sign-out; never logged above debug.
	CodePermissionRevoked ErrorCode = "PERMISSION_REVOKED"

	// CodeNetworkUnavailable: the store could not be reached.
	CodeNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"

	// CodeBatchCommitFailure: a batch commit failed and its writes were
	// retried individually.
	CodeBatchCommitFailure ErrorCode = "BATCH_COMMIT_FAILURE"
)

// ErrClosed is returned by operations on a closed Engine or Coalescer.
var ErrClosed = errors.New("engine closed")

// SyncError is a classified, absorbed failure of the sync layer.
type SyncError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// IdentityID is the identity the operation ran for, if any.
	IdentityID string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.IdentityID != "" {
		msg += fmt.Sprintf(" (identity=%s)", e.IdentityID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the cause.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

func newSyncError(code ErrorCode, identityID, message string, cause error) *SyncError {
	return &SyncError{Code: code, Message: message, IdentityID: identityID, Cause: cause}
}

// classifyStoreError maps a document store error to a SyncError code.
func classifyStoreError(err error) ErrorCode {
	switch {
	case errors.Is(err, docstore.ErrPermissionDenied):
		return CodePermissionRevoked
	case errors.Is(err, context.DeadlineExceeded):
		return CodeRemoteFetchTimeout
	default:
		return CodeNetworkUnavailable
	}
}

// ErrorCodeOf returns the code of the first SyncError in err's chain, or ""
// if there is none.
func ErrorCodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsPermissionRevoked reports whether err is a revoked-permission failure,
// either as a SyncError or as the store's sentinel.
func IsPermissionRevoked(err error) bool {
	return ErrorCodeOf(err) == CodePermissionRevoked || errors.Is(err, docstore.ErrPermissionDenied)
}

// IsTimeout reports whether err is an auth or fetch timeout.
func IsTimeout(err error) bool {
	code := ErrorCodeOf(err)
	return code == CodeRemoteAuthTimeout || code == CodeRemoteFetchTimeout
}

// IsBatchCommitFailure reports whether err is a failed batch commit.
func IsBatchCommitFailure(err error) bool {
	return ErrorCodeOf(err) == CodeBatchCommitFailure
}
