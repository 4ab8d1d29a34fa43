package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrUnknownAccount          = errors.New("unknown account")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidEntryID          = errors.New("invalid entry id")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidSessionID        = errors.New("invalid session id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidEntryAmount      = errors.New("invalid entry amount")
	ErrInvalidEntryType        = errors.New("invalid entry type")
	ErrInvalidEntryStatus      = errors.New("invalid entry status")
	ErrInvalidBalanceKind      = errors.New("invalid balance kind")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidBalance          = errors.New("invalid balance")
	ErrInvalidParticipants     = errors.New("invalid participants")
	ErrInvalidOutcome          = errors.New("invalid outcome")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
