package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInvalidStateTransition = errors.New("invalid status")
	ErrKYCRequired            = errors.New("kyc verification required")
	ErrLimitExceeded          = errors.New("withdrawal limit exceeded")
	ErrIdentifierLocked       = errors.New("external identifier is locked")
	ErrReferenceConflict      = errors.New("provider reference already used for another transaction")

	// ErrTransient covers lock timeouts, serialization failures and lost connections.
	// Nothing was persisted; the caller may retry.
	ErrTransient = errors.New("transient store failure")

	// ErrDuplicateReference is raised by the store when a unique ledger key is already taken.
	ErrDuplicateReference = errors.New("duplicate ledger reference")
)

// ValidationError is a caller error detected before any I/O.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

const (
	WindowDaily  = "daily"
	WindowWeekly = "weekly"
)

// LimitError reports which rolling window a withdrawal would overflow.
type LimitError struct {
	Window    string
	Cap       decimal.Decimal
	Used      decimal.Decimal
	Requested decimal.Decimal
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s withdrawal limit exceeded: used %s + requested %s > cap %s",
		e.Window, e.Used.StringFixed(2), e.Requested.StringFixed(2), e.Cap.StringFixed(2))
}

func (e *LimitError) Is(target error) bool { return target == ErrLimitExceeded }
