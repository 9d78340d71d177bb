// Package domain holds the error taxonomy shared by the session and intent
// managers and the HTTP layer that maps it onto status codes.
package domain

import (
	"errors"
	"fmt"
)

// Authorization failures.
var (
	ErrUnauthorized   = errors.New("unauthorized caller")
	ErrInvalidAddress = errors.New("invalid address")
)

// State-precondition failures.
var (
	ErrInvalidInstrument    = errors.New("invalid instrument")
	ErrTerminalInstrument   = errors.New("instrument has graduated")
	ErrUnknownTarget        = errors.New("unknown target")
	ErrSessionAlreadyActive = errors.New("session already active")
	ErrNoActiveSession      = errors.New("no active session")
	ErrSessionExpired       = errors.New("session expired")
	ErrSessionStale         = errors.New("session past grace period")
	ErrBadNonce             = errors.New("unexpected nonce")
	ErrNothingRecorded      = errors.New("nothing recorded")
	ErrNotFound             = errors.New("not found")
	ErrAlreadyCompleted     = errors.New("already completed")
	ErrExpired              = errors.New("deadline passed")
	ErrNotYetExpired        = errors.New("deadline not reached")
	ErrReentrant            = errors.New("operation already in progress")
	ErrDisbursalPending     = errors.New("purchase landed, disbursal still owed")
)

// Validation and economic-bound failures.
var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrBelowMinimum       = errors.New("amount below minimum")
	ErrAmountMismatch     = errors.New("transferred value does not match amount")
	ErrZeroMinUnits       = errors.New("min units must be positive")
	ErrDeadlineTooSoon    = errors.New("deadline must be in the future")
	ErrDeadlineTooFar     = errors.New("deadline beyond maximum window")
	ErrOverdrawn          = errors.New("cost basis exceeds locked amount")
	ErrSlippageExceeded   = errors.New("slippage exceeded")
	ErrEscrowShortfall    = errors.New("current cost exceeds locked amount")
	ErrQuoteExceedsEscrow = errors.New("quote exceeds escrowed deposit")
	ErrUnderDelivered     = errors.New("units received below minimum")
)

// ErrExternalCall marks failures of the pricing source, registry or treasury.
var ErrExternalCall = errors.New("external call failed")

// ExternalError wraps a collaborator failure with the operation that issued it.
type ExternalError struct {
	Op  string
	Err error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

func (e *ExternalError) Is(target error) bool { return target == ErrExternalCall }

// External returns nil for a nil err.
func External(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalError{Op: op, Err: err}
}
