package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the service layers. HTTP handlers map
// these to status codes with errors.Is / errors.As.
var (
	ErrNotFound               = errors.New("transaction not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrAlreadySynced          = errors.New("transaction already synced")
	ErrInvalidState           = errors.New("only successful transactions can be synced")
	ErrMalformedCallback      = errors.New("malformed callback payload")
)

// ValidationError reports malformed or out-of-bounds input. It is
// surfaced to the caller immediately and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// GatewayError wraps an error or unreachable response from the payment
// gateway. Initiation failures leave no transaction behind, so the caller
// must re-submit.
type GatewayError struct {
	StatusCode int
	Detail     string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("payment gateway error: %s", e.Detail)
	}
	return fmt.Sprintf("payment gateway error: %v", e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// LedgerError wraps an error from the ERP. Sync failures mark the
// transaction FAILED for later retry but never touch its payment status.
type LedgerError struct {
	StatusCode int
	Detail     string
	Err        error
}

func (e *LedgerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("ledger error: %s", e.Detail)
	}
	return fmt.Sprintf("ledger error: %v", e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }
