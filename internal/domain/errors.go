package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrIntentNotFound     = errors.New("payment intent not found")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAlreadyFinal       = errors.New("payment already final")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrGatewayRejected    = errors.New("payment gateway rejected the request")
	ErrGatewayUnreachable = errors.New("payment gateway unavailable, try again")
)

// ErrGatewayIDConflict means a gateway payment id is already bound to another intent.
var ErrGatewayIDConflict = errors.New("gateway payment id belongs to another intent")

// AmountError is an ErrInvalidAmount with a user-facing reason.
type AmountError struct {
	Reason string
}

func (e *AmountError) Error() string { return e.Reason }

func (e *AmountError) Unwrap() error { return ErrInvalidAmount }

// InvalidAmount builds an AmountError with a formatted reason.
func InvalidAmount(format string, args ...any) error {
	return &AmountError{Reason: fmt.Sprintf(format, args...)}
}

// AlreadyFinalError reports the current status of an intent that refused an action.
type AlreadyFinalError struct {
	Status Status
}

func (e *AlreadyFinalError) Error() string {
	return fmt.Sprintf("payment already final: status %s", e.Status)
}

func (e *AlreadyFinalError) Unwrap() error { return ErrAlreadyFinal }
