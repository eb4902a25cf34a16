package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
	ErrConflict      = errors.New("conflict")

	ErrValidation        = errors.New("validation failed")
	ErrContractRead      = errors.New("contract read failed")
	ErrTransaction       = errors.New("transaction failed")
	ErrReceiptPending    = errors.New("transaction still pending")
	ErrPartialSettlement = errors.New("partial settlement")
	ErrPersistence       = errors.New("persistence failed")
)

// ValidationError lists the request fields that were missing or malformed.
// It matches ErrValidation under errors.Is.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	msg := e.Reason
	if msg == "" {
		msg = "missing required fields"
	}
	if len(e.Fields) == 0 {
		return msg
	}
	return fmt.Sprintf("%s: %s", msg, strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// PartialSettlementError reports a sell whose token transfer was mined but
// whose counter-payment was not. The token now sits with the custodian and the
// seller is unpaid until the settlement is retried.
type PartialSettlementError struct {
	SettlementID   string
	TransferTxHash string
	PaymentTxHash  string
	Cause          error
}

func (e *PartialSettlementError) Error() string {
	return fmt.Sprintf("partial settlement %s: token transferred in %s but payment failed: %v",
		e.SettlementID, e.TransferTxHash, e.Cause)
}

func (e *PartialSettlementError) Is(target error) bool { return target == ErrPartialSettlement }

func (e *PartialSettlementError) Unwrap() error { return e.Cause }
