package services

import "errors"

// Error taxonomy for ledger operations. Authorization and validation
// failures are returned before any write; handlers map them to HTTP codes.
var (
	ErrUnauthenticated     = errors.New("not authenticated")
	ErrForbidden           = errors.New("insufficient role")
	ErrNotFound            = errors.New("entity not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrCurrencyMismatch    = errors.New("currency mismatch")
	ErrLoanCompleted       = errors.New("loan already completed")
	ErrExceedsOutstanding  = errors.New("amount exceeds outstanding balance")
	ErrAlreadyProcessed    = errors.New("already processed")
)
