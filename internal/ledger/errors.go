package ledger

import "errors"

// Hard failures. Every operation validates before its first mutation, so a
// returned error guarantees the ledger is unchanged.
var (
	// ErrInsufficientBalance is returned when free balance does not cover
	// the requested amount.
	ErrInsufficientBalance = errors.New("ledger: insufficient free balance")

	// ErrLiquidityRestriction is returned when free balance covers the
	// amount but the withdrawal would breach the effective lock.
	ErrLiquidityRestriction = errors.New("ledger: balance locked")

	// ErrBalanceOverflow is returned when a mint or credit would exceed
	// the representable range.
	ErrBalanceOverflow = errors.New("ledger: balance overflow")

	// ErrBalanceUnderflow is returned when a burn would take issuance
	// below zero.
	ErrBalanceUnderflow = errors.New("ledger: issuance underflow")

	// ErrUnknownCurrency is returned for currency IDs outside the registry.
	ErrUnknownCurrency = errors.New("ledger: unknown currency")

	// ErrDuplicateTransfer is reserved for hosts that check it. Duplicate
	// commands are deduplicated upstream by idempotency key and never reach
	// the ledger; reusing a lock ID is a replace, not an error.
	ErrDuplicateTransfer = errors.New("ledger: duplicate transfer")
)
