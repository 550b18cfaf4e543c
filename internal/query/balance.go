package query

import (
	"github.com/google/uuid"
)

// BalanceResponse represents one (account, currency) record for API queries.
type BalanceResponse struct {
	Account uuid.UUID `json:"account"`
	Symbol  string    `json:"symbol"`

	// Ledger balances, folded from journal deltas
	Free     int64 `json:"free"`
	Reserved int64 `json:"reserved"`
	Total    int64 `json:"total"` // free + reserved

	// Metadata
	AsOfSequence int64 `json:"as_of_sequence"` // projection watermark
}

// IssuanceResponse represents a currency's total issuance for API queries.
type IssuanceResponse struct {
	Symbol       string `json:"symbol"`
	Issuance     int64  `json:"issuance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}
