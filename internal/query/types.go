package query

// AdjustmentResponse is one evaluated supply adjustment tick for API queries.
type AdjustmentResponse struct {
	Symbol       string `json:"symbol"`
	Epoch        int64  `json:"epoch"`
	Sequence     int64  `json:"sequence"`
	Applied      bool   `json:"applied"`
	SkipReason   string `json:"skip_reason,omitempty"`
	Direction    string `json:"direction,omitempty"`
	StablePrice  int64  `json:"stable_price,omitempty"`
	NativePrice  int64  `json:"native_price,omitempty"`
	Deviation    int64  `json:"deviation,omitempty"`
	SupplyChange int64  `json:"supply_change,omitempty"`
	NativeAmount int64  `json:"native_amount,omitempty"`
	QuotedPrice  int64  `json:"quoted_price,omitempty"`
	UnpaidFee    int64  `json:"unpaid_fee,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal row for API queries.
type JournalHistoryEntry struct {
	EntryID       string `json:"entry_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	Account       string `json:"account"`
	Symbol        string `json:"symbol"`
	Kind          string `json:"kind"`
	FreeDelta     int64  `json:"free_delta"`
	ReservedDelta int64  `json:"reserved_delta"`
	IssuanceDelta int64  `json:"issuance_delta"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy             bool                  `json:"is_healthy"`
	HashChainBreaks       []int64               `json:"hash_chain_breaks,omitempty"`
	UnconservedCurrencies []UnconservedCurrency `json:"unconserved_currencies,omitempty"`
}

// UnconservedCurrency is a currency whose journal deltas violate
// conservation: the sum of free and reserved deltas diverges from the sum
// of issuance deltas.
type UnconservedCurrency struct {
	Symbol        string `json:"symbol"`
	BalanceDelta  int64  `json:"balance_delta"`
	IssuanceDelta int64  `json:"issuance_delta"`
}
