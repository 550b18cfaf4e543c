package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// Balance is an unsigned fixed-width amount in a currency's base units.
// Overflow and underflow are hard errors detected before any mutation.
type Balance = uint64

// MaxBalance is the largest representable amount.
const MaxBalance Balance = ^Balance(0)

// AccountID identifies a balance holder. System accounts derive fixed IDs
// from their names so they are stable across restarts and replicas.
type AccountID = uuid.UUID

// CurrencyID maps currency symbols to numeric IDs for performance
type CurrencyID uint16

const (
	// CurrencyRSV is the native reserve token; never the target of a tick.
	CurrencyRSV CurrencyID = 1

	// Pegged stable tokens
	CurrencyUSDX CurrencyID = 2
	CurrencyEURX CurrencyID = 3
	CurrencyGBPX CurrencyID = 4
)

var (
	symbolToID = map[string]CurrencyID{
		"RSV":  CurrencyRSV,
		"USDX": CurrencyUSDX,
		"EURX": CurrencyEURX,
		"GBPX": CurrencyGBPX,
	}
	idToSymbol = map[CurrencyID]string{
		CurrencyRSV:  "RSV",
		CurrencyUSDX: "USDX",
		CurrencyEURX: "EURX",
		CurrencyGBPX: "GBPX",
	}

	// minimumBalances holds the per-currency dust threshold. Free balances
	// that fall strictly below this after a transfer or withdrawal (with no
	// reserved funds and no locks) are swept to the dust account.
	minimumBalances = map[CurrencyID]Balance{
		CurrencyRSV:  0,
		CurrencyUSDX: 0,
		CurrencyEURX: 0,
		CurrencyGBPX: 0,
	}
)

func GetCurrencyID(symbol string) (CurrencyID, bool) {
	id, ok := symbolToID[symbol]
	return id, ok
}

func GetCurrencySymbol(id CurrencyID) (string, bool) {
	symbol, ok := idToSymbol[id]
	return symbol, ok
}

// IsKnownCurrency reports whether the ID is in the registry.
func IsKnownCurrency(id CurrencyID) bool {
	_, ok := idToSymbol[id]
	return ok
}

// IsStableCurrency reports whether the ID is a pegged token (registered and
// not the native reserve token).
func IsStableCurrency(id CurrencyID) bool {
	return IsKnownCurrency(id) && id != CurrencyRSV
}

// StableCurrencies returns the stable token IDs in ascending order.
func StableCurrencies() []CurrencyID {
	return []CurrencyID{CurrencyUSDX, CurrencyEURX, CurrencyGBPX}
}

// Currencies returns every registered ID in ascending order.
func Currencies() []CurrencyID {
	return []CurrencyID{CurrencyRSV, CurrencyUSDX, CurrencyEURX, CurrencyGBPX}
}

// MinimumBalance returns the dust threshold for a currency (0 = no sweeping).
func MinimumBalance(id CurrencyID) Balance {
	return minimumBalances[id]
}

// SetMinimumBalance overrides the dust threshold. Called once at startup from
// the currency config; the registry is not safe for concurrent mutation.
func SetMinimumBalance(id CurrencyID, min Balance) {
	minimumBalances[id] = min
}

// SystemAccount derives a fixed AccountID from a system account name.
func SystemAccount(name string) AccountID {
	var id [16]byte
	copy(id[:], []byte("sys:"+name))
	return uuid.UUID(id)
}

// DustAccount collects swept sub-minimum remainders. Sweeps transfer, never
// burn, so issuance is unchanged.
var DustAccount = SystemAccount("dust")

// BalanceKey is the in-memory key for balance tracking (18 bytes, cache-friendly)
type BalanceKey struct {
	Account  AccountID
	Currency CurrencyID
}

func NewBalanceKey(account AccountID, currency CurrencyID) BalanceKey {
	return BalanceKey{Account: account, Currency: currency}
}

// Path returns the string representation for storage/logging.
func (k BalanceKey) Path() string {
	symbol, ok := GetCurrencySymbol(k.Currency)
	if !ok {
		symbol = fmt.Sprintf("currency_%d", k.Currency)
	}
	return fmt.Sprintf("account:%s:%s", k.Account.String(), symbol)
}
