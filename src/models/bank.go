package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Connection lifecycle. SYNCING is transient and guarded by a conditional
// status update so only one sync can hold it per connection. DISCONNECTED is
// terminal for syncing but a new authorization may reactivate the row.
const (
	ConnectionStatusActive       = "ACTIVE"
	ConnectionStatusSyncing      = "SYNCING"
	ConnectionStatusError        = "ERROR"
	ConnectionStatusDisconnected = "DISCONNECTED"
)

const (
	AccountKindAsset     = "ASSET"
	AccountKindLiability = "LIABILITY"
)

// BankConnection binds one internal ledger account to one external bank
// account. The external identifier is volatile: the provider reissues it on
// every authorization session, so re-links overwrite it in place.
type BankConnection struct {
	ID                  int64      `json:"id"`
	UserID              int64      `json:"user_id"`
	InternalAccountID   int64      `json:"internal_account_id"`
	AccountKind         string     `json:"account_kind"`
	Provider            string     `json:"provider"`
	ASPSP               string     `json:"aspsp"`
	ExternalAccountID   string     `json:"external_account_id"`
	ExternalAccountName string     `json:"external_account_name"`
	ExternalAccountIBAN string     `json:"external_account_iban"`
	Currency            string     `json:"currency"`
	SessionTokenEnc     string     `json:"-"`
	Status              string     `json:"status"`
	LastError           string     `json:"last_error,omitempty"`
	LastSyncAt          *time.Time `json:"last_sync_at"`
	LastSuccessfulSync  *time.Time `json:"last_successful_sync_at"`
	AuthorizedAt        time.Time  `json:"authorized_at"`
	AutoSyncEnabled     bool       `json:"auto_sync_enabled"`
	SyncFrequencyHours  int        `json:"sync_frequency_hours"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

const (
	ImportStatusImported = "IMPORTED"
	ImportStatusIgnored  = "IGNORED"
)

// BankTransactionRecord is a raw external transaction after normalization.
// Dates are YYYY-MM-DD strings as received on the wire; Amount keeps the
// provider's sign convention (negative = money out of the external account).
type BankTransactionRecord struct {
	ID              int64           `json:"id"`
	ConnectionID    int64           `json:"connection_id"`
	ExternalID      string          `json:"external_id"`
	TransactionDate string          `json:"transaction_date"`
	BookingDate     string          `json:"booking_date,omitempty"`
	ValueDate       string          `json:"value_date,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Description     string          `json:"description"`
	Reference       string          `json:"reference"`
	MerchantName    string          `json:"merchant_name,omitempty"`
	DedupHash       string          `json:"dedup_hash"`
	ImportStatus    string          `json:"import_status"`
	RawData         string          `json:"-"`
	FetchedAt       time.Time       `json:"fetched_at"`
}

// LedgerAccount is the boundary view of an account owned by the ledger
// collaborator. This subsystem only reads it.
type LedgerAccount struct {
	ID     int64  `json:"id"`
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
	Kind   string `json:"kind"`
}
