package providers

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/username/kontoflow/backend/src/models"
)

var (
	// ErrTransient marks failures worth retrying on the next sync: network
	// faults, 429s and 5xx responses that survived the retry budget.
	ErrTransient = errors.New("provider temporarily unavailable")
	// ErrProtocol marks non-retryable provider failures: rejected requests,
	// malformed responses, revoked or unknown sessions.
	ErrProtocol = errors.New("provider protocol error")
)

// Transaction is one provider transaction normalized for import. Dates are
// YYYY-MM-DD strings; Amount keeps the provider's sign (negative = money
// leaving the external account).
type Transaction struct {
	ExternalID   string
	Date         string
	BookingDate  string
	ValueDate    string
	Amount       decimal.Decimal
	Currency     string
	Description  string
	Reference    string
	MerchantName string
	Raw          string
}

// TransactionsRequest asks for one page of booked transactions. An empty
// ContinuationKey requests the first page.
type TransactionsRequest struct {
	ExternalAccountID string
	DateFrom          string
	DateTo            string
	ContinuationKey   string
}

// TransactionPage is one page of results. A non-empty ContinuationKey means
// more pages follow; its presence is the only pagination signal.
type TransactionPage struct {
	Transactions    []Transaction
	ContinuationKey string
}

// SessionResult is the outcome of exchanging an authorization code: the
// provider session token plus the accounts the user consented to share.
type SessionResult struct {
	SessionToken string
	Accounts     []models.ExternalAccount
}

// Provider abstracts a bank data provider. Implementations must keep
// Transaction sign and date semantics so the posting engine stays
// provider-agnostic.
type Provider interface {
	Name() string
	AuthorizationURL(state, aspsp string) (string, error)
	ExchangeSession(ctx context.Context, code string) (*SessionResult, error)
	FetchTransactions(ctx context.Context, sessionToken string, req TransactionsRequest) (*TransactionPage, error)
	RevokeSession(ctx context.Context, sessionToken string) error
}
