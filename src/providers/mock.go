package providers

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/kontoflow/backend/src/models"
	"github.com/username/kontoflow/backend/src/utils"
)

const mockSessionPrefix = "mock-session-"

// MockProvider serves deterministic fixtures so the full connect/sync flow
// can run locally without provider credentials. Fixture transactions are
// derived from the requested window, so re-syncing the same window is fully
// absorbed by deduplication.
type MockProvider struct{}

func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (p *MockProvider) Name() string {
	return "mock"
}

// AuthorizationURL points straight back at the callback, skipping the bank
// consent screen.
func (p *MockProvider) AuthorizationURL(state, aspsp string) (string, error) {
	params := url.Values{}
	params.Set("code", "mock-code")
	params.Set("state", state)
	return "http://localhost:8080/api/bank/callback?" + params.Encode(), nil
}

func (p *MockProvider) ExchangeSession(ctx context.Context, code string) (*SessionResult, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: empty authorization code", ErrProtocol)
	}
	return &SessionResult{
		SessionToken: mockSessionPrefix + code,
		Accounts: []models.ExternalAccount{
			{
				ID:       "mock-checking-001",
				Name:     "Everyday Checking",
				IBAN:     "NO9386011117947",
				BIC:      "MOCKNOK1",
				Currency: "NOK",
				Type:     "CHECKING",
			},
			{
				ID:       "mock-credit-001",
				Name:     "Credit Card",
				IBAN:     "",
				BIC:      "MOCKNOK1",
				Currency: "NOK",
				Type:     "CREDIT_CARD",
			},
		},
	}, nil
}

func (p *MockProvider) FetchTransactions(ctx context.Context, sessionToken string, req TransactionsRequest) (*TransactionPage, error) {
	if !strings.HasPrefix(sessionToken, mockSessionPrefix) {
		return nil, fmt.Errorf("%w: unknown session", ErrProtocol)
	}
	dateTo, err := time.Parse(utils.ISODateFormat, req.DateTo)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed date_to %q", ErrProtocol, req.DateTo)
	}
	dateFrom, err := time.Parse(utils.ISODateFormat, req.DateFrom)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed date_from %q", ErrProtocol, req.DateFrom)
	}

	fixtures := []struct {
		daysBack    int
		amount      string
		description string
		merchant    string
	}{
		{1, "-329.90", "REMA 1000 OSLO", "REMA 1000"},
		{2, "-120.00", "RUTER BILLETT", "Ruter AS"},
		{4, "-856.50", "ELKJOP NORDBY", "Elkjop"},
		{7, "25000.00", "SALARY", "Employer AS"},
	}

	var transactions []Transaction
	for i, f := range fixtures {
		day := dateTo.AddDate(0, 0, -f.daysBack)
		if day.Before(dateFrom) {
			continue
		}
		date := utils.FormatISODate(day)
		transactions = append(transactions, Transaction{
			ExternalID:   fmt.Sprintf("mock-tx-%s-%d", date, i),
			Date:         date,
			BookingDate:  date,
			ValueDate:    date,
			Amount:       decimal.RequireFromString(f.amount),
			Currency:     "NOK",
			Description:  f.description,
			Reference:    fmt.Sprintf("mock-ref-%d", i),
			MerchantName: f.merchant,
			Raw:          fmt.Sprintf(`{"transactionId":"mock-tx-%s-%d","mock":true}`, date, i),
		})
	}
	return &TransactionPage{Transactions: transactions}, nil
}

func (p *MockProvider) RevokeSession(ctx context.Context, sessionToken string) error {
	if !strings.HasPrefix(sessionToken, mockSessionPrefix) {
		return fmt.Errorf("%w: unknown session", ErrProtocol)
	}
	return nil
}
