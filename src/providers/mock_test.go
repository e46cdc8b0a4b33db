package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/username/kontoflow/backend/src/config"
)

func TestMockProvider_FlowIsDeterministic(t *testing.T) {
	p := NewMockProvider()

	result, err := p.ExchangeSession(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("ExchangeSession() error = %v", err)
	}
	if len(result.Accounts) != 2 {
		t.Fatalf("len(accounts) = %d, want 2", len(result.Accounts))
	}

	req := TransactionsRequest{ExternalAccountID: result.Accounts[0].ID, DateFrom: "2024-01-01", DateTo: "2024-01-31"}
	first, err := p.FetchTransactions(context.Background(), result.SessionToken, req)
	if err != nil {
		t.Fatalf("FetchTransactions() error = %v", err)
	}
	second, err := p.FetchTransactions(context.Background(), result.SessionToken, req)
	if err != nil {
		t.Fatalf("FetchTransactions() error = %v", err)
	}
	if len(first.Transactions) == 0 {
		t.Fatal("fixture window returned no transactions")
	}
	if len(first.Transactions) != len(second.Transactions) {
		t.Errorf("repeat fetch sizes differ: %d vs %d", len(first.Transactions), len(second.Transactions))
	}
	for i := range first.Transactions {
		if first.Transactions[i].ExternalID != second.Transactions[i].ExternalID {
			t.Errorf("transaction %d ids differ across fetches", i)
		}
	}
	if first.ContinuationKey != "" {
		t.Errorf("continuation key = %q, want empty", first.ContinuationKey)
	}
}

func TestMockProvider_WindowFiltersFixtures(t *testing.T) {
	p := NewMockProvider()
	page, err := p.FetchTransactions(context.Background(), mockSessionPrefix+"x", TransactionsRequest{
		ExternalAccountID: "mock-checking-001", DateFrom: "2024-01-30", DateTo: "2024-01-31",
	})
	if err != nil {
		t.Fatalf("FetchTransactions() error = %v", err)
	}
	for _, tx := range page.Transactions {
		if tx.Date < "2024-01-30" || tx.Date > "2024-01-31" {
			t.Errorf("transaction date %s outside requested window", tx.Date)
		}
	}
}

func TestMockProvider_UnknownSession(t *testing.T) {
	p := NewMockProvider()
	_, err := p.FetchTransactions(context.Background(), "bogus", TransactionsRequest{DateFrom: "2024-01-01", DateTo: "2024-01-31"})
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("FetchTransactions() error = %v, want ErrProtocol", err)
	}
	if err := p.RevokeSession(context.Background(), "bogus"); !errors.Is(err, ErrProtocol) {
		t.Errorf("RevokeSession() error = %v, want ErrProtocol", err)
	}
}

func TestGetProvider(t *testing.T) {
	p, err := GetProvider(&config.AppConfig{BankProvider: "mock"})
	if err != nil {
		t.Fatalf("GetProvider(mock) error = %v", err)
	}
	if p.Name() != "mock" {
		t.Errorf("Name() = %q, want mock", p.Name())
	}

	if _, err := GetProvider(&config.AppConfig{BankProvider: "unknown"}); err == nil {
		t.Error("GetProvider(unknown), want error")
	}
}
