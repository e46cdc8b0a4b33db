package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	LegSideDebit  = "DEBIT"
	LegSideCredit = "CREDIT"
)

const (
	DraftSourceBankSync = "BANK_SYNC"
	DraftStatusDraft    = "DRAFT"
)

// PostingLeg is one side of a draft entry. Amounts on legs are always
// positive; direction is carried by Side.
type PostingLeg struct {
	ID        int64           `json:"id"`
	EntryID   int64           `json:"entry_id"`
	AccountID int64           `json:"account_id"`
	Side      string          `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
}

// DraftJournalEntry is a balanced set of postings awaiting human review.
// Exactly one entry exists per originating bank transaction record.
type DraftJournalEntry struct {
	ID             int64           `json:"id"`
	ConnectionID   int64           `json:"connection_id"`
	OriginRecordID int64           `json:"origin_record_id"`
	EntryDate      string          `json:"entry_date"`
	Description    string          `json:"description"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Source         string          `json:"source"`
	Status         string          `json:"status"`
	Legs           []PostingLeg    `json:"legs"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DebitTotal sums the debit legs.
func (e *DraftJournalEntry) DebitTotal() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range e.Legs {
		if leg.Side == LegSideDebit {
			total = total.Add(leg.Amount)
		}
	}
	return total
}

// CreditTotal sums the credit legs.
func (e *DraftJournalEntry) CreditTotal() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range e.Legs {
		if leg.Side == LegSideCredit {
			total = total.Add(leg.Amount)
		}
	}
	return total
}
