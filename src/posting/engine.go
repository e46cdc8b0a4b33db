package posting

import (
	"errors"
	"fmt"

	"github.com/username/kontoflow/backend/src/models"
)

// ErrInvariantViolation marks a record that cannot become a valid draft
// entry: zero amount, missing account mapping, or unbalanced legs. It is a
// programming/data fault isolated to the one record, never a reason to fail
// the rest of a page.
var ErrInvariantViolation = errors.New("posting invariant violation")

// Engine converts a deduplicated bank transaction record into a balanced
// draft journal entry.
type Engine interface {
	BuildDraft(record *models.BankTransactionRecord, conn *models.BankConnection, suspenseAccountID int64) (*models.DraftJournalEntry, error)
}

// engineImpl implements the Engine interface.
type engineImpl struct{}

// NewEngine creates a new posting rule engine.
func NewEngine() Engine {
	return &engineImpl{}
}

// BuildDraft applies the sign convention for the connection's account kind
// and emits a two-leg draft: the internal account leg plus a suspense
// counter-leg. The engine never guesses a category; the suspense leg is
// what the human review queue resolves.
//
// Sign convention:
//   - ASSET: positive external amount = inflow = debit internal account;
//     negative = outflow = credit internal account.
//   - LIABILITY (e.g. credit card): inverted. A positive amount (purchase)
//     increases the liability and credits the internal account; a negative
//     amount (refund/payment) debits it.
func (e *engineImpl) BuildDraft(record *models.BankTransactionRecord, conn *models.BankConnection, suspenseAccountID int64) (*models.DraftJournalEntry, error) {
	if record.Amount.IsZero() {
		return nil, fmt.Errorf("%w: record %d has zero amount", ErrInvariantViolation, record.ID)
	}
	if conn.InternalAccountID == 0 {
		return nil, fmt.Errorf("%w: connection %d has no internal account mapping", ErrInvariantViolation, conn.ID)
	}
	if suspenseAccountID == 0 {
		return nil, fmt.Errorf("%w: no suspense account mapping for connection %d", ErrInvariantViolation, conn.ID)
	}
	if conn.AccountKind != models.AccountKindAsset && conn.AccountKind != models.AccountKindLiability {
		return nil, fmt.Errorf("%w: connection %d has unknown account kind %q", ErrInvariantViolation, conn.ID, conn.AccountKind)
	}

	amount := record.Amount.Abs()

	var internalSide string
	switch conn.AccountKind {
	case models.AccountKindAsset:
		if record.Amount.IsPositive() {
			internalSide = models.LegSideDebit
		} else {
			internalSide = models.LegSideCredit
		}
	case models.AccountKindLiability:
		if record.Amount.IsPositive() {
			internalSide = models.LegSideCredit
		} else {
			internalSide = models.LegSideDebit
		}
	}

	suspenseSide := models.LegSideCredit
	if internalSide == models.LegSideCredit {
		suspenseSide = models.LegSideDebit
	}

	description := record.Description
	if description == "" {
		description = "Bank transaction"
	}

	entry := &models.DraftJournalEntry{
		ConnectionID:   conn.ID,
		OriginRecordID: record.ID,
		EntryDate:      record.TransactionDate,
		Description:    description,
		Amount:         amount,
		Currency:       record.Currency,
		Source:         models.DraftSourceBankSync,
		Status:         models.DraftStatusDraft,
		Legs: []models.PostingLeg{
			{AccountID: conn.InternalAccountID, Side: internalSide, Amount: amount},
			{AccountID: suspenseAccountID, Side: suspenseSide, Amount: amount},
		},
	}

	if err := validate(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// validate enforces the balance invariant before an entry may be committed.
func validate(entry *models.DraftJournalEntry) error {
	if !entry.Amount.IsPositive() {
		return fmt.Errorf("%w: entry amount %s is not strictly positive", ErrInvariantViolation, entry.Amount)
	}
	for _, leg := range entry.Legs {
		if !leg.Amount.IsPositive() {
			return fmt.Errorf("%w: leg on account %d has non-positive amount %s", ErrInvariantViolation, leg.AccountID, leg.Amount)
		}
		if leg.Side != models.LegSideDebit && leg.Side != models.LegSideCredit {
			return fmt.Errorf("%w: leg on account %d has unknown side %q", ErrInvariantViolation, leg.AccountID, leg.Side)
		}
	}
	debits := entry.DebitTotal()
	credits := entry.CreditTotal()
	if !debits.Equal(credits) {
		return fmt.Errorf("%w: debits %s != credits %s", ErrInvariantViolation, debits, credits)
	}
	if !debits.Equal(entry.Amount) {
		return fmt.Errorf("%w: leg total %s != entry amount %s", ErrInvariantViolation, debits, entry.Amount)
	}
	return nil
}
