package model

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/kontoflow/backend/src/models"
)

// InsertDraftEntryTx writes the entry header and its legs in the caller's
// transaction and sets entry.ID.
func InsertDraftEntryTx(tx *sql.Tx, entry *models.DraftJournalEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	res, err := tx.Exec(`
	INSERT INTO draft_journal_entries (connection_id, origin_record_id, entry_date, description, amount, currency, source, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ConnectionID, entry.OriginRecordID, entry.EntryDate, entry.Description,
		entry.Amount.String(), entry.Currency, entry.Source, entry.Status, entry.CreatedAt)
	if err != nil {
		return err
	}
	entryID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	entry.ID = entryID

	stmt, err := tx.Prepare(`INSERT INTO draft_entry_legs (entry_id, account_id, side, amount) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range entry.Legs {
		leg := &entry.Legs[i]
		leg.EntryID = entryID
		res, err := stmt.Exec(entryID, leg.AccountID, leg.Side, leg.Amount.String())
		if err != nil {
			return err
		}
		if leg.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return nil
}

// ListDraftsByConnection returns draft entries with their legs attached,
// newest entry date first.
func ListDraftsByConnection(db *sql.DB, connectionID int64) ([]models.DraftJournalEntry, error) {
	rows, err := db.Query(`
	SELECT id, connection_id, origin_record_id, entry_date, description, amount, currency, source, status, created_at
	FROM draft_journal_entries
	WHERE connection_id = ?
	ORDER BY entry_date DESC, id DESC`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.DraftJournalEntry
	byID := make(map[int64]int)
	for rows.Next() {
		var entry models.DraftJournalEntry
		var description, currency sql.NullString
		var amount string
		err := rows.Scan(&entry.ID, &entry.ConnectionID, &entry.OriginRecordID, &entry.EntryDate, &description,
			&amount, &currency, &entry.Source, &entry.Status, &entry.CreatedAt)
		if err != nil {
			return nil, err
		}
		entry.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("draft entry %d has corrupt amount %q: %w", entry.ID, amount, err)
		}
		entry.Description = description.String
		entry.Currency = currency.String
		byID[entry.ID] = len(entries)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return entries, nil
	}

	legRows, err := db.Query(`
	SELECT l.id, l.entry_id, l.account_id, l.side, l.amount
	FROM draft_entry_legs l
	JOIN draft_journal_entries e ON e.id = l.entry_id
	WHERE e.connection_id = ?
	ORDER BY l.entry_id, l.id`, connectionID)
	if err != nil {
		return nil, err
	}
	defer legRows.Close()

	for legRows.Next() {
		var leg models.PostingLeg
		var amount string
		if err := legRows.Scan(&leg.ID, &leg.EntryID, &leg.AccountID, &leg.Side, &amount); err != nil {
			return nil, err
		}
		leg.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("draft leg %d has corrupt amount %q: %w", leg.ID, amount, err)
		}
		if idx, ok := byID[leg.EntryID]; ok {
			entries[idx].Legs = append(entries[idx].Legs, leg)
		}
	}
	return entries, legRows.Err()
}
