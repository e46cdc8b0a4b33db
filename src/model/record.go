package model

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/kontoflow/backend/src/models"
)

// InsertRecordTx inserts a raw transaction record inside a page transaction
// and sets record.ID. A unique-constraint error means the record is already
// present for this connection (same dedup hash); callers treat that as a
// duplicate, not a failure.
func InsertRecordTx(tx *sql.Tx, record *models.BankTransactionRecord) error {
	if record.FetchedAt.IsZero() {
		record.FetchedAt = time.Now().UTC()
	}
	res, err := tx.Exec(`
	INSERT INTO bank_transaction_records (connection_id, external_id, transaction_date, booking_date, value_date,
		amount, currency, description, reference, merchant_name, dedup_hash, import_status, raw_data, fetched_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ConnectionID, record.ExternalID, record.TransactionDate, record.BookingDate, record.ValueDate,
		record.Amount.String(), record.Currency, record.Description, record.Reference, record.MerchantName,
		record.DedupHash, record.ImportStatus, record.RawData, record.FetchedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	record.ID = id
	return nil
}

// SetRecordImportStatusTx marks a record IMPORTED or IGNORED within the page
// transaction.
func SetRecordImportStatusTx(tx *sql.Tx, recordID int64, status string) error {
	_, err := tx.Exec(`UPDATE bank_transaction_records SET import_status = ? WHERE id = ?`, status, recordID)
	return err
}

// ListRecordsByConnection returns fetched records, newest transaction date
// first. Ownership of the connection is the caller's concern.
func ListRecordsByConnection(db *sql.DB, connectionID int64, limit, offset int) ([]models.BankTransactionRecord, error) {
	rows, err := db.Query(`
	SELECT id, connection_id, external_id, transaction_date, booking_date, value_date,
		amount, currency, description, reference, merchant_name, dedup_hash, import_status, fetched_at
	FROM bank_transaction_records
	WHERE connection_id = ?
	ORDER BY transaction_date DESC, id DESC
	LIMIT ? OFFSET ?`, connectionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.BankTransactionRecord
	for rows.Next() {
		var record models.BankTransactionRecord
		var externalID, bookingDate, valueDate, currency, description, reference, merchant sql.NullString
		var amount string
		err := rows.Scan(&record.ID, &record.ConnectionID, &externalID, &record.TransactionDate, &bookingDate, &valueDate,
			&amount, &currency, &description, &reference, &merchant, &record.DedupHash, &record.ImportStatus, &record.FetchedAt)
		if err != nil {
			return nil, err
		}
		record.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("record %d has corrupt amount %q: %w", record.ID, amount, err)
		}
		record.ExternalID = externalID.String
		record.BookingDate = bookingDate.String
		record.ValueDate = valueDate.String
		record.Currency = currency.String
		record.Description = description.String
		record.Reference = reference.String
		record.MerchantName = merchant.String
		records = append(records, record)
	}
	return records, rows.Err()
}
