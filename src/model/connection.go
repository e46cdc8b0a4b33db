package model

import (
	"database/sql"
	"errors"
	"time"

	"github.com/username/kontoflow/backend/src/models"
)

var ErrConnectionNotFound = errors.New("connection not found")

const connectionColumns = `id, user_id, internal_account_id, account_kind, provider, aspsp,
	external_account_id, external_account_name, external_account_iban, currency,
	session_token_enc, status, last_error, last_sync_at, last_successful_sync_at,
	authorized_at, auto_sync_enabled, sync_frequency_hours, created_at, updated_at`

func scanConnection(s interface{ Scan(...any) error }) (*models.BankConnection, error) {
	var conn models.BankConnection
	var aspsp, extName, extIBAN, currency, tokenEnc, lastError sql.NullString
	var lastSyncAt, lastSuccessfulSync sql.NullTime

	err := s.Scan(
		&conn.ID, &conn.UserID, &conn.InternalAccountID, &conn.AccountKind, &conn.Provider, &aspsp,
		&conn.ExternalAccountID, &extName, &extIBAN, &currency,
		&tokenEnc, &conn.Status, &lastError, &lastSyncAt, &lastSuccessfulSync,
		&conn.AuthorizedAt, &conn.AutoSyncEnabled, &conn.SyncFrequencyHours, &conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	conn.ASPSP = aspsp.String
	conn.ExternalAccountName = extName.String
	conn.ExternalAccountIBAN = extIBAN.String
	conn.Currency = currency.String
	conn.SessionTokenEnc = tokenEnc.String
	conn.LastError = lastError.String
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		conn.LastSyncAt = &t
	}
	if lastSuccessfulSync.Valid {
		t := lastSuccessfulSync.Time
		conn.LastSuccessfulSync = &t
	}
	return &conn, nil
}

// InsertConnection creates a new connection row and sets conn.ID.
func InsertConnection(db *sql.DB, conn *models.BankConnection) error {
	now := time.Now().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now

	query := `
	INSERT INTO bank_connections (user_id, internal_account_id, account_kind, provider, aspsp,
		external_account_id, external_account_name, external_account_iban, currency,
		session_token_enc, status, auto_sync_enabled, sync_frequency_hours,
		authorized_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := db.Prepare(query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	res, err := stmt.Exec(conn.UserID, conn.InternalAccountID, conn.AccountKind, conn.Provider, conn.ASPSP,
		conn.ExternalAccountID, conn.ExternalAccountName, conn.ExternalAccountIBAN, conn.Currency,
		conn.SessionTokenEnc, conn.Status, conn.AutoSyncEnabled, conn.SyncFrequencyHours,
		conn.AuthorizedAt.UTC(), conn.CreatedAt, conn.UpdatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	conn.ID = id
	return nil
}

// GetConnectionByID retrieves one connection scoped to its owning user.
func GetConnectionByID(db *sql.DB, userID, connectionID int64) (*models.BankConnection, error) {
	row := db.QueryRow(`SELECT `+connectionColumns+` FROM bank_connections WHERE id = ? AND user_id = ?`, connectionID, userID)
	conn, err := scanConnection(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	return conn, nil
}

// GetConnectionByInternalAccount finds the connection bound to a ledger
// account, if any. Used by the linking conflict check.
func GetConnectionByInternalAccount(db *sql.DB, userID, internalAccountID int64) (*models.BankConnection, error) {
	row := db.QueryRow(`SELECT `+connectionColumns+` FROM bank_connections WHERE internal_account_id = ? AND user_id = ?`, internalAccountID, userID)
	conn, err := scanConnection(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	return conn, nil
}

// ListConnectionsByUser returns the user's connections, newest first.
func ListConnectionsByUser(db *sql.DB, userID int64) ([]models.BankConnection, error) {
	rows, err := db.Query(`SELECT `+connectionColumns+` FROM bank_connections WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var connections []models.BankConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		connections = append(connections, *conn)
	}
	return connections, rows.Err()
}

// AcquireSyncLock flips the connection to SYNCING, but only from a state
// where a sync may start. Returns false when the row was in any other state;
// the caller re-reads to find out which.
func AcquireSyncLock(db *sql.DB, connectionID int64) (bool, error) {
	res, err := db.Exec(`UPDATE bank_connections SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.ConnectionStatusSyncing, time.Now().UTC(),
		connectionID, models.ConnectionStatusActive, models.ConnectionStatusError)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// FinishSyncSuccess records a fully successful sync: the watermark advances
// to the synced window's end and the connection returns to ACTIVE.
func FinishSyncSuccess(db *sql.DB, connectionID int64, lastSyncAt, now time.Time) error {
	_, err := db.Exec(`UPDATE bank_connections
		SET status = ?, last_error = NULL, last_sync_at = ?, last_successful_sync_at = ?, updated_at = ?
		WHERE id = ?`,
		models.ConnectionStatusActive, lastSyncAt.UTC(), now.UTC(), now.UTC(), connectionID)
	return err
}

// MarkSyncError records a failed sync. The watermark is deliberately left
// alone so the next run retries the same window; dedup absorbs the overlap.
func MarkSyncError(db *sql.DB, connectionID int64, message string, now time.Time) error {
	_, err := db.Exec(`UPDATE bank_connections SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		models.ConnectionStatusError, message, now.UTC(), connectionID)
	return err
}

// UpdateConnectionLink rewrites the volatile external identity after a
// re-authorization and reactivates the row.
func UpdateConnectionLink(db *sql.DB, conn *models.BankConnection) error {
	now := time.Now().UTC()
	conn.UpdatedAt = now
	_, err := db.Exec(`UPDATE bank_connections
		SET aspsp = ?, external_account_id = ?, external_account_name = ?, external_account_iban = ?,
			currency = ?, session_token_enc = ?, status = ?, last_error = NULL, authorized_at = ?, updated_at = ?
		WHERE id = ?`,
		conn.ASPSP, conn.ExternalAccountID, conn.ExternalAccountName, conn.ExternalAccountIBAN,
		conn.Currency, conn.SessionTokenEnc, models.ConnectionStatusActive, conn.AuthorizedAt.UTC(), now,
		conn.ID)
	return err
}

// DisconnectConnection is terminal for syncing: the session token is wiped,
// historical records stay.
func DisconnectConnection(db *sql.DB, connectionID int64) error {
	_, err := db.Exec(`UPDATE bank_connections
		SET status = ?, session_token_enc = '', updated_at = ? WHERE id = ?`,
		models.ConnectionStatusDisconnected, time.Now().UTC(), connectionID)
	return err
}

// ResetStaleSyncing recovers connections left in SYNCING by a crashed
// process. Their committed pages are durable; the next sync self-heals.
func ResetStaleSyncing(db *sql.DB) (int64, error) {
	res, err := db.Exec(`UPDATE bank_connections SET status = ?, last_error = ?, updated_at = ? WHERE status = ?`,
		models.ConnectionStatusError, "sync interrupted by restart", time.Now().UTC(), models.ConnectionStatusSyncing)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListAutoSyncCandidates returns connections eligible for scheduled syncing.
// Due-ness against sync_frequency_hours is decided by the caller.
func ListAutoSyncCandidates(db *sql.DB) ([]models.BankConnection, error) {
	rows, err := db.Query(`SELECT `+connectionColumns+` FROM bank_connections
		WHERE auto_sync_enabled = TRUE AND status IN (?, ?)`,
		models.ConnectionStatusActive, models.ConnectionStatusError)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var connections []models.BankConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		connections = append(connections, *conn)
	}
	return connections, rows.Err()
}
