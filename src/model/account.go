package model

import (
	"database/sql"
	"errors"

	"github.com/username/kontoflow/backend/src/models"
)

var ErrAccountNotFound = errors.New("ledger account not found")

// GetLedgerAccountByID retrieves one ledger account scoped to its owner.
func GetLedgerAccountByID(db *sql.DB, userID, accountID int64) (*models.LedgerAccount, error) {
	row := db.QueryRow(`SELECT id, user_id, name, kind FROM ledger_accounts WHERE id = ? AND user_id = ?`, accountID, userID)
	var account models.LedgerAccount
	err := row.Scan(&account.ID, &account.UserID, &account.Name, &account.Kind)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// FindLedgerAccountIDByName resolves an account by its exact name, used for
// the configured suspense account lookup.
func FindLedgerAccountIDByName(db *sql.DB, userID int64, name string) (int64, error) {
	row := db.QueryRow(`SELECT id FROM ledger_accounts WHERE user_id = ? AND name = ?`, userID, name)
	var id int64
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return id, nil
}

// CreateLedgerAccount inserts a ledger account and sets account.ID. Account
// management belongs to the ledger service; this exists for seeding and
// fixtures.
func CreateLedgerAccount(db *sql.DB, account *models.LedgerAccount) error {
	stmt, err := db.Prepare(`INSERT INTO ledger_accounts (user_id, name, kind) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	res, err := stmt.Exec(account.UserID, account.Name, account.Kind)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	account.ID = id
	return nil
}
