package model

import (
	"database/sql"

	"github.com/username/kontoflow/backend/src/models"
)

// InsertSyncLog appends one audit row for a completed sync attempt and sets
// log.ID.
func InsertSyncLog(db *sql.DB, syncLog *models.SyncLog) error {
	var completedAt any
	if syncLog.CompletedAt != nil {
		completedAt = syncLog.CompletedAt.UTC()
	}
	var triggeredBy any
	if syncLog.TriggeredBy != nil {
		triggeredBy = *syncLog.TriggeredBy
	}

	res, err := db.Exec(`
	INSERT INTO bank_sync_logs (connection_id, sync_type, sync_status,
		transactions_fetched, transactions_imported, transactions_duplicate, transactions_ignored,
		sync_from_date, sync_to_date, error_message, error_code,
		started_at, completed_at, duration_seconds, triggered_by)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		syncLog.ConnectionID, syncLog.SyncType, syncLog.SyncStatus,
		syncLog.Fetched, syncLog.Imported, syncLog.Duplicates, syncLog.Ignored,
		syncLog.SyncFromDate, syncLog.SyncToDate, syncLog.ErrorMessage, syncLog.ErrorCode,
		syncLog.StartedAt.UTC(), completedAt, syncLog.DurationSeconds, triggeredBy)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	syncLog.ID = id
	return nil
}

// ListSyncLogsByConnection returns the audit trail, most recent first.
func ListSyncLogsByConnection(db *sql.DB, connectionID int64, limit int) ([]models.SyncLog, error) {
	rows, err := db.Query(`
	SELECT id, connection_id, sync_type, sync_status,
		transactions_fetched, transactions_imported, transactions_duplicate, transactions_ignored,
		sync_from_date, sync_to_date, error_message, error_code,
		started_at, completed_at, duration_seconds, triggered_by
	FROM bank_sync_logs
	WHERE connection_id = ?
	ORDER BY id DESC
	LIMIT ?`, connectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.SyncLog
	for rows.Next() {
		var syncLog models.SyncLog
		var fromDate, toDate, errMessage, errCode sql.NullString
		var completedAt sql.NullTime
		var triggeredBy sql.NullInt64
		err := rows.Scan(&syncLog.ID, &syncLog.ConnectionID, &syncLog.SyncType, &syncLog.SyncStatus,
			&syncLog.Fetched, &syncLog.Imported, &syncLog.Duplicates, &syncLog.Ignored,
			&fromDate, &toDate, &errMessage, &errCode,
			&syncLog.StartedAt, &completedAt, &syncLog.DurationSeconds, &triggeredBy)
		if err != nil {
			return nil, err
		}
		syncLog.SyncFromDate = fromDate.String
		syncLog.SyncToDate = toDate.String
		syncLog.ErrorMessage = errMessage.String
		syncLog.ErrorCode = errCode.String
		if completedAt.Valid {
			t := completedAt.Time
			syncLog.CompletedAt = &t
		}
		if triggeredBy.Valid {
			v := triggeredBy.Int64
			syncLog.TriggeredBy = &v
		}
		logs = append(logs, syncLog)
	}
	return logs, rows.Err()
}
