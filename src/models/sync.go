package models

import "time"

const (
	SyncTypeManual       = "MANUAL"
	SyncTypeAuto         = "AUTO"
	SyncTypeOAuthConnect = "OAUTH_CONNECT"
)

const (
	SyncStatusSuccess = "SUCCESS"
	SyncStatusPartial = "PARTIAL"
	SyncStatusFailed  = "FAILED"
)

const (
	SyncErrorTimeout   = "TIMEOUT"
	SyncErrorTransient = "TRANSIENT"
	SyncErrorProtocol  = "PROTOCOL"
	SyncErrorInternal  = "INTERNAL"
)

// SyncResult is what one sync run reports back. Deduplicated and Violations
// are normal outcomes, not errors.
type SyncResult struct {
	ConnectionID int64  `json:"connection_id"`
	Fetched      int    `json:"fetched"`
	Deduplicated int    `json:"deduplicated"`
	Posted       int    `json:"posted"`
	Violations   int    `json:"violations"`
	Pages        int    `json:"pages"`
	DateFrom     string `json:"date_from"`
	DateTo       string `json:"date_to"`
}

// SyncLog is the audit record of one sync attempt, written at completion.
type SyncLog struct {
	ID              int64      `json:"id"`
	ConnectionID    int64      `json:"connection_id"`
	SyncType        string     `json:"sync_type"`
	SyncStatus      string     `json:"sync_status"`
	Fetched         int        `json:"transactions_fetched"`
	Imported        int        `json:"transactions_imported"`
	Duplicates      int        `json:"transactions_duplicate"`
	Ignored         int        `json:"transactions_ignored"`
	SyncFromDate    string     `json:"sync_from_date"`
	SyncToDate      string     `json:"sync_to_date"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ErrorCode       string     `json:"error_code,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationSeconds int        `json:"duration_seconds"`
	TriggeredBy     *int64     `json:"triggered_by,omitempty"`
}
