package database

import (
	"database/sql"
	stdlog "log"

	"github.com/username/kontoflow/backend/src/logger"
	_ "modernc.org/sqlite"
)

var DB *sql.DB

func InitDB(databasePath string) {
	db, err := sql.Open("sqlite", databasePath)
	if err != nil {
		stdlog.Fatalf("failed to open database at %s: %v", databasePath, err)
	}

	DB = db

	if logger.L != nil {
		logger.L.Info("Checking database migrations", "databasePath", databasePath)
	} else {
		stdlog.Println("Checking database migrations for:", databasePath)
	}
	migrateConnectionsTable()

	createTableStatement := `
	CREATE TABLE IF NOT EXISTS ledger_accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('ASSET','LIABILITY','EQUITY','INCOME','EXPENSE')),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(user_id, name)
	);

	CREATE TABLE IF NOT EXISTS bank_connections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		internal_account_id INTEGER NOT NULL UNIQUE,
		account_kind TEXT NOT NULL CHECK (account_kind IN ('ASSET','LIABILITY')),
		provider TEXT NOT NULL DEFAULT 'enablebanking',
		aspsp TEXT,
		external_account_id TEXT NOT NULL,
		external_account_name TEXT,
		external_account_iban TEXT,
		currency TEXT,
		session_token_enc TEXT,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		last_error TEXT,
		last_sync_at TIMESTAMP,
		last_successful_sync_at TIMESTAMP,
		authorized_at TIMESTAMP NOT NULL,
		auto_sync_enabled BOOLEAN DEFAULT TRUE,
		sync_frequency_hours INTEGER DEFAULT 24,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(internal_account_id) REFERENCES ledger_accounts(id)
	);

	CREATE TABLE IF NOT EXISTS bank_transaction_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER NOT NULL,
		external_id TEXT,
		transaction_date TEXT NOT NULL,
		booking_date TEXT,
		value_date TEXT,
		amount TEXT NOT NULL,
		currency TEXT,
		description TEXT,
		reference TEXT,
		merchant_name TEXT,
		dedup_hash TEXT NOT NULL,
		import_status TEXT NOT NULL DEFAULT 'IMPORTED',
		raw_data TEXT,
		fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(connection_id) REFERENCES bank_connections(id),
		UNIQUE(connection_id, dedup_hash)
	);

	CREATE TABLE IF NOT EXISTS draft_journal_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER NOT NULL,
		origin_record_id INTEGER NOT NULL UNIQUE,
		entry_date TEXT NOT NULL,
		description TEXT,
		amount TEXT NOT NULL,
		currency TEXT,
		source TEXT NOT NULL DEFAULT 'BANK_SYNC',
		status TEXT NOT NULL DEFAULT 'DRAFT',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(connection_id) REFERENCES bank_connections(id),
		FOREIGN KEY(origin_record_id) REFERENCES bank_transaction_records(id)
	);

	CREATE TABLE IF NOT EXISTS draft_entry_legs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id INTEGER NOT NULL,
		account_id INTEGER NOT NULL,
		side TEXT NOT NULL CHECK (side IN ('DEBIT','CREDIT')),
		amount TEXT NOT NULL,
		FOREIGN KEY(entry_id) REFERENCES draft_journal_entries(id)
	);

	CREATE TABLE IF NOT EXISTS bank_sync_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER NOT NULL,
		sync_type TEXT NOT NULL,
		sync_status TEXT NOT NULL,
		transactions_fetched INTEGER DEFAULT 0,
		transactions_imported INTEGER DEFAULT 0,
		transactions_duplicate INTEGER DEFAULT 0,
		transactions_ignored INTEGER DEFAULT 0,
		sync_from_date TEXT,
		sync_to_date TEXT,
		error_message TEXT,
		error_code TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		duration_seconds INTEGER,
		triggered_by INTEGER,
		FOREIGN KEY(connection_id) REFERENCES bank_connections(id)
	);
	`

	_, err = DB.Exec(createTableStatement)
	if err != nil {
		if logger.L != nil {
			logger.L.Error("failed to create tables", "error", err)
		}
		stdlog.Fatalf("failed to create tables: %v", err)
	}
	if logger.L != nil {
		logger.L.Info("Database tables ensured/created.")
	} else {
		stdlog.Println("Database tables ensured/created.")
	}
}

// migrateConnectionsTable adds columns that did not exist in the first
// version of the bank_connections schema.
func migrateConnectionsTable() {
	var tableName string
	err := DB.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='bank_connections'").Scan(&tableName)
	if err != nil {
		if err == sql.ErrNoRows {
			if logger.L != nil {
				logger.L.Info("'bank_connections' table does not exist, no migration needed as table will be created.")
			} else {
				stdlog.Println("'bank_connections' table does not exist, no migration needed as table will be created.")
			}
			return
		}
		if logger.L != nil {
			logger.L.Error("Error checking for 'bank_connections' table", "error", err)
		} else {
			stdlog.Printf("Error checking for 'bank_connections' table: %v", err)
		}
		return
	}

	rows, err := DB.Query("PRAGMA table_info(bank_connections)")
	if err != nil {
		if logger.L != nil {
			logger.L.Error("Error querying table schema for 'bank_connections'", "error", err)
		} else {
			stdlog.Printf("Error querying table schema for 'bank_connections': %v", err)
		}
		return
	}
	defer rows.Close()

	columnExists := make(map[string]bool)
	for rows.Next() {
		var cid, pk int
		var name, dataType string
		var notnullVal int
		var dfltValue interface{}

		if err := rows.Scan(&cid, &name, &dataType, &notnullVal, &dfltValue, &pk); err != nil {
			if logger.L != nil {
				logger.L.Error("Error scanning column info for 'bank_connections'", "error", err)
			} else {
				stdlog.Printf("Error scanning column info for 'bank_connections': %v", err)
			}
			return
		}
		columnExists[name] = true
	}
	if err = rows.Err(); err != nil {
		if logger.L != nil {
			logger.L.Error("Error iterating over column info for 'bank_connections'", "error", err)
		} else {
			stdlog.Printf("Error iterating over column info for 'bank_connections': %v", err)
		}
		return
	}

	if _, ok := columnExists["last_successful_sync_at"]; !ok {
		_, err := DB.Exec("ALTER TABLE bank_connections ADD COLUMN last_successful_sync_at TIMESTAMP")
		if err != nil {
			logger.L.Error("Error adding 'last_successful_sync_at' column to 'bank_connections' table", "error", err)
		} else {
			logger.L.Info("Added 'last_successful_sync_at' column to 'bank_connections' table")
		}
	}
	if _, ok := columnExists["last_error"]; !ok {
		_, err := DB.Exec("ALTER TABLE bank_connections ADD COLUMN last_error TEXT")
		if err != nil {
			logger.L.Error("Error adding 'last_error' column to 'bank_connections' table", "error", err)
		} else {
			logger.L.Info("Added 'last_error' column to 'bank_connections' table")
		}
	}
	if _, ok := columnExists["auto_sync_enabled"]; !ok {
		_, err := DB.Exec("ALTER TABLE bank_connections ADD COLUMN auto_sync_enabled BOOLEAN DEFAULT TRUE")
		if err != nil {
			logger.L.Error("Error adding 'auto_sync_enabled' column to 'bank_connections' table", "error", err)
		} else {
			logger.L.Info("Added 'auto_sync_enabled' column to 'bank_connections' table")
		}
	}
	if _, ok := columnExists["sync_frequency_hours"]; !ok {
		_, err := DB.Exec("ALTER TABLE bank_connections ADD COLUMN sync_frequency_hours INTEGER DEFAULT 24")
		if err != nil {
			logger.L.Error("Error adding 'sync_frequency_hours' column to 'bank_connections' table", "error", err)
		} else {
			logger.L.Info("Added 'sync_frequency_hours' column to 'bank_connections' table")
		}
	}
	if _, ok := columnExists["aspsp"]; !ok {
		_, err := DB.Exec("ALTER TABLE bank_connections ADD COLUMN aspsp TEXT")
		if err != nil {
			logger.L.Error("Error adding 'aspsp' column to 'bank_connections' table", "error", err)
		} else {
			logger.L.Info("Added 'aspsp' column to 'bank_connections' table")
		}
	}
}
