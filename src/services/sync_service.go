// backend/src/services/sync_service.go
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/username/kontoflow/backend/src/config"
	"github.com/username/kontoflow/backend/src/dedup"
	"github.com/username/kontoflow/backend/src/logger"
	"github.com/username/kontoflow/backend/src/model"
	"github.com/username/kontoflow/backend/src/models"
	"github.com/username/kontoflow/backend/src/posting"
	"github.com/username/kontoflow/backend/src/providers"
	"github.com/username/kontoflow/backend/src/security/tokencrypt"
	"github.com/username/kontoflow/backend/src/utils"
)

type syncServiceImpl struct {
	db                    *sql.DB
	provider              providers.Provider
	cipher                *tokencrypt.Cipher
	engine                posting.Engine
	emailService          EmailService
	syncTimeout           time.Duration
	initialHistoryDays    int
	unresolvedAccountName string

	// Injectable for tests.
	now func() time.Time
}

func NewSyncService(db *sql.DB, provider providers.Provider, cipher *tokencrypt.Cipher, engine posting.Engine, emailService EmailService, cfg *config.AppConfig) SyncService {
	return &syncServiceImpl{
		db:                    db,
		provider:              provider,
		cipher:                cipher,
		engine:                engine,
		emailService:          emailService,
		syncTimeout:           cfg.SyncTimeout,
		initialHistoryDays:    cfg.SyncInitialHistoryDays,
		unresolvedAccountName: cfg.UnresolvedAccountName,
		now:                   time.Now,
	}
}

// Sync pulls the connection's transaction window from the provider and turns
// it into records and draft entries, one committed transaction per provider
// page. On failure the watermark stays where it was, so the next run re-pulls
// the same window and deduplication absorbs whatever had already landed.
func (s *syncServiceImpl) Sync(ctx context.Context, userID, connectionID int64, opts SyncOptions) (*models.SyncResult, error) {
	if opts.Type == "" {
		opts.Type = models.SyncTypeManual
	}
	if opts.InitialFrom != "" {
		if _, err := time.Parse(utils.ISODateFormat, opts.InitialFrom); err != nil {
			return nil, fmt.Errorf("invalid initial sync date %q: want YYYY-MM-DD", opts.InitialFrom)
		}
	}

	conn, err := model.GetConnectionByID(s.db, userID, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.Status == models.ConnectionStatusDisconnected {
		return nil, ErrConnectionDisconnected
	}
	if conn.Status == models.ConnectionStatusSyncing {
		return nil, ErrSyncInProgress
	}

	acquired, err := model.AcquireSyncLock(s.db, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("acquiring sync lock: %w", err)
	}
	if !acquired {
		// Lost the race; report whichever state we lost to.
		current, err := model.GetConnectionByID(s.db, userID, connectionID)
		if err != nil {
			return nil, err
		}
		if current.Status == models.ConnectionStatusDisconnected {
			return nil, ErrConnectionDisconnected
		}
		return nil, ErrSyncInProgress
	}

	today := s.now().UTC()
	dateTo := utils.FormatISODate(today)
	dateFrom := s.windowStart(conn, opts, today)
	result := &models.SyncResult{ConnectionID: conn.ID, DateFrom: dateFrom, DateTo: dateTo}
	startedAt := s.now().UTC()
	logger.L.Info("Bank sync started",
		"connectionID", conn.ID, "syncType", opts.Type, "dateFrom", dateFrom, "dateTo", dateTo)

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	runErr := s.runSync(syncCtx, conn, dateFrom, dateTo, result)
	completedAt := s.now().UTC()
	if runErr != nil {
		return nil, s.finishFailure(conn, opts, result, startedAt, completedAt, runErr)
	}

	watermark := today.Truncate(24 * time.Hour)
	if err := model.FinishSyncSuccess(s.db, conn.ID, watermark, completedAt); err != nil {
		return nil, fmt.Errorf("recording sync success: %w", err)
	}
	s.writeSyncLog(conn.ID, opts, result, models.SyncStatusSuccess, "", "", startedAt, completedAt)
	logger.L.Info("Bank sync completed",
		"connectionID", conn.ID, "fetched", result.Fetched, "posted", result.Posted,
		"deduplicated", result.Deduplicated, "violations", result.Violations, "pages", result.Pages)
	return result, nil
}

// windowStart picks the first day of the fetch window. The watermark day
// itself is re-fetched; deduplication absorbs the overlap. An explicit
// initial date is honored as given, even past the default history horizon.
func (s *syncServiceImpl) windowStart(conn *models.BankConnection, opts SyncOptions, today time.Time) string {
	horizon := today.AddDate(0, 0, -s.initialHistoryDays)
	if conn.LastSyncAt == nil {
		if opts.InitialFrom != "" {
			return opts.InitialFrom
		}
		return utils.FormatISODate(horizon)
	}
	last := conn.LastSyncAt.UTC()
	if last.Before(horizon) {
		return utils.FormatISODate(horizon)
	}
	return utils.FormatISODate(last)
}

func (s *syncServiceImpl) runSync(ctx context.Context, conn *models.BankConnection, dateFrom, dateTo string, result *models.SyncResult) error {
	sessionToken, err := s.cipher.Decrypt(conn.SessionTokenEnc)
	if err != nil {
		return fmt.Errorf("decrypting session token: %w", err)
	}

	suspenseID, err := model.FindLedgerAccountIDByName(s.db, conn.UserID, s.unresolvedAccountName)
	if err != nil {
		if !errors.Is(err, model.ErrAccountNotFound) {
			return fmt.Errorf("resolving suspense account: %w", err)
		}
		// Records are still fetched; the posting engine marks each one
		// IGNORED until the account exists.
		suspenseID = 0
		logger.L.Warn("Suspense account missing, drafts will be skipped",
			"userID", conn.UserID, "accountName", s.unresolvedAccountName)
	}

	req := providers.TransactionsRequest{
		ExternalAccountID: conn.ExternalAccountID,
		DateFrom:          dateFrom,
		DateTo:            dateTo,
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := s.provider.FetchTransactions(ctx, sessionToken, req)
		if err != nil {
			return err
		}
		if err := s.processPage(conn, suspenseID, page.Transactions, result); err != nil {
			return err
		}
		result.Pages++
		if page.ContinuationKey == "" {
			return nil
		}
		req.ContinuationKey = page.ContinuationKey
	}
}

// processPage writes one provider page in a single database transaction.
// Counters are page-local and merged only after commit, so a rolled back
// page never shows up in the result or the sync log.
func (s *syncServiceImpl) processPage(conn *models.BankConnection, suspenseID int64, transactions []providers.Transaction, result *models.SyncResult) error {
	if len(transactions) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting page transaction: %w", err)
	}
	defer tx.Rollback()

	var posted, deduplicated, violations int
	for i := range transactions {
		bankTx := &transactions[i]
		record := &models.BankTransactionRecord{
			ConnectionID:    conn.ID,
			ExternalID:      bankTx.ExternalID,
			TransactionDate: bankTx.Date,
			BookingDate:     bankTx.BookingDate,
			ValueDate:       bankTx.ValueDate,
			Amount:          bankTx.Amount,
			Currency:        bankTx.Currency,
			Description:     bankTx.Description,
			Reference:       bankTx.Reference,
			MerchantName:    bankTx.MerchantName,
			DedupHash:       dedup.Hash(bankTx.Date, bankTx.Amount, bankTx.Description, bankTx.Reference),
			ImportStatus:    models.ImportStatusImported,
			RawData:         bankTx.Raw,
		}
		if err := model.InsertRecordTx(tx, record); err != nil {
			if dedup.IsDuplicateInsert(err) {
				deduplicated++
				continue
			}
			return fmt.Errorf("inserting record %q: %w", bankTx.ExternalID, err)
		}

		entry, err := s.engine.BuildDraft(record, conn, suspenseID)
		if err != nil {
			if errors.Is(err, posting.ErrInvariantViolation) {
				logger.L.Warn("Transaction violates posting invariants, kept as IGNORED",
					"connectionID", conn.ID, "externalID", bankTx.ExternalID, "error", err)
				if err := model.SetRecordImportStatusTx(tx, record.ID, models.ImportStatusIgnored); err != nil {
					return fmt.Errorf("marking record %d ignored: %w", record.ID, err)
				}
				violations++
				continue
			}
			return fmt.Errorf("building draft for record %d: %w", record.ID, err)
		}
		if err := model.InsertDraftEntryTx(tx, entry); err != nil {
			return fmt.Errorf("inserting draft for record %d: %w", record.ID, err)
		}
		posted++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing page: %w", err)
	}
	result.Fetched += len(transactions)
	result.Posted += posted
	result.Deduplicated += deduplicated
	result.Violations += violations
	return nil
}

func (s *syncServiceImpl) finishFailure(conn *models.BankConnection, opts SyncOptions, result *models.SyncResult, startedAt, completedAt time.Time, cause error) error {
	status := models.SyncStatusFailed
	if result.Pages > 0 {
		status = models.SyncStatusPartial
	}

	mapped := cause
	code := models.SyncErrorInternal
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		mapped = fmt.Errorf("%w: window %s..%s exceeded the sync deadline", ErrSyncTimeout, result.DateFrom, result.DateTo)
		code = models.SyncErrorTimeout
	case errors.Is(cause, providers.ErrTransient):
		code = models.SyncErrorTransient
	case errors.Is(cause, providers.ErrProtocol):
		code = models.SyncErrorProtocol
	}

	message := fmt.Sprintf("sync failed for window %s..%s: %v", result.DateFrom, result.DateTo, cause)
	if err := model.MarkSyncError(s.db, conn.ID, message, completedAt); err != nil {
		logger.L.Error("Could not record sync error", "connectionID", conn.ID, "error", err)
	}
	s.writeSyncLog(conn.ID, opts, result, status, message, code, startedAt, completedAt)
	logger.L.Error("Bank sync failed",
		"connectionID", conn.ID, "status", status, "errorCode", code, "pages", result.Pages, "error", cause)

	go func() {
		if err := s.emailService.SendSyncFailureAlert(conn, message); err != nil {
			logger.L.Error("Could not send sync failure alert", "connectionID", conn.ID, "error", err)
		}
	}()

	return mapped
}

func (s *syncServiceImpl) writeSyncLog(connectionID int64, opts SyncOptions, result *models.SyncResult, status, errorMessage, errorCode string, startedAt, completedAt time.Time) {
	syncLog := &models.SyncLog{
		ConnectionID:    connectionID,
		SyncType:        opts.Type,
		SyncStatus:      status,
		Fetched:         result.Fetched,
		Imported:        result.Posted,
		Duplicates:      result.Deduplicated,
		Ignored:         result.Violations,
		SyncFromDate:    result.DateFrom,
		SyncToDate:      result.DateTo,
		ErrorMessage:    errorMessage,
		ErrorCode:       errorCode,
		StartedAt:       startedAt,
		CompletedAt:     &completedAt,
		DurationSeconds: int(completedAt.Sub(startedAt) / time.Second),
		TriggeredBy:     opts.TriggeredBy,
	}
	if err := model.InsertSyncLog(s.db, syncLog); err != nil {
		logger.L.Error("Could not write sync log", "connectionID", connectionID, "error", err)
	}
}
