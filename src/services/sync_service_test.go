package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/kontoflow/backend/src/config"
	"github.com/username/kontoflow/backend/src/model"
	"github.com/username/kontoflow/backend/src/models"
	"github.com/username/kontoflow/backend/src/posting"
	"github.com/username/kontoflow/backend/src/providers"
)

// stubProvider serves scripted pages, one per FetchTransactions call, and
// records the requests it saw.
type stubProvider struct {
	pages    [][]providers.Transaction
	pageKeys []string
	fetchErr error
	failAt   int
	blockCtx bool

	fetchCalls int
	requests   []providers.TransactionsRequest
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) AuthorizationURL(state, aspsp string) (string, error) {
	return "http://stub/auth?state=" + state, nil
}

func (p *stubProvider) ExchangeSession(ctx context.Context, code string) (*providers.SessionResult, error) {
	return &providers.SessionResult{SessionToken: "stub-session-token"}, nil
}

func (p *stubProvider) FetchTransactions(ctx context.Context, sessionToken string, req providers.TransactionsRequest) (*providers.TransactionPage, error) {
	call := p.fetchCalls
	p.fetchCalls++
	p.requests = append(p.requests, req)

	if p.blockCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.fetchErr != nil && call == p.failAt {
		return nil, p.fetchErr
	}
	if call >= len(p.pages) {
		return &providers.TransactionPage{}, nil
	}
	key := ""
	if call < len(p.pageKeys) {
		key = p.pageKeys[call]
	}
	return &providers.TransactionPage{Transactions: p.pages[call], ContinuationKey: key}, nil
}

func (p *stubProvider) RevokeSession(ctx context.Context, sessionToken string) error { return nil }

type recordingEmailService struct {
	alerts chan string
}

func (s *recordingEmailService) SendSyncFailureAlert(conn *models.BankConnection, reason string) error {
	s.alerts <- reason
	return nil
}

func stubTx(id, date, amount, description string) providers.Transaction {
	return providers.Transaction{
		ExternalID:  id,
		Date:        date,
		BookingDate: date,
		Amount:      decimal.RequireFromString(amount),
		Currency:    "NOK",
		Description: description,
		Reference:   "ref-" + id,
		Raw:         fmt.Sprintf(`{"transactionId":%q}`, id),
	}
}

type syncFixture struct {
	svc        SyncService
	impl       *syncServiceImpl
	db         *sql.DB
	provider   *stubProvider
	emails     *recordingEmailService
	conn       *models.BankConnection
	suspenseID int64
	today      time.Time
}

func newSyncFixture(t *testing.T, provider *stubProvider) *syncFixture {
	t.Helper()
	db := setupTestDB(t)
	cipher := newTestCipher(t)
	internalID := seedLedgerAccount(t, db, 1, "Bank", models.AccountKindAsset)
	suspenseID := seedLedgerAccount(t, db, 1, "Unresolved", "EXPENSE")

	tokenEnc, err := cipher.Encrypt("stub-session-token")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	conn := &models.BankConnection{
		UserID:             1,
		InternalAccountID:  internalID,
		AccountKind:        models.AccountKindAsset,
		Provider:           "stub",
		ExternalAccountID:  "ext-1",
		SessionTokenEnc:    tokenEnc,
		Status:             models.ConnectionStatusActive,
		AuthorizedAt:       time.Now().UTC(),
		AutoSyncEnabled:    true,
		SyncFrequencyHours: 24,
	}
	if err := model.InsertConnection(db, conn); err != nil {
		t.Fatalf("InsertConnection() error = %v", err)
	}

	emails := &recordingEmailService{alerts: make(chan string, 4)}
	cfg := &config.AppConfig{
		SyncTimeout:            5 * time.Second,
		SyncInitialHistoryDays: 89,
		UnresolvedAccountName:  "Unresolved",
	}
	svc := NewSyncService(db, provider, cipher, posting.NewEngine(), emails, cfg)
	impl := svc.(*syncServiceImpl)

	today := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	impl.now = func() time.Time { return today }

	return &syncFixture{
		svc:        svc,
		impl:       impl,
		db:         db,
		provider:   provider,
		emails:     emails,
		conn:       conn,
		suspenseID: suspenseID,
		today:      today,
	}
}

func TestSync_FirstSyncPostsDrafts(t *testing.T) {
	provider := &stubProvider{
		pages: [][]providers.Transaction{{
			stubTx("tx-1", "2024-03-14", "-329.90", "REMA 1000 OSLO"),
			stubTx("tx-2", "2024-03-10", "25000.00", "SALARY"),
		}},
	}
	f := newSyncFixture(t, provider)

	result, err := f.svc.Sync(context.Background(), 1, f.conn.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if result.Fetched != 2 || result.Posted != 2 || result.Deduplicated != 0 || result.Violations != 0 {
		t.Errorf("result = fetched %d posted %d dedup %d violations %d, want 2/2/0/0",
			result.Fetched, result.Posted, result.Deduplicated, result.Violations)
	}
	if result.Pages != 1 {
		t.Errorf("Pages = %d, want 1", result.Pages)
	}
	wantFrom := f.today.AddDate(0, 0, -89).Format("2006-01-02")
	if result.DateFrom != wantFrom || result.DateTo != "2024-03-15" {
		t.Errorf("window = %s..%s, want %s..2024-03-15", result.DateFrom, result.DateTo, wantFrom)
	}

	req := f.provider.requests[0]
	if req.ExternalAccountID != "ext-1" || req.DateFrom != wantFrom || req.DateTo != "2024-03-15" || req.ContinuationKey != "" {
		t.Errorf("provider request = %+v, want ext-1 %s..2024-03-15 without continuation", req, wantFrom)
	}

	conn, err := model.GetConnectionByID(f.db, 1, f.conn.ID)
	if err != nil {
		t.Fatalf("GetConnectionByID() error = %v", err)
	}
	if conn.Status != models.ConnectionStatusActive {
		t.Errorf("Status = %s, want %s", conn.Status, models.ConnectionStatusActive)
	}
	wantWatermark := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	if conn.LastSyncAt == nil || !conn.LastSyncAt.Equal(wantWatermark) {
		t.Errorf("LastSyncAt = %v, want %v", conn.LastSyncAt, wantWatermark)
	}
	if conn.LastSuccessfulSync == nil {
		t.Error("LastSuccessfulSync was not set")
	}

	drafts, err := model.ListDraftsByConnection(f.db, f.conn.ID)
	if err != nil {
		t.Fatalf("ListDraftsByConnection() error = %v", err)
	}
	if len(drafts) != 2 {
		t.Fatalf("ListDraftsByConnection() returned %d drafts, want 2", len(drafts))
	}
	for _, draft := range drafts {
		if len(draft.Legs) != 2 {
			t.Errorf("draft %d has %d legs, want 2", draft.ID, len(draft.Legs))
		}
		if !draft.DebitTotal().Equal(draft.CreditTotal()) {
			t.Errorf("draft %d is unbalanced: debit %s credit %s", draft.ID, draft.DebitTotal(), draft.CreditTotal())
		}
	}

	logs, err := model.ListSyncLogsByConnection(f.db, f.conn.ID, 10)
	if err != nil {
		t.Fatalf("ListSyncLogsByConnection() error = %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("ListSyncLogsByConnection() returned %d logs, want 1", len(logs))
	}
	if logs[0].SyncStatus != models.SyncStatusSuccess || logs[0].SyncType != models.SyncTypeManual {
		t.Errorf("log = %s/%s, want %s/%s", logs[0].SyncStatus, logs[0].SyncType, models.SyncStatusSuccess, models.SyncTypeManual)
	}
	if logs[0].Fetched != 2 || logs[0].Imported != 2 {
		t.Errorf("log counters = fetched %d imported %d, want 2/2", logs[0].Fetched, logs[0].Imported)
	}
}

func TestSync_WindowSelection(t *testing.T) {
	day := func(value string) *time.Time {
		parsed, err := time.Parse("2006-01-02", value)
		if err != nil {
			t.Fatalf("bad fixture date %q: %v", value, err)
		}
		return &parsed
	}

	// Fixture clock is 2024-03-15; the 89 day horizon lands on 2023-12-17.
	tests := []struct {
		name        string
		lastSync    *time.Time
		initialFrom string
		wantFrom    string
	}{
		{"first sync uses default horizon", nil, "", "2023-12-17"},
		{"first sync honors explicit start", nil, "2024-01-01", "2024-01-01"},
		{"explicit start may predate the horizon", nil, "2022-05-01", "2022-05-01"},
		{"resync starts at the watermark", day("2024-03-10"), "", "2024-03-10"},
		{"stale watermark clamps to horizon", day("2023-06-01"), "", "2023-12-17"},
		{"explicit start ignored once synced", day("2024-03-10"), "2024-01-01", "2024-03-10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &stubProvider{}
			f := newSyncFixture(t, provider)
			if tt.lastSync != nil {
				if err := model.FinishSyncSuccess(f.db, f.conn.ID, *tt.lastSync, *tt.lastSync); err != nil {
					t.Fatalf("FinishSyncSuccess() error = %v", err)
				}
			}

			result, err := f.svc.Sync(context.Background(), 1, f.conn.ID, SyncOptions{InitialFrom: tt.initialFrom})
			if err != nil {
				t.Fatalf("Sync() error = %v", err)
			}
			if result.DateFrom != tt.wantFrom {
				t.Errorf("DateFrom = %s, want %s", result.DateFrom, tt.wantFrom)
			}
			if got := f.provider.requests[0].DateFrom; got != tt.wantFrom {
				t.Errorf("provider DateFrom = %s, want %s", got, tt.wantFrom)
			}
		})
	}
}

func TestSync_RejectsMalformedInitialFrom(t *testing.T) {
	provider := &stubProvider{}
	f := newSyncFixture(t, provider)

	_, err := f.svc.Sync(context.Background(), 1, f.conn.ID, SyncOptions{InitialFrom: "15-03-2024"})
	if err == nil {
		t.Fatal("Sync() accepted malformed initial date")
	}
	if f.provider.fetchCalls != 0 {
		t.Errorf("provider was called %d times, want 0", f.provider.fetchCalls)
	}

	conn, err := model.GetConnectionByID(f.db, 1, f.conn.ID)
	if err != nil {
		t.Fatalf("GetConnectionByID() error = %v", err)
	}
	if conn.Status != models.ConnectionStatusActive {
		t.Errorf("Status = %s, want %s untouched", conn.Status, models.ConnectionStatusActive)
	}
}

func TestSync_RerunIsAbsorbedByDedup(t *testing.T) {
	page := []providers.Transaction{
		stubTx("tx-1", "2024-03-14", "-329.90", "REMA 1000 OSLO"),
		stubTx("tx-2", "2024-03-10", "25000.00", "SALARY"),
	}
	provider := &stubProvider{pages: [][]providers.Transaction{page, page}}
	f := newSyncFixture(t, provider)

	if _, err := f.svc.Sync(context.Background(), 1, f.conn.ID, SyncOptions{}); err != nil {
		t.Fatalf("first Sync() error = %v", err)
	}
	result, err := f.svc.Sync(context.Background(), 1, f.conn.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}

	if result.Fetched != 2 || result.Deduplicated != 2 || result.Posted != 0 {
		t.Errorf("rerun result = fetched %d dedup %d posted %d, want 2/2/0",
			result.Fetched, result.Deduplicated, result.Posted)
	}
	records, err := model.ListRecordsByConnection(f.db, f.conn.ID, 50, 0)
	if err != nil {
		t.Fatalf("ListRecordsByConnection() error = %v", err)
	}
	if len(records) != 2 {
		t.Errorf("rerun duplicated records: got %d, want 2", len(records))
	}
	drafts, err := model.ListDraftsByConnection(f.db, f.conn.ID)
	if err != nil {
		t.Fatalf("ListDraftsByConnection() error = %v", err)
	}
	if len(drafts) != 2 {
		t.Errorf("rerun duplicated drafts: got %d, want 2", len(drafts))
	}
}

func TestSync_ViolationKeepsRecordAsIgnored(t *testing.T) {
	provider := &stubProvider{
		pages: [][]providers.Transaction{{
			stubTx("tx-good", "2024-03-14", "-329.90", "REMA 1000 OSLO"),
			stubTx("tx-zero", "2024-03-14", "0.00", "CARD VERIFICATION"),
		}},
	}
	f := newSyncFixture(t, provider)

	result, err := f.svc.Sync(context.Background(), 1, f.conn.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.Posted != 1 || result.Violations != 1 {
		t.Errorf("result = posted %d violations %d, want 1/1", result.Posted, result.Violations)
	}

	records, err := model.ListRecordsByConnection(f.db, f.conn.ID, 50, 0)
	if err != nil {
		t.Fatalf("ListRecordsByConnection() error = %v", err)
	}
	statusByID := make(map[string]string, len(records))
	for _, r := range records {
		statusByID[r.ExternalID] = r.ImportStatus
	}
	if statusByID["tx-zero"] != models.ImportStatusIgnored {
		t.Errorf("tx-zero status = %s, want %s", statusByID["tx-zero"], models.ImportStatusIgnored)
	}
	if statusByID["tx-good"] != models.ImportStatusImported {
		t.Errorf("tx-good status = %s, want %s", statusByID["tx-good"], models.ImportStatusImported)
	}

	drafts, err := model.ListDraftsByConnection(f.db, f.conn.ID)
	if err != nil {
		t.Fatalf("ListDraftsByConnection() error = %v", err)
	}
	if len(drafts) != 1 {
		t.Errorf("got %d drafts, want 1", len(drafts))
	}

	logs, err := model.ListSyncLogsByConnection(f.db, f.conn.ID, 10)
	if err != nil {
		t.Fatalf("ListSyncLogsByConnection() error = %v", err)
	}
	if logs[0].SyncStatus != models.SyncStatusSuccess || logs[0].Ignored != 1 {
		t.Errorf("log = %s with %d ignored, want %s with 1", logs[0].SyncStatus, logs[0].Ignored, models.SyncStatusSuccess)
	}
}

func TestSync_MissingSuspenseAccountIgnoresEverything(t *testing.T) {
	provider := &stubProvider{
		pages: [][]providers.Transaction{{
			stubTx("tx-1", "2024-03-14", "-329.90", "REMA 1000 OSLO"),
		}},
	}
	f := newSyncFixture(t, provider)
	if _, err := f.db.Exec("DELETE FROM ledger_accounts WHERE id = ?", f.suspenseID); err != nil {
		t.Fatalf("deleting suspense account: %v", err)
	}

	result, err := f.svc.Sync(context.Background(), 1, f.conn.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.Posted != 0 || result.Violations != 1 {
		t.Errorf("result = posted %d violations %d, want 0/1", result.Posted, result.Violations)
	}

	records, err := model.ListRecordsByConnection(f.db, f.conn.ID, 50, 0)
	if err != nil {
		t.Fatalf("ListRecordsByConnection() error = %v", err)
	}
	if len(records) != 1 || records[0].ImportStatus != models.ImportStatusIgnored {
		t.Errorf("records = %d with status %s, want 1 IGNORED", len(records), records[0].ImportStatus)
	}
}

func TestSync_FollowsContinuationKeys(t *testing.T) {
	// Empty pages that still carry a continuation key must not end the run.
	provider := &stubProvider{
		pages: [][]providers.Transaction{
			{},
			{},
			{stubTx("tx-1", "2024-03-14", "-329.90", "REMA 1000 OSLO")},
		},
		pageKeys: []string{"page-2", "page-3", ""},
	}
	f := newSyncFixture(t, provider)

	result, err := f.svc.Sync(context.Background(), 1, f.conn.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.Pages != 3 || result.Fetched != 1 || result.Posted != 1 {
		t.Errorf("result = pages %d fetched %d posted %d, want 3/1/1", result.Pages, result.Fetched, result.Posted)
	}
	if len(f.provider.requests) != 3 {
		t.Fatalf("provider saw %d requests, want 3", len(f.provider.requests))
	}
	wantKeys := []string{"", "page-2", "page-3"}
	for i, want := range wantKeys {
		if got := f.provider.requests[i].ContinuationKey; got != want {
			t.Errorf("request %d continuation key = %q, want %q", i, got, want)
		}
	}
}

func TestSync_FailureStatusAndCode(t *testing.T) {
	pageOne := []providers.Transaction{
		stubTx("tx-1", "2024-03-14", "-329.90", "REMA 1000 OSLO"),
		stubTx("tx-2", "2024-03-10", "25000.00", "SALARY"),
	}

	tests := []struct {
		name        string
		provider    *stubProvider
		wantErr     error
		wantStatus  string
		wantCode    string
		wantRecords int
	}{
		{
			name: "transient failure after a committed page",
			provider: &stubProvider{
				pages:    [][]providers.Transaction{pageOne},
				pageKeys: []string{"page-2"},
				fetchErr: fmt.Errorf("%w: provider unavailable", providers.ErrTransient),
				failAt:   1,
			},
			wantErr:     providers.ErrTransient,
			wantStatus:  models.SyncStatusPartial,
			wantCode:    models.SyncErrorTransient,
			wantRecords: 2,
		},
		{
			name: "protocol failure before any page",
			provider: &stubProvider{
				fetchErr: fmt.Errorf("%w: unexpected payload", providers.ErrProtocol),
				failAt:   0,
			},
			wantErr:     providers.ErrProtocol,
			wantStatus:  models.SyncStatusFailed,
			wantCode:    models.SyncErrorProtocol,
			wantRecords: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSyncFixture(t, tt.provider)

			_, err := f.svc.Sync(context.Background(), 1, f.conn.ID, SyncOptions{})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Sync() error = %v, want %v", err, tt.wantErr)
			}

			conn, err := model.GetConnectionByID(f.db, 1, f.conn.ID)
			if err != nil {
				t.Fatalf("GetConnectionByID() error = %v", err)
			}
			if conn.Status != models.ConnectionStatusError {
				t.Errorf("Status = %s, want %s", conn.Status, models.ConnectionStatusError)
			}
			if !strings.Contains(conn.LastError, "sync failed for window") {
				t.Errorf("LastError = %q, want the failed window named", conn.LastError)
			}
			if conn.LastSyncAt != nil {
				t.Errorf("LastSyncAt = %v, want untouched nil watermark", conn.LastSyncAt)
			}

			records, err := model.ListRecordsByConnection(f.db, f.conn.ID, 50, 0)
			if err != nil {
				t.Fatalf("ListRecordsByConnection() error = %v", err)
			}
			if len(records) != tt.wantRecords {
				t.Errorf("committed records = %d, want %d", len(records), tt.wantRecords)
			}

			logs, err := model.ListSyncLogsByConnection(f.db, f.conn.ID, 10)
			if err != nil {
				t.Fatalf("ListSyncLogsByConnection() error = %v", err)
			}
			if len(logs) != 1 {
				t.Fatalf("got %d sync logs, want 1", len(logs))
			}
			if logs[0].SyncStatus != tt.wantStatus || logs[0].ErrorCode != tt.wantCode {
				t.Errorf("log = %s/%s, want %s/%s", logs[0].SyncStatus, logs[0].ErrorCode, tt.wantStatus, tt.wantCode)
			}

			select {
			case <-f.emails.alerts:
			case <-time.After(2 * time.Second):
				t.Error("no sync failure alert was sent")
			}
		})
	}
}

func TestSync_MutualExclusionAndGuards(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, f *syncFixture)
		userID  int64
		connID  func(f *syncFixture) int64
		wantErr error
	}{
		{
			name: "already syncing",
			prepare: func(t *testing.T, f *syncFixture) {
				if acquired, err := model.AcquireSyncLock(f.db, f.conn.ID); err != nil || !acquired {
					t.Fatalf("AcquireSyncLock() = (%v, %v), want lock held", acquired, err)
				}
			},
			userID:  1,
			connID:  func(f *syncFixture) int64 { return f.conn.ID },
			wantErr: ErrSyncInProgress,
		},
		{
			name: "disconnected connection",
			prepare: func(t *testing.T, f *syncFixture) {
				if err := model.DisconnectConnection(f.db, f.conn.ID); err != nil {
					t.Fatalf("DisconnectConnection() error = %v", err)
				}
			},
			userID:  1,
			connID:  func(f *syncFixture) int64 { return f.conn.ID },
			wantErr: ErrConnectionDisconnected,
		},
		{
			name:    "unknown connection",
			prepare: func(t *testing.T, f *syncFixture) {},
			userID:  1,
			connID:  func(f *syncFixture) int64 { return 9999 },
			wantErr: model.ErrConnectionNotFound,
		},
		{
			name:    "connection of another user",
			prepare: func(t *testing.T, f *syncFixture) {},
			userID:  2,
			connID:  func(f *syncFixture) int64 { return f.conn.ID },
			wantErr: model.ErrConnectionNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSyncFixture(t, &stubProvider{})
			tt.prepare(t, f)

			_, err := f.svc.Sync(context.Background(), tt.userID, tt.connID(f), SyncOptions{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Sync() error = %v, want %v", err, tt.wantErr)
			}
			if f.provider.fetchCalls != 0 {
				t.Errorf("provider was called %d times, want 0", f.provider.fetchCalls)
			}
		})
	}
}

func TestSync_TimeoutMapsToErrSyncTimeout(t *testing.T) {
	provider := &stubProvider{blockCtx: true}
	f := newSyncFixture(t, provider)
	f.impl.syncTimeout = 50 * time.Millisecond

	_, err := f.svc.Sync(context.Background(), 1, f.conn.ID, SyncOptions{})
	if !errors.Is(err, ErrSyncTimeout) {
		t.Fatalf("Sync() error = %v, want ErrSyncTimeout", err)
	}

	conn, err := model.GetConnectionByID(f.db, 1, f.conn.ID)
	if err != nil {
		t.Fatalf("GetConnectionByID() error = %v", err)
	}
	if conn.Status != models.ConnectionStatusError {
		t.Errorf("Status = %s, want %s", conn.Status, models.ConnectionStatusError)
	}

	logs, err := model.ListSyncLogsByConnection(f.db, f.conn.ID, 10)
	if err != nil {
		t.Fatalf("ListSyncLogsByConnection() error = %v", err)
	}
	if logs[0].SyncStatus != models.SyncStatusFailed || logs[0].ErrorCode != models.SyncErrorTimeout {
		t.Errorf("log = %s/%s, want %s/%s",
			logs[0].SyncStatus, logs[0].ErrorCode, models.SyncStatusFailed, models.SyncErrorTimeout)
	}
}

func TestSync_TriggeredByRecordedInLog(t *testing.T) {
	provider := &stubProvider{}
	f := newSyncFixture(t, provider)
	userID := int64(1)

	if _, err := f.svc.Sync(context.Background(), 1, f.conn.ID, SyncOptions{Type: models.SyncTypeManual, TriggeredBy: &userID}); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	logs, err := model.ListSyncLogsByConnection(f.db, f.conn.ID, 10)
	if err != nil {
		t.Fatalf("ListSyncLogsByConnection() error = %v", err)
	}
	if logs[0].TriggeredBy == nil || *logs[0].TriggeredBy != 1 {
		t.Errorf("TriggeredBy = %v, want 1", logs[0].TriggeredBy)
	}
}
