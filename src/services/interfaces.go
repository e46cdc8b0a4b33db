package services

import (
	"context"
	"errors"

	"github.com/username/kontoflow/backend/src/models"
)

var (
	// ErrInvalidLink covers link requests that can never succeed: unknown
	// external account, missing internal account, kind mismatch.
	ErrInvalidLink = errors.New("invalid link request")
	// ErrLinkConflict means the internal account is already bound to a
	// different bank account (IBAN mismatch).
	ErrLinkConflict = errors.New("ledger account already linked to a different bank account")
	// ErrSyncInProgress means another sync currently holds the connection.
	ErrSyncInProgress = errors.New("sync already in progress for this connection")
	// ErrConnectionDisconnected means the connection was disconnected and
	// needs a fresh authorization before it can sync again.
	ErrConnectionDisconnected = errors.New("connection is disconnected")
	// ErrSyncTimeout means the sync exceeded its time budget. Pages committed
	// before the deadline are kept.
	ErrSyncTimeout = errors.New("sync timed out")
)

// LinkSelection binds one external account from an OAuth session to one
// internal ledger account.
type LinkSelection struct {
	ExternalAccountID string `json:"external_account_id"`
	InternalAccountID int64  `json:"internal_account_id"`
	AccountKind       string `json:"account_kind"`
}

// SyncOptions describes how a sync run was triggered. InitialFrom optionally
// overrides the first-sync cutoff (YYYY-MM-DD); it is ignored once a
// connection has a watermark.
type SyncOptions struct {
	Type        string
	InitialFrom string
	TriggeredBy *int64
}

// LinkingService owns the OAuth connect flow: authorization, callback,
// fan-out of one session into connections, and disconnection.
type LinkingService interface {
	InitiateConnection(aspsp string) (authorizationURL string, state string, err error)
	HandleCallback(ctx context.Context, code, state string) (*models.OAuthState, error)
	LinkAccounts(userID int64, oauthStateID string, selections []LinkSelection) ([]models.BankConnection, error)
	Disconnect(ctx context.Context, userID, connectionID int64) error
}

// SyncService pulls provider transactions into records and draft entries.
type SyncService interface {
	Sync(ctx context.Context, userID, connectionID int64, opts SyncOptions) (*models.SyncResult, error)
}
