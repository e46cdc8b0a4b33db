package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/username/kontoflow/backend/src/logger"
	"github.com/username/kontoflow/backend/src/model"
	"github.com/username/kontoflow/backend/src/models"
	"github.com/username/kontoflow/backend/src/oauthstate"
	"github.com/username/kontoflow/backend/src/providers"
	"github.com/username/kontoflow/backend/src/security/tokencrypt"
)

type linkingServiceImpl struct {
	db       *sql.DB
	provider providers.Provider
	store    *oauthstate.Store
	cipher   *tokencrypt.Cipher
}

func NewLinkingService(db *sql.DB, provider providers.Provider, store *oauthstate.Store, cipher *tokencrypt.Cipher) LinkingService {
	return &linkingServiceImpl{
		db:       db,
		provider: provider,
		store:    store,
		cipher:   cipher,
	}
}

func (s *linkingServiceImpl) InitiateConnection(aspsp string) (string, string, error) {
	state := s.store.CreateAuthRequest(aspsp)
	authorizationURL, err := s.provider.AuthorizationURL(state, aspsp)
	if err != nil {
		return "", "", fmt.Errorf("building authorization url: %w", err)
	}
	logger.L.Info("Initiated bank authorization", "provider", s.provider.Name(), "aspsp", aspsp)
	return authorizationURL, state, nil
}

func (s *linkingServiceImpl) HandleCallback(ctx context.Context, code, state string) (*models.OAuthState, error) {
	aspsp, err := s.store.ConsumeAuthRequest(state)
	if err != nil {
		return nil, err
	}

	session, err := s.provider.ExchangeSession(ctx, code)
	if err != nil {
		return nil, err
	}

	oauthState := s.store.CreateSession(session.SessionToken, aspsp, session.Accounts)
	logger.L.Info("Bank authorization completed",
		"provider", s.provider.Name(), "aspsp", aspsp, "accountCount", len(session.Accounts))
	return oauthState, nil
}

// LinkAccounts fans one authorized session out into connections. All
// selections are validated before anything is written, so a rejected link
// leaves no partial state behind; the session stays claimable until the
// whole fan-out succeeds.
func (s *linkingServiceImpl) LinkAccounts(userID int64, oauthStateID string, selections []LinkSelection) ([]models.BankConnection, error) {
	oauthState, err := s.store.GetSession(oauthStateID)
	if err != nil {
		return nil, err
	}
	if len(selections) == 0 {
		return nil, fmt.Errorf("%w: no accounts selected", ErrInvalidLink)
	}

	externalByID := make(map[string]models.ExternalAccount, len(oauthState.Accounts))
	for _, account := range oauthState.Accounts {
		externalByID[account.ID] = account
	}

	type plannedLink struct {
		selection LinkSelection
		external  models.ExternalAccount
		existing  *models.BankConnection
	}

	seenInternal := make(map[int64]bool, len(selections))
	planned := make([]plannedLink, 0, len(selections))
	for _, selection := range selections {
		if seenInternal[selection.InternalAccountID] {
			return nil, fmt.Errorf("%w: internal account %d selected twice", ErrInvalidLink, selection.InternalAccountID)
		}
		seenInternal[selection.InternalAccountID] = true

		if selection.AccountKind != models.AccountKindAsset && selection.AccountKind != models.AccountKindLiability {
			return nil, fmt.Errorf("%w: unsupported account kind %q", ErrInvalidLink, selection.AccountKind)
		}

		external, ok := externalByID[selection.ExternalAccountID]
		if !ok {
			return nil, fmt.Errorf("%w: external account %q is not part of the authorized session", ErrInvalidLink, selection.ExternalAccountID)
		}

		internal, err := model.GetLedgerAccountByID(s.db, userID, selection.InternalAccountID)
		if err != nil {
			if errors.Is(err, model.ErrAccountNotFound) {
				return nil, fmt.Errorf("%w: ledger account %d not found", ErrInvalidLink, selection.InternalAccountID)
			}
			return nil, fmt.Errorf("loading ledger account: %w", err)
		}
		if internal.Kind != selection.AccountKind {
			return nil, fmt.Errorf("%w: ledger account %q is %s, link requests %s",
				ErrInvalidLink, internal.Name, internal.Kind, selection.AccountKind)
		}

		existing, err := model.GetConnectionByInternalAccount(s.db, userID, selection.InternalAccountID)
		if err != nil && !errors.Is(err, model.ErrConnectionNotFound) {
			return nil, fmt.Errorf("checking existing connection: %w", err)
		}
		if existing != nil && existing.Status != models.ConnectionStatusDisconnected &&
			existing.ExternalAccountIBAN != "" && external.IBAN != "" &&
			existing.ExternalAccountIBAN != external.IBAN {
			// External ids are reissued per session, so identity is judged
			// by IBAN. A different IBAN means a genuinely different bank
			// account.
			return nil, fmt.Errorf("%w: ledger account %q is already linked to IBAN %s",
				ErrLinkConflict, internal.Name, existing.ExternalAccountIBAN)
		}

		planned = append(planned, plannedLink{selection: selection, external: external, existing: existing})
	}

	encryptedToken, err := s.cipher.Encrypt(oauthState.SessionToken)
	if err != nil {
		return nil, fmt.Errorf("encrypting session token: %w", err)
	}

	now := time.Now().UTC()
	linked := make([]models.BankConnection, 0, len(planned))
	for _, plan := range planned {
		if plan.existing != nil {
			conn := plan.existing
			conn.ASPSP = oauthState.ASPSP
			conn.ExternalAccountID = plan.external.ID
			conn.ExternalAccountName = plan.external.Name
			conn.ExternalAccountIBAN = plan.external.IBAN
			conn.Currency = plan.external.Currency
			conn.SessionTokenEnc = encryptedToken
			conn.AuthorizedAt = now
			if err := s.updateLink(conn); err != nil {
				return nil, err
			}
			linked = append(linked, *conn)
			logger.L.Info("Relinked bank connection",
				"connectionID", conn.ID, "userID", userID, "externalAccountID", plan.external.ID)
			continue
		}

		conn := &models.BankConnection{
			UserID:              userID,
			InternalAccountID:   plan.selection.InternalAccountID,
			AccountKind:         plan.selection.AccountKind,
			Provider:            s.provider.Name(),
			ASPSP:               oauthState.ASPSP,
			ExternalAccountID:   plan.external.ID,
			ExternalAccountName: plan.external.Name,
			ExternalAccountIBAN: plan.external.IBAN,
			Currency:            plan.external.Currency,
			SessionTokenEnc:     encryptedToken,
			Status:              models.ConnectionStatusActive,
			AuthorizedAt:        now,
			AutoSyncEnabled:     true,
			SyncFrequencyHours:  24,
		}
		if err := model.InsertConnection(s.db, conn); err != nil {
			return nil, fmt.Errorf("creating connection: %w", err)
		}
		linked = append(linked, *conn)
		logger.L.Info("Created bank connection",
			"connectionID", conn.ID, "userID", userID, "externalAccountID", plan.external.ID)
	}

	s.store.DeleteSession(oauthStateID)
	return linked, nil
}

func (s *linkingServiceImpl) updateLink(conn *models.BankConnection) error {
	if err := model.UpdateConnectionLink(s.db, conn); err != nil {
		return fmt.Errorf("updating connection link: %w", err)
	}
	conn.Status = models.ConnectionStatusActive
	conn.LastError = ""
	return nil
}

// Disconnect revokes the provider session (best effort) and parks the
// connection. Fetched records and drafts are kept.
func (s *linkingServiceImpl) Disconnect(ctx context.Context, userID, connectionID int64) error {
	conn, err := model.GetConnectionByID(s.db, userID, connectionID)
	if err != nil {
		return err
	}
	if conn.Status == models.ConnectionStatusDisconnected {
		return nil
	}

	if conn.SessionTokenEnc != "" {
		sessionToken, err := s.cipher.Decrypt(conn.SessionTokenEnc)
		if err != nil {
			logger.L.Warn("Could not decrypt session token for revocation", "connectionID", conn.ID, "error", err)
		} else if err := s.provider.RevokeSession(ctx, sessionToken); err != nil {
			logger.L.Warn("Provider session revocation failed", "connectionID", conn.ID, "error", err)
		}
	}

	if err := model.DisconnectConnection(s.db, conn.ID); err != nil {
		return fmt.Errorf("disconnecting connection: %w", err)
	}
	logger.L.Info("Disconnected bank connection", "connectionID", conn.ID, "userID", userID)
	return nil
}
