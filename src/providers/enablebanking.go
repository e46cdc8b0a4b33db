package providers

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/username/kontoflow/backend/src/config"
	"github.com/username/kontoflow/backend/src/logger"
	"github.com/username/kontoflow/backend/src/models"
	"github.com/username/kontoflow/backend/src/utils"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	enableBankingName        = "enablebanking"
	enableBankingJWTIssuer   = "enablebanking.com"
	enableBankingJWTAudience = "api.enablebanking.com"
	enableBankingJWTExpiry   = time.Hour
)

// EnableBankingClient talks to an Enable-Banking-style PSD2 aggregator.
// Every API request is authenticated with a short-lived RS256 JWT signed by
// the application key; most institutions additionally require an mTLS
// client certificate on the transport.
type EnableBankingClient struct {
	apiURL      string
	authURL     string
	appID       string
	redirectURL string
	signingKey  *rsa.PrivateKey
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxRetries  int

	// Initial retry delay, doubled per attempt. Shortened in tests.
	retryBackoff time.Duration
}

func NewEnableBankingClient(cfg *config.AppConfig) (*EnableBankingClient, error) {
	keyPEM, err := os.ReadFile(cfg.EnableBankingSigningKey)
	if err != nil {
		return nil, fmt.Errorf("reading signing key %s: %w", cfg.EnableBankingSigningKey, err)
	}
	signingKey, err := jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}

	transport := &http.Transport{}
	if cfg.EnableBankingCertPath != "" && cfg.EnableBankingKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.EnableBankingCertPath, cfg.EnableBankingKeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading mTLS client certificate: %w", err)
		}
		transport.TLSClientConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	return &EnableBankingClient{
		apiURL:      cfg.EnableBankingAPIURL,
		authURL:     cfg.EnableBankingAuthURL,
		appID:       cfg.EnableBankingAppID,
		redirectURL: cfg.EnableBankingRedirect,
		signingKey:  signingKey,
		httpClient: &http.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   cfg.ProviderHTTPTimeout,
		},
		limiter:      rate.NewLimiter(rate.Limit(cfg.ProviderRateLimitRPS), cfg.ProviderRateLimitBurst),
		maxRetries:   cfg.ProviderMaxRetries,
		retryBackoff: time.Second,
	}, nil
}

func (c *EnableBankingClient) Name() string {
	return enableBankingName
}

// AuthorizationURL builds the bank consent URL the user is redirected to.
// No network call is involved; the provider validates the parameters when
// the user lands there.
func (c *EnableBankingClient) AuthorizationURL(state, aspsp string) (string, error) {
	if state == "" {
		return "", fmt.Errorf("authorization url: state must not be empty")
	}
	conf := oauth2.Config{
		ClientID:    c.appID,
		RedirectURL: c.redirectURL,
		Scopes:      []string{"accounts", "transactions"},
		Endpoint:    oauth2.Endpoint{AuthURL: c.authURL},
	}
	opts := []oauth2.AuthCodeOption{}
	if aspsp != "" {
		opts = append(opts, oauth2.SetAuthURLParam("aspsp", aspsp))
	}
	return conf.AuthCodeURL(state, opts...), nil
}

// ExchangeSession trades the callback code for a provider session and the
// list of accounts the user consented to.
func (c *EnableBankingClient) ExchangeSession(ctx context.Context, code string) (*SessionResult, error) {
	status, body, err := c.doRequest(ctx, http.MethodPost, "/sessions", nil, map[string]string{"code": code})
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, c.protocolError("exchange session", status, body)
	}

	var out struct {
		SessionID string `json:"session_id"`
		Accounts  []struct {
			UID      string `json:"uid"`
			Name     string `json:"name"`
			IBAN     string `json:"iban"`
			BIC      string `json:"bic"`
			Currency string `json:"currency"`
			Product  string `json:"product"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decoding session response: %v", ErrProtocol, err)
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("%w: session response missing session_id", ErrProtocol)
	}

	result := &SessionResult{SessionToken: out.SessionID}
	for _, acc := range out.Accounts {
		name := acc.Name
		if name == "" {
			name = acc.Product
		}
		if name == "" {
			name = "Unknown"
		}
		accountType := acc.Product
		if accountType == "" {
			accountType = "CHECKING"
		}
		result.Accounts = append(result.Accounts, models.ExternalAccount{
			ID:       acc.UID,
			Name:     name,
			IBAN:     acc.IBAN,
			BIC:      acc.BIC,
			Currency: acc.Currency,
			Type:     accountType,
		})
	}
	return result, nil
}

// FetchTransactions retrieves one page of booked transactions. Account uids
// are already scoped to the authorized session, so the session token is only
// sanity-checked here; explicit dates are always sent, never a history
// strategy.
func (c *EnableBankingClient) FetchTransactions(ctx context.Context, sessionToken string, req TransactionsRequest) (*TransactionPage, error) {
	if sessionToken == "" {
		return nil, fmt.Errorf("%w: empty session token", ErrProtocol)
	}
	query := url.Values{}
	query.Set("date_from", req.DateFrom)
	query.Set("date_to", req.DateTo)
	if req.ContinuationKey != "" {
		query.Set("continuation_key", req.ContinuationKey)
	}

	path := "/accounts/" + url.PathEscape(req.ExternalAccountID) + "/transactions"
	status, body, err := c.doRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, c.protocolError("fetch transactions", status, body)
	}

	var out struct {
		Transactions struct {
			Booked  []json.RawMessage `json:"booked"`
			Pending []json.RawMessage `json:"pending"`
		} `json:"transactions"`
		ContinuationKey string `json:"continuation_key"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decoding transactions response: %v", ErrProtocol, err)
	}

	transactions, err := normalizeBooked(out.Transactions.Booked)
	if err != nil {
		return nil, err
	}
	return &TransactionPage{
		Transactions:    transactions,
		ContinuationKey: out.ContinuationKey,
	}, nil
}

// RevokeSession asks the provider to invalidate the session. A 404 means the
// session is already gone, which is the outcome we wanted.
func (c *EnableBankingClient) RevokeSession(ctx context.Context, sessionToken string) error {
	status, body, err := c.doRequest(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionToken), nil, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return nil
	}
	if status < 200 || status >= 300 {
		return c.protocolError("revoke session", status, body)
	}
	return nil
}

// requestToken mints the per-request RS256 JWT. The kid header carries the
// application id so the provider can look up the public key.
func (c *EnableBankingClient) requestToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": enableBankingJWTIssuer,
		"aud": enableBankingJWTAudience,
		"iat": now.Unix(),
		"exp": now.Add(enableBankingJWTExpiry).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = c.appID
	return token.SignedString(c.signingKey)
}

// doRequest performs one API call with throttling and retries. Network
// faults, 429 and 5xx are retried with doubling backoff up to maxRetries;
// exhaustion returns ErrTransient. Context expiry surfaces as the context's
// own error so callers can distinguish timeouts. Any other status is
// returned to the caller undecided.
func (c *EnableBankingClient) doRequest(ctx context.Context, method, path string, query url.Values, payload any) (int, []byte, error) {
	var encoded []byte
	if payload != nil {
		var err error
		encoded, err = json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	endpoint := c.apiURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	backoff := c.retryBackoff
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			logger.L.Warn("Retrying provider request",
				"method", method, "path", path, "attempt", attempt, "backoff", backoff.String(), "lastError", fmt.Sprint(lastErr))
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			return 0, nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}

		token, err := c.requestToken()
		if err != nil {
			return 0, nil, fmt.Errorf("signing request token: %w", err)
		}

		var reqBody io.Reader
		if encoded != nil {
			reqBody = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return 0, nil, fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("provider returned status %d", resp.StatusCode)
			continue
		}
		return resp.StatusCode, body, nil
	}
	return 0, nil, fmt.Errorf("%w: %d attempts failed, last error: %v", ErrTransient, c.maxRetries+1, lastErr)
}

// protocolError logs the rejected response body (it never reaches API
// clients) and wraps ErrProtocol.
func (c *EnableBankingClient) protocolError(operation string, status int, body []byte) error {
	logger.L.Error("Provider request rejected",
		"provider", enableBankingName, "operation", operation, "status", status, "body", truncateForLog(body))
	return fmt.Errorf("%w: %s failed with status %d", ErrProtocol, operation, status)
}

func truncateForLog(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "...(truncated)"
	}
	return string(body)
}

// normalizeBooked maps provider wire transactions to the internal shape.
// Pending entries are never imported; they reappear as booked later with the
// same transaction id.
func normalizeBooked(booked []json.RawMessage) ([]Transaction, error) {
	var transactions []Transaction
	for _, raw := range booked {
		var tx struct {
			TransactionID     string `json:"transactionId"`
			BookingDate       string `json:"bookingDate"`
			ValueDate         string `json:"valueDate"`
			TransactionAmount struct {
				Amount   string `json:"amount"`
				Currency string `json:"currency"`
			} `json:"transactionAmount"`
			Remittance   string `json:"remittanceInformationUnstructured"`
			CreditorName string `json:"creditorName"`
			DebtorName   string `json:"debtorName"`
			EndToEndID   string `json:"endToEndId"`
			MandateID    string `json:"mandateId"`
		}
		if err := json.Unmarshal(raw, &tx); err != nil {
			return nil, fmt.Errorf("%w: decoding booked transaction: %v", ErrProtocol, err)
		}

		amount, err := decimal.NewFromString(tx.TransactionAmount.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: transaction %s has unparseable amount %q", ErrProtocol, tx.TransactionID, tx.TransactionAmount.Amount)
		}

		date := tx.ValueDate
		if date == "" {
			date = tx.BookingDate
		}
		if date == "" {
			return nil, fmt.Errorf("%w: transaction %s has no value or booking date", ErrProtocol, tx.TransactionID)
		}
		if _, err := time.Parse(utils.ISODateFormat, date); err != nil {
			return nil, fmt.Errorf("%w: transaction %s has malformed date %q", ErrProtocol, tx.TransactionID, date)
		}

		// Merchant: creditor for payments out, debtor for payments in.
		merchant := tx.CreditorName
		if merchant == "" {
			merchant = tx.DebtorName
		}
		description := tx.Remittance
		if description == "" {
			description = merchant
		}
		reference := tx.EndToEndID
		if reference == "" {
			reference = tx.MandateID
		}

		transactions = append(transactions, Transaction{
			ExternalID:   tx.TransactionID,
			Date:         date,
			BookingDate:  tx.BookingDate,
			ValueDate:    tx.ValueDate,
			Amount:       amount,
			Currency:     tx.TransactionAmount.Currency,
			Description:  description,
			Reference:    reference,
			MerchantName: merchant,
			Raw:          string(raw),
		})
	}
	return transactions, nil
}
