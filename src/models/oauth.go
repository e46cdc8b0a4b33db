package models

import "time"

// ExternalAccount is one account the institution authorized during an OAuth
// session. The ID is only valid for the lifetime of that session's grant;
// the IBAN is the stable identifier across re-authorizations.
type ExternalAccount struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IBAN     string `json:"iban"`
	BIC      string `json:"bic,omitempty"`
	Currency string `json:"currency"`
	Type     string `json:"type"`
}

// OAuthState correlates a completed authorization with the accounts it
// granted access to, while the user picks which ones to link. Held in memory
// only; a process restart invalidates pending selections, never committed
// linkings.
type OAuthState struct {
	ID           string            `json:"id"`
	SessionToken string            `json:"-"`
	ASPSP        string            `json:"aspsp"`
	Accounts     []ExternalAccount `json:"accounts"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
}
