package oauthstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/username/kontoflow/backend/src/logger"
	"github.com/username/kontoflow/backend/src/models"
)

// StateTTL is how long an authorization request or callback session stays
// claimable. Bank consent flows involve a human round-trip through the
// bank's own UI, so this is minutes, not seconds.
const StateTTL = 30 * time.Minute

const (
	cacheKeyAuthRequest = "auth:%s"
	cacheKeySession     = "session:%s"
)

var (
	ErrStateNotFound = errors.New("oauth state not found")
	ErrStateExpired  = errors.New("oauth state expired")
)

type authRequest struct {
	ASPSP     string
	CreatedAt time.Time
}

// Store keeps in-flight OAuth state in memory. Entries stay in the cache for
// twice their logical TTL so a late caller gets "expired" instead of an
// indistinguishable "not found"; logical expiry is checked at read time.
type Store struct {
	cache *cache.Cache
	now   func() time.Time
}

func NewStore() *Store {
	return &Store{
		cache: cache.New(2*StateTTL, 10*time.Minute),
		now:   time.Now,
	}
}

// CreateAuthRequest registers a pending authorization and returns the state
// token used for CSRF correlation on the callback.
func (s *Store) CreateAuthRequest(aspsp string) string {
	state := uuid.NewString()
	s.cache.Set(fmt.Sprintf(cacheKeyAuthRequest, state), &authRequest{ASPSP: aspsp, CreatedAt: s.now()}, cache.DefaultExpiration)
	return state
}

// ConsumeAuthRequest redeems a state token for the ASPSP it was created
// with. Single use: a second consume reports not found regardless of what
// the first returned.
func (s *Store) ConsumeAuthRequest(state string) (string, error) {
	key := fmt.Sprintf(cacheKeyAuthRequest, state)
	value, found := s.cache.Get(key)
	if !found {
		return "", ErrStateNotFound
	}
	s.cache.Delete(key)
	req, ok := value.(*authRequest)
	if !ok {
		return "", ErrStateNotFound
	}
	if s.now().Sub(req.CreatedAt) > StateTTL {
		return "", ErrStateExpired
	}
	return req.ASPSP, nil
}

// CreateSession stores the exchanged provider session until the user picks
// which accounts to link.
func (s *Store) CreateSession(sessionToken, aspsp string, accounts []models.ExternalAccount) *models.OAuthState {
	now := s.now()
	state := &models.OAuthState{
		ID:           uuid.NewString(),
		SessionToken: sessionToken,
		ASPSP:        aspsp,
		Accounts:     accounts,
		CreatedAt:    now,
		ExpiresAt:    now.Add(StateTTL),
	}
	s.cache.Set(fmt.Sprintf(cacheKeySession, state.ID), state, cache.DefaultExpiration)
	logger.L.Debug("Stored oauth session state", "oauthStateID", state.ID, "aspsp", aspsp, "accountCount", len(accounts))
	return state
}

func (s *Store) GetSession(id string) (*models.OAuthState, error) {
	value, found := s.cache.Get(fmt.Sprintf(cacheKeySession, id))
	if !found {
		return nil, ErrStateNotFound
	}
	state, ok := value.(*models.OAuthState)
	if !ok {
		return nil, ErrStateNotFound
	}
	if s.now().After(state.ExpiresAt) {
		return nil, ErrStateExpired
	}
	return state, nil
}

func (s *Store) DeleteSession(id string) {
	s.cache.Delete(fmt.Sprintf(cacheKeySession, id))
}
