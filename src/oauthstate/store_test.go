package oauthstate

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/username/kontoflow/backend/src/logger"
	"github.com/username/kontoflow/backend/src/models"
)

func TestMain(m *testing.M) {
	logger.InitLogger("error")
	os.Exit(m.Run())
}

func TestAuthRequest_RoundTrip(t *testing.T) {
	store := NewStore()

	state := store.CreateAuthRequest("NO_DNB")
	if state == "" {
		t.Fatal("CreateAuthRequest() returned empty state")
	}

	aspsp, err := store.ConsumeAuthRequest(state)
	if err != nil {
		t.Fatalf("ConsumeAuthRequest() error = %v", err)
	}
	if aspsp != "NO_DNB" {
		t.Errorf("aspsp = %q, want NO_DNB", aspsp)
	}

	if _, err := store.ConsumeAuthRequest(state); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("second consume error = %v, want ErrStateNotFound", err)
	}
}

func TestAuthRequest_Unknown(t *testing.T) {
	store := NewStore()
	if _, err := store.ConsumeAuthRequest("never-issued"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("ConsumeAuthRequest() error = %v, want ErrStateNotFound", err)
	}
}

func TestAuthRequest_Expired(t *testing.T) {
	store := NewStore()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return start }

	state := store.CreateAuthRequest("NO_DNB")

	store.now = func() time.Time { return start.Add(StateTTL + time.Minute) }
	if _, err := store.ConsumeAuthRequest(state); !errors.Is(err, ErrStateExpired) {
		t.Errorf("ConsumeAuthRequest() error = %v, want ErrStateExpired", err)
	}

	// Consuming reports expiry once; after that the state is gone.
	if _, err := store.ConsumeAuthRequest(state); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("second consume error = %v, want ErrStateNotFound", err)
	}
}

func TestSession_RoundTrip(t *testing.T) {
	store := NewStore()
	accounts := []models.ExternalAccount{
		{ID: "acc-1", Name: "Main", IBAN: "NO9386011117947", Currency: "NOK"},
		{ID: "acc-2", Name: "Card", Currency: "NOK"},
	}

	created := store.CreateSession("sess-token", "NO_DNB", accounts)
	if created.ID == "" {
		t.Fatal("CreateSession() returned empty id")
	}
	if !created.ExpiresAt.Equal(created.CreatedAt.Add(StateTTL)) {
		t.Errorf("ExpiresAt = %v, want CreatedAt+%v", created.ExpiresAt, StateTTL)
	}

	got, err := store.GetSession(created.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.SessionToken != "sess-token" || got.ASPSP != "NO_DNB" {
		t.Errorf("session = %+v", got)
	}
	if len(got.Accounts) != 2 || got.Accounts[0].ID != "acc-1" {
		t.Errorf("accounts = %+v", got.Accounts)
	}
}

func TestSession_Expired(t *testing.T) {
	store := NewStore()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return start }

	created := store.CreateSession("sess-token", "NO_DNB", nil)

	store.now = func() time.Time { return start.Add(StateTTL + time.Second) }
	if _, err := store.GetSession(created.ID); !errors.Is(err, ErrStateExpired) {
		t.Errorf("GetSession() error = %v, want ErrStateExpired", err)
	}
}

func TestSession_Delete(t *testing.T) {
	store := NewStore()
	created := store.CreateSession("sess-token", "NO_DNB", nil)

	store.DeleteSession(created.ID)
	if _, err := store.GetSession(created.ID); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("GetSession() after delete error = %v, want ErrStateNotFound", err)
	}
}

func TestSession_Unknown(t *testing.T) {
	store := NewStore()
	if _, err := store.GetSession("no-such-id"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("GetSession() error = %v, want ErrStateNotFound", err)
	}
}
