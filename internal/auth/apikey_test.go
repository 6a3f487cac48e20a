package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/testutil"
)

func seedAuth(t *testing.T) (*testutil.FakeStore, *APIKeyAuth) {
	t.Helper()
	store := testutil.NewFakeStore()
	store.Keys[gateway.HashKey("arb_valid")] = &gateway.APIKey{
		ID: "k1", Name: "default", KeyHash: gateway.HashKey("arb_valid"),
		UserID: "u1", CreatedAt: time.Now().UTC(),
	}
	store.Wallets["u1"] = 10

	a, err := New(store, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store, a
}

func request(token string) *http.Request {
	r, _ := http.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestAuthenticateSuccess(t *testing.T) {
	_, a := seedAuth(t)
	id, err := a.Authenticate(context.Background(), request("arb_valid"))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.UserID != "u1" || id.KeyID != "k1" || id.APIKeyName != "default" {
		t.Errorf("identity = %+v", id)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	store, a := seedAuth(t)

	if _, err := a.Authenticate(context.Background(), request("")); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("missing header err = %v", err)
	}
	if _, err := a.Authenticate(context.Background(), request("sk-wrong-prefix")); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("wrong prefix err = %v", err)
	}
	if _, err := a.Authenticate(context.Background(), request("arb_unknown")); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("unknown key err = %v", err)
	}

	store.Keys[gateway.HashKey("arb_blocked")] = &gateway.APIKey{
		ID: "k2", KeyHash: gateway.HashKey("arb_blocked"), UserID: "u1", Blocked: true,
	}
	if _, err := a.Authenticate(context.Background(), request("arb_blocked")); !errors.Is(err, gateway.ErrKeyBlocked) {
		t.Errorf("blocked key err = %v", err)
	}
}

func TestAuthenticateInsufficientFunds(t *testing.T) {
	store, a := seedAuth(t)

	store.Wallets["u1"] = 0
	if _, err := a.Authenticate(context.Background(), request("arb_valid")); !errors.Is(err, gateway.ErrInsufficientFunds) {
		t.Errorf("empty wallet err = %v, want ErrInsufficientFunds", err)
	}

	delete(store.Wallets, "u1")
	if _, err := a.Authenticate(context.Background(), request("arb_valid")); !errors.Is(err, gateway.ErrInsufficientFunds) {
		t.Errorf("missing wallet err = %v, want ErrInsufficientFunds", err)
	}
}
