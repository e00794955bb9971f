package server

import (
	"errors"
	"testing"
)

func wantAPIError(t *testing.T, err error, code string, status int) {
	t.Helper()
	var ae *apiError
	if !errors.As(err, &ae) {
		t.Fatalf("expected an api error, got %v", err)
	}
	if ae.Code != code || ae.Status != status {
		t.Fatalf("expected %s/%d, got %s/%d", code, status, ae.Code, ae.Status)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	a := NewAuth()

	u, token, err := a.Register("ana@example.com", "secret1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.ID == "" || token == "" {
		t.Fatal("expected a user id and a token")
	}
	if id, ok := a.UserFor(token); !ok || id != u.ID {
		t.Fatal("the signup token must resolve to the new user")
	}

	u2, token2, err := a.Login("ana@example.com", "secret1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if u2.ID != u.ID {
		t.Fatal("login must resolve the same account")
	}
	if token2 == token {
		t.Fatal("each login issues a fresh token")
	}
}

func TestRegister_Rejections(t *testing.T) {
	a := NewAuth()
	if _, _, err := a.Register("ana@example.com", "secret1"); err != nil {
		t.Fatalf("seed register: %v", err)
	}

	_, _, err := a.Register("not-an-email", "secret1")
	wantAPIError(t, err, "invalid_email", 400)

	_, _, err = a.Register("ok@example.com", "tiny")
	wantAPIError(t, err, "weak_password", 400)

	_, _, err = a.Register("ana@example.com", "secret1")
	wantAPIError(t, err, "email_in_use", 409)

	// Email comparison is case and whitespace insensitive.
	_, _, err = a.Register("  ANA@example.com ", "secret1")
	wantAPIError(t, err, "email_in_use", 409)
}

func TestLogin_BadCredentials(t *testing.T) {
	a := NewAuth()
	if _, _, err := a.Register("ana@example.com", "secret1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, _, err := a.Login("ana@example.com", "wrong")
	wantAPIError(t, err, "bad_credentials", 401)

	// Unknown accounts report the same code as wrong passwords.
	_, _, err = a.Login("ghost@example.com", "secret1")
	wantAPIError(t, err, "bad_credentials", 401)
}

func TestRevoke(t *testing.T) {
	a := NewAuth()
	_, token, err := a.Register("ana@example.com", "secret1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	a.Revoke(token)
	if _, ok := a.UserFor(token); ok {
		t.Fatal("revoked token must not resolve")
	}
	a.Revoke(token) // unknown tokens are ignored
	a.Revoke("never-issued")
}
