package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"whatschat/internal/domain"
)

// Issuer is a domain.IdentityIssuer over the reference server's auth
// endpoints. Server error codes are folded into the auth taxonomy before
// they leave this package.
type Issuer struct {
	base   string
	http   *http.Client
	logger *slog.Logger

	mu        sync.Mutex
	token     string
	identity  *domain.Identity
	listeners map[int]func(*domain.Identity)
	nextID    int
}

func NewIssuer(baseURL string, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		base:      strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 15 * time.Second},
		logger:    logger,
		listeners: make(map[int]func(*domain.Identity)),
	}
}

// Token returns the current bearer token, empty when signed out. Handed to
// the feed and blob clients so they authenticate as the session user.
func (i *Issuer) Token() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.token
}

type authResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (i *Issuer) SignIn(ctx context.Context, creds domain.Credentials) error {
	return i.authenticate(ctx, "/v1/auth/signin", creds)
}

func (i *Issuer) SignUp(ctx context.Context, creds domain.Credentials) error {
	return i.authenticate(ctx, "/v1/auth/signup", creds)
}

func (i *Issuer) authenticate(ctx context.Context, endpoint string, creds domain.Credentials) error {
	body, _ := json.Marshal(map[string]string{
		"email":    creds.Email,
		"password": creds.Password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.base+endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := i.http.Do(req)
	if err != nil {
		return &domain.TransientServiceError{Op: "authenticate", Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		var er errorResponse
		_ = json.NewDecoder(res.Body).Decode(&er)
		return classifyAuthCode(er.Code, res.StatusCode)
	}

	var ar authResponse
	if err := json.NewDecoder(res.Body).Decode(&ar); err != nil {
		return &domain.TransientServiceError{Op: "authenticate", Err: err}
	}

	id := &domain.Identity{UserID: ar.UserID, Email: ar.Email}
	i.mu.Lock()
	i.token = ar.Token
	i.identity = id
	i.mu.Unlock()

	i.notify(id)
	return nil
}

func (i *Issuer) SignOut(ctx context.Context) error {
	i.mu.Lock()
	token := i.token
	i.mu.Unlock()

	if token != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.base+"/v1/auth/signout", nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		res, err := i.http.Do(req)
		if err != nil {
			return &domain.TransientServiceError{Op: "sign out", Err: err}
		}
		res.Body.Close()
	}

	i.mu.Lock()
	i.token = ""
	i.identity = nil
	i.mu.Unlock()

	i.notify(nil)
	return nil
}

// OnIdentityChanged registers fn and invokes it immediately with the
// current identity, matching the ambient-auth-listener behavior the engine
// expects.
func (i *Issuer) OnIdentityChanged(fn func(*domain.Identity)) func() {
	i.mu.Lock()
	id := i.nextID
	i.nextID++
	i.listeners[id] = fn
	current := i.identity
	i.mu.Unlock()

	fn(current)
	return func() {
		i.mu.Lock()
		delete(i.listeners, id)
		i.mu.Unlock()
	}
}

func (i *Issuer) notify(id *domain.Identity) {
	i.mu.Lock()
	fns := make([]func(*domain.Identity), 0, len(i.listeners))
	for _, fn := range i.listeners {
		fns = append(fns, fn)
	}
	i.mu.Unlock()
	for _, fn := range fns {
		fn(id)
	}
}

// classifyAuthCode maps the server's error codes onto the fixed rejection
// set. Unknown codes on a 5xx are transient; the user can retry.
func classifyAuthCode(code string, status int) error {
	switch code {
	case "bad_credentials":
		return &domain.AuthRejection{Reason: domain.AuthBadCredentials}
	case "email_in_use":
		return &domain.AuthRejection{Reason: domain.AuthEmailInUse}
	case "invalid_email":
		return &domain.AuthRejection{Reason: domain.AuthInvalidEmail}
	case "weak_password":
		return &domain.AuthRejection{Reason: domain.AuthWeakPassword}
	}
	if status >= 400 && status < 500 {
		return &domain.AuthRejection{Reason: domain.AuthBadCredentials}
	}
	return &domain.TransientServiceError{Op: "authenticate", Err: fmt.Errorf("status %d", status)}
}
