package server

import (
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// The same address shape the signup form enforced.
var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,4}$`)

const minPasswordLen = 6

// apiError is an auth failure with a wire code the client classifies on.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string { return e.Message }

// Auth holds users and bearer tokens for the reference server. In-memory
// only; this server is a development stand-in, not a production identity
// provider.
type Auth struct {
	mu     sync.Mutex
	users  map[string]*User  // by email
	tokens map[string]string // token -> user id
}

type User struct {
	ID    string
	Email string
	hash  []byte
}

func NewAuth() *Auth {
	return &Auth{
		users:  make(map[string]*User),
		tokens: make(map[string]string),
	}
}

// Register creates an account and returns the user with a fresh token.
func (a *Auth) Register(email, password string) (*User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) {
		return nil, "", &apiError{Status: 400, Code: "invalid_email", Message: "invalid email format"}
	}
	if len(password) < minPasswordLen {
		return nil, "", &apiError{Status: 400, Code: "weak_password", Message: "password should be at least 6 characters"}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[email]; ok {
		return nil, "", &apiError{Status: 409, Code: "email_in_use", Message: "this email is already in use"}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}
	u := &User{ID: uuid.NewString(), Email: email, hash: hash}
	a.users[email] = u

	token := uuid.NewString()
	a.tokens[token] = u.ID
	return u, token, nil
}

// Login verifies credentials and returns the user with a fresh token.
func (a *Auth) Login(email, password string) (*User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.users[email]
	if !ok {
		return nil, "", &apiError{Status: 401, Code: "bad_credentials", Message: "email or password is incorrect"}
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return nil, "", &apiError{Status: 401, Code: "bad_credentials", Message: "email or password is incorrect"}
	}

	token := uuid.NewString()
	a.tokens[token] = u.ID
	return u, token, nil
}

// Revoke invalidates a token. Unknown tokens are ignored.
func (a *Auth) Revoke(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, token)
}

// UserFor resolves a bearer token to a user id.
func (a *Auth) UserFor(token string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.tokens[token]
	return id, ok
}
