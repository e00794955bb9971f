// Package session tracks the authentication lifecycle:
// Unauthenticated -> Authenticating -> Authenticated, and back to
// Unauthenticated on sign-out. The issuer's identity notification, not the
// local call result, decides the terminal state.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"whatschat/internal/domain"
	"whatschat/internal/metrics"
)

// Machine consumes issuer events and exposes transition hooks. Hooks run on
// the issuer's callback goroutine; consumers forward them onto their own
// event loop.
type Machine struct {
	issuer domain.IdentityIssuer
	logger *slog.Logger

	// OnAuthenticated fires when the issuer acknowledges a session.
	OnAuthenticated func(domain.Identity)
	// OnUnauthenticated fires when an acknowledged session ends.
	OnUnauthenticated func()

	mu      sync.Mutex
	current domain.Session
	unreg   func()
}

func New(issuer domain.IdentityIssuer, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		issuer:  issuer,
		logger:  logger,
		current: domain.Session{Phase: domain.PhaseUnauthenticated},
	}
}

// Start registers with the issuer. The issuer invokes the callback with the
// current identity immediately, so a restored session authenticates without
// a fresh login.
func (m *Machine) Start() {
	// Register outside the lock: the issuer invokes the callback
	// immediately, and handleIdentity takes m.mu.
	unreg := m.issuer.OnIdentityChanged(m.handleIdentity)
	m.mu.Lock()
	m.unreg = unreg
	m.mu.Unlock()
}

// Stop unregisters the issuer callback. Idempotent.
func (m *Machine) Stop() {
	m.mu.Lock()
	unreg := m.unreg
	m.unreg = nil
	m.mu.Unlock()
	if unreg != nil {
		unreg()
	}
}

// Current returns the session as of now.
func (m *Machine) Current() domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Login submits credentials. The phase moves to Authenticating; only the
// issuer notification promotes it to Authenticated. A sign-in error rolls
// back to Unauthenticated unless the notification already won.
func (m *Machine) Login(ctx context.Context, creds domain.Credentials) error {
	if err := validate(creds); err != nil {
		return err
	}
	m.setAuthenticating()
	if err := m.issuer.SignIn(ctx, creds); err != nil {
		m.rollbackAuthenticating()
		return domain.ClassifyService("sign in", err)
	}
	return nil
}

// Register creates an account and signs in, with the same transition rules
// as Login.
func (m *Machine) Register(ctx context.Context, creds domain.Credentials) error {
	if err := validate(creds); err != nil {
		return err
	}
	m.setAuthenticating()
	if err := m.issuer.SignUp(ctx, creds); err != nil {
		m.rollbackAuthenticating()
		return domain.ClassifyService("sign up", err)
	}
	return nil
}

// Logout asks the issuer to end the session. The local phase flips when the
// issuer reports sign-out, keeping the notification authoritative here too.
func (m *Machine) Logout(ctx context.Context) error {
	if err := m.issuer.SignOut(ctx); err != nil {
		return domain.ClassifyService("sign out", err)
	}
	return nil
}

func validate(creds domain.Credentials) error {
	if !strings.Contains(creds.Email, "@") {
		return &domain.ValidationError{Field: "email", Reason: "a valid email is required"}
	}
	if creds.Password == "" {
		return &domain.ValidationError{Field: "password", Reason: "password is required"}
	}
	return nil
}

func (m *Machine) setAuthenticating() {
	m.mu.Lock()
	m.current.Phase = domain.PhaseAuthenticating
	m.mu.Unlock()
	metrics.SessionPhase.Set(int64(domain.PhaseAuthenticating))
}

// rollbackAuthenticating undoes a failed submit, but never demotes a
// session the notification has already promoted.
func (m *Machine) rollbackAuthenticating() {
	m.mu.Lock()
	if m.current.Phase == domain.PhaseAuthenticating {
		m.current = domain.Session{Phase: domain.PhaseUnauthenticated}
	}
	phase := m.current.Phase
	m.mu.Unlock()
	metrics.SessionPhase.Set(int64(phase))
}

func (m *Machine) handleIdentity(id *domain.Identity) {
	if id != nil {
		m.mu.Lock()
		was := m.current.Phase
		m.current = domain.Session{Identity: id, Phase: domain.PhaseAuthenticated}
		m.mu.Unlock()
		metrics.SessionPhase.Set(int64(domain.PhaseAuthenticated))

		if was != domain.PhaseAuthenticated {
			m.logger.Info("session authenticated", "user", id.UserID)
			if m.OnAuthenticated != nil {
				m.OnAuthenticated(*id)
			}
		}
		return
	}

	m.mu.Lock()
	was := m.current.Phase
	m.current = domain.Session{Phase: domain.PhaseUnauthenticated}
	m.mu.Unlock()
	metrics.SessionPhase.Set(int64(domain.PhaseUnauthenticated))

	if was == domain.PhaseAuthenticated {
		m.logger.Info("session ended")
		if m.OnUnauthenticated != nil {
			m.OnUnauthenticated()
		}
	}
}
