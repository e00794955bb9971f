package domain

import (
	"errors"
	"fmt"
)

// AuthReason is the fixed set of user-facing authentication failures.
// Anything the issuer reports is folded into one of these before it
// reaches presentation; raw issuer errors never cross that boundary.
type AuthReason int

const (
	AuthBadCredentials AuthReason = iota
	AuthEmailInUse
	AuthInvalidEmail
	AuthWeakPassword
)

func (r AuthReason) Message() string {
	switch r {
	case AuthBadCredentials:
		return "email or password is incorrect"
	case AuthEmailInUse:
		return "this email is already in use"
	case AuthInvalidEmail:
		return "invalid email format"
	case AuthWeakPassword:
		return "password should be at least 6 characters"
	default:
		return "authentication failed"
	}
}

// ValidationError rejects input before any network call is made. It is
// never retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// TransientServiceError wraps a failed collaborator call that a user may
// retry. It must never be conflated with an AuthRejection: the remediation
// differs (retry vs fix input).
type TransientServiceError struct {
	Op  string
	Err error
}

func (e *TransientServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientServiceError) Unwrap() error { return e.Err }

// AuthRejection is a classified, user-facing authentication failure.
type AuthRejection struct {
	Reason AuthReason
}

func (e *AuthRejection) Error() string { return e.Reason.Message() }

// IntegrityAnomaly flags a malformed feed record. It is logged and the
// record treated as absent; it never fails a merge.
type IntegrityAnomaly struct {
	Path   string
	Detail string
}

func (e *IntegrityAnomaly) Error() string {
	return fmt.Sprintf("malformed record at %s: %s", e.Path, e.Detail)
}

// ClassifyService wraps err as a TransientServiceError unless it already
// belongs to the taxonomy.
func ClassifyService(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		v *ValidationError
		a *AuthRejection
		i *IntegrityAnomaly
		t *TransientServiceError
	)
	if errors.As(err, &v) || errors.As(err, &a) || errors.As(err, &i) || errors.As(err, &t) {
		return err
	}
	return &TransientServiceError{Op: op, Err: err}
}
