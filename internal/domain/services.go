package domain

import "context"

// FeedService is the realtime key-value feed the channel lives in.
// Implementations deliver whole-path snapshots, never deltas. Services are
// passed in explicitly; nothing in the engine reaches for a global client.
type FeedService interface {
	// Subscribe streams full snapshots of path, starting with the current
	// state, until ctx is cancelled. The returned channel is closed when
	// the underlying stream ends for any reason.
	Subscribe(ctx context.Context, path string) (<-chan FeedSnapshot, error)

	// Append adds a record under path and returns its feed-assigned id.
	Append(ctx context.Context, path string, record FeedRecord) (string, error)

	// ReadOnce fetches the document at path into out. ok is false when the
	// path holds nothing, which is not an error.
	ReadOnce(ctx context.Context, path string, out any) (bool, error)

	// Update merges fields into the document at path.
	Update(ctx context.Context, path string, fields map[string]any) error
}

// Credentials are what the session issuer authenticates.
type Credentials struct {
	Email    string
	Password string
}

// IdentityIssuer is the external session issuer. Its identity-changed
// notification, not the result of a sign-in call, is the single source of
// truth for whether a session is authenticated.
type IdentityIssuer interface {
	SignIn(ctx context.Context, creds Credentials) error
	SignUp(ctx context.Context, creds Credentials) error
	SignOut(ctx context.Context) error

	// OnIdentityChanged registers fn to be invoked with the current
	// identity immediately and on every change; nil means signed out.
	// The returned func unregisters the callback.
	OnIdentityChanged(fn func(*Identity)) func()
}

// BlobStore uploads opaque bytes and returns a fetchable URL.
type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte) (string, error)
}
