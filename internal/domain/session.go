package domain

// Phase is the authentication lifecycle state.
type Phase int

const (
	PhaseUnauthenticated Phase = iota
	PhaseAuthenticating
	PhaseAuthenticated
)

func (p Phase) String() string {
	switch p {
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Identity is an issuer-acknowledged user identity.
type Identity struct {
	UserID string
	Email  string
}

// Session pairs the current identity with its lifecycle phase. Identity is
// nil except in PhaseAuthenticated.
type Session struct {
	Identity *Identity
	Phase    Phase
}

// UserProfile decorates messages with display data. Profiles live apart
// from messages so a rename does not rewrite history.
type UserProfile struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}
