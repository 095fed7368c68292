package types

import "github.com/m-mizutani/goerr/v2"

// SessionState tracks the session lifecycle. Token rotation during sign-in
// happens while the state is Authenticating; there is no separate
// "refreshing" state.
type SessionState string

const (
	SessionUnauthenticated SessionState = "unauthenticated"
	SessionAuthenticating  SessionState = "authenticating"
	SessionAuthenticated   SessionState = "authenticated"
)

func (s SessionState) String() string {
	return string(s)
}

// Validate checks if the session state is a known value.
func (s SessionState) Validate() error {
	switch s {
	case SessionUnauthenticated, SessionAuthenticating, SessionAuthenticated:
		return nil
	default:
		return goerr.New("invalid session state", goerr.V("state", string(s)))
	}
}
