package usecase

import (
	"context"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/tally-app/tally/pkg/domain/types"
)

// SessionValid reports whether the stored session holds an unexpired auth
// token. Tokens are JWTs issued by the server; the client only inspects the
// expiry claim and leaves signature verification to the server, which is
// authoritative anyway.
func (uc *SessionUseCase) SessionValid(ctx context.Context) (bool, error) {
	session, err := loadSession(ctx, uc.store)
	if err != nil {
		return false, err
	}
	if session.State != types.SessionAuthenticated || session.AuthToken == "" {
		return false, nil
	}

	if _, err := jwt.ParseString(session.AuthToken,
		jwt.WithVerify(false),
		jwt.WithValidate(true),
	); err != nil {
		return false, nil
	}
	return true, nil
}
