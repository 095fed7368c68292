package usecase

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/tally-app/tally/pkg/domain/interfaces"
	"github.com/tally-app/tally/pkg/domain/model"
	"github.com/tally-app/tally/pkg/domain/types"
	"github.com/tally-app/tally/pkg/utils/async"
	"github.com/tally-app/tally/pkg/utils/logging"
	"golang.org/x/sync/singleflight"
)

// SessionUseCase drives the session lifecycle: sign-in with device-scoped
// token rotation, sign-out, account creation and the narrow account
// mutations around it. Remote failures of these operations are written into
// the session document's error field for the UI; a non-nil Go error means
// the local store itself failed.
type SessionUseCase struct {
	store      interfaces.Store
	dispatcher interfaces.Dispatcher
	gate       interfaces.AccessGate

	// loginFlight collapses concurrent login-creation calls into a single
	// outstanding request, keyed by operation identity.
	loginFlight singleflight.Group
}

func newSessionUseCase(store interfaces.Store, dispatcher interfaces.Dispatcher) *SessionUseCase {
	return &SessionUseCase{
		store:      store,
		dispatcher: dispatcher,
	}
}

// Snapshot returns the current session document as a typed value. It is a
// point-in-time read; callers must not assume the session stays valid.
func (uc *SessionUseCase) Snapshot(ctx context.Context) (model.Session, error) {
	return loadSession(ctx, uc.store)
}

type authenticatePayload struct {
	AuthToken string          `json:"authToken"`
	AccountID types.AccountID `json:"accountID"`
	Email     string          `json:"email"`
}

type accountStatusPayload struct {
	AccountExists  bool   `json:"accountExists"`
	Validated      bool   `json:"validated"`
	GitHubUsername string `json:"githubUsername"`
}

// SignIn authenticates with the stored login and the given password, then
// immediately rotates to a fresh device-scoped login pair: the session that
// callers observe is always the one from the created login, never the raw
// authentication response. The previous device login is deleted best-effort
// in the background. exitTo is normalized and stored as the post-login
// redirect target, defaulting to the root route.
func (uc *SessionUseCase) SignIn(ctx context.Context, password, twoFactorCode, exitTo string) error {
	credsDoc, err := uc.store.Get(ctx, types.KeyCredentials)
	if err != nil {
		return goerr.Wrap(err, "failed to load credentials")
	}
	var creds model.Credentials
	if err := model.FromDocument(credsDoc, &creds); err != nil {
		return goerr.Wrap(err, "failed to decode credentials")
	}
	if creds.Login == "" {
		return uc.writeSessionError(ctx, "No login set. Enter your email first.")
	}

	if err := uc.mergeSession(ctx, model.Document{
		"state": string(types.SessionAuthenticating),
		"error": nil,
	}); err != nil {
		return err
	}

	resp, err := uc.dispatcher.Do(ctx, types.CmdAuthenticate, map[string]any{
		"partnerUserID":     creds.Login,
		"partnerUserSecret": password,
		"twoFactorAuthCode": twoFactorCode,
	})
	if err != nil {
		logging.From(ctx).Warn("authentication request failed", "error", err)
		return uc.failSignIn(ctx, "Unable to reach the server. Try again.")
	}
	if !resp.OK() {
		return uc.failSignIn(ctx, resp.Message)
	}

	var authed authenticatePayload
	if err := resp.Decode(&authed); err != nil {
		return uc.failSignIn(ctx, "Unexpected response from the server.")
	}

	session, err := uc.CreateLogin(ctx, authed.AuthToken, password, twoFactorCode)
	if err != nil {
		logging.From(ctx).Warn("login creation failed", "error", err)
		return uc.failSignIn(ctx, "Unable to create a device login. Try again.")
	}

	redirect := normalizeRoute(exitTo)
	if err := uc.store.Set(ctx, types.KeyAppRedirect, model.Document{"route": redirect}); err != nil {
		return goerr.Wrap(err, "failed to store redirect target")
	}

	logging.From(ctx).Info("signed in", "accountID", session.AccountID)
	return nil
}

// CreateLogin creates a fresh device-scoped login pair under the given auth
// token and replaces the stored credentials and session with the result.
// Concurrent calls coalesce: while one request is in flight, later callers
// wait for and share its outcome instead of issuing a duplicate.
func (uc *SessionUseCase) CreateLogin(ctx context.Context, authToken, password, twoFactorCode string) (*model.Session, error) {
	v, err, _ := uc.loginFlight.Do("createLogin", func() (any, error) {
		return uc.createLogin(ctx, authToken, password, twoFactorCode)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Session), nil
}

func (uc *SessionUseCase) createLogin(ctx context.Context, authToken, password, twoFactorCode string) (*model.Session, error) {
	credsDoc, err := uc.store.Get(ctx, types.KeyCredentials)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load credentials")
	}
	var creds model.Credentials
	if err := model.FromDocument(credsDoc, &creds); err != nil {
		return nil, goerr.Wrap(err, "failed to decode credentials")
	}
	oldLoginID := creds.LoginID

	loginID, loginSecret := model.NewDeviceLogin()
	resp, err := uc.dispatcher.Do(ctx, types.CmdCreateLogin, map[string]any{
		"authToken":         authToken,
		"partnerUserID":     loginID,
		"partnerUserSecret": loginSecret,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create login")
	}
	if !resp.OK() {
		return nil, goerr.New("login creation rejected", goerr.V("jsonCode", resp.JSONCode))
	}

	var created authenticatePayload
	if err := resp.Decode(&created); err != nil {
		return nil, err
	}

	if err := uc.store.Merge(ctx, types.KeyCredentials, model.Document{
		"loginID":     loginID,
		"loginSecret": loginSecret,
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to store device login")
	}

	session := &model.Session{
		State:     types.SessionAuthenticated,
		AuthToken: created.AuthToken,
		AccountID: created.AccountID,
		Email:     created.Email,
	}
	sessionDoc, err := model.ToDocument(session)
	if err != nil {
		return nil, err
	}
	if err := uc.store.Set(ctx, types.KeySession, sessionDoc); err != nil {
		return nil, goerr.Wrap(err, "failed to store session")
	}

	// Best-effort deletion of the rotated-out login; failure is swallowed.
	if oldLoginID != "" {
		dispatcher := uc.dispatcher
		async.Dispatch(ctx, func(ctx context.Context) error {
			if _, err := dispatcher.DoOnce(ctx, types.CmdDeleteLogin, map[string]any{
				"authToken":     created.AuthToken,
				"partnerUserID": oldLoginID,
			}); err != nil {
				logging.From(ctx).Warn("failed to delete old login", "error", err)
			}
			return nil
		})
	}

	return session, nil
}

// SignOut records the sign-in redirect and deletes the server-side device
// login best-effort. The local store is intentionally NOT cleared here;
// RestartSignIn is the operation that wipes everything.
func (uc *SessionUseCase) SignOut(ctx context.Context) error {
	session, err := loadSession(ctx, uc.store)
	if err != nil {
		return err
	}

	if err := uc.store.Set(ctx, types.KeyAppRedirect, model.Document{"route": types.RouteSignIn}); err != nil {
		return goerr.Wrap(err, "failed to store redirect target")
	}

	credsDoc, err := uc.store.Get(ctx, types.KeyCredentials)
	if err != nil {
		return goerr.Wrap(err, "failed to load credentials")
	}
	var creds model.Credentials
	if err := model.FromDocument(credsDoc, &creds); err != nil {
		return goerr.Wrap(err, "failed to decode credentials")
	}

	if creds.LoginID != "" {
		dispatcher := uc.dispatcher
		authToken := session.AuthToken
		loginID := creds.LoginID
		async.Dispatch(ctx, func(ctx context.Context) error {
			if _, err := dispatcher.DoOnce(ctx, types.CmdDeleteLogin, map[string]any{
				"authToken":     authToken,
				"partnerUserID": loginID,
			}); err != nil {
				logging.From(ctx).Warn("failed to delete login on sign-out", "error", err)
			}
			return nil
		})
	}

	return uc.mergeSession(ctx, model.Document{
		"state":     string(types.SessionUnauthenticated),
		"authToken": nil,
		"accountID": nil,
	})
}

// RestartSignIn wipes the entire local store and starts the sign-in flow
// over. This is the asymmetric counterpart of SignOut.
func (uc *SessionUseCase) RestartSignIn(ctx context.Context) error {
	if err := uc.store.Clear(ctx); err != nil {
		return goerr.Wrap(err, "failed to clear store")
	}
	return uc.store.Set(ctx, types.KeyAppRedirect, model.Document{"route": types.RouteSignIn})
}

// HasAccount asks the server whether an account exists for the login and
// records the login plus the answer in the store.
func (uc *SessionUseCase) HasAccount(ctx context.Context, login string) error {
	if err := uc.store.Merge(ctx, types.KeyCredentials, model.Document{"login": login}); err != nil {
		return goerr.Wrap(err, "failed to store login")
	}

	resp, err := uc.dispatcher.Do(ctx, types.CmdGetAccountStatus, map[string]any{
		"email": login,
	})
	if err != nil {
		logging.From(ctx).Warn("account status request failed", "error", err)
		return uc.writeSessionError(ctx, "Unable to reach the server. Try again.")
	}
	if !resp.OK() {
		return uc.writeSessionError(ctx, resp.Message)
	}

	var status accountStatusPayload
	if err := resp.Decode(&status); err != nil {
		return uc.writeSessionError(ctx, "Unexpected response from the server.")
	}

	return uc.store.Merge(ctx, types.KeyAccount, model.Document{
		"accountExists":  status.AccountExists,
		"validated":      status.Validated,
		"githubUsername": status.GitHubUsername,
	})
}

// SetGitHubUsername records the GitHub username that gates beta access.
// When an access gate is configured, non-members are rejected into the
// session error field without a remote call.
func (uc *SessionUseCase) SetGitHubUsername(ctx context.Context, username string) error {
	if uc.gate != nil {
		member, err := uc.gate.IsMember(ctx, username)
		if err != nil {
			return goerr.Wrap(err, "failed to check github membership")
		}
		if !member {
			return uc.writeSessionError(ctx, "GitHub username is not eligible for access.")
		}
	}

	session, err := loadSession(ctx, uc.store)
	if err != nil {
		return err
	}

	resp, err := uc.dispatcher.Do(ctx, types.CmdSetGitHubUsername, map[string]any{
		"authToken":      session.AuthToken,
		"githubUsername": username,
	})
	if err != nil {
		logging.From(ctx).Warn("set github username failed", "error", err)
		return uc.writeSessionError(ctx, "Unable to reach the server. Try again.")
	}
	if !resp.OK() {
		return uc.writeSessionError(ctx, resp.Message)
	}

	return uc.store.Merge(ctx, types.KeyAccount, model.Document{"githubUsername": username})
}

// CreateAccount creates an account for the stored login. The validation link
// is sent by the server; the local mutation just records that an account now
// exists.
func (uc *SessionUseCase) CreateAccount(ctx context.Context, login string) error {
	resp, err := uc.dispatcher.Do(ctx, types.CmdCreateAccount, map[string]any{
		"email": login,
	})
	if err != nil {
		logging.From(ctx).Warn("account creation failed", "error", err)
		return uc.writeSessionError(ctx, "Unable to reach the server. Try again.")
	}
	if !resp.OK() {
		return uc.writeSessionError(ctx, resp.Message)
	}

	if err := uc.store.Merge(ctx, types.KeyCredentials, model.Document{"login": login}); err != nil {
		return goerr.Wrap(err, "failed to store login")
	}
	return uc.store.Merge(ctx, types.KeyAccount, model.Document{"accountExists": true})
}

// ResendValidationLink re-sends the account validation email for the stored
// login.
func (uc *SessionUseCase) ResendValidationLink(ctx context.Context) error {
	credsDoc, err := uc.store.Get(ctx, types.KeyCredentials)
	if err != nil {
		return goerr.Wrap(err, "failed to load credentials")
	}
	var creds model.Credentials
	if err := model.FromDocument(credsDoc, &creds); err != nil {
		return goerr.Wrap(err, "failed to decode credentials")
	}

	resp, err := uc.dispatcher.Do(ctx, types.CmdResendValidateCode, map[string]any{
		"email": creds.Login,
	})
	if err != nil {
		logging.From(ctx).Warn("resend validation failed", "error", err)
		return uc.writeSessionError(ctx, "Unable to reach the server. Try again.")
	}
	if !resp.OK() {
		return uc.writeSessionError(ctx, resp.Message)
	}

	return uc.store.Merge(ctx, types.KeyAccount, model.Document{"validateCodeSent": true})
}

// SetPassword sets the account password using the emailed validation code
// and sends the UI back to sign-in.
func (uc *SessionUseCase) SetPassword(ctx context.Context, password, validateCode string) error {
	credsDoc, err := uc.store.Get(ctx, types.KeyCredentials)
	if err != nil {
		return goerr.Wrap(err, "failed to load credentials")
	}
	var creds model.Credentials
	if err := model.FromDocument(credsDoc, &creds); err != nil {
		return goerr.Wrap(err, "failed to decode credentials")
	}

	resp, err := uc.dispatcher.Do(ctx, types.CmdSetPassword, map[string]any{
		"email":        creds.Login,
		"password":     password,
		"validateCode": validateCode,
	})
	if err != nil {
		logging.From(ctx).Warn("set password failed", "error", err)
		return uc.writeSessionError(ctx, "Unable to reach the server. Try again.")
	}
	if !resp.OK() {
		return uc.writeSessionError(ctx, resp.Message)
	}

	if err := uc.mergeSession(ctx, model.Document{"error": nil}); err != nil {
		return err
	}
	return uc.store.Set(ctx, types.KeyAppRedirect, model.Document{"route": types.RouteSignIn})
}

func (uc *SessionUseCase) failSignIn(ctx context.Context, message string) error {
	return uc.mergeSession(ctx, model.Document{
		"state": string(types.SessionUnauthenticated),
		"error": message,
	})
}

func (uc *SessionUseCase) writeSessionError(ctx context.Context, message string) error {
	return uc.mergeSession(ctx, model.Document{"error": message})
}

func (uc *SessionUseCase) mergeSession(ctx context.Context, doc model.Document) error {
	if err := uc.store.Merge(ctx, types.KeySession, doc); err != nil {
		return goerr.Wrap(err, "failed to update session")
	}
	return nil
}

// normalizeRoute turns an exitTo value into a rooted route, defaulting to
// the home route when absent.
func normalizeRoute(exitTo string) string {
	exitTo = strings.TrimSpace(exitTo)
	if exitTo == "" {
		return types.RouteHome
	}
	if !strings.HasPrefix(exitTo, "/") {
		exitTo = "/" + exitTo
	}
	return exitTo
}
