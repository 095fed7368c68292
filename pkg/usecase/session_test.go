package usecase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/tally-app/tally/pkg/domain/interfaces"
	"github.com/tally-app/tally/pkg/domain/model"
	"github.com/tally-app/tally/pkg/domain/types"
	"github.com/tally-app/tally/pkg/repository/memory"
	"github.com/tally-app/tally/pkg/usecase"
)

func seedLogin(t *testing.T, store interfaces.Store, login string) {
	t.Helper()
	gt.NoError(t, store.Set(context.Background(), types.KeyCredentials, model.Document{
		"login": login,
	})).Required()
}

func storedSession(t *testing.T, store interfaces.Store) model.Session {
	t.Helper()
	doc, err := store.Get(context.Background(), types.KeySession)
	gt.NoError(t, err).Required()
	var session model.Session
	gt.NoError(t, model.FromDocument(doc, &session)).Required()
	return session
}

func storedRoute(t *testing.T, store interfaces.Store) string {
	t.Helper()
	doc, err := store.Get(context.Background(), types.KeyAppRedirect)
	gt.NoError(t, err).Required()
	route, _ := doc["route"].(string)
	return route
}

// sessionHandler answers the authenticate and create-login commands the way
// the dev server does, with distinct tokens for each step.
func sessionHandler(t *testing.T, store interfaces.Store) func(ctx context.Context, cmd types.Command, params map[string]any) (*model.APIResponse, error) {
	return func(ctx context.Context, cmd types.Command, params map[string]any) (*model.APIResponse, error) {
		switch cmd {
		case types.CmdAuthenticate:
			if params["partnerUserSecret"] != "pw" {
				return envelope(t, types.CodeAuthFailure, map[string]any{
					"message": "Incorrect login or password.",
				}), nil
			}
			return envelope(t, types.CodeSuccess, map[string]any{
				"authToken": "auth-token",
				"accountID": 7,
				"email":     "a@example.com",
			}), nil
		case types.CmdCreateLogin:
			gt.Value(t, params["authToken"]).Equal("auth-token")
			gt.Value(t, params["partnerUserID"]).NotEqual("")
			gt.Value(t, params["partnerUserSecret"]).NotEqual("")
			return envelope(t, types.CodeSuccess, map[string]any{
				"authToken": "device-token",
				"accountID": 7,
				"email":     "a@example.com",
			}), nil
		case types.CmdDeleteLogin:
			return envelope(t, types.CodeSuccess, nil), nil
		default:
			return envelope(t, types.CodeNotFound, nil), nil
		}
	}
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()

	t.Run("rotates to a device login and stores its session", func(t *testing.T) {
		store := memory.New()
		seedLogin(t, store, "a@example.com")

		disp := &fakeDispatcher{}
		disp.handler = sessionHandler(t, store)

		uc := usecase.New(store, disp)
		gt.NoError(t, uc.Session.SignIn(ctx, "pw", "", "settings")).Required()

		session := storedSession(t, store)
		gt.Value(t, session.State).Equal(types.SessionAuthenticated)
		gt.Value(t, session.AuthToken).Equal("device-token")
		gt.Value(t, session.AccountID).Equal(types.AccountID(7))
		gt.Value(t, session.Email).Equal("a@example.com")
		gt.Value(t, session.Error).Equal("")

		// The created login pair is persisted for the next rotation.
		credsDoc, err := store.Get(ctx, types.KeyCredentials)
		gt.NoError(t, err).Required()
		var creds model.Credentials
		gt.NoError(t, model.FromDocument(credsDoc, &creds)).Required()
		gt.Value(t, creds.Login).Equal("a@example.com")
		gt.Value(t, creds.LoginID).NotEqual("")
		gt.Value(t, creds.LoginSecret).NotEqual("")

		created := disp.callsOf(types.CmdCreateLogin)
		gt.Array(t, created).Length(1).Required()
		gt.Value(t, created[0].params["partnerUserID"]).Equal(creds.LoginID)

		gt.Value(t, storedRoute(t, store)).Equal("/settings")
	})

	t.Run("defaults the redirect to the home route", func(t *testing.T) {
		store := memory.New()
		seedLogin(t, store, "a@example.com")

		disp := &fakeDispatcher{}
		disp.handler = sessionHandler(t, store)

		uc := usecase.New(store, disp)
		gt.NoError(t, uc.Session.SignIn(ctx, "pw", "", "")).Required()
		gt.Value(t, storedRoute(t, store)).Equal(types.RouteHome)
	})

	t.Run("wrong password lands in the session error field", func(t *testing.T) {
		store := memory.New()
		seedLogin(t, store, "a@example.com")

		disp := &fakeDispatcher{}
		disp.handler = sessionHandler(t, store)

		uc := usecase.New(store, disp)
		gt.NoError(t, uc.Session.SignIn(ctx, "wrong", "", "")).Required()

		session := storedSession(t, store)
		gt.Value(t, session.State).Equal(types.SessionUnauthenticated)
		gt.Value(t, session.Error).Equal("Incorrect login or password.")
		gt.Array(t, disp.callsOf(types.CmdCreateLogin)).Length(0)
	})

	t.Run("transport failure lands in the session error field", func(t *testing.T) {
		store := memory.New()
		seedLogin(t, store, "a@example.com")

		disp := &fakeDispatcher{}
		disp.handler = func(ctx context.Context, cmd types.Command, params map[string]any) (*model.APIResponse, error) {
			return nil, goerr.New("connection refused")
		}

		uc := usecase.New(store, disp)
		gt.NoError(t, uc.Session.SignIn(ctx, "pw", "", "")).Required()

		session := storedSession(t, store)
		gt.Value(t, session.State).Equal(types.SessionUnauthenticated)
		gt.Value(t, session.Error).NotEqual("")
	})

	t.Run("missing login short-circuits", func(t *testing.T) {
		store := memory.New()

		disp := &fakeDispatcher{}
		disp.handler = sessionHandler(t, store)

		uc := usecase.New(store, disp)
		gt.NoError(t, uc.Session.SignIn(ctx, "pw", "", "")).Required()

		gt.Value(t, storedSession(t, store).Error).NotEqual("")
		gt.Array(t, disp.callsOf(types.CmdAuthenticate)).Length(0)
	})

	t.Run("deletes the rotated-out login in the background", func(t *testing.T) {
		store := memory.New()
		gt.NoError(t, store.Set(ctx, types.KeyCredentials, model.Document{
			"login":   "a@example.com",
			"loginID": "old-login",
		})).Required()

		disp := &fakeDispatcher{}
		disp.handler = sessionHandler(t, store)

		uc := usecase.New(store, disp)
		gt.NoError(t, uc.Session.SignIn(ctx, "pw", "", "")).Required()

		deadline := time.Now().Add(2 * time.Second)
		for {
			deleted := disp.onceCallsOf(types.CmdDeleteLogin)
			if len(deleted) > 0 {
				gt.Value(t, deleted[0].params["partnerUserID"]).Equal("old-login")
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("DeleteLogin was not dispatched")
			}
			time.Sleep(10 * time.Millisecond)
		}
	})
}

func TestCreateLoginCoalesces(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedLogin(t, store, "a@example.com")

	release := make(chan struct{})
	disp := &fakeDispatcher{}
	disp.handler = func(ctx context.Context, cmd types.Command, params map[string]any) (*model.APIResponse, error) {
		<-release
		return envelope(t, types.CodeSuccess, map[string]any{
			"authToken": "device-token",
			"accountID": 7,
			"email":     "a@example.com",
		}), nil
	}

	uc := usecase.New(store, disp)

	const callers = 4
	var wg sync.WaitGroup
	sessions := make([]*model.Session, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, err := uc.Session.CreateLogin(ctx, "auth-token", "pw", "")
			gt.NoError(t, err)
			sessions[i] = session
		}(i)
	}

	// Let every caller reach the in-flight request before it resolves.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	gt.Array(t, disp.callsOf(types.CmdCreateLogin)).Length(1)
	for _, session := range sessions {
		gt.Value(t, session.AuthToken).Equal("device-token")
	}
}

func TestSignOut(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedSession(t, store, 7, "a@example.com")
	gt.NoError(t, store.Set(ctx, types.KeyCredentials, model.Document{
		"login":   "a@example.com",
		"loginID": "device-login",
	})).Required()
	gt.NoError(t, store.Set(ctx, types.ReportKey(1), model.Document{"reportName": "General"})).Required()

	disp := &fakeDispatcher{}
	disp.handler = func(ctx context.Context, cmd types.Command, params map[string]any) (*model.APIResponse, error) {
		return envelope(t, types.CodeSuccess, nil), nil
	}

	uc := usecase.New(store, disp)
	gt.NoError(t, uc.Session.SignOut(ctx)).Required()

	session := storedSession(t, store)
	gt.Value(t, session.State).Equal(types.SessionUnauthenticated)
	gt.Value(t, session.AuthToken).Equal("")
	gt.Value(t, session.AccountID).Equal(types.AccountID(0))
	gt.Value(t, storedRoute(t, store)).Equal(types.RouteSignIn)

	// Sign-out keeps the rest of the store intact.
	reportDoc, err := store.Get(ctx, types.ReportKey(1))
	gt.NoError(t, err).Required()
	gt.Value(t, reportDoc["reportName"]).Equal("General")
	credsDoc, err := store.Get(ctx, types.KeyCredentials)
	gt.NoError(t, err).Required()
	gt.Value(t, credsDoc["login"]).Equal("a@example.com")

	deadline := time.Now().Add(2 * time.Second)
	for {
		deleted := disp.onceCallsOf(types.CmdDeleteLogin)
		if len(deleted) > 0 {
			gt.Value(t, deleted[0].params["partnerUserID"]).Equal("device-login")
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("DeleteLogin was not dispatched")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRestartSignIn(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedSession(t, store, 7, "a@example.com")
	gt.NoError(t, store.Set(ctx, types.ReportKey(1), model.Document{"reportName": "General"})).Required()

	uc := usecase.New(store, &fakeDispatcher{})
	gt.NoError(t, uc.Session.RestartSignIn(ctx)).Required()

	sessionDoc, err := store.Get(ctx, types.KeySession)
	gt.NoError(t, err)
	gt.Value(t, sessionDoc).Nil()
	reportDoc, err := store.Get(ctx, types.ReportKey(1))
	gt.NoError(t, err)
	gt.Value(t, reportDoc).Nil()

	gt.Value(t, storedRoute(t, store)).Equal(types.RouteSignIn)
}

func TestHasAccount(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	disp := &fakeDispatcher{}
	disp.handler = func(ctx context.Context, cmd types.Command, params map[string]any) (*model.APIResponse, error) {
		gt.Value(t, cmd).Equal(types.CmdGetAccountStatus)
		gt.Value(t, params["email"]).Equal("a@example.com")
		return envelope(t, types.CodeSuccess, map[string]any{
			"accountExists":  true,
			"validated":      true,
			"githubUsername": "octocat",
		}), nil
	}

	uc := usecase.New(store, disp)
	gt.NoError(t, uc.Session.HasAccount(ctx, "a@example.com")).Required()

	credsDoc, err := store.Get(ctx, types.KeyCredentials)
	gt.NoError(t, err).Required()
	gt.Value(t, credsDoc["login"]).Equal("a@example.com")

	accountDoc, err := store.Get(ctx, types.KeyAccount)
	gt.NoError(t, err).Required()
	var account model.Account
	gt.NoError(t, model.FromDocument(accountDoc, &account)).Required()
	gt.Bool(t, account.AccountExists).True()
	gt.Bool(t, account.Validated).True()
	gt.Value(t, account.GitHubUsername).Equal("octocat")
}

type fakeGate struct {
	member bool
	err    error
	asked  string
}

func (g *fakeGate) IsMember(ctx context.Context, username string) (bool, error) {
	g.asked = username
	return g.member, g.err
}

func TestSetGitHubUsername(t *testing.T) {
	ctx := context.Background()

	t.Run("non-member is rejected without a remote call", func(t *testing.T) {
		store := memory.New()
		seedSession(t, store, 7, "a@example.com")

		gate := &fakeGate{member: false}
		disp := &fakeDispatcher{}
		disp.handler = func(ctx context.Context, cmd types.Command, params map[string]any) (*model.APIResponse, error) {
			return envelope(t, types.CodeSuccess, nil), nil
		}

		uc := usecase.New(store, disp, usecase.WithAccessGate(gate))
		gt.NoError(t, uc.Session.SetGitHubUsername(ctx, "stranger")).Required()

		gt.Value(t, gate.asked).Equal("stranger")
		gt.Array(t, disp.callsOf(types.CmdSetGitHubUsername)).Length(0)
		gt.Value(t, storedSession(t, store).Error).NotEqual("")
	})

	t.Run("member is recorded locally after the remote call", func(t *testing.T) {
		store := memory.New()
		seedSession(t, store, 7, "a@example.com")

		gate := &fakeGate{member: true}
		disp := &fakeDispatcher{}
		disp.handler = func(ctx context.Context, cmd types.Command, params map[string]any) (*model.APIResponse, error) {
			gt.Value(t, params["githubUsername"]).Equal("octocat")
			return envelope(t, types.CodeSuccess, nil), nil
		}

		uc := usecase.New(store, disp, usecase.WithAccessGate(gate))
		gt.NoError(t, uc.Session.SetGitHubUsername(ctx, "octocat")).Required()

		accountDoc, err := store.Get(ctx, types.KeyAccount)
		gt.NoError(t, err).Required()
		gt.Value(t, accountDoc["githubUsername"]).Equal("octocat")
	})
}

func signedToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Subject("7").
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Build()
	gt.NoError(t, err).Required()
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("test-signing-key")))
	gt.NoError(t, err).Required()
	return string(signed)
}

func TestSessionValid(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, doc model.Document) *usecase.UseCases {
		store := memory.New()
		if doc != nil {
			gt.NoError(t, store.Set(ctx, types.KeySession, doc)).Required()
		}
		return usecase.New(store, &fakeDispatcher{})
	}

	t.Run("valid token", func(t *testing.T) {
		uc := seed(t, model.Document{
			"state":     string(types.SessionAuthenticated),
			"authToken": signedToken(t, time.Hour),
		})
		valid, err := uc.Session.SessionValid(ctx)
		gt.NoError(t, err).Required()
		gt.Bool(t, valid).True()
	})

	t.Run("expired token", func(t *testing.T) {
		uc := seed(t, model.Document{
			"state":     string(types.SessionAuthenticated),
			"authToken": signedToken(t, -time.Minute),
		})
		valid, err := uc.Session.SessionValid(ctx)
		gt.NoError(t, err).Required()
		gt.Bool(t, valid).False()
	})

	t.Run("no session at all", func(t *testing.T) {
		uc := seed(t, nil)
		valid, err := uc.Session.SessionValid(ctx)
		gt.NoError(t, err).Required()
		gt.Bool(t, valid).False()
	})

	t.Run("unauthenticated state", func(t *testing.T) {
		uc := seed(t, model.Document{
			"state":     string(types.SessionUnauthenticated),
			"authToken": signedToken(t, time.Hour),
		})
		valid, err := uc.Session.SessionValid(ctx)
		gt.NoError(t, err).Required()
		gt.Bool(t, valid).False()
	})

	t.Run("garbage token", func(t *testing.T) {
		uc := seed(t, model.Document{
			"state":     string(types.SessionAuthenticated),
			"authToken": "not-a-jwt",
		})
		valid, err := uc.Session.SessionValid(ctx)
		gt.NoError(t, err).Required()
		gt.Bool(t, valid).False()
	})
}

func TestCreateAccount(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	disp := &fakeDispatcher{}
	disp.handler = func(ctx context.Context, cmd types.Command, params map[string]any) (*model.APIResponse, error) {
		gt.Value(t, cmd).Equal(types.CmdCreateAccount)
		return envelope(t, types.CodeSuccess, nil), nil
	}

	uc := usecase.New(store, disp)
	gt.NoError(t, uc.Session.CreateAccount(ctx, "new@example.com")).Required()

	credsDoc, err := store.Get(ctx, types.KeyCredentials)
	gt.NoError(t, err).Required()
	gt.Value(t, credsDoc["login"]).Equal("new@example.com")

	accountDoc, err := store.Get(ctx, types.KeyAccount)
	gt.NoError(t, err).Required()
	gt.Value(t, accountDoc["accountExists"]).Equal(true)
}

func TestSetPassword(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedLogin(t, store, "a@example.com")

	disp := &fakeDispatcher{}
	disp.handler = func(ctx context.Context, cmd types.Command, params map[string]any) (*model.APIResponse, error) {
		gt.Value(t, cmd).Equal(types.CmdSetPassword)
		gt.Value(t, params["email"]).Equal("a@example.com")
		gt.Value(t, params["validateCode"]).Equal("code-1")
		return envelope(t, types.CodeSuccess, nil), nil
	}

	uc := usecase.New(store, disp)
	gt.NoError(t, uc.Session.SetPassword(ctx, "new-pw", "code-1")).Required()

	gt.Value(t, storedRoute(t, store)).Equal(types.RouteSignIn)
}
