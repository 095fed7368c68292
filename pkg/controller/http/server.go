package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tally-app/tally/pkg/utils/logging"
)

// Server is the development-mode backend: a command endpoint implementing
// the remote API surface the sync engine talks to, and a websocket push
// endpoint that echoes new report actions to subscribed clients. It exists
// so the engine can run and be tested end to end without the production
// backend.
type Server struct {
	router *chi.Mux
	state  *state
	hub    *Hub

	signingKey []byte
	tokenTTL   time.Duration
}

type Options func(*Server)

// WithSigningKey sets the HS256 key used to sign issued auth tokens.
func WithSigningKey(key []byte) Options {
	return func(s *Server) {
		s.signingKey = key
	}
}

// WithTokenTTL overrides the auth token lifetime.
func WithTokenTTL(ttl time.Duration) Options {
	return func(s *Server) {
		s.tokenTTL = ttl
	}
}

// WithAccount seeds an account for dev runs and tests.
func WithAccount(email, password string) Options {
	return func(s *Server) {
		s.state.seedAccount(email, password)
	}
}

// WithReport seeds an empty report.
func WithReport(reportID int64, name string) Options {
	return func(s *Server) {
		s.state.seedReport(reportID, name)
	}
}

func New(opts ...Options) *Server {
	r := chi.NewRouter()

	s := &Server{
		router:     r,
		state:      newState(),
		hub:        NewHub(),
		signingKey: []byte("tally-dev-signing-key"),
		tokenTTL:   2 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}

	r.Use(middleware.RequestID)
	r.Use(accessLogger)
	r.Use(middleware.Recoverer)

	r.Post("/api/{command}", s.handleCommand)
	r.Get("/push", s.hub.ServeHTTP)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// accessLogger is a middleware that logs HTTP requests
func accessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			logging.Default().Info("access",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
