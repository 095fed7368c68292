package usecase

import (
	"context"

	"github.com/tally-app/tally/pkg/domain/interfaces"
	"github.com/tally-app/tally/pkg/domain/model"
	"github.com/tally-app/tally/pkg/domain/types"
)

type UseCases struct {
	store      interfaces.Store
	dispatcher interfaces.Dispatcher

	Report  *ReportUseCase
	Session *SessionUseCase
}

type Option func(*UseCases)

func WithRenderer(r interfaces.Renderer) Option {
	return func(uc *UseCases) {
		uc.Report.renderer = r
	}
}

func WithAccessGate(gate interfaces.AccessGate) Option {
	return func(uc *UseCases) {
		uc.Session.gate = gate
	}
}

func WithAttachments(store interfaces.AttachmentStore) Option {
	return func(uc *UseCases) {
		uc.Report.attachments = store
	}
}

func New(store interfaces.Store, dispatcher interfaces.Dispatcher, opts ...Option) *UseCases {
	pending := newPendingTracker(store)

	uc := &UseCases{
		store:      store,
		dispatcher: dispatcher,
	}
	uc.Report = newReportUseCase(store, dispatcher, pending)
	uc.Session = newSessionUseCase(store, dispatcher)

	for _, opt := range opts {
		opt(uc)
	}

	return uc
}

// loadSession reads a point-in-time snapshot of the session document.
// Operations take their account ID and auth token from a snapshot instead of
// a cached package variable, so there is no hidden shared mutable state.
func loadSession(ctx context.Context, store interfaces.Store) (model.Session, error) {
	doc, err := store.Get(ctx, types.KeySession)
	if err != nil {
		return model.Session{}, err
	}
	var session model.Session
	if err := model.FromDocument(doc, &session); err != nil {
		return model.Session{}, err
	}
	if session.State == "" {
		session.State = types.SessionUnauthenticated
	}
	return session, nil
}
