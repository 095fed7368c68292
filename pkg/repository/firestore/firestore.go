package firestore

import (
	"context"
	"strings"
	"sync"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/tally-app/tally/pkg/domain/interfaces"
	"github.com/tally-app/tally/pkg/domain/model"
	"github.com/tally-app/tally/pkg/domain/types"
	"github.com/tally-app/tally/pkg/utils/logging"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultCollection = "store"

// Store is the Firestore-backed implementation of the document store: one
// Firestore document per store key. Change notifications are driven by a
// collection snapshot listener so subscribers see remote writes too.
type Store struct {
	client     *firestore.Client
	collection string

	watchCtx    context.Context
	watchCancel context.CancelFunc
	watchDone   chan struct{}

	subMu       sync.RWMutex
	subscribers map[int]subscriber
	nextSubID   int
}

type subscriber struct {
	prefix string
	fn     interfaces.SubscribeFunc
}

var _ interfaces.Store = &Store{}

type Option func(*Store)

// WithCollection overrides the backing collection name. Tests use this to
// isolate runs against a shared emulator.
func WithCollection(name string) Option {
	return func(s *Store) {
		s.collection = name
	}
}

func New(ctx context.Context, projectID, databaseID string, opts ...Option) (*Store, error) {
	var client *firestore.Client
	var err error
	if databaseID == "" {
		client, err = firestore.NewClient(ctx, projectID)
	} else {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("projectID", projectID),
			goerr.V("databaseID", databaseID))
	}

	watchCtx, watchCancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Store{
		client:      client,
		collection:  defaultCollection,
		watchCtx:    watchCtx,
		watchCancel: watchCancel,
		watchDone:   make(chan struct{}),
		subscribers: make(map[int]subscriber),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.watch()

	return s, nil
}

func (s *Store) doc(key types.StoreKey) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(string(key))
}

func (s *Store) Get(ctx context.Context, key types.StoreKey) (model.Document, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	snap, err := s.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to get document", goerr.V("key", key))
	}
	return model.Document(snap.Data()), nil
}

func (s *Store) Set(ctx context.Context, key types.StoreKey, doc model.Document) error {
	if err := key.Validate(); err != nil {
		return err
	}

	if _, err := s.doc(key).Set(ctx, map[string]any(doc)); err != nil {
		return goerr.Wrap(err, "failed to set document", goerr.V("key", key))
	}
	return nil
}

// Merge runs a transactional read-merge-write so the recursive union
// semantics match the in-memory backend exactly. Firestore's own MergeAll
// replaces nested maps wholesale, which would drop sibling fields.
func (s *Store) Merge(ctx context.Context, key types.StoreKey, doc model.Document) error {
	if err := key.Validate(); err != nil {
		return err
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var current model.Document
		snap, err := tx.Get(s.doc(key))
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
		} else {
			current = model.Document(snap.Data())
		}

		merged := model.Merge(current, model.Clone(doc))
		return tx.Set(s.doc(key), map[string]any(merged))
	})
	if err != nil {
		return goerr.Wrap(err, "failed to merge document", goerr.V("key", key))
	}
	return nil
}

func (s *Store) MultiGet(ctx context.Context, keys []types.StoreKey) (map[types.StoreKey]model.Document, error) {
	refs := make([]*firestore.DocumentRef, len(keys))
	for i, key := range keys {
		if err := key.Validate(); err != nil {
			return nil, err
		}
		refs[i] = s.doc(key)
	}

	snaps, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get documents", goerr.V("keys", keys))
	}

	out := make(map[types.StoreKey]model.Document, len(snaps))
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		out[types.StoreKey(snap.Ref.ID)] = model.Document(snap.Data())
	}
	return out, nil
}

func (s *Store) MultiSet(ctx context.Context, docs map[types.StoreKey]model.Document) error {
	bw := s.client.BulkWriter(ctx)
	for key, doc := range docs {
		if err := key.Validate(); err != nil {
			return err
		}
		if _, err := bw.Set(s.doc(key), map[string]any(doc)); err != nil {
			return goerr.Wrap(err, "failed to enqueue set", goerr.V("key", key))
		}
	}
	bw.End()
	return nil
}

func (s *Store) Delete(ctx context.Context, key types.StoreKey) error {
	if err := key.Validate(); err != nil {
		return err
	}

	if _, err := s.doc(key).Delete(ctx); err != nil {
		return goerr.Wrap(err, "failed to delete document", goerr.V("key", key))
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	iter := s.client.Collection(s.collection).DocumentRefs(ctx)
	bw := s.client.BulkWriter(ctx)
	for {
		ref, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return goerr.Wrap(err, "failed to iterate documents for clear")
		}
		if _, err := bw.Delete(ref); err != nil {
			return goerr.Wrap(err, "failed to enqueue delete", goerr.V("key", ref.ID))
		}
	}
	bw.End()
	return nil
}

// UnreadReportKeys queries for report documents flagged unread. The query
// relies on the composite index installed by the migrate command.
func (s *Store) UnreadReportKeys(ctx context.Context) ([]types.StoreKey, error) {
	iter := s.client.Collection(s.collection).
		Where("hasUnread", "==", true).
		OrderBy("reportName", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var keys []types.StoreKey
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to query unread reports")
		}
		key := types.StoreKey(snap.Ref.ID)
		if key.IsReportKey() {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *Store) Subscribe(prefix string, fn interfaces.SubscribeFunc) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = subscriber{prefix: prefix, fn: fn}
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

// watch drives subscriber notifications from a collection snapshot listener
// until Close cancels the watch context.
func (s *Store) watch() {
	defer close(s.watchDone)

	snapIter := s.client.Collection(s.collection).Snapshots(s.watchCtx)
	defer snapIter.Stop()

	for {
		snap, err := snapIter.Next()
		if err != nil {
			if status.Code(err) == codes.Canceled {
				return
			}
			logging.From(s.watchCtx).Error("store snapshot listener failed", "error", err)
			return
		}

		for _, change := range snap.Changes {
			key := types.StoreKey(change.Doc.Ref.ID)
			var doc model.Document
			if change.Kind != firestore.DocumentRemoved {
				doc = model.Document(change.Doc.Data())
			}
			s.notify(key, doc)
		}
	}
}

func (s *Store) notify(key types.StoreKey, doc model.Document) {
	s.subMu.RLock()
	matched := make([]interfaces.SubscribeFunc, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		if strings.HasPrefix(string(key), sub.prefix) {
			matched = append(matched, sub.fn)
		}
	}
	s.subMu.RUnlock()

	for _, fn := range matched {
		fn(key, doc)
	}
}

func (s *Store) Close() error {
	s.watchCancel()
	<-s.watchDone

	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
