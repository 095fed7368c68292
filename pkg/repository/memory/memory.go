package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/tally-app/tally/pkg/domain/interfaces"
	"github.com/tally-app/tally/pkg/domain/model"
	"github.com/tally-app/tally/pkg/domain/types"
)

// Store is the in-memory implementation of the reactive document store.
// Documents are deep-copied at every boundary so callers always hold
// point-in-time snapshots.
type Store struct {
	mu          sync.RWMutex
	docs        map[types.StoreKey]model.Document
	subMu       sync.RWMutex
	subscribers map[int]subscriber
	nextSubID   int
}

type subscriber struct {
	prefix string
	fn     interfaces.SubscribeFunc
}

var _ interfaces.Store = &Store{}

func New() *Store {
	return &Store{
		docs:        make(map[types.StoreKey]model.Document),
		subscribers: make(map[int]subscriber),
	}
}

func (s *Store) Get(_ context.Context, key types.StoreKey) (model.Document, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[key]
	if !ok {
		return nil, nil
	}
	return model.Clone(doc), nil
}

func (s *Store) Set(_ context.Context, key types.StoreKey, doc model.Document) error {
	if err := key.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.docs[key] = model.Clone(doc)
	snapshot := model.Clone(doc)
	s.mu.Unlock()

	s.notify(key, snapshot)
	return nil
}

func (s *Store) Merge(_ context.Context, key types.StoreKey, doc model.Document) error {
	if err := key.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	merged := model.Merge(s.docs[key], model.Clone(doc))
	s.docs[key] = merged
	snapshot := model.Clone(merged)
	s.mu.Unlock()

	s.notify(key, snapshot)
	return nil
}

func (s *Store) MultiGet(ctx context.Context, keys []types.StoreKey) (map[types.StoreKey]model.Document, error) {
	out := make(map[types.StoreKey]model.Document, len(keys))
	for _, key := range keys {
		doc, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			out[key] = doc
		}
	}
	return out, nil
}

func (s *Store) MultiSet(ctx context.Context, docs map[types.StoreKey]model.Document) error {
	for key, doc := range docs {
		if err := s.Set(ctx, key, doc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key types.StoreKey) error {
	if err := key.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	_, existed := s.docs[key]
	delete(s.docs, key)
	s.mu.Unlock()

	if existed {
		s.notify(key, nil)
	}
	return nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	cleared := make([]types.StoreKey, 0, len(s.docs))
	for key := range s.docs {
		cleared = append(cleared, key)
	}
	s.docs = make(map[types.StoreKey]model.Document)
	s.mu.Unlock()

	for _, key := range cleared {
		s.notify(key, nil)
	}
	return nil
}

func (s *Store) UnreadReportKeys(_ context.Context) ([]types.StoreKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []types.StoreKey
	for key, doc := range s.docs {
		if !key.IsReportKey() {
			continue
		}
		if unread, ok := doc["hasUnread"].(bool); ok && unread {
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

func (s *Store) Close() error {
	s.subMu.Lock()
	s.subscribers = make(map[int]subscriber)
	s.subMu.Unlock()
	return nil
}

// notify delivers the snapshot to matching subscribers. Callbacks run on the
// caller's goroutine, outside the store lock, so a subscriber may read the
// store but must not block.
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
