package interfaces

import (
	"context"

	"github.com/tally-app/tally/pkg/domain/model"
	"github.com/tally-app/tally/pkg/domain/types"
)

// SubscribeFunc receives change notifications from the store. The document
// is a point-in-time snapshot; a nil document signals deletion.
type SubscribeFunc func(key types.StoreKey, doc model.Document)

// Store is the local reactive key-value document store. It is the single
// source of truth for UI rendering; the remote API is reconciled into it
// asynchronously. Reads return snapshots; writes are last-write-wins at the
// key level, with Merge providing recursive shallow union where replacement
// would drop concurrently written fields.
type Store interface {
	// Get returns a snapshot of the document, or nil when the key is absent.
	Get(ctx context.Context, key types.StoreKey) (model.Document, error)
	// Set replaces the document wholesale.
	Set(ctx context.Context, key types.StoreKey, doc model.Document) error
	// Merge applies a recursive shallow union onto the stored document. A
	// nil field value deletes that field.
	Merge(ctx context.Context, key types.StoreKey, doc model.Document) error
	MultiGet(ctx context.Context, keys []types.StoreKey) (map[types.StoreKey]model.Document, error)
	MultiSet(ctx context.Context, docs map[types.StoreKey]model.Document) error
	Delete(ctx context.Context, key types.StoreKey) error
	// Clear removes every document. Used by sign-in restart.
	Clear(ctx context.Context) error
	// UnreadReportKeys returns the keys of report documents currently
	// flagged unread, for the unread badge.
	UnreadReportKeys(ctx context.Context) ([]types.StoreKey, error)
	// Subscribe registers fn for changes to keys with the given prefix and
	// returns an unsubscribe function. An empty prefix matches every key.
	Subscribe(prefix string, fn SubscribeFunc) func()
	Close() error
}
