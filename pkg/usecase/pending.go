package usecase

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/tally-app/tally/pkg/domain/interfaces"
	"github.com/tally-app/tally/pkg/domain/model"
	"github.com/tally-app/tally/pkg/utils/logging"
)

// pendingTracker reconciles optimistic store writes against their remote
// calls. Every optimistic write registers a PendingOp; when the remote call
// settles the op is either dropped (confirmed) or its revert patch is merged
// back into the store, so a failed remote call can no longer leave the store
// permanently diverged from the server.
type pendingTracker struct {
	mu    sync.Mutex
	ops   map[string]*model.PendingOp
	store interfaces.Store
}

func newPendingTracker(store interfaces.Store) *pendingTracker {
	return &pendingTracker{
		ops:   make(map[string]*model.PendingOp),
		store: store,
	}
}

func (t *pendingTracker) track(op *model.PendingOp) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops[op.ID] = op
}

// settle confirms or reverts a tracked op. Confirmation is a plain drop;
// revert merges the captured patch back, which deletes fields the optimistic
// write added and restores the ones it changed.
func (t *pendingTracker) settle(ctx context.Context, op *model.PendingOp, confirmed bool) error {
	t.mu.Lock()
	_, tracked := t.ops[op.ID]
	delete(t.ops, op.ID)
	t.mu.Unlock()

	if !tracked || confirmed {
		return nil
	}

	logging.From(ctx).Warn("reverting optimistic write",
		"key", op.Key,
		"command", op.Command,
	)
	if err := t.store.Merge(ctx, op.Key, op.Revert); err != nil {
		return goerr.Wrap(err, "failed to revert optimistic write",
			goerr.V("key", op.Key), goerr.V("op", op.ID))
	}
	return nil
}

func (t *pendingTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}
