package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/tally-app/tally/pkg/domain/types"
)

// PendingOp records an optimistic store write awaiting remote confirmation.
// Revert is the merge patch that undoes the write: nil fields delete what the
// optimistic write added, non-nil fields restore the prior values. When the
// remote call succeeds the op is dropped; when it fails the patch is merged
// back so the store converges to the pre-write state.
type PendingOp struct {
	ID        string
	Key       types.StoreKey
	Command   types.Command
	Revert    Document
	CreatedAt time.Time
}

// NewPendingOp captures a revert patch for an optimistic write to key.
func NewPendingOp(key types.StoreKey, cmd types.Command, revert Document) *PendingOp {
	return &PendingOp{
		ID:        uuid.NewString(),
		Key:       key,
		Command:   cmd,
		Revert:    revert,
		CreatedAt: time.Now().UTC(),
	}
}
