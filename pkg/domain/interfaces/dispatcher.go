package interfaces

import (
	"context"

	"github.com/tally-app/tally/pkg/domain/model"
	"github.com/tally-app/tally/pkg/domain/types"
)

// Dispatcher issues named commands to the remote API. Do retries transient
// transport failures; DoOnce is best-effort and never retries, for cleanup
// calls whose failure is acceptable.
type Dispatcher interface {
	Do(ctx context.Context, cmd types.Command, params map[string]any) (*model.APIResponse, error)
	DoOnce(ctx context.Context, cmd types.Command, params map[string]any) (*model.APIResponse, error)
}
