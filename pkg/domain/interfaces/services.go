package interfaces

import (
	"context"
	"io"

	"github.com/tally-app/tally/pkg/domain/types"
)

// PushHandler receives a raw JSON payload for a named push event.
type PushHandler func(payload []byte)

// PushChannel is the realtime push collaborator: per-account subscriptions
// delivering named events with JSON payloads.
type PushChannel interface {
	// Subscribe binds fn to the event on the channel and returns an
	// unsubscribe function.
	Subscribe(ctx context.Context, channel string, event types.PushEvent, fn PushHandler) (func(), error)
	Close() error
}

// Renderer converts lightweight comment markup into safe rendered markup.
type Renderer interface {
	Render(text string) string
}

// AccessGate answers whether a GitHub username is granted beta access.
type AccessGate interface {
	IsMember(ctx context.Context, username string) (bool, error)
}

// AttachmentStore uploads report attachments and returns a stable URL.
type AttachmentStore interface {
	Upload(ctx context.Context, name string, r io.Reader, contentType string) (string, error)
}
