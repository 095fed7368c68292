package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/m-mizutani/goerr/v2"
	"github.com/tally-app/tally/pkg/domain/types"
	"github.com/tally-app/tally/pkg/service/pusher"
	"github.com/tally-app/tally/pkg/utils/errutil"
	"github.com/tally-app/tally/pkg/utils/logging"
)

// Hub is the server side of the push channel: it upgrades connections,
// tracks per-connection channel subscriptions and fans events out.
type Hub struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

type conn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	channels map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			// The dev server serves local clients only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, goerr.Wrap(err, "failed to upgrade push connection"), http.StatusBadRequest)
		return
	}

	c := &conn{
		ws:       ws,
		channels: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		var frame pusher.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Channel == "" {
			continue
		}
		switch frame.Type {
		case pusher.FrameSubscribe:
			h.mu.Lock()
			c.channels[frame.Channel] = struct{}{}
			h.mu.Unlock()
		case pusher.FrameUnsubscribe:
			h.mu.Lock()
			delete(c.channels, frame.Channel)
			h.mu.Unlock()
		}
	}
}

// Broadcast sends the event to every connection subscribed to the channel.
// Dead connections are skipped; the read loop reaps them.
func (h *Hub) Broadcast(ctx context.Context, channel string, event types.PushEvent, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		logging.From(ctx).Error("failed to marshal push payload", "error", err)
		return
	}
	frame := pusher.Frame{
		Channel: channel,
		Event:   event,
		Data:    payload,
	}

	h.mu.Lock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if _, ok := c.channels[channel]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.writeMu.Lock()
		if err := c.ws.WriteJSON(frame); err != nil {
			logging.From(ctx).Warn("failed to push event", "channel", channel, "error", err)
		}
		c.writeMu.Unlock()
	}
}
