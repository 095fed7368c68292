package pusher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-mizutani/goerr/v2"
	"github.com/tally-app/tally/pkg/domain/interfaces"
	"github.com/tally-app/tally/pkg/domain/types"
	"github.com/tally-app/tally/pkg/utils/logging"
)

// Frame is the wire format of the push channel, both directions. Client to
// server carries subscribe requests; server to client carries events.
type Frame struct {
	Type    string          `json:"type,omitempty"`
	Channel string          `json:"channel"`
	Event   types.PushEvent `json:"event,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// Channel is the websocket push client. It keeps a single connection,
// re-dials with a fixed backoff when the connection drops, and replays
// subscriptions after every reconnect.
type Channel struct {
	wsURL  string
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[int]subscription
	nextID int

	cancel context.CancelFunc
	done   chan struct{}

	redialWait time.Duration
}

type subscription struct {
	channel string
	event   types.PushEvent
	fn      interfaces.PushHandler
}

var _ interfaces.PushChannel = &Channel{}

type Option func(*Channel)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		c.dialer = d
	}
}

func WithRedialWait(d time.Duration) Option {
	return func(c *Channel) {
		c.redialWait = d
	}
}

// New connects to the push endpoint and starts the receive loop. The
// connection outlives the passed context; call Close to stop.
func New(ctx context.Context, wsURL string, opts ...Option) (*Channel, error) {
	c := &Channel{
		wsURL:      wsURL,
		dialer:     websocket.DefaultDialer,
		subs:       make(map[int]subscription),
		done:       make(chan struct{}),
		redialWait: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect push channel", goerr.V("url", wsURL))
	}
	c.conn = conn

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	go c.run(runCtx)

	return c, nil
}

func (c *Channel) Subscribe(ctx context.Context, channel string, event types.PushEvent, fn interfaces.PushHandler) (func(), error) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = subscription{channel: channel, event: event, fn: fn}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := conn.WriteJSON(Frame{Type: FrameSubscribe, Channel: channel}); err != nil {
			// The receive loop will redial and replay the subscription.
			logging.From(ctx).Warn("failed to send subscribe frame, deferring to reconnect",
				"channel", channel, "error", err)
		}
	}

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		remaining := false
		for _, sub := range c.subs {
			if sub.channel == channel {
				remaining = true
				break
			}
		}
		conn := c.conn
		c.mu.Unlock()

		// Tell the server to stop fanning the channel out once the last
		// local handler for it is gone.
		if remaining || conn == nil {
			return
		}
		if err := conn.WriteJSON(Frame{Type: FrameUnsubscribe, Channel: channel}); err != nil {
			logging.From(ctx).Warn("failed to send unsubscribe frame",
				"channel", channel, "error", err)
		}
	}, nil
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			c.readLoop(ctx, conn)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.redialWait):
		}

		conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
		if err != nil {
			logging.From(ctx).Warn("push channel redial failed", "error", err)
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		c.conn = conn
		channels := make(map[string]struct{})
		for _, sub := range c.subs {
			channels[sub.channel] = struct{}{}
		}
		c.mu.Unlock()

		for channel := range channels {
			if err := conn.WriteJSON(Frame{Type: FrameSubscribe, Channel: channel}); err != nil {
				logging.From(ctx).Warn("failed to resubscribe", "channel", channel, "error", err)
				break
			}
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				logging.From(ctx).Warn("push channel read failed", "error", err)
			}
			_ = conn.Close()
			return
		}
		c.dispatch(frame)
	}
}

func (c *Channel) dispatch(frame Frame) {
	c.mu.Lock()
	matched := make([]interfaces.PushHandler, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.channel == frame.Channel && sub.event == frame.Event {
			matched = append(matched, sub.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range matched {
		fn(frame.Data)
	}
}

func (c *Channel) Close() error {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	<-c.done
	return nil
}
