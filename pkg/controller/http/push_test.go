package http_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-mizutani/gt"
	httpctrl "github.com/tally-app/tally/pkg/controller/http"
	"github.com/tally-app/tally/pkg/domain/model"
	"github.com/tally-app/tally/pkg/domain/types"
	"github.com/tally-app/tally/pkg/service/pusher"
)

func pushURL(baseURL string) string {
	return "ws" + strings.TrimPrefix(baseURL, "http") + "/push"
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPushBroadcast(t *testing.T) {
	ctx := context.Background()
	srv := newTestBackend(t,
		httpctrl.WithAccount("a@example.com", "pw"),
		httpctrl.WithAccount("b@example.com", "pw"),
		httpctrl.WithReport(1, "General"),
	)

	ucA, storeA := newEngine(t, srv.URL)
	ucB, storeB := newEngine(t, srv.URL)

	sessionA := signIn(t, ucA, "a@example.com", "pw")
	sessionB := signIn(t, ucB, "b@example.com", "pw")
	gt.Value(t, sessionA.AccountID).NotEqual(sessionB.AccountID)

	gt.NoError(t, ucA.Report.FetchAll(ctx, 1)).Required()
	gt.NoError(t, ucB.Report.FetchAll(ctx, 1)).Required()

	pushA, err := pusher.New(ctx, pushURL(srv.URL))
	gt.NoError(t, err).Required()
	defer func() { gt.NoError(t, pushA.Close()) }()
	pushB, err := pusher.New(ctx, pushURL(srv.URL))
	gt.NoError(t, err).Required()
	defer func() { gt.NoError(t, pushB.Close()) }()

	unsubA, err := ucA.Report.SubscribePush(ctx, pushA, sessionA.AccountID)
	gt.NoError(t, err).Required()
	defer unsubA()
	unsubB, err := ucB.Report.SubscribePush(ctx, pushB, sessionB.AccountID)
	gt.NoError(t, err).Required()
	defer unsubB()

	// Give the hub time to register the subscribe frames.
	time.Sleep(200 * time.Millisecond)

	seq, err := ucA.Report.AddComment(ctx, 1, "hello from A")
	gt.NoError(t, err).Required()

	// B receives the pushed comment and the report turns unread.
	seqKey := model.SequenceKey(seq)
	waitFor(t, 3*time.Second, func() bool {
		doc, err := storeB.Get(ctx, types.ReportActionsKey(1))
		if err != nil || doc == nil {
			return false
		}
		_, ok := doc[seqKey]
		return ok
	})

	var reportB model.Report
	docB, err := storeB.Get(ctx, types.ReportKey(1))
	gt.NoError(t, err).Required()
	gt.NoError(t, model.FromDocument(docB, &reportB)).Required()
	gt.Bool(t, reportB.HasUnread).True()

	actionsB, err := storeB.Get(ctx, types.ReportActionsKey(1))
	gt.NoError(t, err).Required()
	entry := gt.Cast[map[string]any](t, actionsB[seqKey])
	gt.Value(t, entry["actorEmail"]).Equal("a@example.com")

	// A wrote the comment optimistically, so its own echo must not re-flag
	// the report as unread.
	time.Sleep(200 * time.Millisecond)
	var reportA model.Report
	docA, err := storeA.Get(ctx, types.ReportKey(1))
	gt.NoError(t, err).Required()
	gt.NoError(t, model.FromDocument(docA, &reportA)).Required()
	gt.Bool(t, reportA.HasUnread).False()

	unreadB, err := storeB.UnreadReportKeys(ctx)
	gt.NoError(t, err).Required()
	gt.Array(t, unreadB).Length(1)
}

func TestPushRawSubscription(t *testing.T) {
	ctx := context.Background()
	srv := newTestBackend(t,
		httpctrl.WithAccount("a@example.com", "pw"),
		httpctrl.WithAccount("b@example.com", "pw"),
		httpctrl.WithReport(1, "General"),
	)

	ucA, _ := newEngine(t, srv.URL)
	ucB, storeB := newEngine(t, srv.URL)

	sessionA := signIn(t, ucA, "a@example.com", "pw")
	signIn(t, ucB, "b@example.com", "pw")

	gt.NoError(t, ucB.Report.FetchAll(ctx, 1)).Required()

	// Subscribe with a raw handler instead of the report synchronizer.
	pushB, err := pusher.New(ctx, pushURL(srv.URL))
	gt.NoError(t, err).Required()
	defer func() { gt.NoError(t, pushB.Close()) }()

	handled := make(chan struct{}, 1)
	unsub, err := pushB.Subscribe(ctx, types.AccountChannel(sessionA.AccountID), types.EventReportComment, func([]byte) {
		select {
		case handled <- struct{}{}:
		default:
		}
	})
	gt.NoError(t, err).Required()
	defer unsub()

	time.Sleep(200 * time.Millisecond)

	_, err = ucA.Report.AddComment(ctx, 1, "ping")
	gt.NoError(t, err).Required()

	select {
	case <-handled:
	case <-time.After(3 * time.Second):
		t.Fatal("subscribed channel did not deliver")
	}

	// The raw handler bypassed the synchronizer, so the store stays untouched.
	doc, err := storeB.Get(ctx, types.ReportActionsKey(1))
	gt.NoError(t, err)
	gt.Value(t, doc).Nil()
}

func TestPushUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	srv := newTestBackend(t,
		httpctrl.WithAccount("a@example.com", "pw"),
		httpctrl.WithReport(1, "General"),
	)

	ucA, _ := newEngine(t, srv.URL)
	sessionA := signIn(t, ucA, "a@example.com", "pw")
	gt.NoError(t, ucA.Report.FetchAll(ctx, 1)).Required()

	// A raw connection so the hub's frame handling is observed directly,
	// without the client's own handler bookkeeping in the way.
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, pushURL(srv.URL), nil)
	gt.NoError(t, err).Required()
	defer func() { gt.NoError(t, ws.Close()) }()

	channel := types.AccountChannel(sessionA.AccountID)
	gt.NoError(t, ws.WriteJSON(pusher.Frame{Type: pusher.FrameSubscribe, Channel: channel})).Required()
	time.Sleep(200 * time.Millisecond)

	_, err = ucA.Report.AddComment(ctx, 1, "first")
	gt.NoError(t, err).Required()

	var frame pusher.Frame
	gt.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second))).Required()
	gt.NoError(t, ws.ReadJSON(&frame)).Required()
	gt.Value(t, frame.Channel).Equal(channel)
	gt.Value(t, frame.Event).Equal(types.EventReportComment)

	// After the unsubscribe frame the hub must stop fanning the channel
	// out to this connection.
	gt.NoError(t, ws.WriteJSON(pusher.Frame{Type: pusher.FrameUnsubscribe, Channel: channel})).Required()
	time.Sleep(200 * time.Millisecond)

	_, err = ucA.Report.AddComment(ctx, 1, "second")
	gt.NoError(t, err).Required()

	gt.NoError(t, ws.SetReadDeadline(time.Now().Add(500*time.Millisecond))).Required()
	gt.Error(t, ws.ReadJSON(&frame))
}
