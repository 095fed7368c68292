package memory_test

import (
	"context"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/tally-app/tally/pkg/domain/model"
	"github.com/tally-app/tally/pkg/domain/types"
	"github.com/tally-app/tally/pkg/repository/memory"
)

func TestGetReturnsSnapshot(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	gt.NoError(t, store.Set(ctx, types.KeySession, model.Document{"state": "authenticated"}))

	doc, err := store.Get(ctx, types.KeySession)
	gt.NoError(t, err).Required()
	doc["state"] = "mutated"

	again, err := store.Get(ctx, types.KeySession)
	gt.NoError(t, err).Required()
	gt.Value(t, again["state"]).Equal("authenticated")
}

func TestGetMissingKey(t *testing.T) {
	store := memory.New()

	doc, err := store.Get(context.Background(), types.ReportKey(1))
	gt.NoError(t, err)
	gt.Value(t, doc).Nil()
}

func TestValidateKey(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	gt.Error(t, store.Set(ctx, "", model.Document{}))
	gt.Error(t, store.Merge(ctx, "bad key", model.Document{}))

	_, err := store.Get(ctx, "bad/key")
	gt.Error(t, err)
}

func TestMergeSemantics(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	key := types.ReportKey(42)

	gt.NoError(t, store.Set(ctx, key, model.Document{
		"reportName": "Weekly",
		"hasUnread":  true,
		"lastReadSequenceNumbers": map[string]any{"1": float64(3)},
	}))

	gt.NoError(t, store.Merge(ctx, key, model.Document{
		"lastReadSequenceNumbers": map[string]any{"2": float64(9)},
	}))

	doc, err := store.Get(ctx, key)
	gt.NoError(t, err).Required()
	pointers := gt.Cast[map[string]any](t, doc["lastReadSequenceNumbers"])
	gt.Value(t, pointers["1"]).Equal(float64(3))
	gt.Value(t, pointers["2"]).Equal(float64(9))

	// nil deletes the field
	gt.NoError(t, store.Merge(ctx, key, model.Document{"hasUnread": nil}))
	doc, err = store.Get(ctx, key)
	gt.NoError(t, err).Required()
	_, exists := doc["hasUnread"]
	gt.Bool(t, exists).False()
	gt.Value(t, doc["reportName"]).Equal("Weekly")
}

func TestMergeIntoMissingKey(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	gt.NoError(t, store.Merge(ctx, types.KeyCredentials, model.Document{"login": "a@example.com"}))

	doc, err := store.Get(ctx, types.KeyCredentials)
	gt.NoError(t, err).Required()
	gt.Value(t, doc["login"]).Equal("a@example.com")
}

func TestMultiGetSkipsMissing(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	gt.NoError(t, store.Set(ctx, types.ReportKey(1), model.Document{"reportName": "one"}))

	docs, err := store.MultiGet(ctx, []types.StoreKey{types.ReportKey(1), types.ReportKey(2)})
	gt.NoError(t, err).Required()
	gt.Value(t, len(docs)).Equal(1)
	gt.Value(t, docs[types.ReportKey(1)]["reportName"]).Equal("one")
}

func TestSubscribe(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	type change struct {
		key types.StoreKey
		doc model.Document
	}
	var reportChanges []change
	var allChanges []change

	unsubReports := store.Subscribe("report_", func(key types.StoreKey, doc model.Document) {
		reportChanges = append(reportChanges, change{key: key, doc: doc})
	})
	defer store.Subscribe("", func(key types.StoreKey, doc model.Document) {
		allChanges = append(allChanges, change{key: key, doc: doc})
	})()

	gt.NoError(t, store.Set(ctx, types.ReportKey(1), model.Document{"reportName": "one"}))
	gt.NoError(t, store.Set(ctx, types.KeySession, model.Document{"state": "authenticated"}))

	gt.Array(t, reportChanges).Length(1)
	gt.Value(t, reportChanges[0].key).Equal(types.ReportKey(1))
	gt.Value(t, reportChanges[0].doc["reportName"]).Equal("one")
	gt.Array(t, allChanges).Length(2)

	// Delete notifies with a nil document.
	gt.NoError(t, store.Delete(ctx, types.ReportKey(1)))
	gt.Array(t, reportChanges).Length(2)
	gt.Value(t, reportChanges[1].doc).Nil()

	// Deleting an absent key does not notify.
	gt.NoError(t, store.Delete(ctx, types.ReportKey(99)))
	gt.Array(t, reportChanges).Length(2)

	unsubReports()
	gt.NoError(t, store.Set(ctx, types.ReportKey(1), model.Document{"reportName": "back"}))
	gt.Array(t, reportChanges).Length(2)
	gt.Array(t, allChanges).Length(4)
}

func TestSubscriberSeesMergedDocument(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	key := types.ReportKey(5)

	gt.NoError(t, store.Set(ctx, key, model.Document{"reportName": "five"}))

	var last model.Document
	defer store.Subscribe("report_", func(_ types.StoreKey, doc model.Document) {
		last = doc
	})()

	gt.NoError(t, store.Merge(ctx, key, model.Document{"hasUnread": true}))
	gt.Value(t, last["reportName"]).Equal("five")
	gt.Value(t, last["hasUnread"]).Equal(true)
}

func TestClear(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	gt.NoError(t, store.Set(ctx, types.KeySession, model.Document{"state": "authenticated"}))
	gt.NoError(t, store.Set(ctx, types.ReportKey(1), model.Document{"reportName": "one"}))

	var deleted int
	defer store.Subscribe("", func(_ types.StoreKey, doc model.Document) {
		if doc == nil {
			deleted++
		}
	})()

	gt.NoError(t, store.Clear(ctx))
	gt.Value(t, deleted).Equal(2)

	doc, err := store.Get(ctx, types.KeySession)
	gt.NoError(t, err)
	gt.Value(t, doc).Nil()
}

func TestUnreadReportKeys(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	gt.NoError(t, store.Set(ctx, types.ReportKey(1), model.Document{"hasUnread": true}))
	gt.NoError(t, store.Set(ctx, types.ReportKey(2), model.Document{"hasUnread": false}))
	gt.NoError(t, store.Set(ctx, types.ReportKey(3), model.Document{"reportName": "no flag"}))
	gt.NoError(t, store.Set(ctx, types.ReportActionsKey(4), model.Document{"hasUnread": true}))
	gt.NoError(t, store.Set(ctx, types.KeySession, model.Document{"hasUnread": true}))

	keys, err := store.UnreadReportKeys(ctx)
	gt.NoError(t, err).Required()
	gt.Array(t, keys).Length(1)
	gt.Value(t, keys[0]).Equal(types.ReportKey(1))
}
