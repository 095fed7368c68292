package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/tally-app/tally/pkg/domain/interfaces"
	"github.com/tally-app/tally/pkg/domain/model"
	"github.com/tally-app/tally/pkg/domain/types"
	"github.com/tally-app/tally/pkg/utils/logging"
)

// ReportUseCase synchronizes report metadata and comment histories between
// the local store and the remote API. Mutations are optimistic: the store is
// written first, the remote call follows, and a pending-op record reconciles
// the two when the call settles.
type ReportUseCase struct {
	store       interfaces.Store
	dispatcher  interfaces.Dispatcher
	renderer    interfaces.Renderer
	attachments interfaces.AttachmentStore
	pending     *pendingTracker
}

func newReportUseCase(store interfaces.Store, dispatcher interfaces.Dispatcher, pending *pendingTracker) *ReportUseCase {
	return &ReportUseCase{
		store:      store,
		dispatcher: dispatcher,
		pending:    pending,
	}
}

type reportSummaryPayload struct {
	Report struct {
		ReportID                types.ReportID                  `json:"reportID"`
		ReportName              string                          `json:"reportName"`
		LastReadSequenceNumbers map[string]types.SequenceNumber `json:"lastReadSequenceNumbers"`
		Actions                 []model.ReportAction            `json:"actions"`
	} `json:"report"`
}

type reportHistoryPayload struct {
	History []model.ReportAction `json:"history"`
}

// FetchAll refreshes the given reports. Each report is requested
// individually so an authorization failure on one report cannot poison the
// others; failed or empty results are discarded. For every successful fetch
// a minimal projection (name, last-read pointers, unread flag) is MERGED
// into the store, never replacing fields the fetch did not produce.
func (uc *ReportUseCase) FetchAll(ctx context.Context, reportIDs ...types.ReportID) error {
	session, err := loadSession(ctx, uc.store)
	if err != nil {
		return goerr.Wrap(err, "failed to load session")
	}

	for _, reportID := range reportIDs {
		resp, err := uc.dispatcher.Do(ctx, types.CmdGetReportSummary, map[string]any{
			"authToken": session.AuthToken,
			"reportID":  reportID,
		})
		if err != nil {
			logging.From(ctx).Warn("skipping report fetch",
				"reportID", reportID,
				"error", err,
			)
			continue
		}
		if !resp.OK() {
			logging.From(ctx).Warn("skipping rejected report fetch",
				"reportID", reportID,
				"jsonCode", resp.JSONCode,
				"message", resp.Message,
			)
			continue
		}

		var payload reportSummaryPayload
		if err := resp.Decode(&payload); err != nil || payload.Report.ReportID == 0 {
			logging.From(ctx).Warn("discarding empty report result", "reportID", reportID)
			continue
		}

		report := model.Report{
			ReportID:                payload.Report.ReportID,
			ReportName:              payload.Report.ReportName,
			LastReadSequenceNumbers: payload.Report.LastReadSequenceNumbers,
		}
		report.HasUnread = report.Unread(session.AccountID, payload.Report.Actions)

		doc, err := model.ToDocument(report)
		if err != nil {
			return goerr.Wrap(err, "failed to convert report", goerr.V("reportID", reportID))
		}
		if err := uc.store.Merge(ctx, types.ReportKey(reportID), doc); err != nil {
			return goerr.Wrap(err, "failed to merge report", goerr.V("reportID", reportID))
		}
	}

	return nil
}

// FetchHistory fetches a report's full history, re-indexes it by sequence
// number and REPLACES the stored history wholesale. Staleness is acceptable
// here: a full refresh is authoritative.
func (uc *ReportUseCase) FetchHistory(ctx context.Context, reportID types.ReportID) error {
	session, err := loadSession(ctx, uc.store)
	if err != nil {
		return goerr.Wrap(err, "failed to load session")
	}

	resp, err := uc.dispatcher.Do(ctx, types.CmdReportGetHistory, map[string]any{
		"authToken": session.AuthToken,
		"reportID":  reportID,
	})
	if err != nil {
		return goerr.Wrap(err, "failed to fetch report history", goerr.V("reportID", reportID))
	}
	if !resp.OK() {
		return goerr.New("report history request rejected",
			goerr.V("reportID", reportID), goerr.V("jsonCode", resp.JSONCode))
	}

	var payload reportHistoryPayload
	if err := resp.Decode(&payload); err != nil {
		return goerr.Wrap(err, "failed to decode report history", goerr.V("reportID", reportID))
	}

	doc, err := model.IndexActions(payload.History)
	if err != nil {
		return goerr.Wrap(err, "failed to index report history", goerr.V("reportID", reportID))
	}
	if err := uc.store.Set(ctx, types.ReportActionsKey(reportID), doc); err != nil {
		return goerr.Wrap(err, "failed to store report history", goerr.V("reportID", reportID))
	}
	return nil
}

// AddComment renders the comment markup, assigns the next sequence number
// (max of the existing numbers plus one, starting from 1 on an empty
// history), writes the entry into the store before the remote call is
// issued, and reconciles the optimistic entry when the call settles.
func (uc *ReportUseCase) AddComment(ctx context.Context, reportID types.ReportID, text string) (types.SequenceNumber, error) {
	rendered := text
	if uc.renderer != nil {
		rendered = uc.renderer.Render(text)
	}

	fragment := model.MessageFragment{Type: "COMMENT", HTML: rendered, Text: text}
	return uc.addAction(ctx, reportID, fragment, false, map[string]any{
		"reportComment":     text,
		"reportCommentHTML": rendered,
	})
}

// AddAttachment uploads the file and appends an attachment-flagged history
// entry through the same optimistic path as comments.
func (uc *ReportUseCase) AddAttachment(ctx context.Context, reportID types.ReportID, filename string, r io.Reader, contentType string) (types.SequenceNumber, error) {
	if uc.attachments == nil {
		return 0, goerr.New("attachment store is not configured")
	}

	url, err := uc.attachments.Upload(ctx, filename, r, contentType)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to upload attachment", goerr.V("reportID", reportID))
	}

	html := fmt.Sprintf(`<a href="%s" target="_blank" rel="noreferrer noopener">%s</a>`, url, filename)
	fragment := model.MessageFragment{Type: "COMMENT", HTML: html, Text: filename}
	return uc.addAction(ctx, reportID, fragment, true, map[string]any{
		"reportComment": url,
		"isAttachment":  true,
	})
}

func (uc *ReportUseCase) addAction(ctx context.Context, reportID types.ReportID, fragment model.MessageFragment, isAttachment bool, params map[string]any) (types.SequenceNumber, error) {
	session, err := loadSession(ctx, uc.store)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to load session")
	}

	actionsKey := types.ReportActionsKey(reportID)
	actionsDoc, err := uc.store.Get(ctx, actionsKey)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to load report history", goerr.V("reportID", reportID))
	}
	actions, err := model.ActionsFromDocument(actionsDoc)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to decode report history", goerr.V("reportID", reportID))
	}

	newSeq := model.MaxSequenceNumber(actions) + 1
	action := model.ReportAction{
		SequenceNumber: newSeq,
		ActionType:     model.ActionTypeAddComment,
		ActorEmail:     session.Email,
		ActorAccountID: session.AccountID,
		Message:        []model.MessageFragment{fragment},
		Created:        time.Now().UTC(),
		IsAttachment:   isAttachment,
	}

	entry, err := model.ToDocument(action)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to convert action")
	}

	seqKey := model.SequenceKey(newSeq)
	if err := uc.store.Merge(ctx, actionsKey, model.Document{seqKey: map[string]any(entry)}); err != nil {
		return 0, goerr.Wrap(err, "failed to write optimistic action", goerr.V("reportID", reportID))
	}

	op := model.NewPendingOp(actionsKey, types.CmdReportAddComment, model.Document{seqKey: nil})
	uc.pending.track(op)

	params["authToken"] = session.AuthToken
	params["reportID"] = reportID
	params["sequenceNumber"] = newSeq

	resp, err := uc.dispatcher.Do(ctx, types.CmdReportAddComment, params)
	confirmed := err == nil && resp.OK()
	if settleErr := uc.pending.settle(ctx, op, confirmed); settleErr != nil {
		return 0, settleErr
	}
	if err != nil {
		return 0, goerr.Wrap(err, "failed to append comment remotely", goerr.V("reportID", reportID))
	}
	if !resp.OK() {
		return 0, goerr.New("comment append rejected",
			goerr.V("reportID", reportID), goerr.V("jsonCode", resp.JSONCode))
	}

	return newSeq, nil
}

// UpdateLastRead clears the unread flag and advances the account's last-read
// pointer locally first, then fires the remote update. On remote failure the
// prior pointer and unread flag are restored.
func (uc *ReportUseCase) UpdateLastRead(ctx context.Context, accountID types.AccountID, reportID types.ReportID, seq types.SequenceNumber) error {
	session, err := loadSession(ctx, uc.store)
	if err != nil {
		return goerr.Wrap(err, "failed to load session")
	}

	reportKey := types.ReportKey(reportID)
	reportDoc, err := uc.store.Get(ctx, reportKey)
	if err != nil {
		return goerr.Wrap(err, "failed to load report", goerr.V("reportID", reportID))
	}
	if reportDoc == nil {
		// No local report document means nothing to mark read; the merge
		// below must not create one.
		logging.From(ctx).Warn("last-read update for unknown report skipped", "reportID", reportID)
		return nil
	}
	var report model.Report
	if err := model.FromDocument(reportDoc, &report); err != nil {
		return goerr.Wrap(err, "failed to decode report", goerr.V("reportID", reportID))
	}

	// Capture the revert patch before the optimistic write.
	revert := model.Document{"hasUnread": report.HasUnread}
	if prior, ok := report.LastRead(accountID); ok {
		revert["lastReadSequenceNumbers"] = map[string]any{accountID.String(): prior}
	} else {
		revert["lastReadSequenceNumbers"] = map[string]any{accountID.String(): nil}
	}

	patch := model.Document{
		"hasUnread":               false,
		"lastReadSequenceNumbers": map[string]any{accountID.String(): seq},
	}
	if err := uc.store.Merge(ctx, reportKey, patch); err != nil {
		return goerr.Wrap(err, "failed to write last-read pointer", goerr.V("reportID", reportID))
	}

	op := model.NewPendingOp(reportKey, types.CmdReportSetLastRead, revert)
	uc.pending.track(op)

	resp, err := uc.dispatcher.Do(ctx, types.CmdReportSetLastRead, map[string]any{
		"authToken":      session.AuthToken,
		"accountID":      accountID,
		"reportID":       reportID,
		"sequenceNumber": seq,
	})
	confirmed := err == nil && resp.OK()
	if settleErr := uc.pending.settle(ctx, op, confirmed); settleErr != nil {
		return settleErr
	}
	if err != nil {
		return goerr.Wrap(err, "failed to update last-read remotely", goerr.V("reportID", reportID))
	}
	if !resp.OK() {
		return goerr.New("last-read update rejected",
			goerr.V("reportID", reportID), goerr.V("jsonCode", resp.JSONCode))
	}
	return nil
}

// PushedCommentPayload is the JSON payload of a reportComment push event.
type PushedCommentPayload struct {
	ReportID types.ReportID     `json:"reportID"`
	Action   model.ReportAction `json:"action"`
}

// HandlePushedComment merges a pushed action into the report's history.
// The merge is idempotent by sequence-number key: applying the same event
// twice cannot create duplicate or divergent entries. The unread flag is set
// only when the sequence number was not already present locally, so the echo
// of a comment this client just wrote optimistically does not re-flag the
// report as unread.
func (uc *ReportUseCase) HandlePushedComment(ctx context.Context, payload []byte) error {
	var pushed PushedCommentPayload
	if err := json.Unmarshal(payload, &pushed); err != nil {
		return goerr.Wrap(err, "failed to decode pushed comment")
	}
	if pushed.ReportID == 0 || pushed.Action.SequenceNumber == 0 {
		return goerr.New("pushed comment is missing identifiers")
	}

	reportKey := types.ReportKey(pushed.ReportID)
	reportDoc, err := uc.store.Get(ctx, reportKey)
	if err != nil {
		return goerr.Wrap(err, "failed to load report", goerr.V("reportID", pushed.ReportID))
	}
	if reportDoc == nil {
		// Integrity check: a pushed action should always reference a report
		// we already hold locally.
		logging.From(ctx).Warn("pushed action references unknown report",
			"reportID", pushed.ReportID,
			"sequenceNumber", pushed.Action.SequenceNumber,
		)
	}

	actionsKey := types.ReportActionsKey(pushed.ReportID)
	actionsDoc, err := uc.store.Get(ctx, actionsKey)
	if err != nil {
		return goerr.Wrap(err, "failed to load report history", goerr.V("reportID", pushed.ReportID))
	}

	seqKey := model.SequenceKey(pushed.Action.SequenceNumber)
	_, alreadyPresent := actionsDoc[seqKey]

	entry, err := model.ToDocument(pushed.Action)
	if err != nil {
		return goerr.Wrap(err, "failed to convert pushed action")
	}
	if err := uc.store.Merge(ctx, actionsKey, model.Document{seqKey: map[string]any(entry)}); err != nil {
		return goerr.Wrap(err, "failed to merge pushed action", goerr.V("reportID", pushed.ReportID))
	}

	if !alreadyPresent {
		if err := uc.store.Merge(ctx, reportKey, model.Document{"hasUnread": true}); err != nil {
			return goerr.Wrap(err, "failed to flag report unread", goerr.V("reportID", pushed.ReportID))
		}
	}
	return nil
}

// SubscribePush binds the report synchronizer to the account's private push
// channel and returns the unsubscribe function.
func (uc *ReportUseCase) SubscribePush(ctx context.Context, push interfaces.PushChannel, accountID types.AccountID) (func(), error) {
	channel := types.AccountChannel(accountID)
	return push.Subscribe(ctx, channel, types.EventReportComment, func(payload []byte) {
		if err := uc.HandlePushedComment(ctx, payload); err != nil {
			logging.From(ctx).Error("failed to handle pushed comment", "error", err)
		}
	})
}
