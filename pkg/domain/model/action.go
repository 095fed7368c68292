package model

import (
	"strconv"
	"time"

	"github.com/tally-app/tally/pkg/domain/types"
)

// Action type discriminators as they appear on the wire and in the store.
const (
	ActionTypeCreated    = "CREATED"
	ActionTypeAddComment = "ADDCOMMENT"
)

// MessageFragment is one span of a rendered comment. Comments arrive as
// lightweight markup and are stored rendered; system actions carry plain
// text fragments.
type MessageFragment struct {
	Type string `json:"type"`
	HTML string `json:"html,omitempty"`
	Text string `json:"text"`
}

// ReportAction is a single history entry of a report: a comment or a system
// action. Entries are keyed by sequence number; the latest entry is the one
// with the maximum sequence number.
type ReportAction struct {
	SequenceNumber types.SequenceNumber `json:"sequenceNumber"`
	ActionType     string               `json:"actionName"`
	ActorEmail     string               `json:"actorEmail"`
	ActorAccountID types.AccountID      `json:"actorAccountID"`
	Message        []MessageFragment    `json:"message"`
	Created        time.Time            `json:"created"`
	IsAttachment   bool                 `json:"isAttachment,omitempty"`
}

// MaxSequenceNumber returns the maximum sequence number in the list, or 0
// for an empty history. 0 is never a valid assigned sequence number.
func MaxSequenceNumber(actions []ReportAction) types.SequenceNumber {
	var max types.SequenceNumber
	for _, a := range actions {
		if a.SequenceNumber > max {
			max = a.SequenceNumber
		}
	}
	return max
}

// IndexActions re-indexes a history list by sequence number for storage.
// Duplicate sequence numbers collapse to the last occurrence.
func IndexActions(actions []ReportAction) (Document, error) {
	doc := make(Document, len(actions))
	for _, a := range actions {
		entry, err := ToDocument(a)
		if err != nil {
			return nil, err
		}
		doc[SequenceKey(a.SequenceNumber)] = map[string]any(entry)
	}
	return doc, nil
}

// ActionsFromDocument converts a stored history document back into a list.
// Order is unspecified; callers sort by sequence number when it matters.
func ActionsFromDocument(doc Document) ([]ReportAction, error) {
	actions := make([]ReportAction, 0, len(doc))
	for _, v := range doc {
		entry, ok := toMap(v)
		if !ok {
			continue
		}
		var a ReportAction
		if err := FromDocument(entry, &a); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// SequenceKey renders a sequence number as a document field key.
func SequenceKey(seq types.SequenceNumber) string {
	return strconv.FormatInt(int64(seq), 10)
}
