package model

import (
	"github.com/tally-app/tally/pkg/domain/types"
)

// Report is the stored metadata of a chat/expense report. The document in
// the store is merged on every sync, never replaced, so locally computed
// fields like HasUnread survive partial remote refreshes.
type Report struct {
	ReportID   types.ReportID `json:"reportID"`
	ReportName string         `json:"reportName"`
	// LastReadSequenceNumbers maps account IDs (decimal strings, JSON map
	// keys) to the last sequence number that account has read.
	LastReadSequenceNumbers map[string]types.SequenceNumber `json:"lastReadSequenceNumbers,omitempty"`
	HasUnread               bool                            `json:"hasUnread"`
}

// LastRead returns the last-read pointer for the account, and whether one
// exists at all. No pointer means the report was never opened and is treated
// as read.
func (r *Report) LastRead(accountID types.AccountID) (types.SequenceNumber, bool) {
	seq, ok := r.LastReadSequenceNumbers[accountID.String()]
	return seq, ok
}

// Unread implements the unread rule: a report is unread iff a last-read
// pointer exists for the account, the history is non-empty, and the pointer
// is behind the maximum sequence number present.
func (r *Report) Unread(accountID types.AccountID, actions []ReportAction) bool {
	lastRead, ok := r.LastRead(accountID)
	if !ok || len(actions) == 0 {
		return false
	}
	return lastRead < MaxSequenceNumber(actions)
}
