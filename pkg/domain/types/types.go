package types

import (
	"fmt"

	"github.com/m-mizutani/goerr/v2"
)

// AccountID identifies a user account on the remote service.
type AccountID int64

func (id AccountID) String() string {
	return fmt.Sprintf("%d", id)
}

// ReportID identifies a report (a chat thread of expense activity).
type ReportID int64

func (id ReportID) String() string {
	return fmt.Sprintf("%d", id)
}

// SequenceNumber orders actions within a single report. Numbers are assigned
// by incrementing the current maximum; they are unique per report but not
// guaranteed contiguous.
type SequenceNumber int64

var (
	ErrEmptyStoreKey   = goerr.New("store key is empty")
	ErrInvalidStoreKey = goerr.New("store key contains invalid characters")
)
