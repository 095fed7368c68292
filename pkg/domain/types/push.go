package types

import "fmt"

// PushEvent names an event on the realtime push channel.
type PushEvent string

const (
	// EventReportComment delivers a single new report action, including the
	// sender's own comments echoed back.
	EventReportComment PushEvent = "reportComment"
)

func (e PushEvent) String() string {
	return string(e)
}

// AccountChannel returns the per-account private push channel name.
func AccountChannel(accountID AccountID) string {
	return fmt.Sprintf("private-user-%d", accountID)
}
