package types

import (
	"fmt"
	"strings"
)

// StoreKey identifies a document in the local key-value store.
type StoreKey string

const (
	// KeySession holds the active session: auth token, account ID, email,
	// state and the last surfaced error.
	KeySession StoreKey = "session"

	// KeyCredentials holds the sign-in credentials and the device-scoped
	// login pair. Cleared wholesale on sign-out restart.
	KeyCredentials StoreKey = "credentials"

	// KeyAccount holds account metadata fetched via the account status
	// command (validated flag, GitHub username gate).
	KeyAccount StoreKey = "account"

	// KeyAppRedirect holds the route the UI should navigate to after the
	// next transition (post-login target, sign-in page on sign-out).
	KeyAppRedirect StoreKey = "appRedirectTo"
)

const (
	reportKeyPrefix        = "report_"
	reportActionsKeyPrefix = "reportActions_"
)

// ReportKey returns the store key of a report's metadata document.
func ReportKey(reportID ReportID) StoreKey {
	return StoreKey(fmt.Sprintf("%s%d", reportKeyPrefix, reportID))
}

// ReportActionsKey returns the store key of a report's history document.
func ReportActionsKey(reportID ReportID) StoreKey {
	return StoreKey(fmt.Sprintf("%s%d", reportActionsKeyPrefix, reportID))
}

// IsReportKey reports whether the key addresses report metadata.
func (k StoreKey) IsReportKey() bool {
	return strings.HasPrefix(string(k), reportKeyPrefix)
}

// IsReportActionsKey reports whether the key addresses report history.
func (k StoreKey) IsReportActionsKey() bool {
	return strings.HasPrefix(string(k), reportActionsKeyPrefix)
}

func (k StoreKey) String() string {
	return string(k)
}

// Validate checks that the key is non-empty and has no path separators,
// which would break document-per-key backends.
func (k StoreKey) Validate() error {
	if k == "" {
		return ErrEmptyStoreKey
	}
	if strings.ContainsAny(string(k), "/ ") {
		return ErrInvalidStoreKey
	}
	return nil
}
