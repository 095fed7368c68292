package model

import (
	"github.com/google/uuid"
	"github.com/tally-app/tally/pkg/domain/types"
)

// Session is the stored session document. Failures of session operations are
// written into Error for the UI to render rather than surfaced as Go errors
// to the caller.
type Session struct {
	State     types.SessionState `json:"state"`
	AuthToken string             `json:"authToken,omitempty"`
	AccountID types.AccountID    `json:"accountID,omitempty"`
	Email     string             `json:"email,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Credentials is the stored credentials document: the user-entered login and
// the device-scoped login pair created on sign-in. The masq tags keep the
// secrets out of structured logs.
type Credentials struct {
	Login             string `json:"login"`
	Password          string `json:"password,omitempty" masq:"secret"`
	TwoFactorAuthCode string `json:"twoFactorAuthCode,omitempty" masq:"secret"`
	LoginID           string `json:"loginID,omitempty"`
	LoginSecret       string `json:"loginSecret,omitempty" masq:"secret"`
}

// Account is the stored account-status document, populated by the account
// status command and the GitHub gate.
type Account struct {
	AccountExists    bool   `json:"accountExists"`
	Validated        bool   `json:"validated"`
	GitHubUsername   string `json:"githubUsername,omitempty"`
	ValidateCodeSent bool   `json:"validateCodeSent,omitempty"`
}

// NewDeviceLogin mints a fresh device-scoped login pair for token rotation.
func NewDeviceLogin() (loginID, loginSecret string) {
	return uuid.NewString(), uuid.NewString()
}
