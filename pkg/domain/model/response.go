package model

import (
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
	"github.com/tally-app/tally/pkg/domain/types"
)

// APIResponse is the response envelope of the remote command dispatcher.
// Every response carries a jsonCode; command-specific payload fields are
// decoded from Raw by the caller.
type APIResponse struct {
	JSONCode int             `json:"jsonCode"`
	Message  string          `json:"message,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// OK reports whether the envelope carries a success code. The transport
// status is independent: a 200 HTTP response can still carry a failure code.
func (r *APIResponse) OK() bool {
	return r.JSONCode == types.CodeSuccess
}

// Decode unmarshals the full response body into a command-specific payload
// struct.
func (r *APIResponse) Decode(v any) error {
	if len(r.Raw) == 0 {
		return goerr.New("empty response body")
	}
	if err := json.Unmarshal(r.Raw, v); err != nil {
		return goerr.Wrap(err, "failed to decode response payload")
	}
	return nil
}
