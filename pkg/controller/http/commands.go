package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/m-mizutani/goerr/v2"
	"github.com/tally-app/tally/pkg/domain/model"
	"github.com/tally-app/tally/pkg/domain/types"
	"github.com/tally-app/tally/pkg/utils/errutil"
	"github.com/tally-app/tally/pkg/utils/logging"
	"github.com/tally-app/tally/pkg/utils/safe"
)

type account struct {
	ID             types.AccountID
	Email          string
	Password       string
	Validated      bool
	ValidateCode   string
	GitHubUsername string
}

type login struct {
	Secret    string
	AccountID types.AccountID
}

type reportState struct {
	ID       types.ReportID
	Name     string
	Actions  map[types.SequenceNumber]model.ReportAction
	LastRead map[string]types.SequenceNumber
}

type state struct {
	mu            sync.Mutex
	accounts      map[string]*account
	logins        map[string]*login
	reports       map[types.ReportID]*reportState
	nextAccountID types.AccountID
}

func newState() *state {
	return &state{
		accounts:      make(map[string]*account),
		logins:        make(map[string]*login),
		reports:       make(map[types.ReportID]*reportState),
		nextAccountID: 1,
	}
}

func (st *state) seedAccount(email, password string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.accounts[email] = &account{
		ID:        st.nextAccountID,
		Email:     email,
		Password:  password,
		Validated: true,
	}
	st.nextAccountID++
}

func (st *state) seedReport(reportID int64, name string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.reports[types.ReportID(reportID)] = &reportState{
		ID:       types.ReportID(reportID),
		Name:     name,
		Actions:  make(map[types.SequenceNumber]model.ReportAction),
		LastRead: make(map[string]types.SequenceNumber),
	}
}

// commandParams is the union of all command parameters. Commands read only
// the fields they define.
type commandParams struct {
	AuthToken         string               `json:"authToken"`
	Email             string               `json:"email"`
	Password          string               `json:"password"`
	PartnerUserID     string               `json:"partnerUserID"`
	PartnerUserSecret string               `json:"partnerUserSecret"`
	TwoFactorAuthCode string               `json:"twoFactorAuthCode"`
	ValidateCode      string               `json:"validateCode"`
	GitHubUsername    string               `json:"githubUsername"`
	AccountID         types.AccountID      `json:"accountID"`
	ReportID          types.ReportID       `json:"reportID"`
	SequenceNumber    types.SequenceNumber `json:"sequenceNumber"`
	ReportComment     string               `json:"reportComment"`
	ReportCommentHTML string               `json:"reportCommentHTML"`
	IsAttachment      bool                 `json:"isAttachment"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	cmd := types.Command(chi.URLParam(r, "command"))

	var params commandParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		errutil.HandleHTTP(r.Context(), w, goerr.Wrap(err, "invalid command body"), http.StatusBadRequest)
		return
	}

	switch cmd {
	case types.CmdAuthenticate:
		s.cmdAuthenticate(w, r, params)
	case types.CmdCreateLogin:
		s.cmdCreateLogin(w, r, params)
	case types.CmdDeleteLogin:
		s.cmdDeleteLogin(w, r, params)
	case types.CmdGetAccountStatus:
		s.cmdGetAccountStatus(w, r, params)
	case types.CmdCreateAccount:
		s.cmdCreateAccount(w, r, params)
	case types.CmdResendValidateCode:
		s.cmdResendValidateCode(w, r, params)
	case types.CmdSetPassword:
		s.cmdSetPassword(w, r, params)
	case types.CmdSetGitHubUsername:
		s.cmdSetGitHubUsername(w, r, params)
	case types.CmdGetReportSummary:
		s.cmdGetReportSummary(w, r, params)
	case types.CmdReportGetHistory:
		s.cmdReportGetHistory(w, r, params)
	case types.CmdReportAddComment:
		s.cmdReportAddComment(w, r, params)
	case types.CmdReportSetLastRead:
		s.cmdReportSetLastRead(w, r, params)
	default:
		writeEnvelope(w, r, types.CodeNotFound, fmt.Sprintf("unknown command: %s", cmd), nil)
	}
}

func (s *Server) issueToken(accountID types.AccountID) (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Subject(accountID.String()).
		IssuedAt(now).
		Expiration(now.Add(s.tokenTTL)).
		Build()
	if err != nil {
		return "", goerr.Wrap(err, "failed to build token")
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.signingKey))
	if err != nil {
		return "", goerr.Wrap(err, "failed to sign token")
	}
	return string(signed), nil
}

// authAccount resolves the auth token to an account, or nil when the token
// is missing, invalid or expired.
func (s *Server) authAccount(token string) *account {
	if token == "" {
		return nil
	}
	tok, err := jwt.ParseString(token, jwt.WithKey(jwa.HS256, s.signingKey), jwt.WithValidate(true))
	if err != nil {
		return nil
	}
	id, err := strconv.ParseInt(tok.Subject(), 10, 64)
	if err != nil {
		return nil
	}

	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	for _, acct := range s.state.accounts {
		if acct.ID == types.AccountID(id) {
			return acct
		}
	}
	return nil
}

func (s *Server) cmdAuthenticate(w http.ResponseWriter, r *http.Request, params commandParams) {
	s.state.mu.Lock()
	var acct *account
	if a, ok := s.state.accounts[params.PartnerUserID]; ok && a.Password == params.PartnerUserSecret {
		acct = a
	} else if l, ok := s.state.logins[params.PartnerUserID]; ok && l.Secret == params.PartnerUserSecret {
		for _, a := range s.state.accounts {
			if a.ID == l.AccountID {
				acct = a
				break
			}
		}
	}
	s.state.mu.Unlock()

	if acct == nil {
		writeEnvelope(w, r, types.CodeAuthFailure, "Incorrect login or password.", nil)
		return
	}

	token, err := s.issueToken(acct.ID)
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, err, http.StatusInternalServerError)
		return
	}
	writeEnvelope(w, r, types.CodeSuccess, "", map[string]any{
		"authToken": token,
		"accountID": acct.ID,
		"email":     acct.Email,
	})
}

func (s *Server) cmdCreateLogin(w http.ResponseWriter, r *http.Request, params commandParams) {
	acct := s.authAccount(params.AuthToken)
	if acct == nil {
		writeEnvelope(w, r, types.CodeExpiredAuthToken, "Invalid or expired auth token.", nil)
		return
	}
	if params.PartnerUserID == "" || params.PartnerUserSecret == "" {
		writeEnvelope(w, r, types.CodeAuthFailure, "Missing login pair.", nil)
		return
	}

	s.state.mu.Lock()
	s.state.logins[params.PartnerUserID] = &login{
		Secret:    params.PartnerUserSecret,
		AccountID: acct.ID,
	}
	s.state.mu.Unlock()

	token, err := s.issueToken(acct.ID)
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, err, http.StatusInternalServerError)
		return
	}
	writeEnvelope(w, r, types.CodeSuccess, "", map[string]any{
		"authToken": token,
		"accountID": acct.ID,
		"email":     acct.Email,
	})
}

func (s *Server) cmdDeleteLogin(w http.ResponseWriter, r *http.Request, params commandParams) {
	s.state.mu.Lock()
	delete(s.state.logins, params.PartnerUserID)
	s.state.mu.Unlock()
	writeEnvelope(w, r, types.CodeSuccess, "", nil)
}

func (s *Server) cmdGetAccountStatus(w http.ResponseWriter, r *http.Request, params commandParams) {
	s.state.mu.Lock()
	acct := s.state.accounts[params.Email]
	s.state.mu.Unlock()

	if acct == nil {
		writeEnvelope(w, r, types.CodeSuccess, "", map[string]any{
			"accountExists": false,
			"validated":     false,
		})
		return
	}
	writeEnvelope(w, r, types.CodeSuccess, "", map[string]any{
		"accountExists":  true,
		"validated":      acct.Validated,
		"githubUsername": acct.GitHubUsername,
	})
}

func (s *Server) cmdCreateAccount(w http.ResponseWriter, r *http.Request, params commandParams) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if _, exists := s.state.accounts[params.Email]; exists {
		writeEnvelope(w, r, types.CodeAuthFailure, "An account already exists for this login.", nil)
		return
	}

	s.state.accounts[params.Email] = &account{
		ID:           s.state.nextAccountID,
		Email:        params.Email,
		ValidateCode: uuid.NewString(),
	}
	s.state.nextAccountID++
	logging.From(r.Context()).Info("account created", "email", params.Email)
	writeEnvelope(w, r, types.CodeSuccess, "", nil)
}

func (s *Server) cmdResendValidateCode(w http.ResponseWriter, r *http.Request, params commandParams) {
	s.state.mu.Lock()
	acct := s.state.accounts[params.Email]
	s.state.mu.Unlock()

	if acct == nil {
		writeEnvelope(w, r, types.CodeNotFound, "No account for this login.", nil)
		return
	}
	writeEnvelope(w, r, types.CodeSuccess, "", nil)
}

func (s *Server) cmdSetPassword(w http.ResponseWriter, r *http.Request, params commandParams) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	acct := s.state.accounts[params.Email]
	if acct == nil {
		writeEnvelope(w, r, types.CodeNotFound, "No account for this login.", nil)
		return
	}
	// Seeded dev accounts skip code validation; created accounts must echo
	// their validate code back.
	if acct.ValidateCode != "" && acct.ValidateCode != params.ValidateCode {
		writeEnvelope(w, r, types.CodeAuthFailure, "Invalid validate code.", nil)
		return
	}

	acct.Password = params.Password
	acct.Validated = true
	acct.ValidateCode = ""
	writeEnvelope(w, r, types.CodeSuccess, "", nil)
}

func (s *Server) cmdSetGitHubUsername(w http.ResponseWriter, r *http.Request, params commandParams) {
	acct := s.authAccount(params.AuthToken)
	if acct == nil {
		writeEnvelope(w, r, types.CodeExpiredAuthToken, "Invalid or expired auth token.", nil)
		return
	}

	s.state.mu.Lock()
	acct.GitHubUsername = params.GitHubUsername
	s.state.mu.Unlock()
	writeEnvelope(w, r, types.CodeSuccess, "", nil)
}

func (s *Server) cmdGetReportSummary(w http.ResponseWriter, r *http.Request, params commandParams) {
	acct := s.authAccount(params.AuthToken)
	if acct == nil {
		writeEnvelope(w, r, types.CodeExpiredAuthToken, "Invalid or expired auth token.", nil)
		return
	}

	s.state.mu.Lock()
	rep := s.state.reports[params.ReportID]
	var payload map[string]any
	if rep != nil {
		payload = map[string]any{
			"report": map[string]any{
				"reportID":                rep.ID,
				"reportName":              rep.Name,
				"lastReadSequenceNumbers": rep.LastRead,
				"actions":                 sortedActions(rep),
			},
		}
	}
	s.state.mu.Unlock()

	if payload == nil {
		writeEnvelope(w, r, types.CodeNotFound, "Report not found.", nil)
		return
	}
	writeEnvelope(w, r, types.CodeSuccess, "", payload)
}

func (s *Server) cmdReportGetHistory(w http.ResponseWriter, r *http.Request, params commandParams) {
	acct := s.authAccount(params.AuthToken)
	if acct == nil {
		writeEnvelope(w, r, types.CodeExpiredAuthToken, "Invalid or expired auth token.", nil)
		return
	}

	s.state.mu.Lock()
	rep := s.state.reports[params.ReportID]
	var history []model.ReportAction
	if rep != nil {
		history = sortedActions(rep)
	}
	s.state.mu.Unlock()

	if rep == nil {
		writeEnvelope(w, r, types.CodeNotFound, "Report not found.", nil)
		return
	}
	writeEnvelope(w, r, types.CodeSuccess, "", map[string]any{"history": history})
}

func (s *Server) cmdReportAddComment(w http.ResponseWriter, r *http.Request, params commandParams) {
	acct := s.authAccount(params.AuthToken)
	if acct == nil {
		writeEnvelope(w, r, types.CodeExpiredAuthToken, "Invalid or expired auth token.", nil)
		return
	}

	s.state.mu.Lock()
	rep := s.state.reports[params.ReportID]
	if rep == nil {
		s.state.mu.Unlock()
		writeEnvelope(w, r, types.CodeNotFound, "Report not found.", nil)
		return
	}

	// The server is authoritative for sequence numbers; normally this equals
	// the client's optimistic guess.
	var maxSeq types.SequenceNumber
	for seq := range rep.Actions {
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	newSeq := maxSeq + 1

	action := model.ReportAction{
		SequenceNumber: newSeq,
		ActionType:     model.ActionTypeAddComment,
		ActorEmail:     acct.Email,
		ActorAccountID: acct.ID,
		Message: []model.MessageFragment{{
			Type: "COMMENT",
			HTML: params.ReportCommentHTML,
			Text: params.ReportComment,
		}},
		Created:      time.Now().UTC(),
		IsAttachment: params.IsAttachment,
	}
	rep.Actions[newSeq] = action

	channels := make([]string, 0, len(s.state.accounts))
	for _, a := range s.state.accounts {
		channels = append(channels, types.AccountChannel(a.ID))
	}
	s.state.mu.Unlock()

	// Echo the action to every account channel, including the sender's own.
	for _, channel := range channels {
		s.hub.Broadcast(r.Context(), channel, types.EventReportComment, map[string]any{
			"reportID": params.ReportID,
			"action":   action,
		})
	}

	writeEnvelope(w, r, types.CodeSuccess, "", map[string]any{
		"sequenceNumber": newSeq,
	})
}

func (s *Server) cmdReportSetLastRead(w http.ResponseWriter, r *http.Request, params commandParams) {
	acct := s.authAccount(params.AuthToken)
	if acct == nil {
		writeEnvelope(w, r, types.CodeExpiredAuthToken, "Invalid or expired auth token.", nil)
		return
	}

	s.state.mu.Lock()
	rep := s.state.reports[params.ReportID]
	if rep != nil {
		rep.LastRead[params.AccountID.String()] = params.SequenceNumber
	}
	s.state.mu.Unlock()

	if rep == nil {
		writeEnvelope(w, r, types.CodeNotFound, "Report not found.", nil)
		return
	}
	writeEnvelope(w, r, types.CodeSuccess, "", nil)
}

func sortedActions(rep *reportState) []model.ReportAction {
	actions := make([]model.ReportAction, 0, len(rep.Actions))
	for _, a := range rep.Actions {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool {
		return actions[i].SequenceNumber < actions[j].SequenceNumber
	})
	return actions
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, jsonCode int, message string, extra map[string]any) {
	body := map[string]any{"jsonCode": jsonCode}
	if message != "" {
		body["message"] = message
	}
	for k, v := range extra {
		body[k] = v
	}

	data, err := json.Marshal(body)
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, goerr.Wrap(err, "failed to marshal envelope"), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	safe.Write(r.Context(), w, data)
}
