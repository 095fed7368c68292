package types

// Command names a remote procedure on the command dispatcher. The remote API
// is a flat request/response surface: a command name plus parameters, and a
// response envelope carrying at least a jsonCode.
type Command string

const (
	CmdAuthenticate       Command = "Authenticate"
	CmdCreateLogin        Command = "CreateLogin"
	CmdDeleteLogin        Command = "DeleteLogin"
	CmdGetReportSummary   Command = "Report_GetSummary"
	CmdReportGetHistory   Command = "Report_GetHistory"
	CmdReportAddComment   Command = "Report_AddComment"
	CmdReportSetLastRead  Command = "Report_SetLastReadActionID"
	CmdGetAccountStatus   Command = "GetAccountStatus"
	CmdCreateAccount      Command = "User_SignUp"
	CmdSetGitHubUsername  Command = "User_SetGithubUsername"
	CmdResendValidateCode Command = "ResendValidateCode"
	CmdSetPassword        Command = "User_SetPassword"
)

func (c Command) String() string {
	return string(c)
}

// Response envelope jsonCode values. The envelope code is independent of the
// transport status: a 200 HTTP response can still carry a failure code.
const (
	CodeSuccess          = 200
	CodeAuthFailure      = 401
	CodeNotFound         = 404
	CodeExpiredAuthToken = 407
	CodeServerError      = 500
)
