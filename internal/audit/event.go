// Package audit publishes security decisions to a broker so operators can
// trail denials and logins without scraping logs. Recording is fire and
// forget; the admission path never waits on the broker.
package audit

// Event kinds double as topic routing key suffixes.
const (
	KindRateLimitDenied = "rate_limit.denied"
	KindCSRFRejected    = "csrf.rejected"
	KindSessionDenied   = "session.denied"
	KindLoginSucceeded  = "auth.login"
	KindLoginFailed     = "auth.login_failed"
	KindLogout          = "auth.logout"
)

type Event struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Identity  string `json:"identity"`
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
