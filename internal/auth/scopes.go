package auth

// Scopes understood by the tracker API.
const (
	ScopeSessionWrite = "session:write"
	ScopeHistoryRead  = "history:read"
	ScopeHistoryWrite = "history:write"
)

// AllScopes lists every scope, in the order the CLI issues them.
var AllScopes = []string{ScopeSessionWrite, ScopeHistoryRead, ScopeHistoryWrite}
