package gateway

// CloseCode is the session termination taxonomy carried on the websocket
// close frame. Clients key their recovery behavior off the numeric code:
// re-login, permission refresh, read-only fallback or backoff-and-retry.
// One constant per condition, no runtime lookup table.
type CloseCode int

const (
	// CloseAuthenticationFailed means the bearer token was missing, expired
	// or unverifiable. The client should prompt for a fresh login.
	CloseAuthenticationFailed CloseCode = 4001
	// CloseAuthorizationFailed means the user holds no capabilities on the
	// document (or it does not exist for them). The client should reload
	// with a fresh permissions check.
	CloseAuthorizationFailed CloseCode = 4003
	// ClosePolicyViolation means the connection broke protocol: a malformed
	// frame, an update before joining, or a write without the capability.
	ClosePolicyViolation CloseCode = 4008
	// CloseDocumentTooLarge means the document snapshot is over the hard
	// ceiling. The client should stop editing and fall back to read-only.
	CloseDocumentTooLarge CloseCode = 4013
	// CloseTooManyConnections means the per-document connection ceiling is
	// reached. The client should back off, queue edits and retry later.
	CloseTooManyConnections CloseCode = 4029
)

func (c CloseCode) String() string {
	switch c {
	case CloseAuthenticationFailed:
		return "AuthenticationFailed"
	case CloseAuthorizationFailed:
		return "AuthorizationFailed"
	case ClosePolicyViolation:
		return "PolicyViolation"
	case CloseDocumentTooLarge:
		return "DocumentTooLarge"
	case CloseTooManyConnections:
		return "TooManyConnections"
	}
	return "Unknown"
}

// Reason is the human readable text sent alongside the numeric code.
func (c CloseCode) Reason() string {
	switch c {
	case CloseAuthenticationFailed:
		return "authentication failed"
	case CloseAuthorizationFailed:
		return "not authorized for this document"
	case ClosePolicyViolation:
		return "protocol violation"
	case CloseDocumentTooLarge:
		return "document exceeds size limit"
	case CloseTooManyConnections:
		return "too many connections for this document"
	}
	return "closed"
}
