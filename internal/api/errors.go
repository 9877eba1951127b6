package api

import "fmt"

// Server codes on a 401 body that signal an invalid or expired auth token.
// These are the sole triggers for a token refresh.
const (
	codeInvalidJWTPayload      = "InvalidJwtPayload"
	codeBadAuthorizationHeader = "BadAuthorizationHeader"
	codeJWTUserMismatch        = "JwtUserIdentifiersMismatched"
)

// Error is a send failure classified for the retry machinery.
type Error struct {
	StatusCode  int
	Message     string
	Code        string // server-provided code, when present
	Retryable   bool   // safe to attempt again later
	AuthFailure bool   // invalid/expired token, triggers a refresh
	Err         error  // underlying transport error, when any
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		if e.Message != "" {
			return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
		}
		return fmt.Sprintf("api error %d", e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("send failed: %v", e.Err)
	}
	return "send failed: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func isAuthFailureCode(code string) bool {
	switch code {
	case codeInvalidJWTPayload, codeBadAuthorizationHeader, codeJWTUserMismatch:
		return true
	}
	return false
}
