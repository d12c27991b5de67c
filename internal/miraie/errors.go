package miraie

import "fmt"

// AuthError reports a failed login or a token the cloud keeps rejecting.
// It is terminal for the session: the credentials need attention.
type AuthError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("miraie login failed: %v", e.Err)
	case e.Body != "":
		return fmt.Sprintf("miraie login failed: HTTP %d: %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("miraie login failed: HTTP %d", e.StatusCode)
	}
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError reports a transient network or server problem, or a response
// the client could not understand.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("miraie %s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("miraie %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("miraie %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
	}
}

func (e *APIError) Unwrap() error { return e.Err }
