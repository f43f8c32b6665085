package salesforce

import (
	"fmt"
	"strings"
)

// AuthError is returned when the token exchange fails, either because the
// token endpoint could not be reached or because it did not issue a token.
type AuthError struct {
	// StatusCode is zero when no response was received.
	StatusCode int
	// Err is an *oauth2.RetrieveError when the token endpoint answered with an error.
	Err error
}

func (e *AuthError) Error() string {
	var b strings.Builder
	b.WriteString("token exchange failed")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " with status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// HTTPError is returned when the Apex REST endpoint answers with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream rejected request with code %d and body %q", e.StatusCode, e.Body)
}

// NetworkError is returned when the Apex REST endpoint could not be reached
// or the response could not be read.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("unable to reach upstream: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
