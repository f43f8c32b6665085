package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/noscroll/usage-gateway/pkg/actions"
	"github.com/noscroll/usage-gateway/pkg/oauth2"
	"github.com/noscroll/usage-gateway/pkg/salesforce"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	messageSuccess          = "Request processed successfully."
	messageAuthFailed       = "Failed to authenticate with Salesforce."
	messageUpstreamError    = "Salesforce API returned an error."
	messageUpstreamNetwork  = "Network error calling Salesforce API."
	messageInternalError    = "Internal Server Error"
	messageNotFound         = "Not Found"
	messageMethodNotAllowed = "Method Not Allowed"
	messageTooLarge         = "Request Entity Too Large"
	messageTooManyRequests  = "Too Many Requests"
)

// envelope is the body of every JSON response.
type envelope struct {
	Status             string          `json:"status,omitempty"`
	Message            string          `json:"message"`
	SalesforceResponse json.RawMessage `json:"salesforce_response,omitempty"`
	Details            string          `json:"details,omitempty"`
}

func writeJSON(logger log.Logger, w http.ResponseWriter, code int, body envelope) {
	data, err := json.Marshal(body)
	if err != nil {
		level.Error(logger).Log("msg", "failed to encode response", "err", err)
		code = http.StatusInternalServerError
		data = []byte(`{"status":"error","message":"Internal Server Error"}`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		level.Debug(logger).Log("msg", "failed to write response", "err", err)
	}
}

// errorResponse translates err into the HTTP status and envelope returned to the caller.
// Client mistakes yield 400s; authentication, upstream and unexpected failures yield 500s
// with the error text in details.
func errorResponse(err error) (int, envelope) {
	var (
		invalid    *actions.InvalidRequestError
		tooLarge   *http.MaxBytesError
		authFailed *oauth2.AuthenticationFailedError
		httpErr    *salesforce.HTTPError
		netErr     *salesforce.NetworkError
	)

	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, envelope{Status: statusError, Message: invalid.Message()}
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, envelope{Status: statusError, Message: messageTooLarge}
	case errors.As(err, &authFailed):
		return http.StatusInternalServerError, envelope{Status: statusError, Message: messageAuthFailed, Details: err.Error()}
	case errors.As(err, &httpErr):
		return http.StatusInternalServerError, envelope{Status: statusError, Message: messageUpstreamError, Details: err.Error()}
	case errors.As(err, &netErr):
		return http.StatusInternalServerError, envelope{Status: statusError, Message: messageUpstreamNetwork, Details: err.Error()}
	default:
		return http.StatusInternalServerError, envelope{Status: statusError, Message: messageInternalError, Details: err.Error()}
	}
}

// NotFound answers with the JSON not found body.
func NotFound(logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(logger, w, http.StatusNotFound, envelope{Message: messageNotFound})
	}
}

// MethodNotAllowed answers with the JSON method not allowed body.
func MethodNotAllowed(logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(logger, w, http.StatusMethodNotAllowed, envelope{Message: messageMethodNotAllowed})
	}
}
