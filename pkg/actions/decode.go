package actions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

type reason int

const (
	reasonInvalidJSON reason = iota
	reasonInvalidAction
	reasonMissingField
)

// InvalidRequestError is returned by Decode for bodies the gateway refuses to forward.
type InvalidRequestError struct {
	// Action is the raw action the caller sent, possibly empty.
	Action string
	// Field is set for missing fields.
	Field string
	Err   error

	reason reason
}

func (e *InvalidRequestError) Error() string {
	switch e.reason {
	case reasonInvalidAction:
		return fmt.Sprintf("invalid or missing action %q", e.Action)
	case reasonMissingField:
		return fmt.Sprintf("missing required field %q for action %q", e.Field, e.Action)
	default:
		return fmt.Sprintf("invalid JSON: %v", e.Err)
	}
}

func (e *InvalidRequestError) Unwrap() error {
	return e.Err
}

// Message is the text returned to the caller.
func (e *InvalidRequestError) Message() string {
	switch e.reason {
	case reasonInvalidAction:
		return fmt.Sprintf("Bad Request: Invalid or missing action '%s'", e.Action)
	case reasonMissingField:
		return fmt.Sprintf("Bad Request: missing required field '%s' for action '%s'", e.Field, e.Action)
	default:
		return "Bad Request: Invalid JSON"
	}
}

// Decode parses a request body into one of the known requests and checks
// that its required fields are present. Field values are forwarded as sent.
// Absent optional fields are forwarded as null, an absent get_summary day
// count as DefaultSummaryDays.
func Decode(data []byte) (Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &InvalidRequestError{Err: err, reason: reasonInvalidJSON}
	}
	if fields == nil {
		return nil, &InvalidRequestError{Err: errors.New("body must be a JSON object"), reason: reasonInvalidJSON}
	}

	action := actionName(fields["action"])
	req := newRequest(Action(action))
	if req == nil {
		return nil, &InvalidRequestError{Action: action, reason: reasonInvalidAction}
	}

	for _, f := range req.required() {
		if isEmpty(fields[f]) {
			return nil, &InvalidRequestError{Action: action, Field: f, reason: reasonMissingField}
		}
	}

	if err := json.Unmarshal(data, req); err != nil {
		return nil, &InvalidRequestError{Action: action, Err: err, reason: reasonInvalidJSON}
	}

	if s, ok := req.(*GetSummary); ok && isNull(s.Days) {
		s.Days = json.RawMessage(strconv.Itoa(DefaultSummaryDays))
	}

	return req, nil
}

func actionName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return string(raw)
	}
	return s
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isEmpty(raw json.RawMessage) bool {
	return isNull(raw) || bytes.Equal(bytes.TrimSpace(raw), []byte(`""`))
}
