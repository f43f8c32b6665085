// Package actions defines the closed set of requests the front-end may send
// to /api/log-usage and the payload each one forwards upstream.
//
// Every request is encoded with an "action" discriminator followed by its
// own fields; the Apex REST endpoint routes on that discriminator.
package actions

import (
	"encoding/json"
)

type Action string

const (
	ActionSetup              Action = "setup"
	ActionCheckUsage         Action = "check_usage"
	ActionLogAndSetTime      Action = "log_and_set_time"
	ActionGetSummary         Action = "get_summary"
	ActionGetCustomerByEmail Action = "get_customer_by_email"
)

// DefaultSummaryDays is used when a get_summary request does not say how many days to summarize.
const DefaultSummaryDays = 3

// Actions lists every known action.
var Actions = []Action{
	ActionSetup,
	ActionCheckUsage,
	ActionLogAndSetTime,
	ActionGetSummary,
	ActionGetCustomerByEmail,
}

// Request is one of *Setup, *CheckUsage, *LogAndSetTime, *GetSummary or *GetCustomerByEmail.
type Request interface {
	Action() Action
	json.Marshaler

	// required lists the fields that must be present and non-empty.
	required() []string
}

// Setup registers a customer and, optionally, the child whose usage is tracked.
type Setup struct {
	CustomerName   json.RawMessage `json:"customerName"`
	Email          json.RawMessage `json:"email"`
	Age            json.RawMessage `json:"age"`
	UserType       json.RawMessage `json:"userType"`
	SocialMediaApp json.RawMessage `json:"socialMediaApp"`
	ChildName      json.RawMessage `json:"childName"`
	ChildEmail     json.RawMessage `json:"childEmail"`
}

func (*Setup) Action() Action { return ActionSetup }

func (*Setup) required() []string { return []string{"customerName", "email"} }

func (r *Setup) MarshalJSON() ([]byte, error) {
	type fields Setup
	return json.Marshal(struct {
		Action Action `json:"action"`
		*fields
	}{ActionSetup, (*fields)(r)})
}

// CheckUsage asks for the current usage of a customer.
type CheckUsage struct {
	CustomerID json.RawMessage `json:"customerId"`
}

func (*CheckUsage) Action() Action { return ActionCheckUsage }

func (*CheckUsage) required() []string { return []string{"customerId"} }

func (r *CheckUsage) MarshalJSON() ([]byte, error) {
	type fields CheckUsage
	return json.Marshal(struct {
		Action Action `json:"action"`
		*fields
	}{ActionCheckUsage, (*fields)(r)})
}

// LogAndSetTime records time spent and sets the limit for the next session.
type LogAndSetTime struct {
	CustomerID json.RawMessage `json:"customerId"`
	TimeSpent  json.RawMessage `json:"timeSpent"`
	TimeLimit  json.RawMessage `json:"timeLimit"`
}

func (*LogAndSetTime) Action() Action { return ActionLogAndSetTime }

func (*LogAndSetTime) required() []string { return []string{"customerId", "timeSpent", "timeLimit"} }

func (r *LogAndSetTime) MarshalJSON() ([]byte, error) {
	type fields LogAndSetTime
	return json.Marshal(struct {
		Action Action `json:"action"`
		*fields
	}{ActionLogAndSetTime, (*fields)(r)})
}

// GetSummary asks for a usage summary over the last Days days.
type GetSummary struct {
	CustomerID json.RawMessage `json:"customerId"`
	Days       json.RawMessage `json:"days"`
}

func (*GetSummary) Action() Action { return ActionGetSummary }

func (*GetSummary) required() []string { return []string{"customerId"} }

func (r *GetSummary) MarshalJSON() ([]byte, error) {
	type fields GetSummary
	return json.Marshal(struct {
		Action Action `json:"action"`
		*fields
	}{ActionGetSummary, (*fields)(r)})
}

// GetCustomerByEmail looks a customer up by email.
type GetCustomerByEmail struct {
	Email json.RawMessage `json:"email"`
}

func (*GetCustomerByEmail) Action() Action { return ActionGetCustomerByEmail }

func (*GetCustomerByEmail) required() []string { return []string{"email"} }

func (r *GetCustomerByEmail) MarshalJSON() ([]byte, error) {
	type fields GetCustomerByEmail
	return json.Marshal(struct {
		Action Action `json:"action"`
		*fields
	}{ActionGetCustomerByEmail, (*fields)(r)})
}

func newRequest(a Action) Request {
	switch a {
	case ActionSetup:
		return &Setup{}
	case ActionCheckUsage:
		return &CheckUsage{}
	case ActionLogAndSetTime:
		return &LogAndSetTime{}
	case ActionGetSummary:
		return &GetSummary{}
	case ActionGetCustomerByEmail:
		return &GetCustomerByEmail{}
	default:
		return nil
	}
}
