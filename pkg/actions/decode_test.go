package actions

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeForwardsFields(t *testing.T) {
	for _, tc := range []struct {
		name    string
		body    string
		action  Action
		payload string
	}{
		{
			name:    "setup",
			body:    `{"action":"setup","customerName":"Ada","email":"ada@example.com","age":42,"userType":"parent","socialMediaApp":"com.instagram.android","childName":"Bo","childEmail":"bo@example.com","ignored":true}`,
			action:  ActionSetup,
			payload: `{"action":"setup","customerName":"Ada","email":"ada@example.com","age":42,"userType":"parent","socialMediaApp":"com.instagram.android","childName":"Bo","childEmail":"bo@example.com"}`,
		},
		{
			name:    "setup without optional fields",
			body:    `{"action":"setup","customerName":"Ada","email":"ada@example.com"}`,
			action:  ActionSetup,
			payload: `{"action":"setup","customerName":"Ada","email":"ada@example.com","age":null,"userType":null,"socialMediaApp":null,"childName":null,"childEmail":null}`,
		},
		{
			name:    "check usage",
			body:    `{"action":"check_usage","customerId":"001"}`,
			action:  ActionCheckUsage,
			payload: `{"action":"check_usage","customerId":"001"}`,
		},
		{
			name:    "log and set time keeps value types",
			body:    `{"action":"log_and_set_time","customerId":"001","timeSpent":12.5,"timeLimit":"30"}`,
			action:  ActionLogAndSetTime,
			payload: `{"action":"log_and_set_time","customerId":"001","timeSpent":12.5,"timeLimit":"30"}`,
		},
		{
			name:    "numeric customer id is forwarded as sent",
			body:    `{"action":"check_usage","customerId":1001}`,
			action:  ActionCheckUsage,
			payload: `{"action":"check_usage","customerId":1001}`,
		},
		{
			name:    "get summary defaults days",
			body:    `{"action":"get_summary","customerId":"001"}`,
			action:  ActionGetSummary,
			payload: `{"action":"get_summary","customerId":"001","days":3}`,
		},
		{
			name:    "get summary with days",
			body:    `{"action":"get_summary","customerId":"001","days":7}`,
			action:  ActionGetSummary,
			payload: `{"action":"get_summary","customerId":"001","days":7}`,
		},
		{
			name:    "get customer by email",
			body:    `{"email":"ada@example.com","action":"get_customer_by_email"}`,
			action:  ActionGetCustomerByEmail,
			payload: `{"action":"get_customer_by_email","email":"ada@example.com"}`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req, err := Decode([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.action, req.Action())

			got, err := json.Marshal(req)
			require.NoError(t, err)
			assert.JSONEq(t, tc.payload, string(got))
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	for _, tc := range []struct {
		name    string
		body    string
		message string
		field   string
	}{
		{name: "malformed JSON", body: `{"action":`, message: "Bad Request: Invalid JSON"},
		{name: "not an object", body: `["setup"]`, message: "Bad Request: Invalid JSON"},
		{name: "null body", body: `null`, message: "Bad Request: Invalid JSON"},
		{name: "unknown action", body: `{"action":"bogus"}`, message: "Bad Request: Invalid or missing action 'bogus'"},
		{name: "missing action", body: `{"customerId":"001"}`, message: "Bad Request: Invalid or missing action ''"},
		{name: "action of the wrong type", body: `{"action":5}`, message: "Bad Request: Invalid or missing action '5'"},
		{
			name:    "missing customer id",
			body:    `{"action":"check_usage"}`,
			message: "Bad Request: missing required field 'customerId' for action 'check_usage'",
			field:   "customerId",
		},
		{
			name:    "empty email",
			body:    `{"action":"get_customer_by_email","email":""}`,
			message: "Bad Request: missing required field 'email' for action 'get_customer_by_email'",
			field:   "email",
		},
		{
			name:    "null time limit",
			body:    `{"action":"log_and_set_time","customerId":"001","timeSpent":3,"timeLimit":null}`,
			message: "Bad Request: missing required field 'timeLimit' for action 'log_and_set_time'",
			field:   "timeLimit",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.body))

			var invalid *InvalidRequestError
			require.True(t, errors.As(err, &invalid), "expected *InvalidRequestError, got %v", err)
			assert.Equal(t, tc.message, invalid.Message())
			assert.Equal(t, tc.field, invalid.Field)
			assert.NotEmpty(t, invalid.Error())
		})
	}
}

func TestEveryActionDecodes(t *testing.T) {
	for _, a := range Actions {
		req := newRequest(a)
		require.NotNil(t, req, "no request type for %s", a)
		assert.Equal(t, a, req.Action())
	}
}
