package server

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noscroll/usage-gateway/pkg/oauth2"
	"github.com/noscroll/usage-gateway/pkg/salesforce"
)

type staticKey struct{ key crypto.PrivateKey }

func (s staticKey) PrivateKey() (crypto.PrivateKey, error) { return s.key, nil }

// fakeSalesforce stands in for both the token endpoint and the Apex REST endpoint.
type fakeSalesforce struct {
	tokenStatus int
	apiStatus   atomic.Int32
	apiBody     atomic.Value

	exchanges atomic.Int32
	calls     atomic.Int32
	lastAuth  atomic.Value
	lastBody  atomic.Value
}

func newFakeSalesforce(tokenStatus, apiStatus int, apiBody string) *fakeSalesforce {
	f := &fakeSalesforce{tokenStatus: tokenStatus}
	f.respond(apiStatus, apiBody)
	return f
}

func (f *fakeSalesforce) respond(status int, body string) {
	f.apiStatus.Store(int32(status))
	f.apiBody.Store(body)
}

func (f *fakeSalesforce) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Path {
	case salesforce.TokenPath:
		n := f.exchanges.Add(1)
		if f.tokenStatus != http.StatusOK {
			w.WriteHeader(f.tokenStatus)
			_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"user hasn't approved this consumer"}`)
			return
		}
		_, _ = fmt.Fprintf(w, `{"access_token":"token-%d","expires_in":3600,"token_type":"Bearer"}`, n)
	case salesforce.DefaultAPIPath:
		f.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		f.lastAuth.Store(r.Header.Get("Authorization"))
		f.lastBody.Store(string(body))
		w.WriteHeader(int(f.apiStatus.Load()))
		_, _ = io.WriteString(w, f.apiBody.Load().(string))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type testGateway struct {
	upstream *fakeSalesforce
	tokens   *oauth2.TokenCache
	handler  http.Handler
}

func newTestGateway(t *testing.T, upstream *fakeSalesforce, limitBytes int64) *testGateway {
	t.Helper()

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	client, err := salesforce.New(log.NewNopLogger(), &http.Client{Timeout: 5 * time.Second}, salesforce.Config{
		LoginURL:    srv.URL,
		InstanceURL: srv.URL,
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	signer := oauth2.NewSigner("client", "user@example.com", srv.URL, staticKey{key: key})
	tokens := oauth2.NewTokenCache(log.NewNopLogger(), reg, signer, client)
	gw := NewGateway(log.NewNopLogger(), tokens, client)

	return &testGateway{
		upstream: upstream,
		tokens:   tokens,
		handler:  NewAPI(log.NewNopLogger(), reg, gw, limitBytes),
	}
}

func (g *testGateway) post(t *testing.T, body string) (int, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, APIPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	res := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), rec.Body.String())
	return rec.Code, res
}

func TestAPIForwardsAction(t *testing.T) {
	g := newTestGateway(t, newFakeSalesforce(http.StatusOK, http.StatusOK, `{"used":10}`), 0)

	code, res := g.post(t, `{"action":"check_usage","customerId":"c1"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", res["status"])
	assert.Equal(t, "Request processed successfully.", res["message"])
	assert.Equal(t, map[string]interface{}{"used": float64(10)}, res["salesforce_response"])

	assert.Equal(t, "Bearer token-1", g.upstream.lastAuth.Load())
	assert.JSONEq(t, `{"action":"check_usage","customerId":"c1"}`, g.upstream.lastBody.Load().(string))

	// A second request reuses the cached token.
	code, _ = g.post(t, `{"action":"get_summary","customerId":"c1"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int32(1), g.upstream.exchanges.Load())
	assert.Equal(t, int32(2), g.upstream.calls.Load())
	assert.JSONEq(t, `{"action":"get_summary","customerId":"c1","days":3}`, g.upstream.lastBody.Load().(string))
}

func TestAPIRejectsInvalidRequests(t *testing.T) {
	g := newTestGateway(t, newFakeSalesforce(http.StatusOK, http.StatusOK, `{}`), 0)

	for _, tc := range []struct {
		name    string
		body    string
		message string
	}{
		{
			name:    "unknown action",
			body:    `{"action":"bogus"}`,
			message: "Bad Request: Invalid or missing action 'bogus'",
		},
		{
			name:    "missing action",
			body:    `{"customerId":"c1"}`,
			message: "Bad Request: Invalid or missing action ''",
		},
		{
			name:    "invalid JSON",
			body:    `{"action":`,
			message: "Bad Request: Invalid JSON",
		},
		{
			name:    "missing field",
			body:    `{"action":"check_usage"}`,
			message: "Bad Request: missing required field 'customerId' for action 'check_usage'",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			code, res := g.post(t, tc.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, "error", res["status"])
			assert.Equal(t, tc.message, res["message"])
		})
	}

	assert.Equal(t, int32(0), g.upstream.exchanges.Load())
	assert.Equal(t, int32(0), g.upstream.calls.Load())
}

func TestAPIAuthenticationFailure(t *testing.T) {
	g := newTestGateway(t, newFakeSalesforce(http.StatusUnauthorized, http.StatusOK, `{}`), 0)

	code, res := g.post(t, `{"action":"check_usage","customerId":"c1"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "error", res["status"])
	assert.Equal(t, "Failed to authenticate with Salesforce.", res["message"])
	assert.Contains(t, res["details"], "invalid_grant")

	_, ok := g.tokens.Cached()
	assert.False(t, ok)
	assert.Equal(t, int32(0), g.upstream.calls.Load())

	// Nothing is cached, so every request tries again.
	_, _ = g.post(t, `{"action":"check_usage","customerId":"c1"}`)
	assert.Equal(t, int32(2), g.upstream.exchanges.Load())
}

func TestAPIUpstreamError(t *testing.T) {
	g := newTestGateway(t, newFakeSalesforce(http.StatusOK, http.StatusInternalServerError, `[{"errorCode":"APEX_ERROR"}]`), 0)

	code, res := g.post(t, `{"action":"get_customer_by_email","email":"a@b.c"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "Salesforce API returned an error.", res["message"])
	assert.Contains(t, res["details"], "APEX_ERROR")

	_, ok := g.tokens.Cached()
	assert.True(t, ok, "a non-401 upstream error keeps the token")
}

func TestAPIUpstreamUnauthorizedInvalidatesToken(t *testing.T) {
	upstream := newFakeSalesforce(http.StatusOK, http.StatusUnauthorized, `[{"errorCode":"INVALID_SESSION_ID"}]`)
	g := newTestGateway(t, upstream, 0)

	code, _ := g.post(t, `{"action":"check_usage","customerId":"c1"}`)
	assert.Equal(t, http.StatusInternalServerError, code)

	_, ok := g.tokens.Cached()
	assert.False(t, ok)

	upstream.respond(http.StatusOK, `{"used":1}`)
	code, _ = g.post(t, `{"action":"check_usage","customerId":"c1"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, int32(2), upstream.exchanges.Load())
	assert.Equal(t, "Bearer token-2", upstream.lastAuth.Load())
}

func TestAPIRequestTooLarge(t *testing.T) {
	g := newTestGateway(t, newFakeSalesforce(http.StatusOK, http.StatusOK, `{}`), 32)

	code, res := g.post(t, `{"action":"check_usage","customerId":"`+strings.Repeat("x", 64)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
	assert.Equal(t, "error", res["status"])
	assert.Equal(t, int32(0), g.upstream.calls.Load())
}
