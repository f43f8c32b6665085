// Package salesforce talks to the Salesforce login and Apex REST endpoints.
package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/oauth2"

	gwoauth2 "github.com/noscroll/usage-gateway/pkg/oauth2"
	"github.com/noscroll/usage-gateway/pkg/runutil"
)

const (
	// GrantTypeJWTBearer is the grant type of https://tools.ietf.org/html/rfc7523#section-2.1.
	GrantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	TokenPath      = "/services/oauth2/token"
	DefaultAPIPath = "/services/apexrest/NoScroll/v1/"

	tokenResponseLimit = 16 * 1024
	apiResponseLimit   = 4 * 1024 * 1024
	errorBodyLimit     = 4 * 1024
)

type Config struct {
	// LoginURL is the base of the token endpoint, e.g. https://login.salesforce.com.
	LoginURL string
	// InstanceURL is the base of the Apex REST endpoint.
	InstanceURL string
	// APIPath is appended to InstanceURL. Defaults to DefaultAPIPath.
	APIPath string
	// DefaultTokenLifetime is used when the token response carries no expires_in.
	DefaultTokenLifetime time.Duration
}

// Client exchanges assertions for access tokens and calls the Apex REST endpoint.
type Client struct {
	logger          log.Logger
	client          *http.Client
	tokenURL        string
	apiURL          string
	defaultLifetime time.Duration
	now             func() time.Time
}

func New(logger log.Logger, client *http.Client, cfg Config) (*Client, error) {
	tokenURL, err := joinURL(cfg.LoginURL, TokenPath)
	if err != nil {
		return nil, fmt.Errorf("invalid login URL: %w", err)
	}
	apiPath := cfg.APIPath
	if len(apiPath) == 0 {
		apiPath = DefaultAPIPath
	}
	apiURL, err := joinURL(cfg.InstanceURL, apiPath)
	if err != nil {
		return nil, fmt.Errorf("invalid instance URL: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}

	return &Client{
		logger:          log.With(logger, "component", "salesforce"),
		client:          client,
		tokenURL:        tokenURL,
		apiURL:          apiURL,
		defaultLifetime: cfg.DefaultTokenLifetime,
		now:             time.Now,
	}, nil
}

func joinURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if len(u.Scheme) == 0 || len(u.Host) == 0 {
		return "", fmt.Errorf("%q must be an absolute URL", base)
	}
	return strings.TrimRight(u.String(), "/") + "/" + strings.TrimLeft(path, "/"), nil
}

// TokenURL returns the token endpoint.
func (c *Client) TokenURL() string { return c.tokenURL }

// APIURL returns the Apex REST endpoint.
func (c *Client) APIURL() string { return c.apiURL }

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	InstanceURL string `json:"instance_url"`
	Scope       string `json:"scope"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorURI         string `json:"error_uri"`
}

// ExchangeToken performs the JWT bearer grant with the given assertion.
// Any failure is returned as *AuthError.
func (c *Client) ExchangeToken(ctx context.Context, assertion *gwoauth2.SignedAssertion) (*gwoauth2.Credential, error) {
	form := url.Values{
		"grant_type": {GrantTypeJWTBearer},
		"assertion":  {assertion.Token},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &AuthError{Err: fmt.Errorf("unable to create token request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, &AuthError{Err: fmt.Errorf("unable to perform token request: %w", err)}
	}
	defer runutil.ExhaustCloseWithLogOnErr(c.logger, res.Body, "close token response body")

	now := c.now()

	body, err := io.ReadAll(io.LimitReader(res.Body, tokenResponseLimit))
	if err != nil {
		return nil, &AuthError{StatusCode: res.StatusCode, Err: fmt.Errorf("unable to read the token response: %w", err)}
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		retrieveErr := &oauth2.RetrieveError{Response: res, Body: truncate(body, errorBodyLimit)}
		var e errorResponse
		if json.Unmarshal(body, &e) == nil {
			retrieveErr.ErrorCode = e.Error
			retrieveErr.ErrorDescription = e.ErrorDescription
			retrieveErr.ErrorURI = e.ErrorURI
		}
		level.Warn(c.logger).Log("msg", "token endpoint rejected assertion", "status", res.StatusCode, "error", retrieveErr.ErrorCode)
		return nil, &AuthError{StatusCode: res.StatusCode, Err: retrieveErr}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &AuthError{StatusCode: res.StatusCode, Err: fmt.Errorf("unable to parse the token response: %w", err)}
	}
	if len(tr.AccessToken) == 0 {
		return nil, &AuthError{StatusCode: res.StatusCode, Err: errors.New("response did not contain an access_token")}
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if tr.ExpiresIn <= 0 {
		lifetime = c.defaultLifetime
	}

	return &gwoauth2.Credential{
		AccessToken: tr.AccessToken,
		ExpiresAt:   now.Add(lifetime),
		InstanceURL: tr.InstanceURL,
		Scope:       tr.Scope,
	}, nil
}

// Call posts payload as JSON to the Apex REST endpoint using cred
// and returns the response body verbatim.
func (c *Client) Call(ctx context.Context, cred gwoauth2.Credential, payload interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("unable to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unable to create upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	cred.OAuth2Token().SetAuthHeader(req)

	level.Debug(c.logger).Log("msg", "calling upstream", "url", c.apiURL, "bytes", len(data))

	res, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer runutil.ExhaustCloseWithLogOnErr(c.logger, res.Body, "close upstream response body")

	body, err := io.ReadAll(io.LimitReader(res.Body, apiResponseLimit))
	if err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("unable to read response: %w", err)}
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		level.Warn(c.logger).Log("msg", "upstream returned an error", "status", res.StatusCode)
		return nil, &HTTPError{StatusCode: res.StatusCode, Body: string(truncate(body, errorBodyLimit))}
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("upstream returned a non-JSON body with status %d: %q", res.StatusCode, truncate(body, 256))
	}

	return json.RawMessage(body), nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
