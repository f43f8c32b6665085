package oauth2

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AssertionSigner builds a signed assertion valid from now.
type AssertionSigner interface {
	Sign(now time.Time) (*SignedAssertion, error)
}

// Exchanger exchanges a signed assertion for a credential.
type Exchanger interface {
	ExchangeToken(ctx context.Context, assertion *SignedAssertion) (*Credential, error)
}

// AuthenticationFailedError is returned by TokenCache when no credential
// could be obtained. It wraps the signing or exchange failure.
type AuthenticationFailedError struct {
	Err error
}

func (e *AuthenticationFailedError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthenticationFailedError) Unwrap() error {
	return e.Err
}

// TokenCache holds at most one credential and refreshes it
// through a JWT bearer exchange once it is within ExpiryMargin of expiring.
//
// The check, refresh and store sequence is a single critical section:
// concurrent callers wait for an in-flight refresh and then share its result.
//
// It is safe for concurrent use.
type TokenCache struct {
	logger    log.Logger
	signer    AssertionSigner
	exchanger Exchanger
	now       func() time.Time
	requests  *prometheus.CounterVec

	mu         sync.Mutex // protects the field below
	credential *Credential
}

func NewTokenCache(logger log.Logger, reg prometheus.Registerer, signer AssertionSigner, exchanger Exchanger) *TokenCache {
	return &TokenCache{
		logger:    log.With(logger, "component", "oauth2/cache"),
		signer:    signer,
		exchanger: exchanger,
		now:       time.Now,
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "usage_gateway_token_cache_requests_total",
				Help: "Tracks token cache lookups by result.",
			}, []string{"result"},
		),
	}
}

// Token returns the cached credential if it is still valid,
// otherwise it performs exactly one exchange and caches the result.
// On failure the cache is left empty and an *AuthenticationFailedError is returned.
func (c *TokenCache) Token(ctx context.Context) (Credential, error) {
	return c.token(ctx, c.now())
}

func (c *TokenCache) token(ctx context.Context, now time.Time) (Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.credential != nil && c.credential.ValidAt(now) {
		c.requests.WithLabelValues("hit").Inc()
		return *c.credential, nil
	}

	c.credential = nil

	cred, err := c.refresh(ctx, now)
	if err != nil {
		c.requests.WithLabelValues("error").Inc()
		level.Error(c.logger).Log("msg", "failed to obtain access token", "err", err)
		return Credential{}, &AuthenticationFailedError{Err: err}
	}

	c.requests.WithLabelValues("refresh").Inc()
	level.Info(c.logger).Log("msg", "refreshed access token", "expires_at", cred.ExpiresAt.UTC().Format(time.RFC3339))
	c.credential = cred
	return *cred, nil
}

func (c *TokenCache) refresh(ctx context.Context, now time.Time) (*Credential, error) {
	assertion, err := c.signer.Sign(now)
	if err != nil {
		return nil, err
	}

	cred, err := c.exchanger.ExchangeToken(ctx, assertion)
	if err != nil {
		return nil, err
	}
	if cred == nil || len(cred.AccessToken) == 0 {
		return nil, errors.New("token exchange returned an empty credential")
	}
	return cred, nil
}

// Invalidate empties the cache if it still holds accessToken,
// so that the next call to Token refreshes.
func (c *TokenCache) Invalidate(accessToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.credential != nil && c.credential.AccessToken == accessToken {
		level.Info(c.logger).Log("msg", "invalidated access token")
		c.credential = nil
	}
}

// Cached returns the cached credential without refreshing it.
func (c *TokenCache) Cached() (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.credential == nil {
		return Credential{}, false
	}
	return *c.credential, true
}
