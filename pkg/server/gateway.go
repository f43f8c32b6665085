package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/noscroll/usage-gateway/pkg/actions"
	"github.com/noscroll/usage-gateway/pkg/oauth2"
	"github.com/noscroll/usage-gateway/pkg/salesforce"
)

// TokenSource hands out credentials for upstream calls.
type TokenSource interface {
	Token(ctx context.Context) (oauth2.Credential, error)
	Invalidate(accessToken string)
}

// Upstream performs an authenticated upstream call.
type Upstream interface {
	Call(ctx context.Context, cred oauth2.Credential, payload interface{}) (json.RawMessage, error)
}

// Forwarder forwards a decoded request upstream and returns the upstream response.
type Forwarder interface {
	Forward(ctx context.Context, req actions.Request) (json.RawMessage, error)
}

// Gateway forwards requests upstream with a credential from its token source.
type Gateway struct {
	logger   log.Logger
	tokens   TokenSource
	upstream Upstream
}

func NewGateway(logger log.Logger, tokens TokenSource, upstream Upstream) *Gateway {
	return &Gateway{
		logger:   log.With(logger, "component", "gateway"),
		tokens:   tokens,
		upstream: upstream,
	}
}

// Forward makes a single attempt. When the upstream rejects the credential
// with 401 it is dropped from the token source, so the next request refreshes.
func (g *Gateway) Forward(ctx context.Context, req actions.Request) (json.RawMessage, error) {
	cred, err := g.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	res, err := g.upstream.Call(ctx, cred, req)
	if err != nil {
		var httpErr *salesforce.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized {
			level.Warn(g.logger).Log("msg", "upstream rejected access token", "action", req.Action())
			g.tokens.Invalidate(cred.AccessToken)
		}
		return nil, err
	}
	return res, nil
}
