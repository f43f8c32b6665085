package oauth2

import (
	"time"

	"golang.org/x/oauth2"
)

// ExpiryMargin is how long before its expiry a credential stops being handed out.
const ExpiryMargin = 60 * time.Second

// Credential is an access token obtained from a token exchange.
type Credential struct {
	AccessToken string
	ExpiresAt   time.Time

	// Informational values returned alongside the token.
	InstanceURL string
	Scope       string
}

// ValidAt reports whether the credential may still be used at now,
// i.e. it expires more than ExpiryMargin later.
func (c Credential) ValidAt(now time.Time) bool {
	return len(c.AccessToken) > 0 && c.ExpiresAt.After(now.Add(ExpiryMargin))
}

// OAuth2Token returns the credential as a bearer oauth2.Token.
func (c Credential) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: c.AccessToken,
		TokenType:   "Bearer",
		Expiry:      c.ExpiresAt,
	}
}
