package oauth2

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/google/uuid"
)

// AssertionLifetime is how long a signed assertion is accepted by the token endpoint.
const AssertionLifetime = 5 * time.Minute

// SignedAssertion is a JWT bearer assertion
// according to https://tools.ietf.org/html/rfc7523#section-3.
// It is built for a single exchange and never reused.
type SignedAssertion struct {
	ID       string
	Issuer   string
	Subject  string
	Audience string
	IssuedAt time.Time
	Expiry   time.Time

	// Token is the compact serialized JWS.
	Token string
}

// Signer builds signed assertions for a fixed issuer, subject and audience.
type Signer struct {
	issuer   string
	subject  string
	audience string
	keys     KeySource
	newID    func() string
}

// NewSigner returns a Signer. For the Salesforce JWT bearer flow the issuer is
// the connected app's client id, the subject the username and the audience the
// login URL.
func NewSigner(issuer, subject, audience string, keys KeySource) *Signer {
	return &Signer{
		issuer:   issuer,
		subject:  subject,
		audience: audience,
		keys:     keys,
		newID:    uuid.NewString,
	}
}

// Sign returns a fresh assertion expiring AssertionLifetime after now.
// It fails with ErrKeyNotFound when there is no key and *SigningError when the
// key is malformed or signing fails.
func (s *Signer) Sign(now time.Time) (*SignedAssertion, error) {
	key, err := s.keys.PrivateKey()
	if err != nil {
		return nil, err
	}

	alg, err := algorithm(key)
	if err != nil {
		return nil, &SigningError{Err: err}
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: alg,
			Key:       key,
		},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, &SigningError{Err: err}
	}

	a := &SignedAssertion{
		ID:       s.newID(),
		Issuer:   s.issuer,
		Subject:  s.subject,
		Audience: s.audience,
		IssuedAt: now,
		Expiry:   now.Add(AssertionLifetime),
	}

	a.Token, err = jwt.Signed(signer).
		Claims(jwt.Claims{
			ID:       a.ID,
			Issuer:   a.Issuer,
			Subject:  a.Subject,
			Audience: jwt.Audience{a.Audience},
			IssuedAt: jwt.NewNumericDate(a.IssuedAt),
			Expiry:   jwt.NewNumericDate(a.Expiry),
		}).
		CompactSerialize()
	if err != nil {
		return nil, &SigningError{Err: err}
	}

	return a, nil
}

func algorithm(key crypto.PrivateKey) (jose.SignatureAlgorithm, error) {
	switch privateKey := key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		switch privateKey.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		default:
			return "", fmt.Errorf("unknown private key curve, must be 256, 384, or 521")
		}
	default:
		return "", fmt.Errorf("unknown private key type %T, must be *rsa.PrivateKey or *ecdsa.PrivateKey", key)
	}
}
