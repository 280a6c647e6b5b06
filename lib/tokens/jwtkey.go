// Package tokens implements the Token Vault (spec.md §4.4): one-shot
// confirmation tokens that redeem into an interactive circuit, and
// long-lived JWT bearer tokens that authorize calls to a non-public
// inference endpoint.
//
// The JWT signing half is adapted from the teacher's lib/jwt package: the
// same gopkg.in/square/go-jose.v2 signer/verifier shape, narrowed to the
// claims AppProxy actually needs (endpoint_id, user_id, exp) instead of
// Teleport's username/roles/traits.
package tokens

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	jose "gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/cryptosigner"
	"gopkg.in/square/go-jose.v2/jwt"
)

const rsaKeySize = 2048

// JWTConfig configures a JWTKey.
type JWTConfig struct {
	Clock       clockwork.Clock
	PublicKey   crypto.PublicKey
	PrivateKey  crypto.Signer
	Algorithm   jose.SignatureAlgorithm
	CoordinatorID string
}

// CheckAndSetDefaults validates the configuration, setting defaults where
// unset.
func (c *JWTConfig) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.PrivateKey != nil {
		c.PublicKey = c.PrivateKey.Public()
	}
	if c.PrivateKey == nil && c.PublicKey == nil {
		return trace.BadParameter("public or private key is required")
	}
	if c.Algorithm == "" {
		c.Algorithm = jose.RS256
	}
	if c.CoordinatorID == "" {
		return trace.BadParameter("coordinator id is required")
	}
	return nil
}

// JWTKey signs and verifies endpoint API tokens.
type JWTKey struct {
	cfg JWTConfig
}

// NewJWTKey returns a JWTKey built from cfg.
func NewJWTKey(cfg JWTConfig) (*JWTKey, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &JWTKey{cfg: cfg}, nil
}

// GenerateKeyPair returns a fresh PEM-encoded RSA key pair in the format
// this package signs with, for first-run bootstrap.
func GenerateKeyPair() (public, private []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeySize)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return marshalKeyPair(key)
}

// apiClaims are the public and private claims embedded in an endpoint API
// token.
type apiClaims struct {
	jwt.Claims
	EndpointID string `json:"endpoint_id"`
	UserID     string `json:"user_id"`
}

// SignParams are the claims to embed when minting a new endpoint API
// token.
type SignParams struct {
	EndpointID string
	UserID     string
	Expires    time.Time
}

func (p *SignParams) check() error {
	if p.EndpointID == "" {
		return trace.BadParameter("endpoint id missing")
	}
	if p.UserID == "" {
		return trace.BadParameter("user id missing")
	}
	if p.Expires.IsZero() {
		return trace.BadParameter("expires missing")
	}
	return nil
}

// Sign mints a signed JWT carrying p's claims.
func (k *JWTKey) Sign(p SignParams) (string, error) {
	if err := p.check(); err != nil {
		return "", trace.Wrap(err)
	}
	if k.cfg.PrivateKey == nil {
		return "", trace.BadParameter("cannot sign a token with a verify-only key")
	}

	var signingKeyImpl interface{} = k.cfg.PrivateKey
	if _, ok := k.cfg.PrivateKey.(*rsa.PrivateKey); !ok {
		signingKeyImpl = cryptosigner.Opaque(k.cfg.PrivateKey)
	}

	sig, err := jose.NewSigner(jose.SigningKey{
		Algorithm: k.cfg.Algorithm,
		Key:       signingKeyImpl,
	}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", trace.Wrap(err)
	}

	claims := apiClaims{
		Claims: jwt.Claims{
			Subject:   p.UserID,
			Issuer:    k.cfg.CoordinatorID,
			Audience:  jwt.Audience{p.EndpointID},
			NotBefore: jwt.NewNumericDate(k.cfg.Clock.Now().Add(-10 * time.Second)),
			IssuedAt:  jwt.NewNumericDate(k.cfg.Clock.Now()),
			Expiry:    jwt.NewNumericDate(p.Expires),
		},
		EndpointID: p.EndpointID,
		UserID:     p.UserID,
	}

	token, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// Claims is the verified result of Verify: the endpoint and user the
// token authorizes, and its expiry.
type Claims struct {
	EndpointID string
	UserID     string
	Expires    time.Time
}

// Verify checks rawToken's signature and that it was issued for
// endpointID, returning its claims.
func (k *JWTKey) Verify(rawToken, endpointID string) (*Claims, error) {
	if k.cfg.PublicKey == nil {
		return nil, trace.BadParameter("cannot verify a token without a public key")
	}

	tok, err := jwt.ParseSigned(rawToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var out apiClaims
	if err := tok.Claims(k.cfg.PublicKey, &out); err != nil {
		return nil, trace.Wrap(err)
	}

	if err := out.ValidateWithLeeway(jwt.Expected{
		Issuer:   k.cfg.CoordinatorID,
		Audience: jwt.Audience{endpointID},
		Time:     k.cfg.Clock.Now(),
	}, 0); err != nil {
		return nil, trace.Wrap(err)
	}

	return &Claims{
		EndpointID: out.EndpointID,
		UserID:     out.UserID,
		Expires:    out.Expiry.Time(),
	}, nil
}
