package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/backendai/appproxy/api/types"
	"github.com/backendai/appproxy/lib/backend"
	"github.com/backendai/appproxy/lib/defaults"
)

// Vault is the Token Vault: confirmation tokens stored directly in the
// backend with a TTL, and endpoint API tokens signed/verified as JWTs
// (stateless at verify time, but also recorded in the backend so
// DELETE-by-id revocation works without waiting for expiry).
type Vault struct {
	be    backend.Backend
	jwt   *JWTKey
	clock clockwork.Clock
	log   *logrus.Entry
}

// Config configures a Vault.
type Config struct {
	Backend backend.Backend
	JWT     *JWTKey
	Clock   clockwork.Clock
}

// New returns a Vault built from cfg.
func New(cfg Config) (*Vault, error) {
	if cfg.Backend == nil {
		return nil, trace.BadParameter("backend is required")
	}
	if cfg.JWT == nil {
		return nil, trace.BadParameter("jwt key is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Vault{
		be:    cfg.Backend,
		jwt:   cfg.JWT,
		clock: cfg.Clock,
		log:   logrus.WithField(trace.Component, defaults.Component("appproxy", "tokens")),
	}, nil
}

func confKey(token string) string {
	return defaults.KeyTokensConf + "/" + token
}

func apiKey(token string) string {
	return defaults.KeyTokensAPI + "/" + token
}

// IssueConfirmation creates a new single-use confirmation token per
// spec.md §4.4, storing it with a TTL of defaults.ConfirmationTokenTTL.
func (v *Vault) IssueConfirmation(ctx context.Context, t types.ConfirmationToken) (*types.ConfirmationToken, error) {
	token, err := randomToken()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	t.Token = token
	t.CreatedAt = v.clock.Now()
	t.ExpiresAt = t.CreatedAt.Add(defaults.ConfirmationTokenTTL)

	data, err := json.Marshal(t)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if _, err := v.be.Put(ctx, backend.Item{Key: confKey(token), Value: data, Expires: t.ExpiresAt}); err != nil {
		return nil, trace.Wrap(err)
	}
	return &t, nil
}

// RedeemConfirmation atomically reads and deletes the confirmation token.
// A second redemption of the same token, or redemption after its TTL,
// returns a NotFound (mapped by callers to E00002).
func (v *Vault) RedeemConfirmation(ctx context.Context, token string) (*types.ConfirmationToken, error) {
	item, err := v.be.Get(ctx, confKey(token))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var t types.ConfirmationToken
	if err := json.Unmarshal(item.Value, &t); err != nil {
		return nil, trace.Wrap(err)
	}

	// Consume-on-read: delete unconditionally. A second caller racing here
	// will find nothing at Get and fail with NotFound, so no two callers
	// ever observe a successful redemption of the same token.
	if err := v.be.Delete(ctx, confKey(token)); err != nil {
		return nil, trace.Wrap(err)
	}

	return &t, nil
}

// IssueAPIToken mints an endpoint API token: a signed JWT, also recorded
// in the backend (keyed by token, TTL'd to exp) so RevokeAPIToken can
// revoke it immediately rather than waiting for JWT expiry.
func (v *Vault) IssueAPIToken(ctx context.Context, endpointID, userID string, exp time.Time) (*types.EndpointAPIToken, error) {
	raw, err := v.jwt.Sign(SignParams{EndpointID: endpointID, UserID: userID, Expires: exp})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	rec := types.EndpointAPIToken{Token: raw, EndpointID: endpointID, UserID: userID, ExpiresAt: exp}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := v.be.Put(ctx, backend.Item{Key: apiKey(raw), Value: data, Expires: exp}); err != nil {
		return nil, trace.Wrap(err)
	}
	return &rec, nil
}

// VerifyAPIToken checks rawToken's signature, expiry and that it has not
// been revoked, returning the endpoint/user it authorizes.
func (v *Vault) VerifyAPIToken(ctx context.Context, rawToken, endpointID string) (*Claims, error) {
	if _, err := v.be.Get(ctx, apiKey(rawToken)); err != nil {
		return nil, trace.Wrap(err, "endpoint API token revoked or expired")
	}
	claims, err := v.jwt.Verify(rawToken, endpointID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return claims, nil
}

// RevokeAPIToken deletes the backend record for rawToken; subsequent
// VerifyAPIToken calls fail even though the JWT signature itself remains
// valid until its natural expiry.
func (v *Vault) RevokeAPIToken(ctx context.Context, rawToken string) error {
	return trace.Wrap(v.be.Delete(ctx, apiKey(rawToken)))
}

func randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", trace.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CookieSecret derives the per-circuit secret an interactive circuit's
// auth cookie must match, from the circuit id and the confirmation
// token's login session token (spec.md §12 "Confirmation-token
// login-session binding"). A fresh confirmation without a login session
// token yields a fresh random secret.
func CookieSecret(circuitID, loginSessionToken string) (string, error) {
	if loginSessionToken != "" {
		return fmt.Sprintf("ls:%s:%s", loginSessionToken, circuitID), nil
	}
	return randomToken()
}
