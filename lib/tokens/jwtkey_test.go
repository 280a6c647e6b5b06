package tokens

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rsaKey, _, _ := newTestKeyPair(t)

	signKey, err := NewJWTKey(JWTConfig{Clock: clock, PrivateKey: rsaKey, CoordinatorID: "coordinator-1"})
	require.NoError(t, err)

	token, err := signKey.Sign(SignParams{EndpointID: "endpoint-1", UserID: "user-1", Expires: clock.Now().Add(time.Hour)})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	verifyKey, err := NewJWTKey(JWTConfig{Clock: clock, PublicKey: rsaKey.Public(), CoordinatorID: "coordinator-1"})
	require.NoError(t, err)

	claims, err := verifyKey.Verify(token, "endpoint-1")
	require.NoError(t, err)
	require.Equal(t, "endpoint-1", claims.EndpointID)
	require.Equal(t, "user-1", claims.UserID)
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rsaKey, _, _ := newTestKeyPair(t)

	signKey, err := NewJWTKey(JWTConfig{Clock: clock, PrivateKey: rsaKey, CoordinatorID: "coordinator-1"})
	require.NoError(t, err)
	token, err := signKey.Sign(SignParams{EndpointID: "endpoint-1", UserID: "user-1", Expires: clock.Now().Add(time.Hour)})
	require.NoError(t, err)

	_, err = signKey.Verify(token, "endpoint-2")
	require.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rsaKey, _, _ := newTestKeyPair(t)

	signKey, err := NewJWTKey(JWTConfig{Clock: clock, PrivateKey: rsaKey, CoordinatorID: "coordinator-1"})
	require.NoError(t, err)
	token, err := signKey.Sign(SignParams{EndpointID: "endpoint-1", UserID: "user-1", Expires: clock.Now().Add(time.Minute)})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = signKey.Verify(token, "endpoint-1")
	require.Error(t, err)
}

func TestSignRequiresPrivateKey(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rsaKey, _, _ := newTestKeyPair(t)

	verifyOnly, err := NewJWTKey(JWTConfig{Clock: clock, PublicKey: rsaKey.Public(), CoordinatorID: "coordinator-1"})
	require.NoError(t, err)

	_, err = verifyOnly.Sign(SignParams{EndpointID: "endpoint-1", UserID: "user-1", Expires: clock.Now().Add(time.Hour)})
	require.Error(t, err)
}
