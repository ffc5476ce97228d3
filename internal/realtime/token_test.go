package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilityAllows(t *testing.T) {
	capability := Capability{
		"chat:abc": {OpSubscribe, OpHistory},
		"typing:*": {OpPresence},
	}

	assert.True(t, capability.Allows("chat:abc", OpSubscribe))
	assert.False(t, capability.Allows("chat:abc", OpPresence))
	assert.False(t, capability.Allows("chat:abd", OpSubscribe))
	assert.True(t, capability.Allows("typing:anything", OpPresence))
	assert.False(t, Capability{"chat:*": {OpSubscribe}}.Allows("chat:x", OpPublish))
}

func TestTokenIssuerRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	capability := Capability{"chat:abc": ClientOperations}

	details, err := issuer.Issue("user-1", capability)
	require.NoError(t, err)
	assert.Equal(t, "user-1", details.ClientID)
	assert.Equal(t, time.Hour, details.ExpiresAt.Sub(details.IssuedAt))

	claims, err := issuer.Verify(details.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.ClientID)
	assert.True(t, claims.Capability.Allows("chat:abc", OpSubscribe))
}

func TestTokenIssuerRejectsInvalidRequests(t *testing.T) {
	issuer := NewTokenIssuer("secret", 0)

	_, err := issuer.Issue("", Capability{"chat:*": {OpSubscribe}})
	assert.ErrorIs(t, err, ErrEmptyClientID)

	_, err = issuer.Issue("u", nil)
	assert.ErrorIs(t, err, ErrNilCapability)

	_, err = issuer.Issue("u", Capability{"chat:a": {OpSubscribe, OpPublish}})
	assert.ErrorIs(t, err, ErrPublishCapability)
}

func TestTokenIssuerAllowsEmptyCapability(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)

	details, err := issuer.Issue("u", Capability{})
	require.NoError(t, err)

	claims, err := issuer.Verify(details.Token)
	require.NoError(t, err)
	assert.False(t, claims.Capability.Allows("chat:a", OpSubscribe))
}

func TestTokenIssuerVerify(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Minute)
	details, err := issuer.Issue("u", Capability{"chat:a": {OpSubscribe}})
	require.NoError(t, err)

	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewTokenIssuer("other", time.Minute).Verify(details.Token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := issuer.Verify("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		later := NewTokenIssuer("secret", time.Minute)
		later.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		_, err := later.Verify(details.Token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})
}
