package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/config"
	"github.com/Shugur-Network/pubsub-relay/internal/constants"
	relayErrors "github.com/Shugur-Network/pubsub-relay/internal/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testKey struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newTestKey(t *testing.T) testKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return testKey{pub: pub, priv: priv}
}

func (k testKey) hex() string { return hex.EncodeToString(k.pub) }

func (k testKey) token(t *testing.T, aud string, iat, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Issuer:    EncodeIssuer(k.pub),
		Subject:   "client",
		IssuedAt:  jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	if aud != "" {
		claims.Audience = jwt.ClaimStrings{aud}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(k.priv)
	require.NoError(t, err)
	return signed
}

func requestWithQuery(token string) *http.Request {
	return httptest.NewRequest(http.MethodGet, "/?auth="+token, nil)
}

func TestIssuerRoundTrip(t *testing.T) {
	k := newTestKey(t)
	iss := EncodeIssuer(k.pub)
	assert.True(t, strings.HasPrefix(iss, "did:key:z6Mk"))

	pub, err := DecodeIssuer(iss)
	require.NoError(t, err)
	assert.Equal(t, k.pub, pub)

	_, err = DecodeIssuer("did:web:example.com")
	assert.Error(t, err)
	_, err = DecodeIssuer("did:key:z0OIl")
	assert.Error(t, err)
}

func TestAuthenticateOpenPolicy(t *testing.T) {
	k := newTestKey(t)
	v := NewValidator(config.AuthConfig{MaxSessionTTL: 24 * time.Hour})
	now := time.Now()

	session, err := v.Authenticate(requestWithQuery(k.token(t, "", now, now.Add(time.Hour))))
	require.NoError(t, err)
	assert.Equal(t, constants.UnknownOwner, session.Owner)
	assert.Equal(t, k.hex(), session.ClientID)
	assert.Equal(t, time.Hour, session.TTL)
	assert.WithinDuration(t, now.Add(time.Hour), session.ExpiresAt, 2*time.Second)
}

func TestAuthenticateBearerHeader(t *testing.T) {
	k := newTestKey(t)
	v := NewValidator(config.AuthConfig{MaxSessionTTL: 24 * time.Hour})
	now := time.Now()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+k.token(t, "", now, now.Add(time.Minute)))

	_, err := v.Authenticate(r)
	assert.NoError(t, err)
}

func TestAuthenticateWhitelist(t *testing.T) {
	trusted := newTestKey(t)
	stranger := newTestKey(t)
	v := NewValidator(config.AuthConfig{
		Whitelist:     []config.WhitelistEntry{{Name: "wallet", PublicKey: strings.ToUpper(trusted.hex())}},
		MaxSessionTTL: 24 * time.Hour,
	})
	now := time.Now()

	session, err := v.Authenticate(requestWithQuery(trusted.token(t, "", now, now.Add(time.Hour))))
	require.NoError(t, err)
	assert.Equal(t, "wallet", session.Owner)

	_, err = v.Authenticate(requestWithQuery(stranger.token(t, "", now, now.Add(time.Hour))))
	require.Error(t, err)
	assert.True(t, relayErrors.HasCode(err, relayErrors.CodeForbidden))
}

func TestAuthenticateAudience(t *testing.T) {
	k := newTestKey(t)
	v := NewValidator(config.AuthConfig{
		ValidAudiences: []string{"wss://relay.example.com"},
		MaxSessionTTL:  24 * time.Hour,
	})
	now := time.Now()

	_, err := v.Authenticate(requestWithQuery(k.token(t, "wss://relay.example.com", now, now.Add(time.Hour))))
	assert.NoError(t, err)

	_, err = v.Authenticate(requestWithQuery(k.token(t, "wss://other.example.com", now, now.Add(time.Hour))))
	require.Error(t, err)
	assert.True(t, relayErrors.HasCode(err, relayErrors.CodeForbidden))
}

func TestAuthenticateFailures(t *testing.T) {
	k := newTestKey(t)
	other := newTestKey(t)
	v := NewValidator(config.AuthConfig{MaxSessionTTL: 24 * time.Hour})
	now := time.Now()

	forged := func() string {
		// claims issued by k but signed by other
		claims := jwt.RegisteredClaims{
			Issuer:    EncodeIssuer(k.pub),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}
		s, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(other.priv)
		require.NoError(t, err)
		return s
	}

	cases := []struct {
		name  string
		token string
		code  string
	}{
		{"missing", "", relayErrors.CodeUnauthenticated},
		{"garbage", "not-a-jwt", relayErrors.CodeUnauthenticated},
		{"bad signature", forged(), relayErrors.CodeUnauthenticated},
		{"zero ttl", k.token(t, "", now, now), relayErrors.CodeInvalidToken},
		{"negative ttl", k.token(t, "", now, now.Add(-time.Minute)), relayErrors.CodeInvalidToken},
		{"ttl too long", k.token(t, "", now, now.Add(25*time.Hour)), relayErrors.CodeInvalidToken},
		{"already expired", k.token(t, "", now.Add(-2*time.Hour), now.Add(-time.Hour)), relayErrors.CodeInvalidToken},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Authenticate(requestWithQuery(tc.token))
			require.Error(t, err)
			assert.True(t, relayErrors.HasCode(err, tc.code), "got %v", err)

			appErr, ok := relayErrors.As(err)
			require.True(t, ok)
			assert.Equal(t, http.StatusUnauthorized, relayErrors.HTTPStatus(appErr))
		})
	}
}
