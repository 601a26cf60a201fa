package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/config"
	"github.com/Shugur-Network/pubsub-relay/internal/constants"
	relayErrors "github.com/Shugur-Network/pubsub-relay/internal/errors"
	"github.com/Shugur-Network/pubsub-relay/internal/logger"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Session is the outcome of a successful handshake.
type Session struct {
	Owner     string
	ClientID  string
	Issuer    string
	IssuedAt  time.Time
	TTL       time.Duration
	ExpiresAt time.Time
}

// Validator checks handshake tokens against whitelist and audience policy.
type Validator struct {
	whitelist     map[string]string // lowercase hex public key -> owner name
	audiences     []string
	maxSessionTTL time.Duration
	now           func() time.Time
	logger        *zap.Logger
}

// NewValidator builds a Validator from the auth section of the config.
func NewValidator(cfg config.AuthConfig) *Validator {
	whitelist := make(map[string]string, len(cfg.Whitelist))
	for _, entry := range cfg.Whitelist {
		whitelist[strings.ToLower(entry.PublicKey)] = entry.Name
	}
	maxTTL := cfg.MaxSessionTTL
	if maxTTL <= 0 {
		maxTTL = constants.DefaultMaxSessionTTL
	}
	return &Validator{
		whitelist:     whitelist,
		audiences:     cfg.ValidAudiences,
		maxSessionTTL: maxTTL,
		now:           time.Now,
		logger:        logger.New("auth"),
	}
}

// Authenticate validates the token carried by r and returns the resulting session.
// Every failure is an *errors.AppError of type authentication.
func (v *Validator) Authenticate(r *http.Request) (*Session, error) {
	raw := tokenFromRequest(r)
	if raw == "" {
		return nil, relayErrors.Unauthenticated("jwt not found")
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		v.logger.Debug("undecodable token", zap.Error(err))
		return nil, relayErrors.Unauthenticated("decode jwt failed")
	}

	pub, err := DecodeIssuer(claims.Issuer)
	if err != nil {
		v.logger.Debug("bad issuer", zap.String("iss", claims.Issuer), zap.Error(err))
		return nil, relayErrors.Unauthenticated("decode jwt failed")
	}
	keyHex := hex.EncodeToString(pub)

	owner := constants.UnknownOwner
	if len(v.whitelist) > 0 {
		name, ok := v.whitelist[keyHex]
		if !ok {
			v.logger.Info("public key is not in whitelist", zap.String("public_key", keyHex))
			return nil, relayErrors.Forbidden("public key is not in whitelist")
		}
		owner = name
	}

	if len(v.audiences) > 0 && !v.audienceAllowed(claims.Audience) {
		v.logger.Debug("unexpected audience",
			zap.Strings("expected", v.audiences),
			zap.Strings("got", claims.Audience))
		return nil, relayErrors.Forbidden("jwt audience is not correct")
	}

	if len(v.whitelist) > 0 && owner == constants.UnknownOwner {
		return nil, relayErrors.Forbidden("jwt public key is not in whitelist")
	}

	if err := verifySignature(raw, pub); err != nil {
		v.logger.Debug("signature verification failed", zap.Error(err))
		return nil, relayErrors.Unauthenticated("verify jwt failed")
	}

	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, relayErrors.InvalidToken("jwt iat and exp are required")
	}
	ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	if ttl <= 0 {
		return nil, relayErrors.InvalidToken("JWT expired")
	}
	if ttl > v.maxSessionTTL {
		return nil, relayErrors.InvalidToken("JWT ttl is too long")
	}

	now := v.now()
	if !claims.ExpiresAt.After(now) {
		return nil, relayErrors.InvalidToken("JWT expired")
	}

	return &Session{
		Owner:     owner,
		ClientID:  keyHex,
		Issuer:    claims.Issuer,
		IssuedAt:  claims.IssuedAt.Time,
		TTL:       ttl,
		ExpiresAt: now.Add(ttl),
	}, nil
}

func (v *Validator) audienceAllowed(aud jwt.ClaimStrings) bool {
	for _, got := range aud {
		for _, want := range v.audiences {
			if got == want {
				return true
			}
		}
	}
	return false
}

func verifySignature(raw string, pub ed25519.PublicKey) error {
	_, err := jwt.Parse(raw,
		func(*jwt.Token) (interface{}, error) { return pub, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	return err
}

// tokenFromRequest reads the auth query parameter, falling back to a bearer header.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("auth"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
