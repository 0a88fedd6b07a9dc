package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vovakirdan/wirechat-relay/internal/core"
)

var signingMethod = jwt.SigningMethodHS256

// Claims is the token payload. The subject carries the user id.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig holds JWT configuration.
type JWTConfig struct {
	// Secret signs new tokens and verifies existing ones.
	Secret []byte
	// PreviousSecrets only verify. They keep old tokens valid while a new
	// secret rolls out.
	PreviousSecrets [][]byte
	Issuer          string
	Audience        string
	TTL             time.Duration
	Leeway          time.Duration
}

// GenerateToken signs a token for userID with the current secret.
func GenerateToken(cfg *JWTConfig, userID, username string) (string, error) {
	return issue(cfg, userID, username, time.Now())
}

func issue(cfg *JWTConfig, userID, username string, now time.Time) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}

	reg := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL)),
	}
	if cfg.Audience != "" {
		reg.Audience = jwt.ClaimStrings{cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(signingMethod, Claims{Username: username, RegisteredClaims: reg}).SignedString(cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verifier authenticates connections with HS256 JWTs.
type Verifier struct {
	parser *jwt.Parser
	keys   [][]byte
}

// NewVerifier builds a verifier. The secret must not be empty.
func NewVerifier(cfg *JWTConfig) (*Verifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	keys := [][]byte{cfg.Secret}
	for _, k := range cfg.PreviousSecrets {
		if len(k) > 0 {
			keys = append(keys, k)
		}
	}
	return &Verifier{parser: jwt.NewParser(opts...), keys: keys}, nil
}

// Verify returns the user id carried by token.
func (v *Verifier) Verify(_ context.Context, token string) (string, error) {
	claims, err := v.claims(token)
	if err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrAuthRejected, err)
	}
	return claims.Subject, nil
}

// claims tries each key in order. Only a signature mismatch moves on to
// the next key.
func (v *Verifier) claims(token string) (*Claims, error) {
	var err error
	for _, key := range v.keys {
		claims := &Claims{}
		_, err = v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return key, nil })
		switch {
		case err == nil:
			if claims.Subject == "" {
				return nil, errors.New("token has no subject")
			}
			return claims, nil
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			continue
		default:
			return nil, err
		}
	}
	return nil, err
}
