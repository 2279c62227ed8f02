package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is what the gateway needs from a verified token.
type Claims struct {
	UserID        string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	TwoFactorDone bool
}

// TokenVerifier validates a raw token and extracts its claims. The JWT
// implementation is the production one; tests substitute a fake.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	TwoFactorDone bool `json:"tfa_done,omitempty"`
}

// JWTVerifier verifies HS256-signed tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier for the given signing secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

func (v *JWTVerifier) Verify(token string) (*Claims, error) {
	var claims jwtClaims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("token expired: %w", err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("token signature invalid: %w", err)
		default:
			return nil, fmt.Errorf("token invalid: %w", err)
		}
	}
	if claims.Subject == "" {
		return nil, errors.New("token missing subject")
	}

	out := &Claims{
		UserID:        claims.Subject,
		TwoFactorDone: claims.TwoFactorDone,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
