package auth

import (
	"context"
	"fmt"
	"server-hub/domain"
	"server-hub/errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "server-hub"

// CustomClaims defines the structure of the data stored inside the JWT.
// UserID is the Identity notifications are addressed to.
type CustomClaims struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

func (c CustomClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenResolver issues and checks HS256 tokens. It is the authentication
// collaborator of the session binder.
type TokenResolver struct {
	secret   []byte
	duration time.Duration
	now      func() time.Time
}

func NewTokenResolver(secret string, duration time.Duration) *TokenResolver {
	return &TokenResolver{secret: []byte(secret), duration: duration, now: time.Now}
}

// GenerateToken creates a signed JWT for a specific user.
func (t *TokenResolver) GenerateToken(userID string, roles []string) (string, error) {
	now := t.now()
	claims := &CustomClaims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(t.duration)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errors.ErrTokenGeneration, err)
	}
	return signed, nil
}

// ValidateToken checks the signature, the algorithm and the expiration.
func (t *TokenResolver) ValidateToken(tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{},
		func(token *jwt.Token) (interface{}, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrAuthFailure, err)
	}
	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("%w: %w", errors.ErrAuthFailure, jwt.ErrSignatureInvalid)
	}
	return claims, nil
}

func (t *TokenResolver) ResolveIdentity(_ context.Context, token string) (domain.Identity, error) {
	claims, err := t.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return domain.Identity(claims.UserID), nil
}
