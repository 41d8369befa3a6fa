package api

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/medrex/healthchain/pkg/types"
)

// Claims are the JWT claims carried by an agent session token
type Claims struct {
	Address string `json:"address"`
	Handle  string `json:"handle,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator issues and validates session tokens
type TokenValidator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenValidator creates a new token validator
func NewTokenValidator(secret, issuer string, ttl time.Duration) *TokenValidator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenValidator{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs a token for principal.
func (tv *TokenValidator) Issue(principal types.PrincipalID, handle string) (string, time.Time, error) {
	principal, err := types.ParsePrincipal(string(principal))
	if err != nil {
		return "", time.Time{}, err
	}
	now := tv.now()
	expiresAt := now.Add(tv.ttl)

	claims := &Claims{
		Address: string(principal),
		Handle:  handle,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tv.issuer,
			Subject:   string(principal),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tv.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses a token and returns the session it authenticates.
func (tv *TokenValidator) Validate(tokenString string) (*types.Session, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(tv.now),
		jwt.WithExpirationRequired(),
	}
	if tv.issuer != "" {
		opts = append(opts, jwt.WithIssuer(tv.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return tv.secret, nil
	}, opts...)
	if err != nil {
		return nil, types.NewUnauthenticatedError("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, types.NewUnauthenticatedError("invalid token claims")
	}

	principal, err := types.ParsePrincipal(claims.Address)
	if err != nil {
		return nil, types.NewUnauthenticatedError("token does not name a valid principal")
	}
	return &types.Session{Principal: principal, Handle: claims.Handle}, nil
}
