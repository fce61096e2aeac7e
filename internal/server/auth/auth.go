// Package auth turns bearer tokens issued by the account service into quota
// identities. Requests without a token are anonymous and keyed by client IP.
package auth

import (
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"sendfiles/internal/server/quota"
)

var ErrInvalidToken = errors.New("invalid bearer token")

// Claims is the token payload shared with the account service.
type Claims struct {
	PlanActive bool `json:"plan_active"`
	jwt.RegisteredClaims
}

// Verifier checks HMAC-signed tokens.
type Verifier struct {
	Secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{Secret: []byte(secret)}
}

// Enabled reports whether tokens can be verified at all.
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.Secret) > 0
}

// Sign issues a token for userID. The account service normally does this;
// it is used by tooling and tests.
func (v *Verifier) Sign(userID string, planActive bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		PlanActive: planActive,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.Secret)
}

func (v *Verifier) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.Subject != "" {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}

// Identify resolves the requester from an Authorization header value and the
// client IP. An absent header yields an anonymous identity; a present but
// invalid one is an error.
func (v *Verifier) Identify(authorization, ip string) (quota.Identity, error) {
	id := quota.Identity{IP: ip}
	if authorization == "" || !v.Enabled() {
		return id, nil
	}

	scheme, token, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return id, ErrInvalidToken
	}

	claims, err := v.Parse(strings.TrimSpace(token))
	if err != nil {
		return id, ErrInvalidToken
	}
	id.UserID = claims.Subject
	id.PlanActive = claims.PlanActive
	return id, nil
}
