package api

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"pivot-backtest/services/engine"
)

const tokenAudience = "pivot-backtest"

// IssueToken signs an HS256 bearer token for subject, valid for ttl.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("empty jwt secret")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyToken checks signature, audience and expiry and returns the subject.
func VerifyToken(secret, raw string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// requireToken rejects requests without a valid bearer token. Browsers cannot set
// headers on websocket upgrades, so a token query parameter is accepted too.
func requireToken(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Query("token")
		if h := c.GetHeader("Authorization"); h != "" {
			var ok bool
			raw, ok = strings.CutPrefix(h, "Bearer ")
			if !ok {
				abortWithError(c, engine.ErrUnauthorized.WithDetails("expected bearer token"))
				return
			}
		}
		if raw == "" {
			abortWithError(c, engine.ErrUnauthorized)
			return
		}
		sub, err := VerifyToken(secret, strings.TrimSpace(raw))
		if err != nil {
			abortWithError(c, engine.ErrUnauthorized.WithDetails(err.Error()))
			return
		}
		c.Set("subject", sub)
		c.Next()
	}
}
