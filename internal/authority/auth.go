package authority

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	Audience     = "fieldsync"
	ScopeWrite   = "mutations:write"
	ScopeRead    = "mutations:read"
	ScopeConnect = "connectivity:read"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// Claims identify one field device.
type Claims struct {
	DeviceID string   `json:"device_id"`
	Scopes   []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c *Claims) hasScope(scope string) bool {
	for _, granted := range c.Scopes {
		if granted == scope {
			return true
		}
	}
	return false
}

// MintToken signs an HS256 device token for the fieldsync audience.
func MintToken(secret, deviceID string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	claims := &Claims{
		DeviceID: deviceID,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{Audience},
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// authorizeBearer accepts a token when it verifies and carries any of the
// listed scopes. No scopes means any verified token.
func authorizeBearer(authHeader, secret string, now time.Time, scopes ...string) (*Claims, *authError) {
	claims, err := parseBearer(authHeader, secret, now)
	if err != nil {
		return nil, err
	}
	if len(claims.Scopes) == 0 {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	if len(scopes) == 0 {
		return claims, nil
	}
	for _, scope := range scopes {
		if claims.hasScope(scope) {
			return claims, nil
		}
	}
	return nil, &authError{
		status:  http.StatusForbidden,
		code:    "forbidden",
		message: "missing required scope: " + strings.Join(scopes, " or "),
	}
}

func parseBearer(authHeader, secret string, now time.Time) (*Claims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: tokenErrorMessage(err)}
	}
	if claims.DeviceID == "" {
		claims.DeviceID = claims.Subject
	}
	if claims.DeviceID == "" {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing device_id claim"}
	}
	return claims, nil
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unsupported jwt algorithm"
	default:
		return "invalid bearer token"
	}
}
