package httpapi

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/relaydesk/internal/support"
)

const DefaultAudience = "relaydesk"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// deskClaims is the bearer token payload: sub identifies the user, name is
// shown to the other party and role decides what they may do.
type deskClaims struct {
	Name string       `json:"name"`
	Role support.Role `json:"role"`
	jwt.RegisteredClaims
}

func authorizeBearer(authHeader, jwtSecret, audience string, now time.Time) (support.Actor, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return support.Actor{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	var claims deskClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return support.Actor{}, &authError{status: 401, code: "unauthorized", message: tokenErrorMessage(err)}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return support.Actor{}, &authError{status: 401, code: "unauthorized", message: "missing sub claim"}
	}
	if !claims.Role.Valid() {
		return support.Actor{}, &authError{status: 403, code: "forbidden", message: "unknown role: " + string(claims.Role)}
	}
	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = claims.Subject
	}
	return support.Actor{ID: claims.Subject, Name: name, Role: claims.Role}, nil
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
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing exp claim"
	default:
		return "invalid bearer token"
	}
}

// IssueToken signs an HS256 token for actor. Tooling and tests use it; the
// server only verifies.
func IssueToken(secret, audience string, actor support.Actor, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret is required")
	}
	if strings.TrimSpace(actor.ID) == "" || !actor.Role.Valid() {
		return "", errors.New("actor id and role are required")
	}
	if audience == "" {
		audience = DefaultAudience
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := deskClaims{
		Name: actor.Name,
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
