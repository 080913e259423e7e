// Package token implements resumption tokens as signed, expiring JWTs.
// A token carries everything needed to resume a listing: the page
// number, the original request arguments, and an optional backend
// cursor handle. Tokens are scoped to the verb that issued them.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrBadResumptionToken is the single failure mode consumers see.
// Expired, tampered, malformed, and wrong-verb tokens are deliberately
// indistinguishable.
var ErrBadResumptionToken = errors.New("token: bad resumption token")

// Claims is the resumption-token payload.
type Claims struct {
	// Page is the zero-based page the token resumes at.
	Page int `json:"page"`

	// Args are the arguments of the original request. A resumed
	// request must repeat none of them, so they travel in the token.
	Args map[string]string `json:"args,omitempty"`

	// Cursor is the record store's position handle, used to resume
	// without an offset scan.
	Cursor string `json:"cursor,omitempty"`

	jwt.RegisteredClaims
}

// Codec signs and verifies resumption tokens.
type Codec struct {
	secret []byte
	ttl    time.Duration
}

// NewCodec builds a codec signing with the given secret. ttl bounds
// token validity.
func NewCodec(secret string, ttl time.Duration) *Codec {
	return &Codec{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token scoped to verb.
func (c *Codec) Issue(verb string, page int, args map[string]string, cursor string) (string, time.Time, error) {
	expires := time.Now().Add(c.ttl)
	claims := Claims{
		Page:   page,
		Args:   args,
		Cursor: cursor,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Audience:  jwt.ClaimStrings{verb},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Verify parses a token and checks that it was issued for verb. Any
// failure collapses to ErrBadResumptionToken.
func (c *Codec) Verify(verb, tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return c.secret, nil
	}, jwt.WithAudience(verb))
	if err != nil {
		return nil, ErrBadResumptionToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrBadResumptionToken
	}
	return claims, nil
}
