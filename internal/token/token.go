// Package token issues and verifies the signed bearer tokens that agents
// present when attaching to the relay. A token binds a venue id and display
// name and is valid for one year from issue.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validity is how long an issued venue token remains accepted.
const Validity = 365 * 24 * time.Hour

// Claims is the JWT payload carried by a venue bearer token.
type Claims struct {
	VenueID string `json:"venueId"`
	Name    string `json:"name"`
	jwt.RegisteredClaims
}

// Signer issues and verifies venue tokens with a shared HMAC secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer. The secret must be non-empty.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("token: signing secret is empty")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Issue signs a token for the given venue, valid for Validity from now.
func (s *Signer) Issue(venueID, name string) (string, error) {
	now := time.Now()
	claims := Claims{
		VenueID: venueID,
		Name:    name,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(Validity)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.secret)
}

// Verify parses and validates a token string, returning its claims.
// Expired, malformed, or foreign-signed tokens all return an error.
func (s *Signer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid || claims.VenueID == "" {
		return nil, fmt.Errorf("token: invalid claims")
	}
	return claims, nil
}
