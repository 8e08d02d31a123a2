package calls

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// tokenTTL bounds how long a stream token stays valid. It only needs to
// cover the window between TwiML delivery and the provider opening the
// media-stream websocket.
const tokenTTL = 5 * time.Minute

const tokenIssuer = "voxbridge"

// TokenIssuer mints and validates the short-lived tokens embedded in the
// media-stream URL. They keep third parties from opening media streams
// against a publicly reachable endpoint.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates a token issuer with the given HMAC secret.
func NewTokenIssuer(secret []byte) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("calls: empty stream token secret")
	}
	return &TokenIssuer{secret: secret}, nil
}

// Issue mints a signed stream token.
func (i *TokenIssuer) Issue() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing stream token: %w", err)
	}
	return signed, nil
}

// Validate checks a stream token's signature, expiry, and issuer.
func (i *TokenIssuer) Validate(tokenString string) error {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return i.secret, nil
	})
	if err != nil {
		return fmt.Errorf("parsing stream token: %w", err)
	}
	if !token.Valid {
		return errors.New("calls: invalid stream token")
	}
	if claims.Issuer != tokenIssuer {
		return fmt.Errorf("calls: unexpected token issuer %q", claims.Issuer)
	}
	return nil
}
