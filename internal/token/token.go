// Package token verifies and mints the HMAC-SHA256 signed bearers the
// gateway exchanges at join time, carrying {id, channel, exp}.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/phoenixgw/gateway/internal/gwerr"
)

// Claims is the JWT payload a join token must carry. Channel is extracted
// but never compared against the topic being joined; verification of that
// match, if wanted, is a caller concern.
type Claims struct {
	ID      string `json:"id"`
	Channel string `json:"channel"`
	jwt.RegisteredClaims
}

// Verifier validates join tokens against a single shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates tokenStr, returning the external identity and
// the channel claim carried inside it. Any malformed token, bad signature,
// expired token, or non-HMAC signing method is reported as gwerr.ErrBadToken.
func (v *Verifier) Verify(tokenStr string) (externalID, channel string, err error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return "", "", errWrap(err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", "", gwerr.ErrBadToken
	}
	if claims.ID == "" {
		return "", "", gwerr.ErrBadToken
	}
	return claims.ID, claims.Channel, nil
}

func errWrap(err error) error {
	return errors.Join(gwerr.ErrBadToken, err)
}

// Minter mints join tokens on behalf of the accounts companion. It lives
// alongside the verifier since both sides share the Claims shape and the
// signing secret.
type Minter struct {
	secret     []byte
	expiration time.Duration
}

func NewMinter(secret string, expirationSecs int) *Minter {
	return &Minter{
		secret:     []byte(secret),
		expiration: time.Duration(expirationSecs) * time.Second,
	}
}

func (m *Minter) Mint(externalID, channel string) (string, error) {
	claims := Claims{
		ID:      externalID,
		Channel: channel,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   externalID,
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(m.secret)
}
