// Package tokens issues the credentials a spawned server presents when it
// calls back into the daemon. Each activation gets its own token naming the
// server id, so a process cannot register endpoints for another server.
package tokens

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tomyedwab/orbd/types"
)

const defaultTokenTTL = 24 * time.Hour

var ErrInvalidToken = errors.New("invalid activation token")

// ActivationClaims identify one activation of one server.
type ActivationClaims struct {
	ServerID     int    `json:"server_id"`
	ActivationID string `json:"activation_id"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies activation tokens.
type Issuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewIssuer creates an Issuer signing with key. A zero ttl selects 24h.
func NewIssuer(key []byte, ttl time.Duration) *Issuer {
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	return &Issuer{key: key, ttl: ttl, now: time.Now}
}

// Issue creates a token for a new activation of serverID.
func (i *Issuer) Issue(serverID types.ServerID) (string, *ActivationClaims, error) {
	now := i.now().UTC()
	claims := &ActivationClaims{
		ServerID:     int(serverID),
		ActivationID: uuid.New().String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.Itoa(int(serverID)),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(i.key)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign activation token: %w", err)
	}
	return tokenString, claims, nil
}

// Verify parses tokenString and checks its signature and expiry.
func (i *Issuer) Verify(tokenString string) (*ActivationClaims, error) {
	var claims ActivationClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return i.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// VerifyFor checks tokenString and that it was issued for serverID.
func (i *Issuer) VerifyFor(tokenString string, serverID types.ServerID) (*ActivationClaims, error) {
	claims, err := i.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.ServerID != int(serverID) {
		return nil, fmt.Errorf("%w: issued for server %d, not %d", ErrInvalidToken, claims.ServerID, serverID)
	}
	return claims, nil
}
