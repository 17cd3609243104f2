// Package token mints and validates update capability tokens: short-lived
// credentials proving a completed OTP verification, bound to the source
// address that completed it.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "taglink/pkg/domainerrors"
)

// Claims are the capability token claims. SourceIP binds the capability to
// the device that completed verification, mitigating token theft or replay
// from a different network.
type Claims struct {
	OwnerID  string `json:"owner_id"`
	TagID    string `json:"tag_id"`
	SourceIP string `json:"source_ip"`
	jwt.RegisteredClaims
}

// Service signs and validates capability tokens.
type Service struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
}

// New constructs a token service. ttl is the capability lifetime (multi-day
// by design so an owner can finish an edit later).
func New(signingKey string, ttl time.Duration) *Service {
	return &Service{
		signingKey: []byte(signingKey),
		issuer:     "taglink",
		ttl:        ttl,
	}
}

// Mint signs a capability for (ownerID, tagID) bound to sourceIP.
func (s *Service) Mint(ownerID, tagID, sourceIP string) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		OwnerID:  ownerID,
		TagID:    tagID,
		SourceIP: sourceIP,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
		},
	})

	signed, err := t.SignedString(s.signingKey)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign capability token")
	}
	return signed, nil
}

// Validate checks a presented token against the caller's source address.
//
// The source-address check runs before expiry on purpose: a token presented
// from the wrong address is always a TokenMismatch, regardless of whether it
// would otherwise still be valid. The signature is verified first — an
// unsigned claim set proves nothing.
func (s *Service) Validate(tokenString, sourceIP string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid capability token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid capability token claims")
	}

	if claims.SourceIP != sourceIP {
		return nil, dErrors.New(dErrors.CodeTokenMismatch, "capability token was issued to a different address")
	}

	if claims.ExpiresAt == nil || !time.Now().Before(claims.ExpiresAt.Time) {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "capability token has expired")
	}

	return claims, nil
}
