package providerrouter

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ovencore/ovencore/pkg/coreerrors"
	"github.com/ovencore/ovencore/pkg/orchmodels"
)

// virtualKeyClaims binds a minted token to a single provider name plus
// a random nonce, so a leaked key can't be replayed against a
// different provider's route.
type virtualKeyClaims struct {
	Provider string `json:"provider"`
	Nonce    string `json:"nonce"`
	jwt.RegisteredClaims
}

// MintVirtualKey issues a short-lived, HMAC-signed opaque token that
// callers pass around as a provider credential stand-in (the wire
// shape is still "provider name -> opaque token"; the token just
// happens to be a verifiable JWT rather than a random string).
func (r *Router) MintVirtualKey(provider, nonce string) (orchmodels.VirtualKey, error) {
	if r.cfg.VirtualKeySecret == "" {
		return orchmodels.VirtualKey{}, &coreerrors.ValidationError{
			Field: "VirtualKeySecret", Reason: "router is not configured to mint virtual keys",
		}
	}
	now := time.Now().UTC()
	ttl := r.cfg.VirtualKeyTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	expireAt := now.Add(ttl)

	claims := virtualKeyClaims{
		Provider: provider,
		Nonce:    nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expireAt),
			Subject:   provider,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(r.cfg.VirtualKeySecret))
	if err != nil {
		return orchmodels.VirtualKey{}, fmt.Errorf("providerrouter: signing virtual key: %w", err)
	}
	return orchmodels.VirtualKey{
		Provider: provider,
		Token:    signed,
		IssuedAt: now,
		ExpireAt: expireAt,
	}, nil
}

// VerifyVirtualKey checks a token's signature, expiry, and that its
// bound provider matches the one the caller intends to use.
func (r *Router) VerifyVirtualKey(provider, token string) error {
	if r.cfg.VirtualKeySecret == "" {
		return &coreerrors.ValidationError{Field: "VirtualKeySecret", Reason: "router is not configured to verify virtual keys"}
	}
	parsed, err := jwt.ParseWithClaims(token, &virtualKeyClaims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(r.cfg.VirtualKeySecret), nil
	})
	if err != nil {
		return &coreerrors.AuthError{Subject: provider, Reason: fmt.Sprintf("invalid virtual key: %v", err)}
	}
	claims, ok := parsed.Claims.(*virtualKeyClaims)
	if !ok || !parsed.Valid {
		return &coreerrors.AuthError{Subject: provider, Reason: "malformed virtual key claims"}
	}
	if claims.Provider != provider {
		return &coreerrors.AuthError{Subject: provider, Reason: "virtual key is bound to a different provider"}
	}
	return nil
}
