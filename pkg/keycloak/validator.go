// Package keycloak validates Keycloak-issued access tokens against the realm's
// JWKS endpoint. Both the NATS auth callout service and the websocket gateway
// authenticate browser tokens through it.
package keycloak

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the token fields the chat system cares about.
type Claims struct {
	Username   string
	Email      string
	RealmRoles []string
	ExpiresAt  time.Time
}

type realmAccess struct {
	Roles []string `json:"roles"`
}

// tokenClaims extends jwt.RegisteredClaims with the Keycloak-specific fields.
type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string      `json:"preferred_username"`
	Email             string      `json:"email"`
	EmailVerified     bool        `json:"email_verified"`
	RealmAccess       realmAccess `json:"realm_access"`
	Scope             string      `json:"scope"`
	Azp               string      `json:"azp"`
}

// Validator verifies token signatures against a cached, auto-refreshing JWKS.
type Validator struct {
	jwks      *keyfunc.JWKS
	issuerURL string
}

// NewValidator fetches the realm JWKS and returns a validator. Keycloak may
// still be booting when services start, so the fetch retries for up to a
// minute. If issuerOverride is non-empty it replaces the issuer derived from
// baseURL (the browser-facing URL can differ from the in-cluster one).
func NewValidator(baseURL, realm, issuerOverride string) (*Validator, error) {
	jwksURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", baseURL, realm)
	issuerURL := fmt.Sprintf("%s/realms/%s", baseURL, realm)
	if issuerOverride != "" {
		issuerURL = issuerOverride
	}

	slog.Info("Initializing Keycloak JWKS validator", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for Keycloak JWKS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch Keycloak JWKS after retries: %w", err)
	}

	slog.Info("Keycloak JWKS loaded", "jwks_url", jwksURL)

	return &Validator{
		jwks:      jwks,
		issuerURL: issuerURL,
	}, nil
}

// Validate parses and verifies an access token, returning its claims.
func (v *Validator) Validate(tokenString string) (*Claims, error) {
	claims := &tokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuerURL),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return &Claims{
		Username:   claims.PreferredUsername,
		Email:      claims.Email,
		RealmRoles: claims.RealmAccess.Roles,
		ExpiresAt:  expiresAt,
	}, nil
}

// Close stops the JWKS background refresh goroutine.
func (v *Validator) Close() {
	v.jwks.EndBackground()
}
