package auth

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/miyog/engine/internal/config"
)

const discoveryTimeout = 30 * time.Second

// TokenVerifier turns a bearer token into claims.
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
}

// Claims carries the identity fields of an OIDC access token.
type Claims struct {
	UserID string `json:"sub"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWKSVerifier checks RS/ES/EdDSA tokens against the issuer's published key
// set. Keys are refreshed in the background until the constructor's context
// ends.
type JWKSVerifier struct {
	keys   keyfunc.Keyfunc
	parser *jwt.Parser
}

func NewJWKSVerifier(ctx context.Context, cfg config.OIDCConfig, logger zerolog.Logger) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("oidc issuer is required")
	}
	logger = logger.With().Str("component", "jwks").Str("issuer", cfg.Issuer).Logger()
	client := &http.Client{Timeout: discoveryTimeout}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		var err error
		if jwksURL, err = discover(ctx, client, cfg.Issuer); err != nil {
			return nil, err
		}
	}

	keys, err := keyfunc.NewDefaultOverrideCtx(ctx, []string{jwksURL}, keyfunc.Override{
		Client:          client,
		RefreshInterval: cfg.RefreshInterval,
		RefreshErrorHandlerFunc: func(u string) func(context.Context, error) {
			return func(_ context.Context, err error) {
				logger.Warn().Err(err).Str("jwks_url", u).Msg("key set refresh failed")
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("load key set %s: %w", jwksURL, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "EdDSA"}),
	}
	if aud := cmp.Or(cfg.Audience, cfg.ClientID); aud != "" {
		opts = append(opts, jwt.WithAudience(aud))
	}

	logger.Info().Str("jwks_url", jwksURL).Msg("JWKS verifier ready")
	return &JWKSVerifier{keys: keys, parser: jwt.NewParser(opts...)}, nil
}

// discover reads the issuer's OpenID configuration. The document must name
// the same issuer it was fetched from.
func discover(ctx context.Context, client *http.Client, issuer string) (string, error) {
	u := strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("oidc discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oidc discovery: status %d", resp.StatusCode)
	}

	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("oidc discovery: %w", err)
	}
	if doc.Issuer != "" && strings.TrimRight(doc.Issuer, "/") != strings.TrimRight(issuer, "/") {
		return "", fmt.Errorf("oidc discovery: document names issuer %q", doc.Issuer)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("oidc discovery: no jwks_uri")
	}
	return doc.JWKSURI, nil
}

func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(tokenString, claims, v.keys.Keyfunc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims, nil
}
