// Package auth integrates the external identity provider: bearer token
// verification at the gateway handshake and subscription-tier lookups for
// authenticated controllers.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// Claims carries the verified identity extracted from a bearer token.
type Claims struct {
	Identity  string
	ExpiresAt time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
}

// Verifier validates bearer credentials against the identity provider's
// signing secret. Verified tokens are cached by digest until their expiry
// so reconnect storms do not re-parse every token.
type Verifier struct {
	secret []byte
	cache  *lru.Cache[string, Claims]
	logger zerolog.Logger
}

// NewVerifier creates a token verifier. cacheSize bounds the verified-token
// cache; zero disables caching.
func NewVerifier(secret string, cacheSize int, logger zerolog.Logger) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("identity provider secret is required")
	}

	v := &Verifier{
		secret: []byte(secret),
		logger: logger.With().Str("component", "auth").Logger(),
	}

	if cacheSize > 0 {
		cache, err := lru.New[string, Claims](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create token cache: %w", err)
		}
		v.cache = cache
	}

	return v, nil
}

// Verify parses and validates a bearer token, returning the identity it
// names. Expired or malformed tokens are rejected.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	digest := tokenDigest(token)

	if v.cache != nil {
		if cached, ok := v.cache.Get(digest); ok {
			if time.Now().Before(cached.ExpiresAt) {
				return &cached, nil
			}
			v.cache.Remove(digest)
		}
	}

	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("token is invalid")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	result := Claims{Identity: claims.Subject}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	} else {
		// Tokens without expiry get a short cache life.
		result.ExpiresAt = time.Now().Add(time.Minute)
	}

	if v.cache != nil {
		v.cache.Add(digest, result)
	}

	return &result, nil
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ProfileService resolves an identity's subscription tier. Used only by
// the fire-and-forget tier broadcast after a controller joins.
type ProfileService interface {
	Tier(ctx context.Context, identity string) (string, error)
}

// HTTPProfileService queries the external profile collaborator.
type HTTPProfileService struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProfileService creates a profile client with the given per-lookup
// timeout.
func NewHTTPProfileService(baseURL string, timeout time.Duration) *HTTPProfileService {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProfileService{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPProfileService) Tier(ctx context.Context, identity string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/profiles/"+identity+"/tier", nil)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("profile lookup for %s: %w", identity, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("profile lookup for %s: status %d", identity, resp.StatusCode)
	}

	var payload struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode profile response: %w", err)
	}
	if payload.Tier == "" {
		payload.Tier = "free"
	}

	return payload.Tier, nil
}
