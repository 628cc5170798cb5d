package gauth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pixmint/credits-backend/pkg/config"
	"github.com/pixmint/credits-backend/pkg/logger"
	"github.com/pixmint/credits-backend/pkg/redis"
)

// OAuth scopes for the Google surfaces this service calls.
const (
	ScopeAndroidPublisher  = "https://www.googleapis.com/auth/androidpublisher"
	ScopeFirebaseMessaging = "https://www.googleapis.com/auth/firebase.messaging"
)

const (
	assertionLifetime = time.Hour
	grantType         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	exchangeTimeout   = 10 * time.Second
)

var (
	errClientEmailRequired = errors.New("google client email is required")
	errPrivateKeyRequired  = errors.New("google private key is required")
	errStoreRequired       = errors.New("token store is required")
)

// TokenSource mints and caches short-lived Google access tokens per scope.
// The cache lives in Redis so many stateless instances share one token; the
// stored TTL is the provider-reported lifetime minus a safety margin, so a
// cache hit is always still valid.
type TokenSource struct {
	store  redis.TokenStore
	httpc  *http.Client
	cfg    config.GoogleConfig
	key    *rsa.PrivateKey
	logg   *logger.Logger
	now    func() time.Time
	margin time.Duration
}

// NewTokenSource parses the service-account key and wires the cache.
func NewTokenSource(cfg config.GoogleConfig, store redis.TokenStore, logg *logger.Logger) (*TokenSource, error) {
	if store == nil {
		return nil, errStoreRequired
	}
	if strings.TrimSpace(cfg.ClientEmail) == "" {
		return nil, errClientEmailRequired
	}
	if strings.TrimSpace(cfg.PrivateKeyPEM) == "" {
		return nil, errPrivateKeyRequired
	}

	// Keys arriving via env vars carry literal \n sequences.
	pem := strings.ReplaceAll(cfg.PrivateKeyPEM, `\n`, "\n")
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("parsing google private key: %w", err)
	}

	margin := cfg.TokenSafetyMargin
	if margin <= 0 {
		margin = 5 * time.Minute
	}

	return &TokenSource{
		store:  store,
		httpc:  &http.Client{Timeout: exchangeTimeout},
		cfg:    cfg,
		key:    key,
		logg:   logg,
		now:    time.Now,
		margin: margin,
	}, nil
}

// Token returns a bearer token for the given scope, exchanging a fresh
// assertion on cache miss.
func (s *TokenSource) Token(ctx context.Context, scope string) (string, error) {
	if strings.TrimSpace(scope) == "" {
		return "", errors.New("scope is required")
	}

	cacheKey := s.store.TokenKey(scopeSlug(scope))
	cached, err := s.store.Get(ctx, cacheKey)
	if err == nil && cached != "" {
		return cached, nil
	}
	if err != nil && !redis.IsNil(err) {
		// Cache trouble should not take down outbound calls.
		if s.logg != nil {
			s.logg.Warn(ctx, "token cache read failed; minting fresh token")
		}
	}

	token, lifetime, err := s.exchange(ctx, scope)
	if err != nil {
		return "", err
	}

	ttl := lifetime - s.margin
	if ttl > 0 {
		if err := s.store.SetWithTTL(ctx, cacheKey, token, ttl); err != nil && s.logg != nil {
			s.logg.Warn(ctx, "token cache write failed")
		}
	}
	return token, nil
}

func (s *TokenSource) exchange(ctx context.Context, scope string) (string, time.Duration, error) {
	assertion, err := s.signAssertion(scope)
	if err != nil {
		return "", 0, err
	}

	form := url.Values{}
	form.Set("grant_type", grantType)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", 0, fmt.Errorf("decoding token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", 0, errors.New("token endpoint returned empty access token")
	}
	return payload.AccessToken, time.Duration(payload.ExpiresIn) * time.Second, nil
}

func (s *TokenSource) signAssertion(scope string) (string, error) {
	now := s.now().UTC()
	claims := jwt.MapClaims{
		"iss":   s.cfg.ClientEmail,
		"scope": scope,
		"aud":   s.cfg.TokenURL,
		"iat":   jwt.NewNumericDate(now),
		"exp":   jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.cfg.PrivateKeyID != "" {
		token.Header["kid"] = s.cfg.PrivateKeyID
	}
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing assertion: %w", err)
	}
	return signed, nil
}

func scopeSlug(scope string) string {
	slug := strings.TrimPrefix(scope, "https://www.googleapis.com/auth/")
	return strings.ReplaceAll(strings.TrimSpace(slug), " ", ",")
}
