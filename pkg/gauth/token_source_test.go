package gauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pixmint/credits-backend/pkg/config"
	"github.com/pixmint/credits-backend/pkg/logger"
)

type stubTokenStore struct {
	values map[string]string
	ttls   map[string]time.Duration
	getErr error
}

func newStubTokenStore() *stubTokenStore {
	return &stubTokenStore{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (s *stubTokenStore) Get(ctx context.Context, key string) (string, error) {
	if s.getErr != nil {
		return "", s.getErr
	}
	value, ok := s.values[key]
	if !ok {
		return "", goredis.Nil
	}
	return value, nil
}

func (s *stubTokenStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	s.values[key] = value
	s.ttls[key] = ttl
	return nil
}

func (s *stubTokenStore) TokenKey(scope string) string {
	return "px:token:" + scope
}

func testKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return string(pem.EncodeToMemory(block))
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

// tokenEndpoint serves the OAuth exchange, checking the assertion form and
// counting calls so tests can assert cache behavior.
func tokenEndpoint(t *testing.T, calls *int, token string, expiresIn int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostFormValue("grant_type"); got != grantType {
			t.Errorf("wrong grant_type %q", got)
		}
		if r.PostFormValue("assertion") == "" {
			t.Errorf("exchange carried no assertion")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": token,
			"expires_in":   expiresIn,
			"token_type":   "Bearer",
		})
	}))
}

func newTestSource(t *testing.T, tokenURL string, store *stubTokenStore) *TokenSource {
	t.Helper()
	source, err := NewTokenSource(config.GoogleConfig{
		ClientEmail:       "svc@pixmint.iam.gserviceaccount.com",
		PrivateKeyPEM:     testKeyPEM(t),
		TokenURL:          tokenURL,
		TokenSafetyMargin: 5 * time.Minute,
	}, store, testLogger())
	if err != nil {
		t.Fatalf("setup token source: %v", err)
	}
	return source
}

func TestTokenMintsAndCachesOnMiss(t *testing.T) {
	var calls int
	server := tokenEndpoint(t, &calls, "tok-1", 3600)
	defer server.Close()
	store := newStubTokenStore()
	source := newTestSource(t, server.URL, store)

	token, err := source.Token(context.Background(), ScopeAndroidPublisher)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != "tok-1" {
		t.Fatalf("wrong token %q", token)
	}
	if calls != 1 {
		t.Fatalf("expected one exchange, got %d", calls)
	}
	key := store.TokenKey("androidpublisher")
	if store.values[key] != "tok-1" {
		t.Fatalf("token not cached under %q: %v", key, store.values)
	}
	if want := time.Hour - 5*time.Minute; store.ttls[key] != want {
		t.Fatalf("cache ttl must be lifetime minus margin, got %s want %s", store.ttls[key], want)
	}
}

func TestTokenReturnsCachedWithoutExchange(t *testing.T) {
	var calls int
	server := tokenEndpoint(t, &calls, "tok-fresh", 3600)
	defer server.Close()
	store := newStubTokenStore()
	store.values[store.TokenKey("androidpublisher")] = "tok-cached"
	source := newTestSource(t, server.URL, store)

	token, err := source.Token(context.Background(), ScopeAndroidPublisher)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != "tok-cached" {
		t.Fatalf("expected the cached token, got %q", token)
	}
	if calls != 0 {
		t.Fatalf("cache hit must not hit the endpoint, calls %d", calls)
	}
}

func TestTokenSurvivesCacheReadFailure(t *testing.T) {
	var calls int
	server := tokenEndpoint(t, &calls, "tok-1", 3600)
	defer server.Close()
	store := newStubTokenStore()
	store.getErr = errors.New("connection refused")
	source := newTestSource(t, server.URL, store)

	token, err := source.Token(context.Background(), ScopeFirebaseMessaging)
	if err != nil {
		t.Fatalf("cache trouble must not fail the call: %v", err)
	}
	if token != "tok-1" || calls != 1 {
		t.Fatalf("expected a fresh mint, token %q calls %d", token, calls)
	}
}

func TestTokenSkipsCacheForShortLivedToken(t *testing.T) {
	var calls int
	// A 60s lifetime is inside the safety margin; caching it would hand out
	// tokens that expire before use.
	server := tokenEndpoint(t, &calls, "tok-short", 60)
	defer server.Close()
	store := newStubTokenStore()
	source := newTestSource(t, server.URL, store)

	token, err := source.Token(context.Background(), ScopeAndroidPublisher)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != "tok-short" {
		t.Fatalf("wrong token %q", token)
	}
	if len(store.values) != 0 {
		t.Fatalf("short-lived token must not be cached: %v", store.values)
	}
}

func TestTokenEndpointFailurePropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()
	source := newTestSource(t, server.URL, newStubTokenStore())

	if _, err := source.Token(context.Background(), ScopeAndroidPublisher); err == nil {
		t.Fatalf("endpoint failure must surface")
	}
}

func TestTokenRequiresScope(t *testing.T) {
	source := newTestSource(t, "http://unused.invalid", newStubTokenStore())

	if _, err := source.Token(context.Background(), "  "); err == nil {
		t.Fatalf("blank scope must be rejected")
	}
}

func TestNewTokenSourceValidatesConfig(t *testing.T) {
	valid := config.GoogleConfig{
		ClientEmail:   "svc@pixmint.iam.gserviceaccount.com",
		PrivateKeyPEM: testKeyPEM(t),
	}

	if _, err := NewTokenSource(valid, nil, testLogger()); err == nil {
		t.Fatalf("nil store must be rejected")
	}
	missingEmail := valid
	missingEmail.ClientEmail = ""
	if _, err := NewTokenSource(missingEmail, newStubTokenStore(), testLogger()); err == nil {
		t.Fatalf("missing client email must be rejected")
	}
	badKey := valid
	badKey.PrivateKeyPEM = "not a key"
	if _, err := NewTokenSource(badKey, newStubTokenStore(), testLogger()); err == nil {
		t.Fatalf("unparseable key must be rejected")
	}
}
