package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap/zaptest"

	"llm-edge-gateway/internal/cache"
)

const subToken = "6f1c2a7e-3b4d-4e5f-8a9b-0c1d2e3f4a5b"

type countingOracle struct {
	calls  atomic.Int64
	active bool
	err    error
	delay  time.Duration
}

func (o *countingOracle) IsActive(ctx context.Context, token string) (bool, error) {
	o.calls.Add(1)
	if o.delay > 0 {
		time.Sleep(o.delay)
	}
	return o.active, o.err
}

type stubSessions struct {
	principal Principal
	err       error
}

func (s stubSessions) Verify(context.Context, string) (Principal, error) {
	return s.principal, s.err
}

func TestAuthenticateMissingHeader(t *testing.T) {
	t.Parallel()

	a := NewAuthenticator(&countingOracle{active: true}, nil, zaptest.NewLogger(t))

	for _, header := range []string{"", "Basic abc", "Bearer", "Bearer   "} {
		_, err := a.Authenticate(context.Background(), header)
		if err != ErrUnauthorized {
			t.Fatalf("header %q: expected ErrUnauthorized, got %v", header, err)
		}
		if err.Error() != "unauthorized" {
			t.Fatalf("unexpected message %q", err.Error())
		}
	}
}

func TestAuthenticateSubscriptionToken(t *testing.T) {
	t.Parallel()

	oracle := &countingOracle{active: true}
	a := NewAuthenticator(oracle, nil, zaptest.NewLogger(t))

	p, err := a.Authenticate(context.Background(), "Bearer "+subToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Method != MethodSubscription {
		t.Fatalf("expected subscription principal, got %+v", p)
	}
	if p.ID == "" || p.ID == subToken {
		t.Fatalf("principal id should be a fingerprint, got %q", p.ID)
	}
	if oracle.calls.Load() != 1 {
		t.Fatalf("expected one oracle call, got %d", oracle.calls.Load())
	}
}

func TestAuthenticateFallsBackToSession(t *testing.T) {
	t.Parallel()

	oracle := &countingOracle{active: false}
	sessions := stubSessions{principal: Principal{ID: "user_42"}}
	a := NewAuthenticator(oracle, sessions, zaptest.NewLogger(t))

	p, err := a.Authenticate(context.Background(), "Bearer "+subToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.ID != "user_42" || p.Method != MethodSession {
		t.Fatalf("unexpected principal %+v", p)
	}

	// Non-UUID tokens never reach the subscription oracle.
	if _, err := a.Authenticate(context.Background(), "Bearer eyJhbGciOi.session.token"); err != nil {
		t.Fatalf("Authenticate session: %v", err)
	}
	if oracle.calls.Load() != 1 {
		t.Fatalf("expected oracle to be consulted once, got %d", oracle.calls.Load())
	}
}

func TestAuthenticateBothPathsFail(t *testing.T) {
	t.Parallel()

	oracle := &countingOracle{err: errors.New("oracle down")}
	sessions := stubSessions{err: ErrInvalidToken}
	a := NewAuthenticator(oracle, sessions, zaptest.NewLogger(t))

	_, err := a.Authenticate(context.Background(), "Bearer "+subToken)
	if err != ErrInvalidSubscription {
		t.Fatalf("expected ErrInvalidSubscription, got %v", err)
	}
	if err.Error() != "invalid subscription" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !IsAuthError(err) {
		t.Fatalf("IsAuthError should match")
	}
}

func TestIsSubscriptionToken(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		subToken:                               true,
		"6F1C2A7E-3B4D-4E5F-8A9B-0C1D2E3F4A5B": true,
		"6f1c2a7e3b4d4e5f8a9b0c1d2e3f4a5b":     false,
		"urn:uuid:" + subToken:                 false,
		"not-a-uuid":                           false,
	}
	for token, want := range cases {
		if got := IsSubscriptionToken(token); got != want {
			t.Fatalf("IsSubscriptionToken(%q) = %v, want %v", token, got, want)
		}
	}
}

func TestPrincipalContext(t *testing.T) {
	t.Parallel()

	if _, ok := PrincipalFrom(context.Background()); ok {
		t.Fatalf("empty context should carry no principal")
	}
	ctx := WithPrincipal(context.Background(), Principal{ID: "user_1", Method: MethodSession})
	p, ok := PrincipalFrom(ctx)
	if !ok || p.ID != "user_1" {
		t.Fatalf("unexpected principal %+v ok=%v", p, ok)
	}
}

func TestCachedOracleCallsOracleOncePerTTL(t *testing.T) {
	t.Parallel()

	store := cache.NewMemoryStore(cache.MemoryOptions{SweepInterval: time.Minute})
	defer store.Close()

	oracle := &countingOracle{active: true}
	c := NewCachedOracle(oracle, store, CachedOracleConfig{Scope: "test", TTL: time.Minute}, zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		active, err := c.IsActive(context.Background(), subToken)
		if err != nil {
			t.Fatalf("IsActive #%d: %v", i+1, err)
		}
		if !active {
			t.Fatalf("IsActive #%d: expected active", i+1)
		}
	}
	if got := oracle.calls.Load(); got != 1 {
		t.Fatalf("expected oracle to be called exactly once, got %d", got)
	}
}

func TestCachedOracleConcurrentMisses(t *testing.T) {
	t.Parallel()

	store := cache.NewMemoryStore(cache.MemoryOptions{SweepInterval: time.Minute})
	defer store.Close()

	oracle := &countingOracle{active: true, delay: 20 * time.Millisecond}
	c := NewCachedOracle(oracle, store, CachedOracleConfig{TTL: time.Minute}, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.IsActive(context.Background(), subToken); err != nil {
				t.Errorf("IsActive: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := oracle.calls.Load(); got != 1 {
		t.Fatalf("expected a single oracle call, got %d", got)
	}
}

// gatedOracle blocks until released and fails if its context ends first.
type gatedOracle struct {
	calls   atomic.Int64
	entered chan struct{}
	release chan struct{}
}

func (o *gatedOracle) IsActive(ctx context.Context, token string) (bool, error) {
	if o.calls.Add(1) == 1 {
		close(o.entered)
	}
	select {
	case <-o.release:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func TestCachedOracleFlightSurvivesCancelledCaller(t *testing.T) {
	t.Parallel()

	store := cache.NewMemoryStore(cache.MemoryOptions{SweepInterval: time.Minute})
	defer store.Close()

	oracle := &gatedOracle{entered: make(chan struct{}), release: make(chan struct{})}
	c := NewCachedOracle(oracle, store, CachedOracleConfig{TTL: time.Minute}, zaptest.NewLogger(t))

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.IsActive(firstCtx, subToken)
		firstErr <- err
	}()
	<-oracle.entered

	type result struct {
		active bool
		err    error
	}
	second := make(chan result, 1)
	go func() {
		active, err := c.IsActive(context.Background(), subToken)
		second <- result{active, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled caller: expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(oracle.release)
	select {
	case r := <-second:
		if r.err != nil || !r.active {
			t.Fatalf("waiting caller should get the oracle answer, got %v %v", r.active, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting caller did not return")
	}
	if got := oracle.calls.Load(); got != 1 {
		t.Fatalf("expected a single oracle call, got %d", got)
	}
}

func TestCachedOracleCachesNegativeButNotErrors(t *testing.T) {
	t.Parallel()

	store := cache.NewMemoryStore(cache.MemoryOptions{SweepInterval: time.Minute})
	defer store.Close()

	inactive := &countingOracle{active: false}
	c := NewCachedOracle(inactive, store, CachedOracleConfig{Scope: "neg", TTL: time.Minute}, zaptest.NewLogger(t))
	for i := 0; i < 3; i++ {
		if active, err := c.IsActive(context.Background(), subToken); err != nil || active {
			t.Fatalf("expected inactive without error, got %v %v", active, err)
		}
	}
	if inactive.calls.Load() != 1 {
		t.Fatalf("negative result should be cached, calls=%d", inactive.calls.Load())
	}

	failing := &countingOracle{err: errors.New("boom")}
	c = NewCachedOracle(failing, store, CachedOracleConfig{Scope: "err", TTL: time.Minute}, zaptest.NewLogger(t))
	for i := 0; i < 2; i++ {
		if _, err := c.IsActive(context.Background(), subToken); err == nil {
			t.Fatalf("expected error")
		}
	}
	if failing.calls.Load() != 2 {
		t.Fatalf("errors must not be cached, calls=%d", failing.calls.Load())
	}
}

func TestHTTPOracle(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.Header.Get("apikey") != "service-key" {
			t.Errorf("missing apikey header")
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		if body["input_user_id"] == subToken {
			_, _ = w.Write([]byte("true"))
			return
		}
		_, _ = w.Write([]byte("false"))
	}))
	defer srv.Close()

	o, err := NewHTTPOracle(HTTPOracleConfig{URL: srv.URL + "/rest/v1/rpc/has_active_subscription", APIKey: "service-key"})
	if err != nil {
		t.Fatalf("NewHTTPOracle: %v", err)
	}

	if active, err := o.IsActive(context.Background(), subToken); err != nil || !active {
		t.Fatalf("expected active, got %v %v", active, err)
	}
	if active, err := o.IsActive(context.Background(), "00000000-0000-0000-0000-000000000000"); err != nil || active {
		t.Fatalf("expected inactive, got %v %v", active, err)
	}
}

func TestHTTPOracleNon200IsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "db unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	o, _ := NewHTTPOracle(HTTPOracleConfig{URL: srv.URL})
	if _, err := o.IsActive(context.Background(), subToken); err == nil {
		t.Fatalf("expected error for 503")
	}
}

func TestStripeOracle(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"object": "list",
			"url": "/v1/subscriptions",
			"has_more": false,
			"data": [
				{"id": "sub_1", "object": "subscription", "status": "canceled", "metadata": {"gateway_token": "11111111-1111-1111-1111-111111111111"}},
				{"id": "sub_2", "object": "subscription", "status": "active", "metadata": {"gateway_token": "` + subToken + `"}}
			]
		}`))
	}))
	defer srv.Close()

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	o, err := NewStripeOracle("sk_test_123", "", &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	if err != nil {
		t.Fatalf("NewStripeOracle: %v", err)
	}

	if active, err := o.IsActive(context.Background(), subToken); err != nil || !active {
		t.Fatalf("expected active subscription, got %v %v", active, err)
	}
	if active, err := o.IsActive(context.Background(), "11111111-1111-1111-1111-111111111111"); err != nil || active {
		t.Fatalf("canceled subscription should be inactive, got %v %v", active, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 stripe calls, got %d", calls.Load())
	}
}

func TestJWTVerifierHMAC(t *testing.T) {
	t.Parallel()

	v, err := NewJWTVerifier(JWTConfig{Secret: "s3cret", Issuer: "https://id.example.com"})
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}

	sign := func(claims jwt.RegisteredClaims, key string) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	now := time.Now()
	valid := jwt.RegisteredClaims{
		Subject:   "42",
		Issuer:    "https://id.example.com",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}

	p, err := v.Verify(context.Background(), sign(valid, "s3cret"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.ID != "user_42" {
		t.Fatalf("unexpected principal %+v", p)
	}

	if _, err := v.Verify(context.Background(), sign(valid, "wrong")); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for bad signature, got %v", err)
	}

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
	if _, err := v.Verify(context.Background(), sign(expired, "s3cret")); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	otherIssuer := valid
	otherIssuer.Issuer = "https://evil.example.com"
	if _, err := v.Verify(context.Background(), sign(otherIssuer, "s3cret")); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected issuer mismatch, got %v", err)
	}

	noSubject := valid
	noSubject.Subject = ""
	if _, err := v.Verify(context.Background(), sign(noSubject, "s3cret")); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestJWTVerifierRSA(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	v, err := NewJWTVerifier(JWTConfig{PublicKeyPEM: string(pemKey)})
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}

	claims := jwt.RegisteredClaims{Subject: "abc", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if p, err := v.Verify(context.Background(), signed); err != nil || p.ID != "user_abc" {
		t.Fatalf("Verify: %+v %v", p, err)
	}

	// An HMAC token must not be accepted by an RSA verifier.
	hmacSigned, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(pemKey)
	if _, err := v.Verify(context.Background(), hmacSigned); err == nil {
		t.Fatalf("expected algorithm mismatch to fail")
	}
}

func TestNewJWTVerifierNeedsKey(t *testing.T) {
	t.Parallel()

	if _, err := NewJWTVerifier(JWTConfig{}); err == nil {
		t.Fatalf("expected error without key material")
	}
}
