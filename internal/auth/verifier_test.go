package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return key
}

func sign(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func jwksServer(t *testing.T, keys map[string]*rsa.PublicKey, fetches *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		var set jwkSet
		for kid, pub := range keys {
			set.Keys = append(set.Keys, jwk{
				Kid: kid,
				Kty: "RSA",
				Use: "sig",
				Alg: "RS256",
				N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			})
		}
		set.Keys = append(set.Keys, jwk{Kid: "ec", Kty: "EC"})
		_ = json.NewEncoder(w).Encode(set)
	}))
}

func pemOf(t *testing.T, pub *rsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func valid(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   sub,
		"email": sub + "@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
}

func TestVerifier_JWKS(t *testing.T) {
	key := newKey(t)
	other := newKey(t)
	var fetches atomic.Int32
	srv := jwksServer(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey}, &fetches)
	defer srv.Close()

	v, err := NewVerifier(NewKeySet(srv.URL, 4, time.Minute, discard), "", discard)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	tests := []struct {
		name      string
		token     string
		wantUser  string
		wantErr   error
		wantEmail string
	}{
		{name: "valid", token: sign(t, key, "k1", valid("user_1")), wantUser: "user_1", wantEmail: "user_1@example.com"},
		{name: "no email", token: sign(t, key, "k1", jwt.MapClaims{"sub": "user_2", "exp": time.Now().Add(time.Hour).Unix()}), wantUser: "user_2"},
		{name: "expired", token: sign(t, key, "k1", jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Hour).Unix()}), wantErr: ErrTokenExpired},
		{name: "wrong signer", token: sign(t, other, "k1", valid("u")), wantErr: ErrUnauthorized},
		{name: "unknown kid", token: sign(t, key, "k9", valid("u")), wantErr: ErrUnauthorized},
		{name: "missing kid", token: sign(t, key, "", valid("u")), wantErr: ErrUnauthorized},
		{name: "missing sub", token: sign(t, key, "k1", jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}), wantErr: ErrUnauthorized},
		{name: "garbage", token: "not.a.jwt", wantErr: ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := v.Verify(context.Background(), tt.token)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Verify() error = %v, want %v", err, tt.wantErr)
				}
				if !errors.Is(err, ErrUnauthorized) {
					t.Errorf("Verify() error = %v should wrap ErrUnauthorized", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if p.UserID != tt.wantUser || p.Email != tt.wantEmail {
				t.Errorf("Verify() = %+v", p)
			}
		})
	}
}

func TestVerifier_RejectsHS256(t *testing.T) {
	key := newKey(t)
	v, _ := NewVerifier(nil, pemOf(t, &key.PublicKey), discard)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, valid("u"))
	s, _ := tok.SignedString([]byte("secret"))
	if _, err := v.Verify(context.Background(), s); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Verify() error = %v, want ErrUnauthorized", err)
	}
}

func TestVerifier_StaticFallback(t *testing.T) {
	jwksKey := newKey(t)
	staticKey := newKey(t)
	var fetches atomic.Int32
	srv := jwksServer(t, map[string]*rsa.PublicKey{"k1": &jwksKey.PublicKey}, &fetches)
	defer srv.Close()

	v, err := NewVerifier(NewKeySet(srv.URL, 0, 0, discard), pemOf(t, &staticKey.PublicKey), discard)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	p, err := v.Verify(context.Background(), sign(t, staticKey, "static", valid("user_s")))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if p.UserID != "user_s" {
		t.Errorf("UserID = %q", p.UserID)
	}

	// Both paths fail: the JWKS error is reported.
	_, err = v.Verify(context.Background(), sign(t, newKey(t), "k1", valid("u")))
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Verify() error = %v, want ErrUnauthorized", err)
	}
}

func TestVerifier_NotConfigured(t *testing.T) {
	v, err := NewVerifier(nil, "", discard)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	if _, err := v.Verify(context.Background(), "anything"); !errors.Is(err, ErrKeyNotConfigured) {
		t.Errorf("Verify() error = %v, want ErrKeyNotConfigured", err)
	}
}

func TestNewVerifier_BadPEM(t *testing.T) {
	if _, err := NewVerifier(nil, "-----BEGIN PUBLIC KEY-----\nnope\n-----END PUBLIC KEY-----", discard); err == nil {
		t.Error("NewVerifier() should reject an unparsable key")
	}
}

func TestKeySet_CachesKeys(t *testing.T) {
	key := newKey(t)
	var fetches atomic.Int32
	srv := jwksServer(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey}, &fetches)
	defer srv.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ks := NewKeySet(srv.URL, 2, time.Hour, discard, WithMinRefreshInterval(30*time.Second))
	ks.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := ks.Key(context.Background(), "k1"); err != nil {
			t.Fatalf("Key() error = %v", err)
		}
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}

	// Unknown kids inside the refresh interval never reach the endpoint.
	for i := 0; i < 50; i++ {
		if _, err := ks.Key(context.Background(), fmt.Sprintf("forged-%d", i)); err == nil {
			t.Fatal("Key() should fail for an unknown kid")
		}
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1 within the refresh interval", n)
	}

	now = now.Add(31 * time.Second)
	if _, err := ks.Key(context.Background(), "missing"); err == nil {
		t.Error("Key() should fail for an unknown kid")
	}
	if n := fetches.Load(); n != 2 {
		t.Errorf("fetches = %d, want 2 after the interval", n)
	}
}

func TestKeySet_FetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ks := NewKeySet(srv.URL, 0, 0, discard)
	_, first := ks.Key(context.Background(), "k1")
	if first == nil {
		t.Fatal("Key() should fail when the JWKS endpoint errors")
	}
	if _, err := ks.Key(context.Background(), "k1"); err == nil || err.Error() != first.Error() {
		t.Errorf("Key() within the refresh interval = %v, want %v", err, first)
	}
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"bearer abc", "abc", false},
		{"", "", true},
		{"abc", "", true},
		{"Basic abc", "", true},
		{"Bearer  ", "", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, err := ExtractBearer(r)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ExtractBearer(%q) = %q, %v", tt.header, got, err)
		}
	}
}

func TestPrincipalContext(t *testing.T) {
	if _, ok := PrincipalFrom(context.Background()); ok {
		t.Error("empty context should carry no principal")
	}
	ctx := WithPrincipal(context.Background(), Principal{UserID: "u"})
	if p, ok := PrincipalFrom(ctx); !ok || p.UserID != "u" {
		t.Errorf("PrincipalFrom() = %+v, %v", p, ok)
	}
}
