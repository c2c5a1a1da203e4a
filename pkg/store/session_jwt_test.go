package store

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeRSAPrivateKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "jwt.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func TestJWTRS256SessionRoundTrip(t *testing.T) {
	s, err := NewJWTRS256SessionStoreFromPEM(writeRSAPrivateKey(t), "kid-1", time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	uid, ok, err := s.GetUserIDByToken(token)
	if err != nil || !ok || uid != "user-1" {
		t.Fatalf("GetUserIDByToken = %q, %v, %v", uid, ok, err)
	}
}

func TestJWTSessionStoreRejectsOtherAudience(t *testing.T) {
	signing, err := NewJWTHS256SessionStore(testSecret, time.Minute, nil, JWTOptions{Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	verifying, err := NewJWTHS256SessionStore(testSecret, time.Minute, nil, JWTOptions{Audience: "aud-b"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	token, err := signing.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, _, err := verifying.GetUserIDByToken(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestJWTSessionStoreLogoutRevokesToken(t *testing.T) {
	s, err := NewJWTHS256SessionStore(testSecret, time.Minute, NewMemoryTokenRevoker(), JWTOptions{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.DeleteSession(token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); ok || !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected revoked token, ok=%v err=%v", ok, err)
	}
	if err := s.DeleteSession("garbage"); err != nil {
		t.Fatalf("deleting an invalid token should be a no-op: %v", err)
	}
}

func TestJWTSessionStoreRejectsTamperedToken(t *testing.T) {
	s, err := NewJWTHS256SessionStore(testSecret, time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	parts := strings.Split(token, ".")
	parts[2] = strings.Repeat("A", len(parts[2]))
	if _, ok, err := s.GetUserIDByToken(strings.Join(parts, ".")); ok || err == nil {
		t.Fatal("tampered token accepted")
	}
}

func TestNewJWTHS256SessionStoreRequiresLongSecret(t *testing.T) {
	if _, err := NewJWTHS256SessionStore("short", time.Minute, nil, JWTOptions{}); err == nil {
		t.Fatal("expected error for short secret")
	}
}
