package tokens

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSecretKeyGeneratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activation.key")

	first, err := LoadSecretKey(path)
	if err != nil {
		t.Fatalf("LoadSecretKey failed: %v", err)
	}
	if len(first) != secretKeySize {
		t.Errorf("Expected %d byte key, got %d", secretKeySize, len(first))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("Expected mode 0600, got %o", perm)
	}

	second, err := LoadSecretKey(path)
	if err != nil {
		t.Fatalf("LoadSecretKey failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("Expected the persisted key to be reused")
	}
}

func TestLoadSecretKeyEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activation.key")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSecretKey(path); err == nil {
		t.Error("Expected error for an empty key file")
	}
}

func TestIssueAndVerify(t *testing.T) {
	issuer := NewIssuer([]byte("0123456789abcdef0123456789abcdef"), time.Hour)

	token, issued, err := issuer.Issue(1042)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if issued.ActivationID == "" {
		t.Error("Expected an activation id")
	}

	claims, err := issuer.VerifyFor(token, 1042)
	if err != nil {
		t.Fatalf("VerifyFor failed: %v", err)
	}
	if claims.ServerID != 1042 || claims.ActivationID != issued.ActivationID {
		t.Errorf("Unexpected claims %+v", claims)
	}

	if _, err := issuer.VerifyFor(token, 1043); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for another server, got %v", err)
	}

	_, second, err := issuer.Issue(1042)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if second.ActivationID == issued.ActivationID {
		t.Error("Expected a fresh activation id per token")
	}
}

func TestVerifyRejectsForeignAndExpiredTokens(t *testing.T) {
	issuer := NewIssuer([]byte("key-one"), time.Hour)
	other := NewIssuer([]byte("key-two"), time.Hour)

	token, _, err := other.Issue(1000)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := issuer.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for a foreign signature, got %v", err)
	}

	expiring := NewIssuer([]byte("key-one"), time.Minute)
	expiring.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, _, err = expiring.Issue(1000)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := issuer.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for an expired token, got %v", err)
	}

	if _, err := issuer.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for garbage, got %v", err)
	}
}
