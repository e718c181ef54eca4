package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/imjasonh/pushsub/keys"
)

func TestLoadSigner_PrivateKey(t *testing.T) {
	priv, pub, err := keys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "unused.pem")
	sig, closeSigner, err := loadSigner(context.Background(), config{PrivateKey: priv, KeyPath: keyPath})
	if err != nil {
		t.Fatalf("loadSigner() error = %v", err)
	}
	defer closeSigner()

	if sig.PublicKeyBase64() != pub {
		t.Errorf("PublicKeyBase64() = %q, want %q", sig.PublicKeyBase64(), pub)
	}
	if _, err := os.Stat(keyPath); !os.IsNotExist(err) {
		t.Errorf("KEY_PATH was written although VAPID_PRIVATE_KEY is set: %v", err)
	}
}

func TestLoadSigner_InvalidPrivateKey(t *testing.T) {
	if _, _, err := loadSigner(context.Background(), config{PrivateKey: "not-a-key"}); err == nil {
		t.Error("loadSigner() expected error")
	}
}

func TestLoadSigner_KeyPath(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "vapid.pem")
	ctx := context.Background()

	first, closeFirst, err := loadSigner(ctx, config{KeyPath: keyPath})
	if err != nil {
		t.Fatalf("loadSigner() error = %v", err)
	}
	closeFirst()
	second, closeSecond, err := loadSigner(ctx, config{KeyPath: keyPath})
	if err != nil {
		t.Fatalf("loadSigner() error = %v", err)
	}
	closeSecond()

	if first.PublicKeyBase64() != second.PublicKeyBase64() {
		t.Error("second load generated a new key instead of reading KEY_PATH")
	}
}
