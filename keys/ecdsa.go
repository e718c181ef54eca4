// Package keys provides VAPID signers. The public half of a signer's key is
// the application server key handed to browsers at subscription time.
package keys

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/chainguard-dev/clog"
)

// ECDSA signs with a P-256 private key held in memory.
type ECDSA struct {
	privateKey *ecdsa.PrivateKey
	publicKey  []byte // uncompressed format
}

func newECDSA(priv *ecdsa.PrivateKey) (*ECDSA, error) {
	if priv.Curve != elliptic.P256() {
		return nil, errors.New("key must be P-256 curve")
	}
	pub, err := priv.PublicKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("converting public key: %w", err)
	}
	return &ECDSA{privateKey: priv, publicKey: pub.Bytes()}, nil
}

// LoadPEM loads a signer from an "EC PRIVATE KEY" PEM file.
func LoadPEM(path string) (*ECDSA, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}

	priv, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing EC private key: %w", err)
	}
	return newECDSA(priv)
}

// FromBase64 creates a signer from a base64url-encoded 32-byte private scalar.
func FromBase64(privateKeyB64 string) (*ECDSA, error) {
	raw, err := base64.RawURLEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}

	ecdhKey, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	// Round-trip through PKCS#8 to get an *ecdsa.PrivateKey for signing.
	der, err := x509.MarshalPKCS8PrivateKey(ecdhKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	priv, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not ECDSA")
	}
	return newECDSA(priv)
}

// Generate creates a new P-256 key and writes it to path as PEM.
func Generate(path string) (*ECDSA, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}
	return newECDSA(priv)
}

// LoadOrGenerate loads the key at path, generating one there first if the
// file does not exist.
func LoadOrGenerate(ctx context.Context, path string) (*ECDSA, error) {
	log := clog.FromContext(ctx)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		s, err := Generate(path)
		if err != nil {
			return nil, err
		}
		log.Infof("Generated new VAPID key at %s", path)
		return s, nil
	}
	s, err := LoadPEM(path)
	if err != nil {
		return nil, err
	}
	log.Infof("Loaded VAPID key from %s", path)
	return s, nil
}

// Sign signs the given digest and returns the signature in IEEE P1363 format.
func (s *ECDSA) Sign(_ context.Context, digest []byte) ([]byte, error) {
	r, ss, err := ecdsa.Sign(rand.Reader, s.privateKey, digest)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	ss.FillBytes(sig[32:])
	return sig, nil
}

// PublicKey returns the ECDSA public key in uncompressed format.
func (s *ECDSA) PublicKey() []byte {
	return s.publicKey
}

// PublicKeyBase64 returns the public key as an application server key.
func (s *ECDSA) PublicKeyBase64() string {
	return base64.RawURLEncoding.EncodeToString(s.publicKey)
}

// GenerateKeyPair returns a fresh base64url private scalar and its
// base64url uncompressed public key.
func GenerateKeyPair() (privateKeyB64, publicKeyB64 string, err error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generating key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(priv.Bytes()),
		base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
		nil
}
