package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
)

// KMS signs with an asymmetric EC_SIGN_P256_SHA256 key version in Google
// Cloud KMS. The private key never leaves KMS.
type KMS struct {
	client    *kms.KeyManagementClient
	keyName   string
	publicKey []byte // uncompressed format
}

// NewKMS creates a KMS-backed signer.
// keyName should be in the format:
// projects/{project}/locations/{location}/keyRings/{keyRing}/cryptoKeys/{key}/cryptoKeyVersions/{version}
func NewKMS(ctx context.Context, keyName string) (*KMS, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	resp, err := client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{Name: keyName})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("getting public key for %s: %w", keyName, err)
	}

	pub, err := parsePublicKeyPEM([]byte(resp.Pem))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("key %s: %w", keyName, err)
	}

	return &KMS{
		client:    client,
		keyName:   keyName,
		publicKey: pub,
	}, nil
}

// parsePublicKeyPEM returns the uncompressed point of a PEM P-256 public key.
func parsePublicKeyPEM(data []byte) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to parse public key PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	ecdsaPub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("key is not ECDSA")
	}
	if ecdsaPub.Curve != elliptic.P256() {
		return nil, errors.New("key must be P-256 curve")
	}
	pub, err := ecdsaPub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("converting public key: %w", err)
	}
	return pub.Bytes(), nil
}

// Sign signs the given SHA-256 digest with KMS and returns the signature in
// IEEE P1363 format.
func (s *KMS) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	resp, err := s.client.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name: s.keyName,
		Digest: &kmspb.Digest{
			Digest: &kmspb.Digest_Sha256{Sha256: digest},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("signing with KMS: %w", err)
	}
	// KMS returns DER
	return derToP1363(resp.Signature)
}

// PublicKey returns the ECDSA public key in uncompressed format.
func (s *KMS) PublicKey() []byte {
	return s.publicKey
}

// PublicKeyBase64 returns the public key as an application server key.
func (s *KMS) PublicKeyBase64() string {
	return base64.RawURLEncoding.EncodeToString(s.publicKey)
}

// Close closes the underlying KMS client.
func (s *KMS) Close() error {
	return s.client.Close()
}

func derToP1363(der []byte) ([]byte, error) {
	var sig struct {
		R, S *big.Int
	}
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, fmt.Errorf("parsing DER signature: %w", err)
	}
	if len(rest) != 0 {
		return nil, errors.New("trailing data after DER signature")
	}
	if sig.R.BitLen() > 256 || sig.S.BitLen() > 256 {
		return nil, errors.New("signature values exceed P-256 size")
	}

	out := make([]byte, 64)
	sig.R.FillBytes(out[:32])
	sig.S.FillBytes(out[32:])
	return out, nil
}
