package notify

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/imjasonh/pushsub"
)

const (
	saltLen   = 16
	headerLen = saltLen + 4 + 1 + 65 // salt || rs || idlen || keyid
)

// encrypt seals plaintext for sub as a single aes128gcm record (RFC 8291).
func encrypt(sub *pushsub.Subscription, plaintext []byte) ([]byte, error) {
	uaPublic, err := base64.RawURLEncoding.DecodeString(sub.Keys.P256dh)
	if err != nil {
		return nil, fmt.Errorf("decoding p256dh: %w", err)
	}
	authSecret, err := base64.RawURLEncoding.DecodeString(sub.Keys.Auth)
	if err != nil {
		return nil, fmt.Errorf("decoding auth: %w", err)
	}

	uaKey, err := ecdh.P256().NewPublicKey(uaPublic)
	if err != nil {
		return nil, fmt.Errorf("parsing client public key: %w", err)
	}
	asKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating server key: %w", err)
	}
	shared, err := asKey.ECDH(uaKey)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	asPublic := asKey.PublicKey().Bytes()
	keyInfo := append([]byte("WebPush: info\x00"), uaPublic...)
	keyInfo = append(keyInfo, asPublic...)
	ikm, err := derive(shared, authSecret, keyInfo, 32)
	if err != nil {
		return nil, fmt.Errorf("deriving IKM: %w", err)
	}
	cek, err := derive(ikm, salt, []byte("Content-Encoding: aes128gcm\x00"), 16)
	if err != nil {
		return nil, fmt.Errorf("deriving CEK: %w", err)
	}
	nonce, err := derive(ikm, salt, []byte("Content-Encoding: nonce\x00"), 12)
	if err != nil {
		return nil, fmt.Errorf("deriving nonce: %w", err)
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	// 0x02 delimits the last (and only) record.
	padded := append(append(make([]byte, 0, len(plaintext)+1), plaintext...), 0x02)
	ciphertext := gcm.Seal(nil, nonce, padded, nil)

	out := make([]byte, 0, headerLen+len(ciphertext))
	out = append(out, salt...)
	out = binary.BigEndian.AppendUint32(out, uint32(headerLen+len(ciphertext)))
	out = append(out, byte(len(asPublic)))
	out = append(out, asPublic...)
	return append(out, ciphertext...), nil
}

func derive(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, err
	}
	return out, nil
}
