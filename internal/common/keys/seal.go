// Package keys manages custody of the decryption authority's private key.
// The key only ever leaves process memory sealed under a key encryption key.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/PlainFunction/vaultquery/internal/common/paillier"
)

const (
	sealVersion = byte(1)
	saltSize    = 16
	nonceSize   = 12
	kekSize     = 32
)

var sealInfo = []byte("vaultquery paillier private key v1")

var ErrUnseal = errors.New("keys: failed to unseal private key")

// DecodeKEK decodes a base64 key encryption key and checks its length.
func DecodeKEK(kekBase64 string) ([]byte, error) {
	if kekBase64 == "" {
		return nil, errors.New("KEK_BASE64 environment variable is required")
	}

	kek, err := base64.StdEncoding.DecodeString(kekBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode KEK_BASE64: %w", err)
	}

	if len(kek) != kekSize {
		return nil, fmt.Errorf("KEK must be 32 bytes (256 bits), got %d bytes", len(kek))
	}
	return kek, nil
}

// Seal serializes sk and encrypts it with AES-256-GCM under a key derived
// from kek. Layout: version | salt | nonce | ciphertext.
func Seal(kek []byte, sk *paillier.PrivateKey) ([]byte, error) {
	plaintext, err := paillier.MarshalPrivateKey(sk)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize private key: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := sealingCipher(kek, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+saltSize+nonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, sealVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, []byte{sealVersion}), nil
}

// Open reverses Seal.
func Open(kek []byte, sealed []byte) (*paillier.PrivateKey, error) {
	if len(sealed) < 1+saltSize+nonceSize {
		return nil, fmt.Errorf("%w: sealed key too short", ErrUnseal)
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("%w: unknown seal version %d", ErrUnseal, sealed[0])
	}

	salt := sealed[1 : 1+saltSize]
	nonce := sealed[1+saltSize : 1+saltSize+nonceSize]
	ciphertext := sealed[1+saltSize+nonceSize:]

	gcm, err := sealingCipher(kek, salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte{sealVersion})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnseal, err)
	}

	sk, err := paillier.ParsePrivateKey(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnseal, err)
	}
	return sk, nil
}

func sealingCipher(kek, salt []byte) (cipher.AEAD, error) {
	if len(kek) != kekSize {
		return nil, fmt.Errorf("KEK must be %d bytes, got %d", kekSize, len(kek))
	}

	derived := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, kek, salt, sealInfo), derived); err != nil {
		return nil, fmt.Errorf("failed to derive sealing key with HKDF: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return gcm, nil
}
