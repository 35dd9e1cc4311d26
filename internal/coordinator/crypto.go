package coordinator

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/cloudquorum/cloudquorum/internal/metadata"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const cryptoInfo = "cloudquorum-value"

// MaxValueSize is the largest value a put accepts: the stored size is an
// int32 and must still fit once the encryption envelope is added.
const MaxValueSize = math.MaxInt32 - chacha20poly1305.NonceSizeX - chacha20poly1305.Overhead

// Storage format of an encrypted value: nonce (24 bytes) || XChaCha20-Poly1305 ciphertext.
// The cipher key is HKDF-SHA256 over the per-key crypto key, salted with the shared IV.

func newCryptoKey() ([]byte, error) {
	key := make([]byte, metadata.CryptoKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate crypto key: %w", err)
	}
	return key, nil
}

func deriveKey(cryptoKey, iv []byte) ([]byte, error) {
	if len(cryptoKey) != metadata.CryptoKeyLength {
		return nil, fmt.Errorf("crypto key is %d bytes, want %d", len(cryptoKey), metadata.CryptoKeyLength)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, cryptoKey, iv, []byte(cryptoInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive value key: %w", err)
	}
	return key, nil
}

func encryptValue(plaintext, cryptoKey, iv []byte) ([]byte, error) {
	key, err := deriveKey(cryptoKey, iv)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptValue(ciphertext, cryptoKey, iv []byte) ([]byte, error) {
	key, err := deriveKey(cryptoKey, iv)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
