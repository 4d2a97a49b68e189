package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// Crypter handles encryption and decryption of sensitive values with
// AES-256-GCM. One instance is created per process from the site secret
// and shared by the config store and the payload serializer.
type Crypter struct {
	key []byte // 32 bytes for AES-256
}

// NewCrypter creates a crypter with the given 32-byte key.
func NewCrypter(key []byte) (*Crypter, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &Crypter{key: key}, nil
}

// NewCrypterFromSecret derives the key from the site secret with SHA-256.
func NewCrypterFromSecret(secret string) (*Crypter, error) {
	if secret == "" {
		return nil, fmt.Errorf("site secret cannot be empty")
	}
	hash := sha256.Sum256([]byte(secret))
	return NewCrypter(hash[:])
}

// Derive returns a crypter whose key mixes this crypter's key with the
// given salt. Used by the serializer, which salts with the record header.
func (c *Crypter) Derive(salt []byte) *Crypter {
	h := sha256.New()
	h.Write(c.key)
	h.Write(salt)
	return &Crypter{key: h.Sum(nil)}
}

// Encrypt encrypts plaintext using AES-256-GCM.
// Returns encrypted data with nonce prepended.
func (c *Crypter) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts data produced by Encrypt.
// Expects nonce to be prepended to ciphertext.
func (c *Crypter) Decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}
