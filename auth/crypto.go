package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// Crypto seals and opens session blobs with AES-256-GCM. Sessions are
// persisted only in sealed form.
type Crypto struct {
	aead cipher.AEAD
}

// NewCrypto builds a Crypto from a 32-byte key.
func NewCrypto(key []byte) (*Crypto, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("session encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Crypto{aead: aead}, nil
}

// Seal encrypts plaintext; the random nonce is prefixed to the ciphertext.
func (c *Crypto) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed blob.
func (c *Crypto) Open(sealed []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errors.New("sealed blob too short")
	}
	return c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
}
