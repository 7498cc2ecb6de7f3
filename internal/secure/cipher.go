package secure

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sessionKeyInfo = "arena session v1"

var (
	ErrNoSharedKey = errors.New("secure: no shared key established")
	ErrDecrypt     = errors.New("secure: payload authentication failed")
)

// Cipher seals frame payloads with XChaCha20-Poly1305. A random nonce is
// prepended to every sealed payload.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the session key from a DH shared secret with HKDF-SHA256.
func NewCipher(sharedSecret []byte) (*Cipher, error) {
	if len(sharedSecret) == 0 {
		return nil, ErrNoSharedKey
	}

	kdf := hkdf.New(sha256.New, sharedSecret, nil, []byte(sessionKeyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("secure: derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Overhead is the number of bytes Seal adds to a payload.
func (c *Cipher) Overhead() int {
	return c.aead.NonceSize() + c.aead.Overhead()
}

// Seal encrypts plaintext and authenticates it together with ad.
func (c *Cipher) Seal(plaintext, ad []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("secure: nonce: %w", err)
	}
	return c.aead.Seal(out, out[:nonceSize], plaintext, ad), nil
}

// Open reverses Seal.
func (c *Cipher) Open(sealed, ad []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize+c.aead.Overhead() {
		return nil, ErrDecrypt
	}
	plaintext, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], ad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
