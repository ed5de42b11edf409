// Package envelope provides passphrase-based encryption-at-rest: argon2id
// key derivation in front of ChaCha20-Poly1305. The layout is
// version || salt || nonce || ciphertext.
package envelope

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	FormatVersion = 1

	saltSize = 16

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keySize      = 32
)

var (
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted envelope")
	ErrFormat          = errors.New("unsupported envelope format")
)

func deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, keySize)
}

// Seal encrypts plaintext under a key derived from the passphrase.
func Seal(passphrase, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("envelope salt: %w", err)
	}

	aead, err := chacha20poly1305.New(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("envelope nonce: %w", err)
	}

	out := make([]byte, 0, 1+saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, FormatVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts an envelope produced by Seal. A wrong passphrase and a
// tampered envelope are indistinguishable by construction.
func Open(passphrase, envelope []byte) ([]byte, error) {
	if len(envelope) < 1+saltSize+chacha20poly1305.NonceSize {
		return nil, ErrFormat
	}
	if envelope[0] != FormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrFormat, envelope[0])
	}
	salt := envelope[1 : 1+saltSize]
	nonce := envelope[1+saltSize : 1+saltSize+chacha20poly1305.NonceSize]
	ct := envelope[1+saltSize+chacha20poly1305.NonceSize:]

	aead, err := chacha20poly1305.New(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plain, nil
}

// SealWithKey encrypts under a caller-provided 32-byte key, skipping the
// passphrase derivation. Used for frequent state persists where argon2
// per call would be prohibitive.
func SealWithKey(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("envelope nonce: %w", err)
	}
	out := append([]byte{FormatVersion}, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// OpenWithKey reverses SealWithKey.
func OpenWithKey(key, envelope []byte) ([]byte, error) {
	if len(envelope) < 1+chacha20poly1305.NonceSize {
		return nil, ErrFormat
	}
	if envelope[0] != FormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrFormat, envelope[0])
	}
	nonce := envelope[1 : 1+chacha20poly1305.NonceSize]
	ct := envelope[1+chacha20poly1305.NonceSize:]

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plain, nil
}
