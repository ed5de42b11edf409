package mac

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// MAC is a keyed message authenticator. The ratchet also uses it to step
// chain keys, so Size must be 32 for every implementation.
type MAC interface {
	Sum(key, data []byte) ([]byte, error)
	Size() int
}

type (
	HMACSHA256 struct{}
	Blake2b256 struct{}
)

func (HMACSHA256) Sum(key, data []byte) ([]byte, error) {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil), nil
}

func (HMACSHA256) Size() int { return sha256.Size }

func (Blake2b256) Sum(key, data []byte) ([]byte, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, fmt.Errorf("blake2b.New256: %w", err)
	}
	h.Write(data)
	return h.Sum(nil), nil
}

func (Blake2b256) Size() int { return blake2b.Size256 }
