package kdf

import (
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF fills buffer from HKDF over the given hash, secret, salt and info.
func HKDF(h func() hash.Hash, secret, salt, info, buffer []byte) (int, error) {
	r := hkdf.New(h, secret, salt, info)
	return io.ReadFull(r, buffer)
}

// Deriver binds HKDF to one hash function. The suite registry hands one
// out per negotiated KDF token.
type Deriver struct {
	Hash func() hash.Hash
}

func (d Deriver) Derive(secret, salt, info []byte, size int) ([]byte, error) {
	buffer := make([]byte, size)
	if _, err := HKDF(d.Hash, secret, salt, info, buffer); err != nil {
		return nil, err
	}
	return buffer, nil
}
