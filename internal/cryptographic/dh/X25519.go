package dh

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Generate a new X25519 key pair
func NewX25519KeyPair() (priv, pub [32]byte, err error) {
	_, err = rand.Read(priv[:])
	if err != nil {
		return priv, pub, fmt.Errorf("failed to generate private key: %w", err)
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// Perform X25519 scalar multiplication: priv * pub
func X25519SharedSecret(priv, pub [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

// PublicKey recomputes the public half of an X25519 private key.
func PublicKey(priv [32]byte) (pub [32]byte) {
	curve25519.ScalarBaseMult(&pub, &priv)
	return pub
}

// X25519 is the key-exchange handle handed out by the suite registry.
type X25519 struct{}

func (X25519) Generate() (priv, pub [32]byte, err error) {
	return NewX25519KeyPair()
}

func (X25519) SharedSecret(priv, pub [32]byte) ([]byte, error) {
	return X25519SharedSecret(priv, pub)
}
