package kem

import (
	"fmt"

	"github.com/cloudflare/circl/kem/kyber/kyber1024"
)

// Scheme is a key-encapsulation mechanism over marshaled keys. Hybrid key
// agreement mixes its shared secret into the classical transcript.
type Scheme interface {
	Generate() (pub, priv []byte, err error)
	Encapsulate(pub []byte) (ciphertext, shared []byte, err error)
	Decapsulate(priv, ciphertext []byte) (shared []byte, err error)
}

type Kyber1024 struct{}

func (Kyber1024) Generate() (pub, priv []byte, err error) {
	pk, sk, err := kyber1024.Scheme().GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("kyber1024 generate: %w", err)
	}
	pub, err = pk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	priv, err = sk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func (Kyber1024) Encapsulate(pub []byte) (ciphertext, shared []byte, err error) {
	pk, err := kyber1024.Scheme().UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("kyber1024 public key: %w", err)
	}
	ciphertext, shared, err = kyber1024.Scheme().Encapsulate(pk)
	if err != nil {
		return nil, nil, fmt.Errorf("kyber1024 encapsulate: %w", err)
	}
	return ciphertext, shared, nil
}

func (Kyber1024) Decapsulate(priv, ciphertext []byte) ([]byte, error) {
	sk, err := kyber1024.Scheme().UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("kyber1024 private key: %w", err)
	}
	shared, err := kyber1024.Scheme().Decapsulate(sk, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("kyber1024 decapsulate: %w", err)
	}
	return shared, nil
}
