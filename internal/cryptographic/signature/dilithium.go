package signature

import (
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode5"
)

// Dilithium5 wraps the circl mode5 scheme behind marshaled keys.
type Dilithium5 struct{}

func (Dilithium5) Generate() (pub, priv []byte, err error) {
	pk, sk, err := mode5.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dilithium5 generate: %w", err)
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

func (Dilithium5) Sign(priv, message []byte) ([]byte, error) {
	var sk mode5.PrivateKey
	if err := sk.UnmarshalBinary(priv); err != nil {
		return nil, fmt.Errorf("dilithium5 private key: %w", err)
	}
	sig := make([]byte, mode5.SignatureSize)
	mode5.SignTo(&sk, message, sig)
	return sig, nil
}

func (Dilithium5) Verify(pub, message, sig []byte) bool {
	var pk mode5.PublicKey
	if err := pk.UnmarshalBinary(pub); err != nil {
		return false
	}
	return mode5.Verify(&pk, message, sig)
}
