package signature

import (
	"crypto/ed25519"
	"crypto/rand"
)

func NewEd25519Keypair() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func ED25519Sign(privKeyBytes []byte, message []byte) []byte {
	privKey := ed25519.PrivateKey(privKeyBytes)
	return ed25519.Sign(privKey, message)
}

func ED25519Verify(pubKeyBytes []byte, message []byte, signature []byte) bool {
	pubKey := ed25519.PublicKey(pubKeyBytes)
	if len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pubKey, message, signature)
}

// Ed25519 is the signature handle handed out by the suite registry.
type Ed25519 struct{}

func (Ed25519) Generate() (pub, priv []byte, err error) {
	return NewEd25519Keypair()
}

func (Ed25519) Sign(priv, message []byte) ([]byte, error) {
	return ED25519Sign(priv, message), nil
}

func (Ed25519) Verify(pub, message, sig []byte) bool {
	return ED25519Verify(pub, message, sig)
}
