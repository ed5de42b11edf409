// Package suite maps negotiated algorithm tokens onto concrete
// primitives. The token set is closed: anything outside the registry is
// rejected, never guessed at.
package suite

import (
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"

	"keymesh/internal/cryptographic/dh"
	"keymesh/internal/cryptographic/encryption"
	"keymesh/internal/cryptographic/kdf"
	"keymesh/internal/cryptographic/kem"
	"keymesh/internal/cryptographic/mac"
	"keymesh/internal/cryptographic/signature"
	"keymesh/internal/model"
)

var ErrUnknownAlgorithm = errors.New("unknown algorithm")

// Category names one negotiable slot of a suite.
type Category string

const (
	CategoryCipher      Category = "cipher"
	CategoryKeyExchange Category = "key-exchange"
	CategoryMAC         Category = "mac"
	CategorySignature   Category = "signature"
	CategoryKDF         Category = "kdf"
	CategoryPQKEM       Category = "pq-kem"
	CategoryPQSignature Category = "pq-signature"
)

// registry holds every valid token per category, in this build's
// preference order.
var registry = map[Category][]model.Algorithm{
	CategoryCipher:      {model.CipherAES256GCM, model.CipherChaCha20Poly1305},
	CategoryKeyExchange: {model.KexX25519},
	CategoryMAC:         {model.MACHMACSHA256, model.MACBlake2b256},
	CategorySignature:   {model.SigEd25519},
	CategoryKDF:         {model.KDFHKDFSHA256, model.KDFHKDFSHA512},
	CategoryPQKEM:       {model.PQKEMKyber1024},
	CategoryPQSignature: {model.PQSigDilithium5},
}

// mandatory names the baseline token every device must support. The
// post-quantum categories are optional and carry none.
var mandatory = map[Category]model.Algorithm{
	CategoryCipher:      model.CipherAES256GCM,
	CategoryKeyExchange: model.KexX25519,
	CategoryMAC:         model.MACHMACSHA256,
	CategorySignature:   model.SigEd25519,
	CategoryKDF:         model.KDFHKDFSHA256,
}

// Categories returns every negotiable category in canonical order.
func Categories() []Category {
	return []Category{
		CategoryCipher,
		CategoryKeyExchange,
		CategoryMAC,
		CategorySignature,
		CategoryKDF,
		CategoryPQKEM,
		CategoryPQSignature,
	}
}

func Known(cat Category, alg model.Algorithm) bool {
	for _, a := range registry[cat] {
		if a == alg {
			return true
		}
	}
	return false
}

// Mandatory returns the baseline token for a category, or false for the
// optional post-quantum categories.
func Mandatory(cat Category) (model.Algorithm, bool) {
	alg, ok := mandatory[cat]
	return alg, ok
}

func Optional(cat Category) bool {
	_, ok := mandatory[cat]
	return !ok
}

// List returns the capability list for one category of a device's
// published set.
func List(cs model.CapabilitySet, cat Category) []model.Algorithm {
	switch cat {
	case CategoryCipher:
		return cs.Ciphers
	case CategoryKeyExchange:
		return cs.KeyExchanges
	case CategoryMAC:
		return cs.MACs
	case CategorySignature:
		return cs.Signatures
	case CategoryKDF:
		return cs.KDFs
	case CategoryPQKEM:
		return cs.PQKEMs
	case CategoryPQSignature:
		return cs.PQSignatures
	}
	return nil
}

// Choice reads one category's winner out of a negotiated suite.
func Choice(ns model.NegotiatedSuite, cat Category) model.Algorithm {
	switch cat {
	case CategoryCipher:
		return ns.Cipher
	case CategoryKeyExchange:
		return ns.KeyExchange
	case CategoryMAC:
		return ns.MAC
	case CategorySignature:
		return ns.Signature
	case CategoryKDF:
		return ns.KDF
	case CategoryPQKEM:
		return ns.PQKEM
	case CategoryPQSignature:
		return ns.PQSignature
	}
	return ""
}

// SetChoice writes one category's winner into a suite under construction.
func SetChoice(ns *model.NegotiatedSuite, cat Category, alg model.Algorithm) {
	switch cat {
	case CategoryCipher:
		ns.Cipher = alg
	case CategoryKeyExchange:
		ns.KeyExchange = alg
	case CategoryMAC:
		ns.MAC = alg
	case CategorySignature:
		ns.Signature = alg
	case CategoryKDF:
		ns.KDF = alg
	case CategoryPQKEM:
		ns.PQKEM = alg
	case CategoryPQSignature:
		ns.PQSignature = alg
	}
}

// Suite holds the resolved primitives for one conversation.
type Suite struct {
	Desc   model.NegotiatedSuite
	Cipher encryption.AEAD
	DH     dh.X25519
	MAC    mac.MAC
	Sign   signature.Scheme
	KDF    kdf.Deriver
	PQKEM  kem.Scheme       // nil unless the suite is hybrid
	PQSign signature.Scheme // nil unless negotiated
}

// Resolve turns a negotiated suite record into usable primitives.
func Resolve(desc model.NegotiatedSuite) (*Suite, error) {
	s := &Suite{Desc: desc, DH: dh.X25519{}}

	switch desc.Cipher {
	case model.CipherAES256GCM:
		s.Cipher = encryption.AESGCM{}
	case model.CipherChaCha20Poly1305:
		s.Cipher = encryption.ChaCha20Poly1305{}
	default:
		return nil, fmt.Errorf("%w: cipher %q", ErrUnknownAlgorithm, desc.Cipher)
	}

	if desc.KeyExchange != model.KexX25519 {
		return nil, fmt.Errorf("%w: key exchange %q", ErrUnknownAlgorithm, desc.KeyExchange)
	}

	switch desc.MAC {
	case model.MACHMACSHA256:
		s.MAC = mac.HMACSHA256{}
	case model.MACBlake2b256:
		s.MAC = mac.Blake2b256{}
	default:
		return nil, fmt.Errorf("%w: mac %q", ErrUnknownAlgorithm, desc.MAC)
	}

	if desc.Signature != model.SigEd25519 {
		return nil, fmt.Errorf("%w: signature %q", ErrUnknownAlgorithm, desc.Signature)
	}
	s.Sign = signature.Ed25519{}

	h, err := hashFor(desc.KDF)
	if err != nil {
		return nil, err
	}
	s.KDF = kdf.Deriver{Hash: h}

	switch desc.PQKEM {
	case "":
	case model.PQKEMKyber1024:
		s.PQKEM = kem.Kyber1024{}
	default:
		return nil, fmt.Errorf("%w: pq kem %q", ErrUnknownAlgorithm, desc.PQKEM)
	}

	switch desc.PQSignature {
	case "":
	case model.PQSigDilithium5:
		s.PQSign = signature.Dilithium5{}
	default:
		return nil, fmt.Errorf("%w: pq signature %q", ErrUnknownAlgorithm, desc.PQSignature)
	}

	return s, nil
}

func hashFor(alg model.Algorithm) (func() hash.Hash, error) {
	switch alg {
	case model.KDFHKDFSHA256:
		return sha256.New, nil
	case model.KDFHKDFSHA512:
		return sha512.New, nil
	}
	return nil, fmt.Errorf("%w: kdf %q", ErrUnknownAlgorithm, alg)
}

// Baseline is the suite every conforming device can run: the mandatory
// token of each category, no post-quantum members.
func Baseline(conversation string) model.NegotiatedSuite {
	return model.NegotiatedSuite{
		Conversation: conversation,
		Cipher:       model.CipherAES256GCM,
		KeyExchange:  model.KexX25519,
		MAC:          model.MACHMACSHA256,
		Signature:    model.SigEd25519,
		KDF:          model.KDFHKDFSHA256,
		Version:      1,
	}
}

// DefaultCapabilities is the full local support of this build, each
// category in preference order.
func DefaultCapabilities(device model.DeviceID) model.CapabilitySet {
	return model.CapabilitySet{
		Device:       device,
		Ciphers:      registry[CategoryCipher],
		KeyExchanges: registry[CategoryKeyExchange],
		MACs:         registry[CategoryMAC],
		Signatures:   registry[CategorySignature],
		KDFs:         registry[CategoryKDF],
		PQKEMs:       registry[CategoryPQKEM],
		PQSignatures: registry[CategoryPQSignature],
	}
}
