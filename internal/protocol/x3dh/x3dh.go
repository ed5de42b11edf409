// Package x3dh runs the extended triple Diffie-Hellman key agreement
// between an initiator holding a fetched prekey bundle and a responder
// holding the matching private halves.
//
// Both sides derive the same 32-byte shared key from
//
//	DH1 = DH(IK_a, SPK_b)
//	DH2 = DH(EK_a, IK_b)
//	DH3 = DH(EK_a, SPK_b)
//	DH4 = DH(EK_a, OTK_b)   when a one-time prekey is present
//
// concatenated in order and fed through the suite KDF. When the suite is
// hybrid, the initiator encapsulates to the peer's KEM prekey and the
// shared secret is appended to the transcript before derivation.
package x3dh

import (
	"errors"
	"fmt"

	"keymesh/internal/cryptographic/suite"
	"keymesh/internal/model"
)

var ErrBundleVerification = errors.New("bundle verification failed")

var sharedKeyInfo = []byte("SharedKey")

type (
	Initiator struct {
		Suite *suite.Suite
	}

	Responder struct {
		Suite *suite.Suite
	}

	// InitiatorKeys is the local material an initiator brings: its
	// long-term DH identity pair and its published signing key.
	InitiatorKeys struct {
		IdentityPriv   [32]byte
		IdentityPub    [32]byte
		IdentitySigPub []byte
	}

	// InitiatorResult carries the derived key plus everything the first
	// envelope must ship so the responder can run its side.
	InitiatorResult struct {
		SharedKey    []byte
		EphemeralPub [32]byte
		Handshake    *model.Handshake
	}

	// ResponderKeys is the private material matching the handshake: the
	// responder's identity, the referenced signed prekey, the referenced
	// one-time prekey if any, and the KEM decapsulation key for hybrid
	// suites.
	ResponderKeys struct {
		IdentityPriv     [32]byte
		SignedPrekeyPriv [32]byte
		OneTimePriv      *[32]byte
		PQPriv           []byte
	}
)

// VerifyBundle checks shape and signatures before any key agreement: the
// signed prekey must verify against the bundle's signing identity, and so
// must the KEM prekey when present.
func VerifyBundle(s *suite.Suite, b model.PrekeyBundle) error {
	if len(b.IdentityDH) != 32 || len(b.SignedPrekey) != 32 {
		return fmt.Errorf("%w: malformed key material", ErrBundleVerification)
	}
	if len(b.IdentitySig) == 0 || len(b.PrekeySignature) == 0 {
		return fmt.Errorf("%w: missing signature", ErrBundleVerification)
	}
	if !s.Sign.Verify(b.IdentitySig, b.SignedPrekey, b.PrekeySignature) {
		return fmt.Errorf("%w: signed prekey signature invalid", ErrBundleVerification)
	}
	if b.OneTime != nil && len(b.OneTime.Pub) != 32 {
		return fmt.Errorf("%w: malformed one-time key", ErrBundleVerification)
	}
	if s.Desc.Hybrid() {
		if len(b.PQKEMPub) == 0 {
			return fmt.Errorf("%w: hybrid suite but bundle has no kem prekey", ErrBundleVerification)
		}
		if !s.Sign.Verify(b.IdentitySig, b.PQKEMPub, b.PQKEMSignature) {
			return fmt.Errorf("%w: kem prekey signature invalid", ErrBundleVerification)
		}
	}
	return nil
}

// Agree verifies the peer bundle, generates the ephemeral key and derives
// the shared key. The caller must have won the one-time-prekey consume on
// the directory before treating the handshake as valid.
func (i *Initiator) Agree(keys InitiatorKeys, bundle model.PrekeyBundle) (*InitiatorResult, error) {
	if err := VerifyBundle(i.Suite, bundle); err != nil {
		return nil, err
	}

	ekPriv, ekPub, err := i.Suite.DH.Generate()
	if err != nil {
		return nil, err
	}

	spk := [32]byte(bundle.SignedPrekey)
	ik := [32]byte(bundle.IdentityDH)

	dh1, err := i.Suite.DH.SharedSecret(keys.IdentityPriv, spk)
	if err != nil {
		return nil, err
	}
	dh2, err := i.Suite.DH.SharedSecret(ekPriv, ik)
	if err != nil {
		return nil, err
	}
	dh3, err := i.Suite.DH.SharedSecret(ekPriv, spk)
	if err != nil {
		return nil, err
	}

	var dh4 []byte
	var oneTimeID *uint32
	if bundle.OneTime != nil {
		otk := [32]byte(bundle.OneTime.Pub)
		dh4, err = i.Suite.DH.SharedSecret(ekPriv, otk)
		if err != nil {
			return nil, err
		}
		id := bundle.OneTime.ID
		oneTimeID = &id
	}

	var kemShared, kemCiphertext []byte
	if i.Suite.Desc.Hybrid() {
		kemCiphertext, kemShared, err = i.Suite.PQKEM.Encapsulate(bundle.PQKEMPub)
		if err != nil {
			return nil, err
		}
	}

	sk, err := deriveSharedKey(i.Suite, dh1, dh2, dh3, dh4, kemShared)
	if err != nil {
		return nil, err
	}

	return &InitiatorResult{
		SharedKey:    sk,
		EphemeralPub: ekPub,
		Handshake: &model.Handshake{
			IdentityDH:     keys.IdentityPub[:],
			IdentitySig:    keys.IdentitySigPub,
			Ephemeral:      ekPub[:],
			SignedPrekeyID: bundle.SignedPrekeyID,
			OneTimeID:      oneTimeID,
			PQCiphertext:   kemCiphertext,
		},
	}, nil
}

// Agree mirrors the initiator's derivation from the responder's private
// halves and the received handshake.
func (r *Responder) Agree(keys ResponderKeys, hs model.Handshake) ([]byte, error) {
	if len(hs.IdentityDH) != 32 || len(hs.Ephemeral) != 32 {
		return nil, fmt.Errorf("%w: malformed handshake key material", ErrBundleVerification)
	}
	ik := [32]byte(hs.IdentityDH)
	ek := [32]byte(hs.Ephemeral)

	dh1, err := r.Suite.DH.SharedSecret(keys.SignedPrekeyPriv, ik)
	if err != nil {
		return nil, err
	}
	dh2, err := r.Suite.DH.SharedSecret(keys.IdentityPriv, ek)
	if err != nil {
		return nil, err
	}
	dh3, err := r.Suite.DH.SharedSecret(keys.SignedPrekeyPriv, ek)
	if err != nil {
		return nil, err
	}

	var dh4 []byte
	if keys.OneTimePriv != nil {
		dh4, err = r.Suite.DH.SharedSecret(*keys.OneTimePriv, ek)
		if err != nil {
			return nil, err
		}
	}

	var kemShared []byte
	if r.Suite.Desc.Hybrid() {
		if len(hs.PQCiphertext) == 0 {
			return nil, fmt.Errorf("%w: hybrid suite but handshake has no kem ciphertext", ErrBundleVerification)
		}
		kemShared, err = r.Suite.PQKEM.Decapsulate(keys.PQPriv, hs.PQCiphertext)
		if err != nil {
			return nil, err
		}
	}

	return deriveSharedKey(r.Suite, dh1, dh2, dh3, dh4, kemShared)
}

func deriveSharedKey(s *suite.Suite, dh1, dh2, dh3, dh4, kemShared []byte) ([]byte, error) {
	concat := make([]byte, 0, len(dh1)+len(dh2)+len(dh3)+len(dh4)+len(kemShared))
	concat = append(concat, dh1...)
	concat = append(concat, dh2...)
	concat = append(concat, dh3...)
	if dh4 != nil {
		concat = append(concat, dh4...)
	}
	if kemShared != nil {
		concat = append(concat, kemShared...)
	}
	return s.KDF.Derive(concat, nil, sharedKeyInfo, 32)
}
