package model

import "time"

// Algorithm is a fixed identifier for one protocol primitive. The set of
// valid tokens is closed; unknown tokens are rejected during negotiation,
// never guessed at.
type Algorithm string

const (
	CipherAES256GCM        Algorithm = "aes256-gcm"
	CipherChaCha20Poly1305 Algorithm = "chacha20-poly1305"

	KexX25519 Algorithm = "x25519"

	MACHMACSHA256 Algorithm = "hmac-sha256"
	MACBlake2b256 Algorithm = "blake2b-256"

	SigEd25519 Algorithm = "ed25519"

	KDFHKDFSHA256 Algorithm = "hkdf-sha256"
	KDFHKDFSHA512 Algorithm = "hkdf-sha512"

	PQKEMKyber1024  Algorithm = "kyber1024"
	PQSigDilithium5 Algorithm = "dilithium5"
)

type (
	// CapabilitySet is one device's published algorithm support, each
	// category ordered by preference, most preferred first.
	CapabilitySet struct {
		Device       DeviceID    `json:"device"`
		Ciphers      []Algorithm `json:"ciphers"`
		KeyExchanges []Algorithm `json:"key_exchanges"`
		MACs         []Algorithm `json:"macs"`
		Signatures   []Algorithm `json:"signatures"`
		KDFs         []Algorithm `json:"kdfs"`
		PQKEMs       []Algorithm `json:"pq_kems,omitempty"`
		PQSignatures []Algorithm `json:"pq_signatures,omitempty"`
	}

	// NegotiatedSuite is the sealed outcome of an algorithm negotiation:
	// exactly one winner per category, shared by every device in the
	// conversation for its whole lifetime.
	NegotiatedSuite struct {
		Conversation string    `json:"conversation"`
		Cipher       Algorithm `json:"cipher"`
		KeyExchange  Algorithm `json:"key_exchange"`
		MAC          Algorithm `json:"mac"`
		Signature    Algorithm `json:"signature"`
		KDF          Algorithm `json:"kdf"`
		PQKEM        Algorithm `json:"pq_kem,omitempty"`
		PQSignature  Algorithm `json:"pq_signature,omitempty"`
		Version      uint32    `json:"version"`
		SealedAt     time.Time `json:"sealed_at"`
	}
)

// Hybrid reports whether the suite carries a post-quantum KEM next to the
// classical key exchange.
func (s NegotiatedSuite) Hybrid() bool {
	return s.PQKEM != ""
}
