// Package senderkey implements per-device broadcast chains for group
// conversations. Each device owns one chain per conversation and fans its
// distribution out pairwise; receivers walk the chain forward and verify
// every message against the sender's per-generation signing key.
package senderkey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"keymesh/internal/cryptographic/suite"
	"keymesh/internal/model"
	"keymesh/internal/skippedkeys"
)

var (
	ErrSignatureInvalid      = errors.New("sender key signature invalid")
	ErrWrongGeneration       = errors.New("message from a different sender key generation")
	ErrReplaySuspected       = errors.New("replay suspected")
	ErrMalformedDistribution = errors.New("malformed sender key distribution")
)

// maxSkip bounds forward derivation within one broadcast chain.
const maxSkip = 1000

// Sender is this device's broadcast chain for one conversation.
type Sender struct {
	Conversation   string         `json:"conversation"`
	Device         model.DeviceID `json:"device"`
	DistributionID string         `json:"distribution_id"`
	Generation     uint32         `json:"generation"`
	Iteration      uint32         `json:"iteration"`
	ChainKey       []byte         `json:"chain_key"`
	SigningPub     []byte         `json:"signing_pub"`
	SigningPriv    []byte         `json:"signing_priv"`

	crypto *suite.Suite
}

func NewSender(s *suite.Suite, conversation string, device model.DeviceID) (*Sender, error) {
	sk := &Sender{
		Conversation: conversation,
		Device:       device,
		crypto:       s,
	}
	if err := sk.reseed(1); err != nil {
		return nil, err
	}
	return sk, nil
}

// Bind attaches the runtime suite after deserialization.
func (sk *Sender) Bind(s *suite.Suite) {
	sk.crypto = s
}

func (sk *Sender) reseed(generation uint32) error {
	chain := make([]byte, 32)
	if _, err := rand.Read(chain); err != nil {
		return fmt.Errorf("sender chain seed: %w", err)
	}
	pub, priv, err := sk.crypto.Sign.Generate()
	if err != nil {
		return fmt.Errorf("sender signing key: %w", err)
	}
	sk.DistributionID = uuid.NewString()
	sk.Generation = generation
	sk.Iteration = 0
	sk.ChainKey = chain
	sk.SigningPub = pub
	sk.SigningPriv = priv
	return nil
}

// Rotate starts the next generation: fresh chain, fresh signing pair,
// fresh distribution id. Call on any membership change so departed
// members cannot follow the chain forward.
func (sk *Sender) Rotate() error {
	return sk.reseed(sk.Generation + 1)
}

// Distribution snapshots the chain at its current iteration. A member
// joining now can read from here on, not backwards.
func (sk *Sender) Distribution() model.SenderKeyDistribution {
	return model.SenderKeyDistribution{
		ID:           sk.DistributionID,
		Conversation: sk.Conversation,
		Device:       sk.Device,
		Generation:   sk.Generation,
		Iteration:    sk.Iteration,
		ChainKey:     append([]byte(nil), sk.ChainKey...),
		SigningPub:   append([]byte(nil), sk.SigningPub...),
	}
}

// Seal encrypts one broadcast message, advancing the chain on success.
func (sk *Sender) Seal(plaintext []byte) (*model.GroupMessage, error) {
	nextChain, msgKey, err := stepChain(sk.crypto, sk.ChainKey)
	if err != nil {
		return nil, err
	}

	msg := &model.GroupMessage{
		Conversation: sk.Conversation,
		From:         sk.Device,
		Generation:   sk.Generation,
		Iteration:    sk.Iteration,
	}
	msg.Ciphertext, err = sk.crypto.Cipher.Seal(msgKey, plaintext, messageAAD(msg.Conversation, msg.From, msg.Generation, msg.Iteration))
	if err != nil {
		return nil, err
	}
	msg.Signature, err = sk.crypto.Sign.Sign(sk.SigningPriv, signPayload(msg))
	if err != nil {
		return nil, err
	}

	sk.ChainKey = nextChain
	sk.Iteration++
	return msg, nil
}

// Receiver follows one (conversation, device, generation) broadcast
// chain.
type Receiver struct {
	Conversation string         `json:"conversation"`
	Device       model.DeviceID `json:"device"`
	Generation   uint32         `json:"generation"`
	Iteration    uint32         `json:"iteration"`
	ChainKey     []byte         `json:"chain_key"`
	SigningPub   []byte         `json:"signing_pub"`

	crypto *suite.Suite
}

func NewReceiver(s *suite.Suite, dist model.SenderKeyDistribution) (*Receiver, error) {
	if len(dist.ChainKey) != 32 || len(dist.SigningPub) == 0 {
		return nil, ErrMalformedDistribution
	}
	return &Receiver{
		Conversation: dist.Conversation,
		Device:       dist.Device,
		Generation:   dist.Generation,
		Iteration:    dist.Iteration,
		ChainKey:     append([]byte(nil), dist.ChainKey...),
		SigningPub:   append([]byte(nil), dist.SigningPub...),
		crypto:       s,
	}, nil
}

// Bind attaches the runtime suite after deserialization.
func (r *Receiver) Bind(s *suite.Suite) {
	r.crypto = s
}

// chainTag keys this chain's retained message keys in the skipped-key
// store.
func (r *Receiver) chainTag() [32]byte {
	h := sha256.New()
	h.Write([]byte(r.Conversation))
	h.Write([]byte{0})
	h.Write([]byte(r.Device.String()))
	h.Write([]byte{0})
	var gen [4]byte
	binary.BigEndian.PutUint32(gen[:], r.Generation)
	h.Write(gen[:])
	var tag [32]byte
	copy(tag[:], h.Sum(nil))
	return tag
}

// Open verifies and decrypts one broadcast message. Messages that raced
// past us are served from retained keys; gaps derive and retain the
// intermediate keys, bounded by the skip window.
func (r *Receiver) Open(msg model.GroupMessage, skipped *skippedkeys.Handle) ([]byte, error) {
	// The signing key is per generation, so the generation gate comes
	// first: a mismatch means "fetch the new distribution", not forgery.
	if msg.Generation != r.Generation {
		return nil, fmt.Errorf("%w: message %d, chain %d", ErrWrongGeneration, msg.Generation, r.Generation)
	}
	if !r.crypto.Sign.Verify(r.SigningPub, signPayload(&msg), msg.Signature) {
		return nil, ErrSignatureInvalid
	}

	aad := messageAAD(msg.Conversation, msg.From, msg.Generation, msg.Iteration)
	tag := r.chainTag()

	if msg.Iteration < r.Iteration {
		if skipped == nil {
			return nil, skippedkeys.ErrNotFound
		}
		mk, err := skipped.Get(tag, msg.Iteration)
		if err != nil {
			return nil, err
		}
		plain, err := r.crypto.Cipher.Open(mk, msg.Ciphertext, aad)
		if err != nil {
			return nil, err
		}
		skipped.Delete(tag, msg.Iteration)
		return plain, nil
	}

	if msg.Iteration-r.Iteration > maxSkip {
		return nil, fmt.Errorf("%w: gap of %d exceeds max skip %d", ErrReplaySuspected, msg.Iteration-r.Iteration, maxSkip)
	}

	// walk forward on a scratch copy, retain intermediates on success
	chain := append([]byte(nil), r.ChainKey...)
	type skip struct {
		num uint32
		key []byte
	}
	var pending []skip
	for it := r.Iteration; it < msg.Iteration; it++ {
		next, mk, err := stepChain(r.crypto, chain)
		if err != nil {
			return nil, err
		}
		pending = append(pending, skip{num: it, key: mk})
		chain = next
	}
	next, msgKey, err := stepChain(r.crypto, chain)
	if err != nil {
		return nil, err
	}

	plain, err := r.crypto.Cipher.Open(msgKey, msg.Ciphertext, aad)
	if err != nil {
		return nil, err
	}

	if skipped != nil {
		for _, p := range pending {
			skipped.Put(tag, p.num, p.key)
		}
	}
	r.ChainKey = next
	r.Iteration = msg.Iteration + 1
	return plain, nil
}

func stepChain(s *suite.Suite, chainKey []byte) (next, msgKey []byte, err error) {
	msgKey, err = s.MAC.Sum(chainKey, []byte{0x01})
	if err != nil {
		return nil, nil, err
	}
	next, err = s.MAC.Sum(chainKey, []byte{0x02})
	if err != nil {
		return nil, nil, err
	}
	return next, msgKey, nil
}

func messageAAD(conversation string, from model.DeviceID, generation, iteration uint32) []byte {
	b := make([]byte, 0, len(conversation)+len(from.User)+len(from.Device)+10)
	b = append(b, conversation...)
	b = append(b, 0)
	b = append(b, from.String()...)
	b = append(b, 0)
	b = binary.BigEndian.AppendUint32(b, generation)
	b = binary.BigEndian.AppendUint32(b, iteration)
	return b
}

func signPayload(msg *model.GroupMessage) []byte {
	b := messageAAD(msg.Conversation, msg.From, msg.Generation, msg.Iteration)
	sum := sha256.Sum256(msg.Ciphertext)
	return append(b, sum[:]...)
}
