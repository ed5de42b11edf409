// Package doubleratchet implements the per-session double ratchet: a DH
// ratchet feeding a root chain, with sending and receiving chains hung
// off it. Every mutating operation works on a clone of the state and
// commits only after the cryptography succeeds, so a failed send or
// receive leaves the session exactly as it was.
package doubleratchet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"keymesh/internal/cryptographic/suite"
	"keymesh/internal/model"
	"keymesh/internal/skippedkeys"
)

// DefaultMaxSkip bounds how many message keys one gap may force us to
// derive. Anything beyond it is treated as a replay or flood.
const DefaultMaxSkip = 1000

var ErrReplaySuspected = errors.New("replay suspected")

func headerToAAD(h model.Header) []byte {
	b := make([]byte, 32+4+4)
	copy(b[:32], h.Pub[:])
	binary.BigEndian.PutUint32(b[32:36], h.MsgNum)
	binary.BigEndian.PutUint32(b[36:40], h.Prev)
	return b
}

// State is the serializable ratchet state of one session. The suite and
// skipped-key handle are runtime bindings, restored with Bind after
// loading a snapshot.
type State struct {
	RootKey []byte `json:"root_key"`

	// Our current DH (private/public) used for sending ratchets
	DHsPriv [32]byte `json:"dhs_priv"`
	DHsPub  [32]byte `json:"dhs_pub"`

	// Remote party's current DH public key
	DHr [32]byte `json:"dhr"`

	// Chain keys and counters
	SendingChainKey   []byte `json:"sending_chain_key,omitempty"`
	ReceivingChainKey []byte `json:"receiving_chain_key,omitempty"`
	Ns                uint32 `json:"ns"` // messages sent in current sending chain
	Nr                uint32 `json:"nr"` // messages received in current receiving chain
	PN                uint32 `json:"pn"` // previous sending chain length

	MaxSkip uint32 `json:"max_skip"`

	crypto  *suite.Suite
	skipped *skippedkeys.Handle
}

// NewInitiator builds the state for the side that ran the key agreement
// against a fetched bundle. The remote ratchet key starts as the peer's
// signed prekey; the first Send performs the initial sending ratchet.
func NewInitiator(s *suite.Suite, skipped *skippedkeys.Handle, rootKey []byte, remotePub [32]byte) (*State, error) {
	priv, pub, err := s.DH.Generate()
	if err != nil {
		return nil, err
	}
	st := &State{
		RootKey: append([]byte(nil), rootKey...),
		DHsPriv: priv,
		DHsPub:  pub,
		DHr:     remotePub,
		MaxSkip: DefaultMaxSkip,
		crypto:  s,
		skipped: skipped,
	}
	return st, nil
}

// NewResponder builds the state for the side whose signed prekey anchored
// the agreement. That prekey pair doubles as the initial ratchet pair, so
// the initiator's first DH ratchet lands on it.
func NewResponder(s *suite.Suite, skipped *skippedkeys.Handle, rootKey []byte, ratchetPriv, ratchetPub [32]byte) *State {
	return &State{
		RootKey: append([]byte(nil), rootKey...),
		DHsPriv: ratchetPriv,
		DHsPub:  ratchetPub,
		MaxSkip: DefaultMaxSkip,
		crypto:  s,
		skipped: skipped,
	}
}

// Bind attaches the runtime suite and skipped-key handle to a state that
// was deserialized from a snapshot.
func (s *State) Bind(crypto *suite.Suite, skipped *skippedkeys.Handle) {
	s.crypto = crypto
	s.skipped = skipped
	if s.MaxSkip == 0 {
		s.MaxSkip = DefaultMaxSkip
	}
}

// Clone deep-copies the state. Runtime bindings are shared.
func (s *State) Clone() *State {
	cp := *s
	cp.RootKey = append([]byte(nil), s.RootKey...)
	cp.SendingChainKey = append([]byte(nil), s.SendingChainKey...)
	cp.ReceivingChainKey = append([]byte(nil), s.ReceivingChainKey...)
	if len(cp.SendingChainKey) == 0 {
		cp.SendingChainKey = nil
	}
	if len(cp.ReceivingChainKey) == 0 {
		cp.ReceivingChainKey = nil
	}
	return &cp
}

// initiateSendingRatchet generates a new DH pair and derives a fresh
// sending chain against the current remote key.
func (s *State) initiateSendingRatchet() error {
	newPriv, newPub, err := s.crypto.DH.Generate()
	if err != nil {
		return err
	}

	if bytes.Equal(s.DHr[:], make([]byte, 32)) {
		return errors.New("remote public key (DHr) not set; cannot ratchet")
	}
	shared, err := s.crypto.DH.SharedSecret(newPriv, s.DHr)
	if err != nil {
		return fmt.Errorf("dh during sending ratchet: %w", err)
	}

	s.RootKey, s.SendingChainKey, err = rootStep(s.crypto.KDF, s.RootKey, shared)
	if err != nil {
		return fmt.Errorf("sending ratchet: %w", err)
	}

	s.DHsPriv = newPriv
	s.DHsPub = newPub
	s.Ns = 0
	return nil
}

// ratchetReceive performs the DH step for a newly seen remote key. The
// sending chain is dropped so the next Send ratchets against the new key.
func (s *State) ratchetReceive(newPub [32]byte) error {
	s.PN = s.Ns
	s.Ns = 0
	s.Nr = 0

	shared, err := s.crypto.DH.SharedSecret(s.DHsPriv, newPub)
	if err != nil {
		return fmt.Errorf("dh during receive ratchet: %w", err)
	}
	s.RootKey, s.ReceivingChainKey, err = rootStep(s.crypto.KDF, s.RootKey, shared)
	if err != nil {
		return err
	}
	s.DHr = newPub
	s.SendingChainKey = nil
	return nil
}

type pendingSkip struct {
	pub [32]byte
	num uint32
	key []byte
}

// skipTo derives and sets aside message keys for indices [Nr, until).
// Window checks are the caller's job.
func (s *State) skipTo(pending *[]pendingSkip, pub [32]byte, until uint32) error {
	if s.ReceivingChainKey == nil {
		return errors.New("no receiving chain key when saving skipped messages")
	}
	for s.Nr < until {
		var msgKey []byte
		var err error
		s.ReceivingChainKey, msgKey, err = chainStep(s.crypto.MAC, s.ReceivingChainKey)
		if err != nil {
			return err
		}
		*pending = append(*pending, pendingSkip{pub: pub, num: s.Nr, key: msgKey})
		s.Nr++
	}
	return nil
}

// Send produces a header and ciphertext for the plaintext message,
// starting a new sending chain first when none is active.
func (s *State) Send(plaintext []byte) (*model.Header, []byte, error) {
	work := s.Clone()

	if work.SendingChainKey == nil {
		if err := work.initiateSendingRatchet(); err != nil {
			return nil, nil, err
		}
	}

	msgNum := work.Ns
	var msgKey []byte
	var err error
	work.SendingChainKey, msgKey, err = chainStep(work.crypto.MAC, work.SendingChainKey)
	if err != nil {
		return nil, nil, err
	}
	work.Ns++

	hdr := model.Header{
		Pub:    work.DHsPub,
		MsgNum: msgNum,
		Prev:   work.PN,
	}

	ct, err := work.crypto.Cipher.Seal(msgKey, plaintext, headerToAAD(hdr))
	if err != nil {
		return nil, nil, err
	}

	*s = *work
	return &hdr, ct, nil
}

// Receive consumes a header and ciphertext and returns the plaintext.
// Skipped keys are tried first; a new remote ratchet key closes the old
// receiving chain (retaining its unseen keys) before stepping. Counters
// outside the skip window fail with ErrReplaySuspected and leave the
// state untouched.
func (s *State) Receive(h model.Header, ciphertext []byte) ([]byte, error) {
	aad := headerToAAD(h)

	if s.skipped != nil {
		mk, err := s.skipped.Get(h.Pub, h.MsgNum)
		switch {
		case err == nil:
			plain, err := s.crypto.Cipher.Open(mk, ciphertext, aad)
			if err != nil {
				return nil, err
			}
			s.skipped.Delete(h.Pub, h.MsgNum)
			return plain, nil
		case errors.Is(err, skippedkeys.ErrExpired):
			return nil, err
		}
		// not retained; walk the chains
	}

	work := s.Clone()
	var pending []pendingSkip

	if !bytes.Equal(h.Pub[:], work.DHr[:]) {
		if work.ReceivingChainKey != nil {
			if h.Prev < work.Nr {
				return nil, fmt.Errorf("%w: previous chain length %d behind receive counter %d", ErrReplaySuspected, h.Prev, work.Nr)
			}
			if h.Prev-work.Nr > work.MaxSkip {
				return nil, fmt.Errorf("%w: closing gap of %d exceeds max skip %d", ErrReplaySuspected, h.Prev-work.Nr, work.MaxSkip)
			}
			if err := work.skipTo(&pending, work.DHr, h.Prev); err != nil {
				return nil, err
			}
		}
		if err := work.ratchetReceive(h.Pub); err != nil {
			return nil, err
		}
	} else if h.MsgNum < work.Nr {
		// consumed and no longer retained
		return nil, skippedkeys.ErrNotFound
	}

	if h.MsgNum > work.Nr {
		if h.MsgNum-work.Nr > work.MaxSkip {
			return nil, fmt.Errorf("%w: gap of %d exceeds max skip %d", ErrReplaySuspected, h.MsgNum-work.Nr, work.MaxSkip)
		}
		if err := work.skipTo(&pending, work.DHr, h.MsgNum); err != nil {
			return nil, err
		}
	}

	if work.ReceivingChainKey == nil {
		return nil, errors.New("no receiving chain key to derive message key")
	}
	var msgKey []byte
	var err error
	work.ReceivingChainKey, msgKey, err = chainStep(work.crypto.MAC, work.ReceivingChainKey)
	if err != nil {
		return nil, err
	}
	work.Nr++

	plain, err := work.crypto.Cipher.Open(msgKey, ciphertext, aad)
	if err != nil {
		return nil, err
	}

	// success: retain the intermediate keys, then swap the state in
	if s.skipped != nil {
		for _, p := range pending {
			s.skipped.Put(p.pub, p.num, p.key)
		}
	}
	*s = *work
	return plain, nil
}
