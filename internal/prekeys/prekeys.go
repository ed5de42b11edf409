// Package prekeys owns a device's long-term key material: the identity
// pairs, the rotating signed prekey, and the one-time prekey pool. The
// whole record lives as a single sealed entry in the device store, so
// private halves never touch disk in plaintext.
package prekeys

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"keymesh/internal/cryptographic/dh"
	"keymesh/internal/cryptographic/envelope"
	"keymesh/internal/cryptographic/kem"
	"keymesh/internal/cryptographic/signature"
	"keymesh/internal/model"
	"keymesh/internal/protocol/x3dh"
	"keymesh/internal/storage/kv"
)

const (
	DefaultOneTimeTarget = 100

	// Retired signed prekeys stay resolvable this long so handshakes
	// built against a stale bundle still complete.
	retiredGrace = 7 * 24 * time.Hour
)

var (
	ErrUnknownSignedPrekey = errors.New("unknown signed prekey id")
	ErrUnknownOneTimeKey   = errors.New("unknown one-time key id")
)

type (
	Store struct {
		mu     sync.Mutex
		db     kv.DB
		key    []byte
		target int
		withPQ bool
		now    func() time.Time
		state  record
	}

	Options struct {
		// OneTimeTarget is the pool size TopUp refills to. Defaults to
		// DefaultOneTimeTarget.
		OneTimeTarget int
		// WithPQ mints a KEM pair and advertises it in published bundles.
		WithPQ bool
		Now    func() time.Time
	}

	record struct {
		Device          model.DeviceID `json:"device"`
		IdentityDHPriv  []byte         `json:"identity_dh_priv"`
		IdentityDHPub   []byte         `json:"identity_dh_pub"`
		IdentitySigPriv []byte         `json:"identity_sig_priv"`
		IdentitySigPub  []byte         `json:"identity_sig_pub"`
		PQKEMPriv       []byte         `json:"pq_kem_priv,omitempty"`
		PQKEMPub        []byte         `json:"pq_kem_pub,omitempty"`
		PQKEMSig        []byte         `json:"pq_kem_sig,omitempty"`
		SignedPrekeys   []signedPrekey `json:"signed_prekeys"`
		NextSignedID    uint32         `json:"next_signed_id"`
		OneTimeKeys     []oneTimeKey   `json:"one_time_keys"`
		NextOneTimeID   uint32         `json:"next_one_time_id"`
		CreatedAt       time.Time      `json:"created_at"`
	}

	// signedPrekey index 0 is always the current one; later entries are
	// retired but still inside their grace window.
	signedPrekey struct {
		ID        uint32    `json:"id"`
		Priv      []byte    `json:"priv"`
		Pub       []byte    `json:"pub"`
		Signature []byte    `json:"signature"`
		CreatedAt time.Time `json:"created_at"`
		RetiredAt time.Time `json:"retired_at,omitempty"`
	}

	oneTimeKey struct {
		ID   uint32 `json:"id"`
		Priv []byte `json:"priv"`
		Pub  []byte `json:"pub"`
	}
)

func storageKey(device model.DeviceID) []byte {
	return []byte("prekeys/" + device.String())
}

// Open loads the device's key record, creating and persisting a fresh
// identity with a first signed prekey and a full one-time pool if none
// exists yet. sealKey encrypts the record at rest.
func Open(db kv.DB, sealKey []byte, device model.DeviceID, opts Options) (*Store, error) {
	s := &Store{
		db:     db,
		key:    sealKey,
		target: opts.OneTimeTarget,
		withPQ: opts.WithPQ,
		now:    opts.Now,
	}
	if s.target <= 0 {
		s.target = DefaultOneTimeTarget
	}
	if s.now == nil {
		s.now = time.Now
	}

	raw, err := db.Get(storageKey(device))
	switch {
	case errors.Is(err, kv.ErrNotFound):
		if err := s.initialize(device); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, err
	}

	plain, err := envelope.OpenWithKey(sealKey, raw)
	if err != nil {
		return nil, fmt.Errorf("open key record: %w", err)
	}
	if err := json.Unmarshal(plain, &s.state); err != nil {
		return nil, fmt.Errorf("decode key record: %w", err)
	}
	return s, nil
}

func (s *Store) initialize(device model.DeviceID) error {
	dhPriv, dhPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return err
	}
	sigPub, sigPriv, err := signature.Ed25519{}.Generate()
	if err != nil {
		return err
	}

	s.state = record{
		Device:          device,
		IdentityDHPriv:  dhPriv[:],
		IdentityDHPub:   dhPub[:],
		IdentitySigPriv: sigPriv,
		IdentitySigPub:  sigPub,
		NextSignedID:    1,
		NextOneTimeID:   1,
		CreatedAt:       s.now(),
	}

	if s.withPQ {
		kemPub, kemPriv, err := kem.Kyber1024{}.Generate()
		if err != nil {
			return err
		}
		kemSig, err := signature.Ed25519{}.Sign(sigPriv, kemPub)
		if err != nil {
			return err
		}
		s.state.PQKEMPub = kemPub
		s.state.PQKEMPriv = kemPriv
		s.state.PQKEMSig = kemSig
	}

	if _, err := s.mintSignedPrekey(); err != nil {
		return err
	}
	if _, err := s.fillOneTimePool(); err != nil {
		return err
	}
	return s.persist()
}

// persist writes the sealed record. Callers hold s.mu or are still
// inside initialization.
func (s *Store) persist() error {
	plain, err := json.Marshal(&s.state)
	if err != nil {
		return fmt.Errorf("encode key record: %w", err)
	}
	sealed, err := envelope.SealWithKey(s.key, plain)
	if err != nil {
		return err
	}
	return s.db.Put(storageKey(s.state.Device), sealed)
}

func (s *Store) mintSignedPrekey() (uint32, error) {
	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		return 0, err
	}
	sig, err := signature.Ed25519{}.Sign(s.state.IdentitySigPriv, pub[:])
	if err != nil {
		return 0, err
	}

	id := s.state.NextSignedID
	s.state.NextSignedID++
	spk := signedPrekey{
		ID:        id,
		Priv:      priv[:],
		Pub:       pub[:],
		Signature: sig,
		CreatedAt: s.now(),
	}
	s.state.SignedPrekeys = append([]signedPrekey{spk}, s.state.SignedPrekeys...)
	return id, nil
}

func (s *Store) fillOneTimePool() (int, error) {
	added := 0
	for len(s.state.OneTimeKeys) < s.target {
		priv, pub, err := dh.NewX25519KeyPair()
		if err != nil {
			return added, err
		}
		s.state.OneTimeKeys = append(s.state.OneTimeKeys, oneTimeKey{
			ID:   s.state.NextOneTimeID,
			Priv: priv[:],
			Pub:  pub[:],
		})
		s.state.NextOneTimeID++
		added++
	}
	return added, nil
}

func (s *Store) Device() model.DeviceID {
	return s.state.Device
}

// Fingerprint is a stable digest of the identity publics for manual
// comparison between peers.
func (s *Store) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Fingerprint(s.state.IdentityDHPub, s.state.IdentitySigPub)
}

// Fingerprint digests a pair of identity publics into the display form
// used for out-of-band comparison, hex in groups of eight.
func Fingerprint(dhPub, sigPub []byte) string {
	h := sha256.New()
	h.Write(dhPub)
	h.Write(sigPub)
	sum := hex.EncodeToString(h.Sum(nil))

	groups := make([]string, 0, len(sum)/8)
	for i := 0; i+8 <= len(sum); i += 8 {
		groups = append(groups, sum[i:i+8])
	}
	return strings.Join(groups, " ")
}

// BundleForPublish snapshots everything the directory should serve: the
// identity publics, the current signed prekey, and the unspent one-time
// pool.
func (s *Store) BundleForPublish() *model.PublishedBundle {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.state.SignedPrekeys[0]
	pub := &model.PublishedBundle{
		Device:          s.state.Device,
		IdentityDH:      s.state.IdentityDHPub,
		IdentitySig:     s.state.IdentitySigPub,
		SignedPrekeyID:  current.ID,
		SignedPrekey:    current.Pub,
		PrekeySignature: current.Signature,
		PQKEMPub:        s.state.PQKEMPub,
		PQKEMSignature:  s.state.PQKEMSig,
		PublishedAt:     s.now(),
	}
	for _, otk := range s.state.OneTimeKeys {
		pub.OneTimeKeys = append(pub.OneTimeKeys, model.OneTimeKey{ID: otk.ID, Pub: otk.Pub})
	}
	return pub
}

// RotateSignedPrekey retires the current signed prekey and mints the
// next id. Retired keys stay resolvable for the grace window, then fall
// off on the following rotation.
func (s *Store) RotateSignedPrekey() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.SignedPrekeys[0].RetiredAt = s.now()

	id, err := s.mintSignedPrekey()
	if err != nil {
		return 0, err
	}

	kept := s.state.SignedPrekeys[:1]
	cutoff := s.now().Add(-retiredGrace)
	for _, spk := range s.state.SignedPrekeys[1:] {
		if spk.RetiredAt.After(cutoff) {
			kept = append(kept, spk)
		}
	}
	s.state.SignedPrekeys = kept

	if err := s.persist(); err != nil {
		return 0, err
	}
	return id, nil
}

// TopUp refills the one-time pool to its target size and returns how
// many keys were minted.
func (s *Store) TopUp() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added, err := s.fillOneTimePool()
	if err != nil {
		return added, err
	}
	if added > 0 {
		if err := s.persist(); err != nil {
			return added, err
		}
	}
	return added, nil
}

func (s *Store) OneTimeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.OneTimeKeys)
}

// TakeOneTime removes the key from the pool and returns its private
// half. The removal persists before the key is handed out; a one-time
// key is never resolvable twice.
func (s *Store) TakeOneTime(id uint32) (*[32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, otk := range s.state.OneTimeKeys {
		if otk.ID != id {
			continue
		}
		s.state.OneTimeKeys = append(s.state.OneTimeKeys[:i], s.state.OneTimeKeys[i+1:]...)
		if err := s.persist(); err != nil {
			return nil, err
		}
		priv := [32]byte(otk.Priv)
		return &priv, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownOneTimeKey, id)
}

// InitiatorKeys is the local material for opening a session to a peer.
func (s *Store) InitiatorKeys() x3dh.InitiatorKeys {
	s.mu.Lock()
	defer s.mu.Unlock()

	return x3dh.InitiatorKeys{
		IdentityPriv:   [32]byte(s.state.IdentityDHPriv),
		IdentityPub:    [32]byte(s.state.IdentityDHPub),
		IdentitySigPub: s.state.IdentitySigPub,
	}
}

// ResponderKeys resolves the private halves a received handshake points
// at. A referenced one-time key is taken from the pool here; it cannot
// serve a second handshake even if this one later fails.
func (s *Store) ResponderKeys(hs model.Handshake) (x3dh.ResponderKeys, error) {
	s.mu.Lock()
	spkPriv, err := s.signedPrekeyPriv(hs.SignedPrekeyID)
	s.mu.Unlock()
	if err != nil {
		return x3dh.ResponderKeys{}, err
	}

	keys := x3dh.ResponderKeys{
		IdentityPriv:     [32]byte(s.state.IdentityDHPriv),
		SignedPrekeyPriv: spkPriv,
		PQPriv:           s.state.PQKEMPriv,
	}
	if hs.OneTimeID != nil {
		otkPriv, err := s.TakeOneTime(*hs.OneTimeID)
		if err != nil {
			return x3dh.ResponderKeys{}, err
		}
		keys.OneTimePriv = otkPriv
	}
	return keys, nil
}

func (s *Store) signedPrekeyPriv(id uint32) ([32]byte, error) {
	for _, spk := range s.state.SignedPrekeys {
		if spk.ID == id {
			return [32]byte(spk.Priv), nil
		}
	}
	return [32]byte{}, fmt.Errorf("%w: %d", ErrUnknownSignedPrekey, id)
}
