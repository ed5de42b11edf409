// Package backup seals session state into encrypted, integrity-protected
// snapshots for device migration and recovery, and verifies them on the
// way back in. The content hash is checked before any decryption attempt,
// and a snapshot never restores partially.
package backup

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"keymesh/internal/cryptographic/envelope"
	"keymesh/internal/model"
	"keymesh/internal/protocol/doubleratchet"
	"keymesh/internal/protocol/senderkey"
	"keymesh/internal/skippedkeys"
)

const (
	// FormatVersion identifies the snapshot layout.
	FormatVersion = 1

	// AlgorithmTag names the snapshot protection in effect.
	AlgorithmTag = "argon2id+chacha20poly1305+sha256"

	// DefaultTTL bounds how long a snapshot stays restorable.
	DefaultTTL = 30 * 24 * time.Hour
)

var (
	ErrIntegrity         = errors.New("backup integrity check failed")
	ErrSnapshotExpired   = errors.New("backup snapshot expired")
	ErrCounterRegression = errors.New("counter regression detected")
	ErrVersion           = errors.New("unsupported backup version")
)

type (
	// SessionRecord is one session's complete restorable state: the
	// ratchet, its retained skipped keys, and the pinned suite.
	SessionRecord struct {
		ID        model.SessionID       `json:"id"`
		Suite     model.NegotiatedSuite `json:"suite"`
		State     *doubleratchet.State  `json:"state"`
		Skipped   []skippedkeys.Entry   `json:"skipped,omitempty"`
		CreatedAt time.Time             `json:"created_at"`
		LastUsed  time.Time             `json:"last_used"`
	}

	// Payload is the cleartext content of a snapshot. Suites carries the
	// pinned suite of every conversation present, so group chains without
	// a surviving pairwise session can still be rebound on restore.
	Payload struct {
		Device    model.DeviceID          `json:"device"`
		CreatedAt time.Time               `json:"created_at"`
		Suites    []model.NegotiatedSuite `json:"suites,omitempty"`
		Sessions  []SessionRecord         `json:"sessions"`
		Senders   []*senderkey.Sender     `json:"senders,omitempty"`
		Receivers []*senderkey.Receiver   `json:"receivers,omitempty"`
	}
)

// Seal encodes, encrypts and fingerprints a payload.
func Seal(passphrase []byte, p Payload, ttl time.Duration) (*model.BackupSnapshot, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	raw, err := cbor.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode backup payload: %w", err)
	}
	sealed, err := envelope.Seal(passphrase, raw)
	if err != nil {
		return nil, fmt.Errorf("seal backup payload: %w", err)
	}
	sum := sha256.Sum256(sealed)

	now := time.Now().UTC()
	return &model.BackupSnapshot{
		ID:        uuid.NewString(),
		Version:   FormatVersion,
		Algorithm: AlgorithmTag,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Payload:   sealed,
		Hash:      sum[:],
	}, nil
}

// Open verifies a snapshot and returns its payload. The hash must match
// before decryption is attempted; any mismatch refuses the whole
// snapshot.
func Open(passphrase []byte, snap model.BackupSnapshot) (*Payload, error) {
	if snap.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, snap.Version)
	}
	sum := sha256.Sum256(snap.Payload)
	if !bytes.Equal(sum[:], snap.Hash) {
		return nil, fmt.Errorf("%w: content hash mismatch", ErrIntegrity)
	}
	if !snap.ExpiresAt.IsZero() && time.Now().After(snap.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired %s", ErrSnapshotExpired, snap.ExpiresAt.Format(time.RFC3339))
	}

	raw, err := envelope.Open(passphrase, snap.Payload)
	if err != nil {
		if errors.Is(err, envelope.ErrWrongPassphrase) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	var p Payload
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: undecodable payload", ErrIntegrity)
	}
	return &p, nil
}

// CheckRegression compares a restored ratchet state against the live one.
// Restoring must never roll a chain counter backward: that would replay
// message keys that already existed once.
func CheckRegression(id model.SessionID, restored, live *doubleratchet.State) error {
	if live == nil || restored == nil {
		return nil
	}
	if restored.Ns < live.Ns || restored.Nr < live.Nr {
		return fmt.Errorf("%w: session %s restored counters ns=%d nr=%d behind live ns=%d nr=%d",
			ErrCounterRegression, id, restored.Ns, restored.Nr, live.Ns, live.Nr)
	}
	return nil
}
