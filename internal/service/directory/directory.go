// Package directory is the client side of the key directory: devices
// publish prekey bundles and capability records, peers fetch them and
// claim one-time keys. The directory never holds private key material.
package directory

import (
	"context"
	"errors"

	"keymesh/internal/model"
)

var (
	ErrNotFound       = errors.New("not found in directory")
	ErrPrekeyConsumed = errors.New("one-time prekey already consumed")
)

type Service interface {
	// PublishBundle replaces the device's bundle and one-time pool.
	PublishBundle(ctx context.Context, bundle *model.PublishedBundle) error

	// FetchBundle returns a snapshot for the peer device with at most one
	// unconsumed one-time key attached. Fetching does not claim the key;
	// the initiator must win ConsumeOneTimeKey before using it.
	FetchBundle(ctx context.Context, device model.DeviceID) (*model.PrekeyBundle, error)

	// ConsumeOneTimeKey atomically marks the key used. Exactly one caller
	// succeeds per key id; later callers get ErrPrekeyConsumed.
	ConsumeOneTimeKey(ctx context.Context, device model.DeviceID, keyID uint32) error

	PublishCapabilities(ctx context.Context, caps *model.CapabilitySet) error
	FetchCapabilities(ctx context.Context, device model.DeviceID) (*model.CapabilitySet, error)
}
