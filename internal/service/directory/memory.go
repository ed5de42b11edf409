package directory

import (
	"context"
	"sync"

	"keymesh/internal/model"
)

type (
	// Memory is an in-process directory for tests and single-node runs.
	Memory struct {
		mu      sync.Mutex
		bundles map[string]*storedBundle
		caps    map[string]model.CapabilitySet
	}

	storedBundle struct {
		pub      model.PublishedBundle
		consumed map[uint32]bool
	}
)

func NewMemory() *Memory {
	return &Memory{
		bundles: make(map[string]*storedBundle),
		caps:    make(map[string]model.CapabilitySet),
	}
}

func (d *Memory) PublishBundle(_ context.Context, bundle *model.PublishedBundle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bundles[bundle.Device.String()] = &storedBundle{
		pub:      *bundle,
		consumed: make(map[uint32]bool),
	}
	return nil
}

func (d *Memory) FetchBundle(_ context.Context, device model.DeviceID) (*model.PrekeyBundle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sb, ok := d.bundles[device.String()]
	if !ok {
		return nil, ErrNotFound
	}

	out := &model.PrekeyBundle{
		Device:          sb.pub.Device,
		IdentityDH:      sb.pub.IdentityDH,
		IdentitySig:     sb.pub.IdentitySig,
		SignedPrekeyID:  sb.pub.SignedPrekeyID,
		SignedPrekey:    sb.pub.SignedPrekey,
		PrekeySignature: sb.pub.PrekeySignature,
		PQKEMPub:        sb.pub.PQKEMPub,
		PQKEMSignature:  sb.pub.PQKEMSignature,
	}
	for _, otk := range sb.pub.OneTimeKeys {
		if !sb.consumed[otk.ID] {
			k := otk
			out.OneTime = &k
			break
		}
	}
	return out, nil
}

func (d *Memory) ConsumeOneTimeKey(_ context.Context, device model.DeviceID, keyID uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sb, ok := d.bundles[device.String()]
	if !ok {
		return ErrNotFound
	}

	found := false
	for _, otk := range sb.pub.OneTimeKeys {
		if otk.ID == keyID {
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}
	if sb.consumed[keyID] {
		return ErrPrekeyConsumed
	}
	sb.consumed[keyID] = true
	return nil
}

func (d *Memory) PublishCapabilities(_ context.Context, caps *model.CapabilitySet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps[caps.Device.String()] = *caps
	return nil
}

func (d *Memory) FetchCapabilities(_ context.Context, device model.DeviceID) (*model.CapabilitySet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cs, ok := d.caps[device.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return &cs, nil
}
