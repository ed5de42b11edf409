package directory

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/mongo"

	"keymesh/internal/model"
	bundleRepo "keymesh/internal/repository/bundle"
	capabilityRepo "keymesh/internal/repository/capability"
)

// Mongo serves the directory out of a mongo database. It is what
// keymeshd mounts behind its HTTP routes.
type Mongo struct {
	bundles *bundleRepo.Repo
	caps    *capabilityRepo.Repo
}

func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{
		bundles: bundleRepo.NewRepo(db),
		caps:    capabilityRepo.NewRepo(db),
	}
}

func (d *Mongo) PublishBundle(ctx context.Context, bundle *model.PublishedBundle) error {
	return d.bundles.Upsert(ctx, bundle)
}

func (d *Mongo) FetchBundle(ctx context.Context, device model.DeviceID) (*model.PrekeyBundle, error) {
	b, err := d.bundles.Get(ctx, device)
	if errors.Is(err, bundleRepo.ErrNotFound) {
		return nil, ErrNotFound
	}
	return b, err
}

func (d *Mongo) ConsumeOneTimeKey(ctx context.Context, device model.DeviceID, keyID uint32) error {
	err := d.bundles.Consume(ctx, device, keyID)
	switch {
	case errors.Is(err, bundleRepo.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, bundleRepo.ErrKeyConsumed):
		return ErrPrekeyConsumed
	}
	return err
}

func (d *Mongo) PublishCapabilities(ctx context.Context, caps *model.CapabilitySet) error {
	return d.caps.Upsert(ctx, caps)
}

func (d *Mongo) FetchCapabilities(ctx context.Context, device model.DeviceID) (*model.CapabilitySet, error) {
	cs, err := d.caps.Get(ctx, device)
	if errors.Is(err, capabilityRepo.ErrNotFound) {
		return nil, ErrNotFound
	}
	return cs, err
}
