package prekeys

import (
	"context"
	"time"

	"go.uber.org/zap"

	"keymesh/internal/service/directory"
	"keymesh/internal/utils/log"
)

const DefaultRotateEvery = 30 * 24 * time.Hour

// Rotator rotates the signed prekey on a fixed interval, tops the
// one-time pool back up and republishes the bundle.
type Rotator struct {
	Store     *Store
	Directory directory.Service
	Every     time.Duration
}

func (r *Rotator) Run(ctx context.Context) {
	every := r.Every
	if every <= 0 {
		every = DefaultRotateEvery
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.rotate(ctx)
		}
	}
}

func (r *Rotator) rotate(ctx context.Context) {
	id, err := r.Store.RotateSignedPrekey()
	if err != nil {
		log.Error("rotate signed prekey failed", zap.Error(err))
		return
	}

	added, err := r.Store.TopUp()
	if err != nil {
		log.Error("one-time pool top-up failed", zap.Error(err))
		return
	}

	if err := r.Directory.PublishBundle(ctx, r.Store.BundleForPublish()); err != nil {
		log.Error("republish bundle failed", zap.Error(err))
		return
	}

	log.Info("signed prekey rotated",
		zap.String("device", r.Store.Device().String()),
		zap.Uint32("signed_prekey_id", id),
		zap.Int("one_time_minted", added),
	)
}
