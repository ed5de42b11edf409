package server

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"keymesh/internal/model"
	"keymesh/internal/service/blob"
	"keymesh/internal/service/directory"
)

func newTestServer(t *testing.T, blobs blob.Store) string {
	t.Helper()
	srv := httptest.NewServer(NewHttpServer("", directory.NewMemory(), blobs).Handler())
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestBundleLifecycleOverHTTP(t *testing.T) {
	ctx := context.Background()
	host := newTestServer(t, blob.NewMemory())
	client := directory.NewClient(host)

	dev := model.DeviceID{User: "alice", Device: "phone"}
	pub := &model.PublishedBundle{
		Device:          dev,
		IdentityDH:      bytes.Repeat([]byte{1}, 32),
		IdentitySig:     bytes.Repeat([]byte{2}, 32),
		SignedPrekeyID:  1,
		SignedPrekey:    bytes.Repeat([]byte{3}, 32),
		PrekeySignature: bytes.Repeat([]byte{4}, 64),
		OneTimeKeys: []model.OneTimeKey{
			{ID: 1, Pub: bytes.Repeat([]byte{5}, 32)},
			{ID: 2, Pub: bytes.Repeat([]byte{6}, 32)},
		},
		PublishedAt: time.Now().UTC(),
	}
	if err := client.PublishBundle(ctx, pub); err != nil {
		t.Fatalf("publish: %v", err)
	}

	bundle, err := client.FetchBundle(ctx, dev)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if bundle.SignedPrekeyID != 1 || !bytes.Equal(bundle.IdentityDH, pub.IdentityDH) {
		t.Fatalf("bundle mismatch: %+v", bundle)
	}
	if bundle.OneTime == nil || bundle.OneTime.ID != 1 {
		t.Fatalf("one-time key: %+v", bundle.OneTime)
	}

	if err := client.ConsumeOneTimeKey(ctx, dev, 1); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := client.ConsumeOneTimeKey(ctx, dev, 1); !errors.Is(err, directory.ErrPrekeyConsumed) {
		t.Fatalf("second consume: %v, want ErrPrekeyConsumed", err)
	}
	if err := client.ConsumeOneTimeKey(ctx, dev, 99); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("unknown key: %v, want ErrNotFound", err)
	}

	// The consumed key must never be offered again.
	bundle, err = client.FetchBundle(ctx, dev)
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if bundle.OneTime == nil || bundle.OneTime.ID != 2 {
		t.Fatalf("one-time key after consume: %+v", bundle.OneTime)
	}

	if _, err := client.FetchBundle(ctx, model.DeviceID{User: "nobody", Device: "x"}); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("unknown device: %v, want ErrNotFound", err)
	}
}

func TestCapabilitiesOverHTTP(t *testing.T) {
	ctx := context.Background()
	host := newTestServer(t, blob.NewMemory())
	client := directory.NewClient(host)

	dev := model.DeviceID{User: "bob", Device: "laptop"}
	caps := &model.CapabilitySet{
		Device:       dev,
		Ciphers:      []model.Algorithm{model.CipherChaCha20Poly1305, model.CipherAES256GCM},
		KeyExchanges: []model.Algorithm{model.KexX25519},
		MACs:         []model.Algorithm{model.MACHMACSHA256},
		Signatures:   []model.Algorithm{model.SigEd25519},
		KDFs:         []model.Algorithm{model.KDFHKDFSHA256},
	}
	if err := client.PublishCapabilities(ctx, caps); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, err := client.FetchCapabilities(ctx, dev)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Ciphers[0] != model.CipherChaCha20Poly1305 || len(got.KeyExchanges) != 1 {
		t.Fatalf("capabilities mismatch: %+v", got)
	}

	if _, err := client.FetchCapabilities(ctx, model.DeviceID{User: "nobody", Device: "x"}); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("unknown device: %v, want ErrNotFound", err)
	}
}

func TestBlobsOverHTTP(t *testing.T) {
	ctx := context.Background()
	host := newTestServer(t, blob.NewMemory())
	client := blob.NewClient(host)

	// Keys carry slashes, exactly like session and backup blob keys do.
	key := "backup/alice/phone"
	if err := client.Put(ctx, key, []byte("snapshot"), time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}

	data, err := client.Get(ctx, key)
	if err != nil || string(data) != "snapshot" {
		t.Fatalf("get: %q, %v", data, err)
	}

	if _, err := client.Get(ctx, "backup/nobody/x"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("missing: %v, want ErrNotFound", err)
	}

	if err := client.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := client.Get(ctx, key); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("after delete: %v, want ErrNotFound", err)
	}
}

// expiredStore forces the expired path without waiting out a TTL.
type expiredStore struct {
	blob.Store
}

func (expiredStore) Get(context.Context, string) ([]byte, error) {
	return nil, blob.ErrExpired
}

func TestExpiredBlobMapsToGone(t *testing.T) {
	host := newTestServer(t, expiredStore{blob.NewMemory()})
	client := blob.NewClient(host)

	if _, err := client.Get(context.Background(), "backup/alice/phone"); !errors.Is(err, blob.ErrExpired) {
		t.Fatalf("got %v, want ErrExpired", err)
	}
}
