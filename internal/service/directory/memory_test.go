package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"keymesh/internal/model"
)

func testBundle(device model.DeviceID, keyIDs ...uint32) *model.PublishedBundle {
	pub := &model.PublishedBundle{
		Device:          device,
		IdentityDH:      []byte("identity-dh"),
		IdentitySig:     []byte("identity-sig"),
		SignedPrekeyID:  7,
		SignedPrekey:    []byte("signed-prekey"),
		PrekeySignature: []byte("prekey-sig"),
		PublishedAt:     time.Now(),
	}
	for _, id := range keyIDs {
		pub.OneTimeKeys = append(pub.OneTimeKeys, model.OneTimeKey{ID: id, Pub: []byte{byte(id)}})
	}
	return pub
}

func TestPublishFetchConsume(t *testing.T) {
	ctx := context.Background()
	d := NewMemory()
	alice := model.DeviceID{User: "alice", Device: "phone"}

	if err := d.PublishBundle(ctx, testBundle(alice, 1, 2)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	b, err := d.FetchBundle(ctx, alice)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if b.SignedPrekeyID != 7 || b.OneTime == nil || b.OneTime.ID != 1 {
		t.Fatalf("unexpected bundle: %+v", b)
	}

	if err := d.ConsumeOneTimeKey(ctx, alice, 1); err != nil {
		t.Fatalf("consume: %v", err)
	}

	b, err = d.FetchBundle(ctx, alice)
	if err != nil {
		t.Fatalf("fetch after consume: %v", err)
	}
	if b.OneTime == nil || b.OneTime.ID != 2 {
		t.Fatalf("expected next key 2, got %+v", b.OneTime)
	}

	if err := d.ConsumeOneTimeKey(ctx, alice, 2); err != nil {
		t.Fatalf("consume 2: %v", err)
	}
	b, err = d.FetchBundle(ctx, alice)
	if err != nil {
		t.Fatalf("fetch with drained pool: %v", err)
	}
	if b.OneTime != nil {
		t.Fatalf("expected no one-time key, got %+v", b.OneTime)
	}
}

func TestFetchUnknownDevice(t *testing.T) {
	d := NewMemory()
	_, err := d.FetchBundle(context.Background(), model.DeviceID{User: "ghost", Device: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestConsumeUnknownKey(t *testing.T) {
	ctx := context.Background()
	d := NewMemory()
	alice := model.DeviceID{User: "alice", Device: "phone"}
	if err := d.PublishBundle(ctx, testBundle(alice, 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := d.ConsumeOneTimeKey(ctx, alice, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestConsumeTwice(t *testing.T) {
	ctx := context.Background()
	d := NewMemory()
	alice := model.DeviceID{User: "alice", Device: "phone"}
	if err := d.PublishBundle(ctx, testBundle(alice, 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := d.ConsumeOneTimeKey(ctx, alice, 1); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := d.ConsumeOneTimeKey(ctx, alice, 1); !errors.Is(err, ErrPrekeyConsumed) {
		t.Fatalf("got %v, want ErrPrekeyConsumed", err)
	}
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	ctx := context.Background()
	d := NewMemory()
	alice := model.DeviceID{User: "alice", Device: "phone"}
	if err := d.PublishBundle(ctx, testBundle(alice, 42)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	const racers = 32
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- d.ConsumeOneTimeKey(ctx, alice, 42)
		}()
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrPrekeyConsumed):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != racers-1 {
		t.Fatalf("wins=%d losses=%d, want 1 and %d", wins, losses, racers-1)
	}
}

func TestRepublishResetsPool(t *testing.T) {
	ctx := context.Background()
	d := NewMemory()
	alice := model.DeviceID{User: "alice", Device: "phone"}

	if err := d.PublishBundle(ctx, testBundle(alice, 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := d.ConsumeOneTimeKey(ctx, alice, 1); err != nil {
		t.Fatalf("consume: %v", err)
	}

	if err := d.PublishBundle(ctx, testBundle(alice, 2, 3)); err != nil {
		t.Fatalf("republish: %v", err)
	}
	b, err := d.FetchBundle(ctx, alice)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if b.OneTime == nil || b.OneTime.ID != 2 {
		t.Fatalf("expected fresh pool starting at 2, got %+v", b.OneTime)
	}
}

func TestCapabilitiesRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := NewMemory()
	alice := model.DeviceID{User: "alice", Device: "phone"}

	if _, err := d.FetchCapabilities(ctx, alice); !errors.Is(err, ErrNotFound) {
		t.Fatalf("fetch before publish: %v, want ErrNotFound", err)
	}

	caps := &model.CapabilitySet{
		Device:       alice,
		Ciphers:      []model.Algorithm{model.CipherChaCha20Poly1305, model.CipherAES256GCM},
		KeyExchanges: []model.Algorithm{model.KexX25519},
		MACs:         []model.Algorithm{model.MACHMACSHA256},
		Signatures:   []model.Algorithm{model.SigEd25519},
		KDFs:         []model.Algorithm{model.KDFHKDFSHA256},
	}
	if err := d.PublishCapabilities(ctx, caps); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, err := d.FetchCapabilities(ctx, alice)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got.Ciphers) != 2 || got.Ciphers[0] != model.CipherChaCha20Poly1305 {
		t.Fatalf("unexpected capabilities: %+v", got)
	}
}
