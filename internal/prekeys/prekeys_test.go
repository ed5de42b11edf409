package prekeys

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"keymesh/internal/cryptographic/suite"
	"keymesh/internal/model"
	"keymesh/internal/protocol/x3dh"
	"keymesh/internal/service/directory"
	"keymesh/internal/storage/kv"
)

var sealKey = bytes.Repeat([]byte{0x5a}, 32)

func openStore(t *testing.T, db kv.DB, device model.DeviceID, opts Options) *Store {
	t.Helper()
	if opts.OneTimeTarget == 0 {
		opts.OneTimeTarget = 4
	}
	s, err := Open(db, sealKey, device, opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestOpenCreatesAndReloadsIdentity(t *testing.T) {
	db := kv.NewMemory()
	alice := model.DeviceID{User: "alice", Device: "phone"}

	s := openStore(t, db, alice, Options{})
	pub := s.BundleForPublish()
	if len(pub.IdentityDH) != 32 || len(pub.IdentitySig) == 0 {
		t.Fatalf("malformed identity publics: %+v", pub)
	}
	if pub.SignedPrekeyID != 1 {
		t.Fatalf("first signed prekey id = %d, want 1", pub.SignedPrekeyID)
	}
	if len(pub.OneTimeKeys) != 4 {
		t.Fatalf("pool size = %d, want 4", len(pub.OneTimeKeys))
	}

	again := openStore(t, db, alice, Options{})
	if !bytes.Equal(again.BundleForPublish().IdentityDH, pub.IdentityDH) {
		t.Fatal("identity changed across reopen")
	}
	if again.Fingerprint() != s.Fingerprint() {
		t.Fatal("fingerprint changed across reopen")
	}
}

func TestRecordSealedAtRest(t *testing.T) {
	db := kv.NewMemory()
	alice := model.DeviceID{User: "alice", Device: "phone"}
	openStore(t, db, alice, Options{})

	raw, err := db.Get([]byte("prekeys/" + alice.String()))
	if err != nil {
		t.Fatalf("raw record: %v", err)
	}
	if bytes.Contains(raw, []byte(`"identity_dh_priv"`)) {
		t.Fatal("record stored in plaintext")
	}

	if _, err := Open(db, bytes.Repeat([]byte{0x11}, 32), alice, Options{}); err == nil {
		t.Fatal("open with wrong seal key succeeded")
	}
}

func TestRotateSignedPrekey(t *testing.T) {
	db := kv.NewMemory()
	alice := model.DeviceID{User: "alice", Device: "phone"}
	clock := time.Now()
	s := openStore(t, db, alice, Options{Now: func() time.Time { return clock }})

	id, err := s.RotateSignedPrekey()
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if id != 2 {
		t.Fatalf("rotated id = %d, want 2", id)
	}
	if got := s.BundleForPublish().SignedPrekeyID; got != 2 {
		t.Fatalf("published id = %d, want 2", got)
	}

	// The retired prekey still resolves inside its grace window.
	if _, err := s.ResponderKeys(model.Handshake{SignedPrekeyID: 1}); err != nil {
		t.Fatalf("retired prekey inside grace: %v", err)
	}

	clock = clock.Add(8 * 24 * time.Hour)
	if _, err := s.RotateSignedPrekey(); err != nil {
		t.Fatalf("second rotate: %v", err)
	}
	if _, err := s.ResponderKeys(model.Handshake{SignedPrekeyID: 1}); !errors.Is(err, ErrUnknownSignedPrekey) {
		t.Fatalf("expired prekey resolved: %v", err)
	}
}

func TestRotatorPublishesOnSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := directory.NewMemory()
	s := openStore(t, kv.NewMemory(), model.DeviceID{User: "alice", Device: "phone"}, Options{})
	if err := dir.PublishBundle(ctx, s.BundleForPublish()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	r := &Rotator{Store: s, Directory: dir, Every: 5 * time.Millisecond}
	go r.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		bundle, err := dir.FetchBundle(ctx, s.Device())
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if bundle.SignedPrekeyID >= 2 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("rotator never republished a rotated bundle")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTakeOneTimeIsSingleUse(t *testing.T) {
	db := kv.NewMemory()
	alice := model.DeviceID{User: "alice", Device: "phone"}
	s := openStore(t, db, alice, Options{})

	id := s.BundleForPublish().OneTimeKeys[0].ID
	if _, err := s.TakeOneTime(id); err != nil {
		t.Fatalf("take: %v", err)
	}
	if _, err := s.TakeOneTime(id); !errors.Is(err, ErrUnknownOneTimeKey) {
		t.Fatalf("second take: %v, want ErrUnknownOneTimeKey", err)
	}
	if got := s.OneTimeCount(); got != 3 {
		t.Fatalf("pool size = %d, want 3", got)
	}

	// The removal is durable, not just in memory.
	again := openStore(t, db, alice, Options{})
	if _, err := again.TakeOneTime(id); !errors.Is(err, ErrUnknownOneTimeKey) {
		t.Fatalf("take after reopen: %v, want ErrUnknownOneTimeKey", err)
	}
}

func TestTopUpMintsFreshIDs(t *testing.T) {
	db := kv.NewMemory()
	alice := model.DeviceID{User: "alice", Device: "phone"}
	s := openStore(t, db, alice, Options{})

	taken := make(map[uint32]bool)
	for _, otk := range s.BundleForPublish().OneTimeKeys[:2] {
		taken[otk.ID] = true
		if _, err := s.TakeOneTime(otk.ID); err != nil {
			t.Fatalf("take %d: %v", otk.ID, err)
		}
	}

	added, err := s.TopUp()
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}
	if got := s.OneTimeCount(); got != 4 {
		t.Fatalf("pool size = %d, want 4", got)
	}
	for _, otk := range s.BundleForPublish().OneTimeKeys {
		if taken[otk.ID] {
			t.Fatalf("one-time id %d reissued", otk.ID)
		}
	}
}

func TestAgreementThroughDirectory(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	crypto, err := suite.Resolve(suite.Baseline("conv-1"))
	if err != nil {
		t.Fatalf("resolve suite: %v", err)
	}

	aliceStore := openStore(t, kv.NewMemory(), model.DeviceID{User: "alice", Device: "phone"}, Options{})
	bobStore := openStore(t, kv.NewMemory(), model.DeviceID{User: "bob", Device: "laptop"}, Options{})

	if err := dir.PublishBundle(ctx, bobStore.BundleForPublish()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	bundle, err := dir.FetchBundle(ctx, bobStore.Device())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if bundle.OneTime == nil {
		t.Fatal("fetched bundle has no one-time key")
	}

	init := &x3dh.Initiator{Suite: crypto}
	res, err := init.Agree(aliceStore.InitiatorKeys(), *bundle)
	if err != nil {
		t.Fatalf("initiator agree: %v", err)
	}

	before := bobStore.OneTimeCount()
	respKeys, err := bobStore.ResponderKeys(*res.Handshake)
	if err != nil {
		t.Fatalf("responder keys: %v", err)
	}
	if bobStore.OneTimeCount() != before-1 {
		t.Fatal("one-time key not consumed from pool")
	}

	resp := &x3dh.Responder{Suite: crypto}
	sk, err := resp.Agree(respKeys, *res.Handshake)
	if err != nil {
		t.Fatalf("responder agree: %v", err)
	}
	if !bytes.Equal(sk, res.SharedKey) {
		t.Fatal("shared keys differ")
	}
}

func TestFingerprintDiffersPerDevice(t *testing.T) {
	a := openStore(t, kv.NewMemory(), model.DeviceID{User: "alice", Device: "phone"}, Options{})
	b := openStore(t, kv.NewMemory(), model.DeviceID{User: "bob", Device: "phone"}, Options{})
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("distinct identities share a fingerprint")
	}
}
