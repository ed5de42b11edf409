package negotiation

import (
	"context"
	"errors"
	"testing"
	"time"

	"keymesh/internal/cryptographic/suite"
	"keymesh/internal/model"
)

func caps(user string, ciphers ...model.Algorithm) model.CapabilitySet {
	cs := suite.DefaultCapabilities(model.DeviceID{User: user, Device: "d"})
	if len(ciphers) > 0 {
		cs.Ciphers = ciphers
	}
	return cs
}

func TestInitiatorPreferenceBreaksTies(t *testing.T) {
	initiator := caps("a", model.CipherChaCha20Poly1305, model.CipherAES256GCM)
	other := caps("b", model.CipherAES256GCM, model.CipherChaCha20Poly1305)

	ns, err := Negotiate("conv", initiator, []model.CapabilitySet{other}, Options{})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if ns.Cipher != model.CipherChaCha20Poly1305 {
		t.Fatalf("cipher = %s, want initiator's first preference", ns.Cipher)
	}
}

func TestNegotiationIsDeterministic(t *testing.T) {
	initiator := caps("a")
	b := caps("b", model.CipherChaCha20Poly1305, model.CipherAES256GCM)
	c := caps("c", model.CipherAES256GCM)

	first, err := Negotiate("conv", initiator, []model.CapabilitySet{b, c}, Options{})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	for i := 0; i < 10; i++ {
		// participant order must not matter
		again, err := Negotiate("conv", initiator, []model.CapabilitySet{c, b}, Options{})
		if err != nil {
			t.Fatalf("Negotiate: %v", err)
		}
		if again != first {
			t.Fatalf("run %d produced %+v, want %+v", i, again, first)
		}
	}
}

func TestUnknownTokensIgnored(t *testing.T) {
	initiator := caps("a", "quantum-otp", model.CipherAES256GCM)
	other := caps("b", model.CipherAES256GCM, "rot13")

	ns, err := Negotiate("conv", initiator, []model.CapabilitySet{other}, Options{})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if ns.Cipher != model.CipherAES256GCM {
		t.Fatalf("cipher = %s, want aes256-gcm", ns.Cipher)
	}
}

func TestDisjointMandatoryCategoryFailsWithoutFallback(t *testing.T) {
	initiator := caps("a", model.CipherChaCha20Poly1305)
	other := caps("b", model.CipherAES256GCM)

	_, err := Negotiate("conv", initiator, []model.CapabilitySet{other}, Options{})
	if !errors.Is(err, ErrNegotiationFailed) {
		t.Fatalf("err = %v, want ErrNegotiationFailed", err)
	}
}

func TestDisjointMandatoryCategoryFallsBackToBaseline(t *testing.T) {
	initiator := caps("a", model.CipherChaCha20Poly1305)
	other := caps("b", "some-legacy-cipher")

	ns, err := Negotiate("conv", initiator, []model.CapabilitySet{other}, Options{AllowFallback: true})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	baseline, _ := suite.Mandatory(suite.CategoryCipher)
	if ns.Cipher != baseline {
		t.Fatalf("cipher = %s, want baseline %s", ns.Cipher, baseline)
	}
}

func TestOptionalCategoryDroppedWhenUnsupported(t *testing.T) {
	initiator := caps("a")
	other := caps("b")
	other.PQKEMs = nil // no post-quantum support on this device

	ns, err := Negotiate("conv", initiator, []model.CapabilitySet{other}, Options{})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if ns.PQKEM != "" {
		t.Fatalf("pq kem = %s, want empty", ns.PQKEM)
	}
	if ns.Hybrid() {
		t.Fatal("suite must not be hybrid when a device lacks pq support")
	}
}

func TestOptionalCategorySelectedWhenUniversal(t *testing.T) {
	ns, err := Negotiate("conv", caps("a"), []model.CapabilitySet{caps("b"), caps("c")}, Options{})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if ns.PQKEM != model.PQKEMKyber1024 {
		t.Fatalf("pq kem = %s, want kyber1024", ns.PQKEM)
	}
}

func TestNegotiatedSuiteResolves(t *testing.T) {
	ns, err := Negotiate("conv", caps("a"), []model.CapabilitySet{caps("b")}, Options{})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if _, err := suite.Resolve(ns); err != nil {
		t.Fatalf("negotiated suite does not resolve: %v", err)
	}
}

func TestPendingSealsAfterAllAcks(t *testing.T) {
	devs := []model.DeviceID{
		{User: "a", Device: "phone"},
		{User: "a", Device: "laptop"},
		{User: "b", Device: "phone"},
	}
	p := NewPending(suite.Baseline("conv"), devs)

	p.Ack(devs[0])
	p.Ack(devs[0]) // duplicate
	p.Ack(model.DeviceID{User: "mallory", Device: "x"}) // outsider
	if p.Sealed() {
		t.Fatal("sealed before all participants acked")
	}
	if got := len(p.Outstanding()); got != 2 {
		t.Fatalf("outstanding = %d, want 2", got)
	}

	p.Ack(devs[1])
	p.Ack(devs[2])
	if !p.Sealed() {
		t.Fatal("not sealed after all acks")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ns, err := p.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if ns.SealedAt.IsZero() {
		t.Fatal("sealed suite has no seal time")
	}
}

func TestAwaitTimesOutDeterministically(t *testing.T) {
	p := NewPending(suite.Baseline("conv"), []model.DeviceID{{User: "ghost", Device: "d"}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Await(ctx)
	if !errors.Is(err, ErrNegotiationTimeout) {
		t.Fatalf("err = %v, want ErrNegotiationTimeout", err)
	}
	if !errors.Is(err, ErrNegotiationFailed) {
		t.Fatal("timeout must still match ErrNegotiationFailed")
	}
	if p.Sealed() {
		t.Fatal("timed-out negotiation must not seal")
	}
}
