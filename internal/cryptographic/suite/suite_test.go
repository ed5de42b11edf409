package suite

import (
	"errors"
	"testing"

	"keymesh/internal/model"
)

func TestResolveBaseline(t *testing.T) {
	s, err := Resolve(Baseline("conv"))
	if err != nil {
		t.Fatalf("Resolve baseline: %v", err)
	}
	if s.Cipher == nil || s.MAC == nil || s.Sign == nil || s.KDF.Hash == nil {
		t.Fatal("baseline suite missing primitives")
	}
	if s.PQKEM != nil || s.PQSign != nil {
		t.Fatal("baseline suite must not carry post-quantum members")
	}
}

func TestResolveHybrid(t *testing.T) {
	desc := Baseline("conv")
	desc.PQKEM = model.PQKEMKyber1024
	desc.PQSignature = model.PQSigDilithium5
	s, err := Resolve(desc)
	if err != nil {
		t.Fatalf("Resolve hybrid: %v", err)
	}
	if s.PQKEM == nil || s.PQSign == nil {
		t.Fatal("hybrid suite missing post-quantum primitives")
	}
}

func TestResolveRejectsUnknownTokens(t *testing.T) {
	for _, mutate := range []func(*model.NegotiatedSuite){
		func(ns *model.NegotiatedSuite) { ns.Cipher = "rot13" },
		func(ns *model.NegotiatedSuite) { ns.KeyExchange = "x448" },
		func(ns *model.NegotiatedSuite) { ns.MAC = "crc32" },
		func(ns *model.NegotiatedSuite) { ns.Signature = "rsa-pkcs1" },
		func(ns *model.NegotiatedSuite) { ns.KDF = "pbkdf1" },
		func(ns *model.NegotiatedSuite) { ns.PQKEM = "ntru" },
	} {
		desc := Baseline("conv")
		mutate(&desc)
		if _, err := Resolve(desc); !errors.Is(err, ErrUnknownAlgorithm) {
			t.Fatalf("Resolve(%+v) err = %v, want ErrUnknownAlgorithm", desc, err)
		}
	}
}

func TestMandatoryCoversEveryClassicalCategory(t *testing.T) {
	for _, cat := range Categories() {
		alg, ok := Mandatory(cat)
		if Optional(cat) {
			if ok {
				t.Fatalf("optional category %s has a mandatory token", cat)
			}
			continue
		}
		if !ok {
			t.Fatalf("category %s has no mandatory token", cat)
		}
		if !Known(cat, alg) {
			t.Fatalf("mandatory token %s of %s not in registry", alg, cat)
		}
	}
}

func TestChoiceRoundTrip(t *testing.T) {
	var ns model.NegotiatedSuite
	for _, cat := range Categories() {
		list := List(DefaultCapabilities(model.DeviceID{User: "a", Device: "d"}), cat)
		if len(list) == 0 {
			t.Fatalf("default capabilities empty for %s", cat)
		}
		SetChoice(&ns, cat, list[0])
		if got := Choice(ns, cat); got != list[0] {
			t.Fatalf("Choice(%s) = %s, want %s", cat, got, list[0])
		}
	}
}
