package envelope

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	plain := []byte("the quick brown fox")
	sealed, err := Seal([]byte("passphrase"), plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := Open([]byte("passphrase"), sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("got %q, want %q", got, plain)
	}
}

func TestWrongPassphraseRejected(t *testing.T) {
	sealed, err := Seal([]byte("right"), []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open([]byte("wrong"), sealed); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("err = %v, want ErrWrongPassphrase", err)
	}
}

func TestTamperedEnvelopeRejected(t *testing.T) {
	sealed, err := Seal([]byte("pass"), []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01
	if _, err := Open([]byte("pass"), sealed); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("err = %v, want ErrWrongPassphrase", err)
	}
}

func TestUnknownVersionRejected(t *testing.T) {
	sealed, err := Seal([]byte("pass"), []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed[0] = 99
	if _, err := Open([]byte("pass"), sealed); !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
}

func TestKeyedVariantRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	sealed, err := SealWithKey(key, []byte("state blob"))
	if err != nil {
		t.Fatalf("SealWithKey: %v", err)
	}
	got, err := OpenWithKey(key, sealed)
	if err != nil {
		t.Fatalf("OpenWithKey: %v", err)
	}
	if string(got) != "state blob" {
		t.Fatalf("got %q", got)
	}

	other := bytes.Repeat([]byte{0x22}, 32)
	if _, err := OpenWithKey(other, sealed); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("err = %v, want ErrWrongPassphrase", err)
	}
}
