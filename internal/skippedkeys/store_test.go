package skippedkeys

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"keymesh/internal/model"
)

var testSession = model.SessionID{
	Conversation: "conv",
	Local:        model.DeviceID{User: "alice", Device: "phone"},
	Remote:       model.DeviceID{User: "bob", Device: "laptop"},
}

func testPub(b byte) [32]byte {
	var pub [32]byte
	pub[0] = b
	return pub
}

func TestPutGetDelete(t *testing.T) {
	h := NewStore(Config{}).Session(testSession)
	pub := testPub(1)

	h.Put(pub, 3, []byte("key-3"))

	got, err := h.Get(pub, 3)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "key-3" {
		t.Fatalf("Get = %q, want key-3", got)
	}

	h.Delete(pub, 3)
	if _, err := h.Get(pub, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after Delete err = %v, want ErrNotFound", err)
	}
}

func TestMissingKeyDistinctFromWrongChain(t *testing.T) {
	h := NewStore(Config{}).Session(testSession)
	h.Put(testPub(1), 5, []byte("key"))

	if _, err := h.Get(testPub(2), 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other chain err = %v, want ErrNotFound", err)
	}
	if _, err := h.Get(testPub(1), 6); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other index err = %v, want ErrNotFound", err)
	}
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	h := NewStore(Config{MaxPerSession: 3}).Session(testSession)
	pub := testPub(1)

	for i := uint32(0); i < 5; i++ {
		h.Put(pub, i, []byte{byte(i)})
	}

	if got := h.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}
	for _, evicted := range []uint32{0, 1} {
		if _, err := h.Get(pub, evicted); !errors.Is(err, ErrNotFound) {
			t.Fatalf("entry %d should be evicted, err = %v", evicted, err)
		}
	}
	for _, kept := range []uint32{2, 3, 4} {
		if _, err := h.Get(pub, kept); err != nil {
			t.Fatalf("entry %d should survive, err = %v", kept, err)
		}
	}
}

func TestAgedKeyReportsExpired(t *testing.T) {
	now := time.Now()
	clock := &now
	store := NewStore(Config{
		MaxAge: time.Hour,
		Now:    func() time.Time { return *clock },
	})
	h := store.Session(testSession)
	pub := testPub(1)

	h.Put(pub, 0, []byte("old"))
	later := now.Add(2 * time.Hour)
	clock = &later

	if _, err := h.Get(pub, 0); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	// the expired entry is gone afterwards
	if _, err := h.Get(pub, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second lookup err = %v, want ErrNotFound", err)
	}
}

func TestPurgeDropsExpiredAcrossSessions(t *testing.T) {
	now := time.Now()
	clock := &now
	store := NewStore(Config{
		MaxAge: time.Minute,
		Now:    func() time.Time { return *clock },
	})

	for i := 0; i < 4; i++ {
		id := testSession
		id.Conversation = fmt.Sprintf("conv-%d", i)
		store.Session(id).Put(testPub(1), 0, []byte("k"))
	}

	later := now.Add(time.Hour)
	clock = &later
	if dropped := store.Purge(); dropped != 4 {
		t.Fatalf("Purge dropped %d, want 4", dropped)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	store := NewStore(Config{})
	h := store.Session(testSession)
	pub := testPub(1)
	h.Put(pub, 1, []byte("one"))
	h.Put(pub, 4, []byte("four"))

	exported := h.Export()
	if len(exported) != 2 {
		t.Fatalf("exported %d entries, want 2", len(exported))
	}

	other := NewStore(Config{}).Session(testSession)
	other.Import(exported)
	got, err := other.Get(pub, 4)
	if err != nil {
		t.Fatalf("Get after Import: %v", err)
	}
	if string(got) != "four" {
		t.Fatalf("imported key = %q, want four", got)
	}
}

func TestDuplicatePutKeptOnce(t *testing.T) {
	h := NewStore(Config{}).Session(testSession)
	pub := testPub(1)
	h.Put(pub, 2, []byte("first"))
	h.Put(pub, 2, []byte("second"))

	if got := h.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
	key, err := h.Get(pub, 2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(key) != "first" {
		t.Fatalf("key = %q, want the first retained value", key)
	}
}
