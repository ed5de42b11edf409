// Package skippedkeys retains message keys derived for not-yet-arrived
// messages so out-of-order delivery stays decryptable. Retention is
// bounded per session by count and by age; eviction of the oldest entry
// is a normal event, not an error.
package skippedkeys

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"keymesh/internal/model"
)

var (
	ErrNotFound = errors.New("skipped key not found")
	ErrExpired  = errors.New("skipped key expired")
)

const (
	DefaultMaxPerSession = 256
	DefaultMaxAge        = 7 * 24 * time.Hour
)

type (
	// Entry is one retained message key, addressed by the ratchet public
	// key of its chain and the message number within that chain.
	Entry struct {
		RatchetPub [32]byte  `json:"ratchet_pub"`
		MsgNum     uint32    `json:"msg_num"`
		MessageKey []byte    `json:"message_key"`
		CreatedAt  time.Time `json:"created_at"`
	}

	Config struct {
		MaxPerSession int
		MaxAge        time.Duration
		Now           func() time.Time // defaults to time.Now
	}

	// Store keeps per-session entry lists in insertion order, oldest
	// first, so capacity eviction drops the oldest key.
	Store struct {
		mu       sync.Mutex
		cfg      Config
		sessions map[model.SessionID][]*Entry
	}

	// Handle is a session-scoped view of the store.
	Handle struct {
		store *Store
		id    model.SessionID
	}
)

func NewStore(cfg Config) *Store {
	if cfg.MaxPerSession <= 0 {
		cfg.MaxPerSession = DefaultMaxPerSession
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		cfg:      cfg,
		sessions: make(map[model.SessionID][]*Entry),
	}
}

func (s *Store) Session(id model.SessionID) *Handle {
	return &Handle{store: s, id: id}
}

// Drop forgets every retained key of one session.
func (s *Store) Drop(id model.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Purge removes expired entries across all sessions and reports how many
// were dropped.
func (s *Store) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	dropped := 0
	for id, entries := range s.sessions {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.CreatedAt) > s.cfg.MaxAge {
				dropped++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.sessions, id)
			continue
		}
		s.sessions[id] = kept
	}
	return dropped
}

// Put stores one derived key. When the session is at capacity the oldest
// entry is evicted first.
func (h *Handle) Put(pub [32]byte, msgNum uint32, messageKey []byte) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	entries := h.store.sessions[h.id]
	for _, e := range entries {
		if e.MsgNum == msgNum && bytes.Equal(e.RatchetPub[:], pub[:]) {
			return // already retained
		}
	}
	if len(entries) >= h.store.cfg.MaxPerSession {
		entries = entries[1:]
	}
	key := make([]byte, len(messageKey))
	copy(key, messageKey)
	h.store.sessions[h.id] = append(entries, &Entry{
		RatchetPub: pub,
		MsgNum:     msgNum,
		MessageKey: key,
		CreatedAt:  h.store.cfg.Now(),
	})
}

// Get returns the retained key without consuming it. An entry past its
// age bound is removed and reported as expired, distinct from one that
// never existed or was evicted.
func (h *Handle) Get(pub [32]byte, msgNum uint32) ([]byte, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	entries := h.store.sessions[h.id]
	for i, e := range entries {
		if e.MsgNum != msgNum || !bytes.Equal(e.RatchetPub[:], pub[:]) {
			continue
		}
		if h.store.cfg.Now().Sub(e.CreatedAt) > h.store.cfg.MaxAge {
			h.store.sessions[h.id] = append(entries[:i], entries[i+1:]...)
			return nil, ErrExpired
		}
		return e.MessageKey, nil
	}
	return nil, ErrNotFound
}

// Delete consumes an entry after successful use. Each key decrypts
// exactly one message, so the caller removes it once the plaintext is out.
func (h *Handle) Delete(pub [32]byte, msgNum uint32) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	entries := h.store.sessions[h.id]
	for i, e := range entries {
		if e.MsgNum == msgNum && bytes.Equal(e.RatchetPub[:], pub[:]) {
			h.store.sessions[h.id] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// Len reports how many keys the session currently retains.
func (h *Handle) Len() int {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	return len(h.store.sessions[h.id])
}

// Export snapshots the session's entries for backup.
func (h *Handle) Export() []Entry {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	entries := h.store.sessions[h.id]
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		cp.MessageKey = append([]byte(nil), e.MessageKey...)
		out = append(out, cp)
	}
	return out
}

// Import replaces the session's entries from a backup snapshot.
func (h *Handle) Import(entries []Entry) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	fresh := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		cp := e
		cp.MessageKey = append([]byte(nil), e.MessageKey...)
		fresh = append(fresh, &cp)
		if len(fresh) >= h.store.cfg.MaxPerSession {
			break
		}
	}
	h.store.sessions[h.id] = fresh
}
