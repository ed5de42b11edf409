package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"keymesh/internal/backup"
	"keymesh/internal/cryptographic/dh"
	"keymesh/internal/cryptographic/envelope"
	"keymesh/internal/cryptographic/suite"
	"keymesh/internal/model"
	"keymesh/internal/protocol/doubleratchet"
	"keymesh/internal/protocol/negotiation"
	"keymesh/internal/protocol/x3dh"
	"keymesh/internal/service/blob"
	"keymesh/internal/service/directory"
	"keymesh/internal/skippedkeys"
	"keymesh/internal/utils/log"
)

// establishAttempts bounds how often a lost one-time-key race triggers a
// refetch before Establish gives up.
const establishAttempts = 3

type session struct {
	mu    sync.Mutex
	id    model.SessionID
	state *doubleratchet.State

	// handshake rides on outbound envelopes until the peer's first reply
	// proves the session exists on both ends.
	handshake *model.Handshake

	createdAt time.Time
	lastUsed  time.Time
}

func sessionBlobKey(id model.SessionID) string {
	return "session/" + id.String()
}

// Establish runs the key agreement against the peer's published bundle
// and seeds the initiator-side session. Losing the one-time-key race
// refetches a fresh bundle; establishing an already established session
// is a no-op.
func (e *Engine) Establish(ctx context.Context, conv string, peer model.DeviceID) (model.SessionID, error) {
	sid := model.SessionID{Conversation: conv, Local: e.device, Remote: peer}
	if s := e.sessionFor(ctx, sid); s != nil {
		return sid, nil
	}

	c := e.conversationFor(ctx, conv)
	if c == nil {
		var err error
		c, err = e.negotiateAs(ctx, conv, e.device, []model.DeviceID{e.device, peer})
		if err != nil {
			return model.SessionID{}, err
		}
	}

	var lastErr error
	for attempt := 0; attempt < establishAttempts; attempt++ {
		bundle, err := e.dir.FetchBundle(ctx, peer)
		if err != nil {
			return model.SessionID{}, fmt.Errorf("fetch bundle of %s: %w", peer, err)
		}
		if err := x3dh.VerifyBundle(c.suite, *bundle); err != nil {
			return model.SessionID{}, err
		}

		if bundle.OneTime != nil {
			err := e.dir.ConsumeOneTimeKey(ctx, peer, bundle.OneTime.ID)
			if errors.Is(err, directory.ErrPrekeyConsumed) {
				lastErr = err
				log.Debug("one-time prekey lost to a racer, refetching",
					zap.String("peer", peer.String()),
					zap.Uint32("key_id", bundle.OneTime.ID),
				)
				continue
			}
			if err != nil {
				return model.SessionID{}, fmt.Errorf("consume one-time key: %w", err)
			}
		}

		init := &x3dh.Initiator{Suite: c.suite}
		res, err := init.Agree(e.keys.InitiatorKeys(), *bundle)
		if err != nil {
			return model.SessionID{}, err
		}

		st, err := doubleratchet.NewInitiator(c.suite, e.skipped.Session(sid), res.SharedKey, [32]byte(bundle.SignedPrekey))
		if err != nil {
			return model.SessionID{}, err
		}

		now := time.Now()
		sess := &session{id: sid, state: st, handshake: res.Handshake, createdAt: now, lastUsed: now}
		e.mu.Lock()
		e.sessions[sid] = sess
		e.mu.Unlock()
		e.persistSession(ctx, sess, c)

		log.Info("session established",
			zap.String("session", sid.String()),
			zap.Bool("one_time_key", bundle.OneTime != nil),
		)
		return sid, nil
	}
	return model.SessionID{}, fmt.Errorf("establish session with %s: %w", peer, lastErr)
}

// Encrypt advances the sending chain by one message and wraps the
// ciphertext in an envelope. A missing session is established first.
func (e *Engine) Encrypt(ctx context.Context, conv string, to model.DeviceID, plaintext []byte) (*model.Envelope, error) {
	sid := model.SessionID{Conversation: conv, Local: e.device, Remote: to}
	sess := e.sessionFor(ctx, sid)
	if sess == nil {
		if _, err := e.Establish(ctx, conv, to); err != nil {
			return nil, err
		}
		sess = e.sessionFor(ctx, sid)
	}
	c := e.conversationFor(ctx, conv)
	if c == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoSuite, conv)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	hdr, ct, err := sess.state.Send(plaintext)
	if err != nil {
		return nil, err
	}
	sess.lastUsed = time.Now()
	e.bumpMessages(ctx, conv, c)
	e.persistSession(ctx, sess, c)

	return &model.Envelope{
		Conversation: conv,
		From:         e.device,
		To:           to,
		Header:       hdr,
		Ciphertext:   ct,
		Handshake:    sess.handshake,
	}, nil
}

// Decrypt resolves the inbound envelope against the pairwise session,
// building it from the attached handshake when none exists. Failures
// leave the session exactly as it was.
func (e *Engine) Decrypt(ctx context.Context, env *model.Envelope) ([]byte, error) {
	if env.Header == nil {
		return nil, errors.New("envelope missing header")
	}
	sid := model.SessionID{Conversation: env.Conversation, Local: e.device, Remote: env.From}

	sess := e.sessionFor(ctx, sid)
	c := e.conversationFor(ctx, env.Conversation)

	if sess == nil {
		if env.Handshake == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoSession, env.From)
		}
		if c == nil {
			var err error
			c, err = e.negotiateAs(ctx, env.Conversation, env.From, []model.DeviceID{env.From, e.device})
			if err != nil {
				return nil, err
			}
		}

		fresh, err := e.acceptHandshake(sid, c, *env.Handshake)
		if err != nil {
			return nil, err
		}
		plain, err := fresh.state.Receive(*env.Header, env.Ciphertext)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		e.sessions[sid] = fresh
		e.mu.Unlock()
		e.bumpMessages(ctx, env.Conversation, c)
		e.persistSession(ctx, fresh, c)
		log.Info("session accepted", zap.String("session", sid.String()))
		return plain, nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	plain, err := sess.state.Receive(*env.Header, env.Ciphertext)
	if err != nil {
		if env.Handshake != nil && cipherFailure(err) {
			if plain, ok := e.supersede(ctx, sid, c, env); ok {
				return plain, nil
			}
		}
		return nil, err
	}

	sess.handshake = nil
	sess.lastUsed = time.Now()
	e.bumpMessages(ctx, env.Conversation, c)
	e.persistSession(ctx, sess, c)
	return plain, nil
}

// cipherFailure reports whether the receive error could mean the peer
// re-established and our session no longer matches. Replay and
// skipped-key outcomes are definitive and never retried.
func cipherFailure(err error) bool {
	return !errors.Is(err, doubleratchet.ErrReplaySuspected) &&
		!errors.Is(err, skippedkeys.ErrNotFound) &&
		!errors.Is(err, skippedkeys.ErrExpired)
}

// supersede replaces an out-of-sync session with one built from the
// envelope's handshake, keeping the old one when the fresh session
// cannot decrypt either. The caller holds the old session's lock.
func (e *Engine) supersede(ctx context.Context, sid model.SessionID, c *conversation, env *model.Envelope) ([]byte, bool) {
	fresh, err := e.acceptHandshake(sid, c, *env.Handshake)
	if err != nil {
		return nil, false
	}
	plain, err := fresh.state.Receive(*env.Header, env.Ciphertext)
	if err != nil {
		return nil, false
	}

	e.mu.Lock()
	e.sessions[sid] = fresh
	e.mu.Unlock()
	e.bumpMessages(ctx, env.Conversation, c)
	e.persistSession(ctx, fresh, c)
	log.Info("session superseded by new handshake", zap.String("session", sid.String()))
	return plain, true
}

// acceptHandshake derives the responder side of the key agreement. The
// signed prekey pair referenced by the handshake doubles as the initial
// ratchet pair.
func (e *Engine) acceptHandshake(sid model.SessionID, c *conversation, hs model.Handshake) (*session, error) {
	rkeys, err := e.keys.ResponderKeys(hs)
	if err != nil {
		return nil, fmt.Errorf("resolve handshake prekeys: %w", err)
	}

	resp := &x3dh.Responder{Suite: c.suite}
	sk, err := resp.Agree(rkeys, hs)
	if err != nil {
		return nil, err
	}

	st := doubleratchet.NewResponder(c.suite, e.skipped.Session(sid), sk,
		rkeys.SignedPrekeyPriv, dh.PublicKey(rkeys.SignedPrekeyPriv))

	now := time.Now()
	return &session{id: sid, state: st, createdAt: now, lastUsed: now}, nil
}

// sessionFor returns the live session, reviving it from its mirrored
// blob when the process has not touched it yet.
func (e *Engine) sessionFor(ctx context.Context, sid model.SessionID) *session {
	e.mu.Lock()
	s, ok := e.sessions[sid]
	e.mu.Unlock()
	if ok {
		return s
	}
	if e.stateKey == nil {
		return nil
	}

	raw, err := e.blobs.Get(ctx, sessionBlobKey(sid))
	if err != nil {
		if !errors.Is(err, blob.ErrNotFound) && !errors.Is(err, blob.ErrExpired) {
			log.Warn("load session blob failed", zap.String("session", sid.String()), zap.Error(err))
		}
		return nil
	}
	plain, err := envelope.OpenWithKey(e.stateKey, raw)
	if err != nil {
		log.Warn("unseal session blob failed", zap.String("session", sid.String()), zap.Error(err))
		return nil
	}
	var rec backup.SessionRecord
	if err := json.Unmarshal(plain, &rec); err != nil || rec.State == nil {
		log.Warn("decode session blob failed", zap.String("session", sid.String()), zap.Error(err))
		return nil
	}

	c := e.conversationFor(ctx, sid.Conversation)
	if c == nil {
		resolved, err := suite.Resolve(rec.Suite)
		if err != nil {
			log.Warn("resolve session suite failed", zap.String("session", sid.String()), zap.Error(err))
			return nil
		}
		c = &conversation{
			suite:    resolved,
			pending:  negotiation.NewPending(rec.Suite, nil),
			msgCount: 1,
		}
		e.mu.Lock()
		if existing, ok := e.conversations[sid.Conversation]; ok {
			c = existing
		} else {
			e.conversations[sid.Conversation] = c
		}
		e.mu.Unlock()
	}

	handle := e.skipped.Session(sid)
	rec.State.Bind(c.suite, handle)
	handle.Import(rec.Skipped)

	s = &session{id: sid, state: rec.State, createdAt: rec.CreatedAt, lastUsed: rec.LastUsed}
	e.mu.Lock()
	if existing, ok := e.sessions[sid]; ok {
		s = existing
	} else {
		e.sessions[sid] = s
	}
	e.mu.Unlock()
	return s
}

// persistSession mirrors the session into the blob store. Failures are
// logged, never surfaced: the ratchet has already advanced and the
// caller's message must not be retried.
func (e *Engine) persistSession(ctx context.Context, sess *session, c *conversation) {
	if e.stateKey == nil {
		return
	}

	rec := backup.SessionRecord{
		ID:        sess.id,
		Suite:     c.suite.Desc,
		State:     sess.state,
		Skipped:   e.skipped.Session(sess.id).Export(),
		CreatedAt: sess.createdAt,
		LastUsed:  sess.lastUsed,
	}
	plain, err := json.Marshal(rec)
	if err != nil {
		log.Warn("encode session state failed", zap.String("session", sess.id.String()), zap.Error(err))
		return
	}
	sealed, err := envelope.SealWithKey(e.stateKey, plain)
	if err != nil {
		log.Warn("seal session state failed", zap.String("session", sess.id.String()), zap.Error(err))
		return
	}
	if err := e.blobs.Put(ctx, sessionBlobKey(sess.id), sealed, e.liveTTL); err != nil {
		log.Warn("mirror session state failed", zap.String("session", sess.id.String()), zap.Error(err))
	}
}
