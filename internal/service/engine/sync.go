package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"keymesh/internal/backup"
	"keymesh/internal/cryptographic/suite"
	"keymesh/internal/model"
	"keymesh/internal/protocol/negotiation"
	"keymesh/internal/service/blob"
	"keymesh/internal/utils/log"
)

func backupBlobKey(dev model.DeviceID) string {
	return "backup/" + dev.String()
}

// Backup seals every live session, group chain and pinned suite into
// one snapshot under the passphrase.
func (e *Engine) Backup(ctx context.Context, passphrase []byte, ttl time.Duration) (*model.BackupSnapshot, error) {
	p, err := e.collectPayload(ctx)
	if err != nil {
		return nil, err
	}
	return backup.Seal(passphrase, *p, ttl)
}

func (e *Engine) collectPayload(ctx context.Context) (*backup.Payload, error) {
	e.mu.Lock()
	sids := make([]model.SessionID, 0, len(e.sessions))
	for sid := range e.sessions {
		sids = append(sids, sid)
	}
	convs := make(map[string]*conversation, len(e.conversations))
	for name, c := range e.conversations {
		convs[name] = c
	}
	senders := make([]*groupSender, 0, len(e.senders))
	for _, gs := range e.senders {
		senders = append(senders, gs)
	}
	receivers := make([]*groupReceiver, 0, len(e.receivers))
	for _, gr := range e.receivers {
		receivers = append(receivers, gr)
	}
	e.mu.Unlock()

	sort.Slice(sids, func(i, j int) bool { return sids[i].String() < sids[j].String() })

	p := &backup.Payload{
		Device:    e.device,
		CreatedAt: time.Now(),
	}
	for _, c := range convs {
		c.mu.Lock()
		p.Suites = append(p.Suites, c.suite.Desc)
		c.mu.Unlock()
	}
	sort.Slice(p.Suites, func(i, j int) bool { return p.Suites[i].Conversation < p.Suites[j].Conversation })

	for _, sid := range sids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, ok := convs[sid.Conversation]
		if !ok {
			log.Warn("session without pinned suite skipped in backup", zap.String("session", sid.String()))
			continue
		}

		e.mu.Lock()
		sess := e.sessions[sid]
		e.mu.Unlock()

		sess.mu.Lock()
		rec := backup.SessionRecord{
			ID:        sid,
			Suite:     c.suite.Desc,
			State:     sess.state.Clone(),
			Skipped:   e.skipped.Session(sid).Export(),
			CreatedAt: sess.createdAt,
			LastUsed:  sess.lastUsed,
		}
		sess.mu.Unlock()
		p.Sessions = append(p.Sessions, rec)
	}

	for _, gs := range senders {
		gs.mu.Lock()
		cp := *gs.sk
		gs.mu.Unlock()
		p.Senders = append(p.Senders, &cp)
	}
	for _, gr := range receivers {
		gr.mu.Lock()
		for _, rc := range gr.chains {
			cp := *rc
			p.Receivers = append(p.Receivers, &cp)
		}
		gr.mu.Unlock()
	}
	sort.Slice(p.Receivers, func(i, j int) bool {
		a, b := p.Receivers[i], p.Receivers[j]
		if a.Conversation != b.Conversation {
			return a.Conversation < b.Conversation
		}
		if a.Device != b.Device {
			return a.Device.String() < b.Device.String()
		}
		return a.Generation < b.Generation
	})
	return p, nil
}

// Restore verifies and installs a snapshot. The whole restore is
// all-or-nothing: any integrity failure or counter regression against a
// live session aborts before anything is touched.
func (e *Engine) Restore(ctx context.Context, passphrase []byte, snap model.BackupSnapshot) error {
	p, err := backup.Open(passphrase, snap)
	if err != nil {
		return err
	}
	if p.Device.User != e.device.User {
		return fmt.Errorf("snapshot belongs to user %q, not %q", p.Device.User, e.device.User)
	}

	// First pass: no restored session may sit behind a live one.
	for i := range p.Sessions {
		rec := &p.Sessions[i]
		e.mu.Lock()
		live, ok := e.sessions[rec.ID]
		e.mu.Unlock()
		if !ok {
			continue
		}
		live.mu.Lock()
		err := backup.CheckRegression(rec.ID, rec.State, live.state)
		live.mu.Unlock()
		if err != nil {
			return err
		}
	}

	for _, desc := range p.Suites {
		if err := e.installSuite(ctx, desc); err != nil {
			return err
		}
	}

	for i := range p.Sessions {
		rec := &p.Sessions[i]
		c := e.conversationFor(ctx, rec.ID.Conversation)
		if c == nil {
			if err := e.installSuite(ctx, rec.Suite); err != nil {
				return err
			}
			c = e.conversationFor(ctx, rec.ID.Conversation)
		}

		handle := e.skipped.Session(rec.ID)
		rec.State.Bind(c.suite, handle)
		handle.Import(rec.Skipped)

		sess := &session{
			id:        rec.ID,
			state:     rec.State,
			createdAt: rec.CreatedAt,
			lastUsed:  rec.LastUsed,
		}
		e.mu.Lock()
		e.sessions[rec.ID] = sess
		e.mu.Unlock()
		e.persistSession(ctx, sess, c)
	}

	for _, sk := range p.Senders {
		c := e.conversationFor(ctx, sk.Conversation)
		if c == nil {
			log.Warn("sender chain without suite skipped in restore", zap.String("conversation", sk.Conversation))
			continue
		}
		sk.Bind(c.suite)
		e.mu.Lock()
		e.senders[sk.Conversation] = &groupSender{sk: sk}
		e.mu.Unlock()
	}
	for _, rc := range p.Receivers {
		c := e.conversationFor(ctx, rc.Conversation)
		if c == nil {
			log.Warn("receiver chain without suite skipped in restore", zap.String("conversation", rc.Conversation))
			continue
		}
		rc.Bind(c.suite)
		e.installReceiver(rc)
	}

	log.Info("backup restored",
		zap.String("snapshot", snap.ID),
		zap.Int("sessions", len(p.Sessions)),
		zap.Int("senders", len(p.Senders)),
		zap.Int("receivers", len(p.Receivers)),
	)
	return nil
}

// installSuite pins a restored suite unless the conversation already has
// one; an existing different suite wins and is logged, never replaced.
func (e *Engine) installSuite(ctx context.Context, desc model.NegotiatedSuite) error {
	if c := e.conversationFor(ctx, desc.Conversation); c != nil {
		if !sameSuite(c.suite.Desc, desc) {
			log.Warn("restored suite conflicts with pinned suite, keeping pinned",
				zap.String("conversation", desc.Conversation))
		}
		return nil
	}

	resolved, err := suite.Resolve(desc)
	if err != nil {
		return err
	}
	c := &conversation{
		suite:    resolved,
		pending:  negotiation.NewPending(desc, nil),
		msgCount: 1,
	}
	e.mu.Lock()
	e.conversations[desc.Conversation] = c
	e.mu.Unlock()
	return e.persistConversation(ctx, desc.Conversation, c)
}

// SyncBackup seals a snapshot and parks it in the blob store under this
// device's name, where sibling devices can pick it up.
func (e *Engine) SyncBackup(ctx context.Context, passphrase []byte, ttl time.Duration) (*model.BackupSnapshot, error) {
	snap, err := e.Backup(ctx, passphrase, ttl)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	if err := e.blobs.Put(ctx, backupBlobKey(e.device), raw, ttl); err != nil {
		return nil, fmt.Errorf("park snapshot: %w", err)
	}
	return snap, nil
}

// RestoreFrom fetches the named device's parked snapshot and restores
// it. Use the own device name to recover after a reinstall.
func (e *Engine) RestoreFrom(ctx context.Context, passphrase []byte, from model.DeviceID) error {
	raw, err := e.blobs.Get(ctx, backupBlobKey(from))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrExpired) {
			return fmt.Errorf("snapshot of %s: %w", from, err)
		}
		return err
	}
	var snap model.BackupSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("decode snapshot of %s: %w", from, err)
	}
	return e.Restore(ctx, passphrase, snap)
}
