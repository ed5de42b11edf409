// Package engine ties the protocol layers together for one device. It
// pins one negotiated suite per conversation, owns the pairwise ratchet
// sessions and group chains, runs key agreement against the directory
// and mirrors sealed session state through the blob store.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"keymesh/internal/cryptographic/envelope"
	"keymesh/internal/cryptographic/suite"
	"keymesh/internal/model"
	"keymesh/internal/prekeys"
	"keymesh/internal/protocol/negotiation"
	"keymesh/internal/service/blob"
	"keymesh/internal/service/directory"
	"keymesh/internal/skippedkeys"
	"keymesh/internal/utils/log"
)

// DefaultLiveTTL bounds how long a mirrored live session blob outlives
// its last write.
const DefaultLiveTTL = 14 * 24 * time.Hour

var (
	ErrNoSession      = errors.New("no session with peer")
	ErrNoSuite        = errors.New("no negotiated suite for conversation")
	ErrNoDistribution = errors.New("no sender key distribution from device")
)

type (
	Engine struct {
		device model.DeviceID
		keys   *prekeys.Store
		dir    directory.Service
		blobs  blob.Store

		stateKey []byte
		liveTTL  time.Duration
		negOpts  negotiation.Options
		skipped  *skippedkeys.Store

		mu            sync.Mutex
		sessions      map[model.SessionID]*session
		conversations map[string]*conversation
		senders       map[string]*groupSender
		receivers     map[string]*groupReceiver
	}

	// conversation pins the suite. It stays renegotiable until every
	// participant acked and no upgrade window is open; the first message
	// seals it for good.
	conversation struct {
		mu         sync.Mutex
		suite      *suite.Suite
		pending    *negotiation.Pending
		upgradable bool
		msgCount   uint64
	}

	Options struct {
		// StateKey seals live session snapshots and the pinned suites
		// into the blob store. Nil keeps all session state memory-only.
		StateKey    []byte
		LiveTTL     time.Duration
		Negotiation negotiation.Options
		Skipped     skippedkeys.Config
	}
)

func New(keys *prekeys.Store, dir directory.Service, blobs blob.Store, opts Options) *Engine {
	ttl := opts.LiveTTL
	if ttl <= 0 {
		ttl = DefaultLiveTTL
	}
	return &Engine{
		device:        keys.Device(),
		keys:          keys,
		dir:           dir,
		blobs:         blobs,
		stateKey:      opts.StateKey,
		liveTTL:       ttl,
		negOpts:       opts.Negotiation,
		skipped:       skippedkeys.NewStore(opts.Skipped),
		sessions:      make(map[model.SessionID]*session),
		conversations: make(map[string]*conversation),
		senders:       make(map[string]*groupSender),
		receivers:     make(map[string]*groupReceiver),
	}
}

func (e *Engine) Device() model.DeviceID {
	return e.device
}

// Fingerprint digests the identity publics for out-of-band comparison.
func (e *Engine) Fingerprint() string {
	return e.keys.Fingerprint()
}

// PublishIdentity uploads the device's prekey bundle and capability
// record. Call it at startup and after rotations.
func (e *Engine) PublishIdentity(ctx context.Context) error {
	if err := e.dir.PublishBundle(ctx, e.keys.BundleForPublish()); err != nil {
		return fmt.Errorf("publish bundle: %w", err)
	}
	caps := e.localCapabilities()
	if err := e.dir.PublishCapabilities(ctx, &caps); err != nil {
		return fmt.Errorf("publish capabilities: %w", err)
	}
	return nil
}

// RotatePrekeys retires the current signed prekey, refills the one-time
// pool and republishes the bundle. The prekeys.Rotator does the same on
// a schedule; this is the manual trigger.
func (e *Engine) RotatePrekeys(ctx context.Context) (uint32, int, error) {
	id, err := e.keys.RotateSignedPrekey()
	if err != nil {
		return 0, 0, err
	}
	minted, err := e.keys.TopUp()
	if err != nil {
		return 0, 0, err
	}
	if err := e.dir.PublishBundle(ctx, e.keys.BundleForPublish()); err != nil {
		return 0, 0, fmt.Errorf("publish bundle: %w", err)
	}
	log.Info("prekeys rotated",
		zap.String("device", e.device.String()),
		zap.Uint32("signed_prekey_id", id),
		zap.Int("one_time_minted", minted))
	return id, minted, nil
}

// localCapabilities trims the build's support down to what this device
// can actually serve: no KEM prekey, no post-quantum key agreement.
func (e *Engine) localCapabilities() model.CapabilitySet {
	caps := suite.DefaultCapabilities(e.device)
	if len(e.keys.BundleForPublish().PQKEMPub) == 0 {
		caps.PQKEMs = nil
	}
	return caps
}

// NegotiateSuite intersects capability records and pins the winner for
// the conversation. The local device is the initiator and its preference
// order breaks ties; peers acknowledge via AckSuite. Renegotiation of a
// sealed suite fails with negotiation.ErrSuiteSealed.
func (e *Engine) NegotiateSuite(ctx context.Context, conv string, peers []model.DeviceID) (model.NegotiatedSuite, error) {
	if c := e.conversationFor(ctx, conv); c != nil && c.sealedNow() {
		return model.NegotiatedSuite{}, fmt.Errorf("%w: conversation %q", negotiation.ErrSuiteSealed, conv)
	}

	participants := append([]model.DeviceID{e.device}, peers...)
	c, err := e.negotiateAs(ctx, conv, e.device, participants)
	if err != nil {
		return model.NegotiatedSuite{}, err
	}
	return c.suite.Desc, nil
}

// AdoptSuite installs a suite record negotiated by another participant,
// acknowledging it in the same step. Adoption of a different suite for a
// sealed conversation fails.
func (e *Engine) AdoptSuite(ctx context.Context, desc model.NegotiatedSuite) error {
	resolved, err := suite.Resolve(desc)
	if err != nil {
		return err
	}

	if c := e.conversationFor(ctx, desc.Conversation); c != nil && c.sealedNow() {
		if sameSuite(c.suite.Desc, desc) {
			return nil
		}
		return fmt.Errorf("%w: conversation %q", negotiation.ErrSuiteSealed, desc.Conversation)
	}

	c := &conversation{
		suite:   resolved,
		pending: negotiation.NewPending(desc, nil),
	}
	e.mu.Lock()
	e.conversations[desc.Conversation] = c
	e.mu.Unlock()

	if err := e.persistConversation(ctx, desc.Conversation, c); err != nil {
		return err
	}
	log.Info("suite adopted",
		zap.String("conversation", desc.Conversation),
		zap.String("cipher", string(desc.Cipher)),
		zap.Bool("hybrid", desc.Hybrid()),
	)
	return nil
}

// AckSuite records one participant's acknowledgement of the proposed
// suite. Once every peer acked, the suite seals.
func (e *Engine) AckSuite(ctx context.Context, conv string, dev model.DeviceID) error {
	c := e.conversationFor(ctx, conv)
	if c == nil {
		return fmt.Errorf("%w: %q", ErrNoSuite, conv)
	}
	c.pending.Ack(dev)
	return nil
}

// AwaitSuite blocks until every participant acknowledged the suite or
// the context expires.
func (e *Engine) AwaitSuite(ctx context.Context, conv string) (model.NegotiatedSuite, error) {
	c := e.conversationFor(ctx, conv)
	if c == nil {
		return model.NegotiatedSuite{}, fmt.Errorf("%w: %q", ErrNoSuite, conv)
	}
	return c.pending.Await(ctx)
}

// PinnedSuite reports the conversation's pinned suite, reviving it from
// the blob store if needed. ok is false when no suite was ever pinned.
func (e *Engine) PinnedSuite(ctx context.Context, conv string) (desc model.NegotiatedSuite, ok bool) {
	c := e.conversationFor(ctx, conv)
	if c == nil {
		return model.NegotiatedSuite{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suite.Desc, true
}

// MarkUpgradable opens the plaintext-to-encrypted transition window: the
// sealed suite may be renegotiated as long as no message exists yet.
func (e *Engine) MarkUpgradable(ctx context.Context, conv string) error {
	c := e.conversationFor(ctx, conv)
	if c == nil {
		return fmt.Errorf("%w: %q", ErrNoSuite, conv)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msgCount > 0 {
		return fmt.Errorf("%w: conversation %q already has traffic", negotiation.ErrSuiteSealed, conv)
	}
	c.upgradable = true
	return nil
}

// negotiateAs runs the negotiation with an explicit initiator, so both
// ends of a handshake derive the identical suite: the handshake sender's
// preference order breaks ties on every participant.
func (e *Engine) negotiateAs(ctx context.Context, conv string, initiator model.DeviceID, participants []model.DeviceID) (*conversation, error) {
	initCaps, err := e.capabilitiesFor(ctx, initiator)
	if err != nil {
		return nil, err
	}

	var others []model.CapabilitySet
	var peers []model.DeviceID
	for _, dev := range participants {
		if dev == initiator {
			continue
		}
		cs, err := e.capabilitiesFor(ctx, dev)
		if err != nil {
			return nil, err
		}
		others = append(others, cs)
		if dev != e.device {
			peers = append(peers, dev)
		}
	}

	ns, err := negotiation.Negotiate(conv, initCaps, others, e.negOpts)
	if err != nil {
		return nil, err
	}
	resolved, err := suite.Resolve(ns)
	if err != nil {
		return nil, err
	}

	c := &conversation{
		suite:   resolved,
		pending: negotiation.NewPending(ns, peers),
	}
	e.mu.Lock()
	e.conversations[conv] = c
	e.mu.Unlock()

	if err := e.persistConversation(ctx, conv, c); err != nil {
		return nil, err
	}
	log.Info("suite negotiated",
		zap.String("conversation", conv),
		zap.String("initiator", initiator.String()),
		zap.String("cipher", string(ns.Cipher)),
		zap.Bool("hybrid", ns.Hybrid()),
	)
	return c, nil
}

func (e *Engine) capabilitiesFor(ctx context.Context, dev model.DeviceID) (model.CapabilitySet, error) {
	if dev == e.device {
		return e.localCapabilities(), nil
	}
	cs, err := e.dir.FetchCapabilities(ctx, dev)
	if err != nil {
		return model.CapabilitySet{}, fmt.Errorf("fetch capabilities of %s: %w", dev, err)
	}
	return *cs, nil
}

// sameSuite compares the algorithm choices, ignoring seal timestamps.
func sameSuite(a, b model.NegotiatedSuite) bool {
	return a.Cipher == b.Cipher &&
		a.KeyExchange == b.KeyExchange &&
		a.MAC == b.MAC &&
		a.Signature == b.Signature &&
		a.KDF == b.KDF &&
		a.PQKEM == b.PQKEM &&
		a.PQSignature == b.PQSignature &&
		a.Version == b.Version
}

func (c *conversation) sealedNow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msgCount > 0 {
		return true
	}
	return c.pending.Sealed() && !c.upgradable
}

// bumpMessages counts a message against the conversation. The first one
// seals the suite and persists that fact.
func (e *Engine) bumpMessages(ctx context.Context, conv string, c *conversation) {
	c.mu.Lock()
	c.msgCount++
	first := c.msgCount == 1
	c.mu.Unlock()

	if first {
		if err := e.persistConversation(ctx, conv, c); err != nil {
			log.Warn("persist sealed conversation failed", zap.String("conversation", conv), zap.Error(err))
		}
	}
}

// convRecord is the sealed at-rest form of a pinned suite.
type convRecord struct {
	Suite    model.NegotiatedSuite `json:"suite"`
	Sealed   bool                  `json:"sealed"`
	Messages uint64                `json:"messages"`
}

func suiteBlobKey(conv string) string {
	return "suite/" + conv
}

// conversationFor returns the pinned conversation, loading it from the
// blob store if this process has not seen it yet. Nil means the
// conversation has no suite anywhere.
func (e *Engine) conversationFor(ctx context.Context, conv string) *conversation {
	e.mu.Lock()
	c, ok := e.conversations[conv]
	e.mu.Unlock()
	if ok {
		return c
	}
	if e.stateKey == nil {
		return nil
	}

	raw, err := e.blobs.Get(ctx, suiteBlobKey(conv))
	if err != nil {
		if !errors.Is(err, blob.ErrNotFound) && !errors.Is(err, blob.ErrExpired) {
			log.Warn("load conversation blob failed", zap.String("conversation", conv), zap.Error(err))
		}
		return nil
	}
	plain, err := envelope.OpenWithKey(e.stateKey, raw)
	if err != nil {
		log.Warn("unseal conversation blob failed", zap.String("conversation", conv), zap.Error(err))
		return nil
	}
	var rec convRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		log.Warn("decode conversation blob failed", zap.String("conversation", conv), zap.Error(err))
		return nil
	}
	resolved, err := suite.Resolve(rec.Suite)
	if err != nil {
		log.Warn("resolve persisted suite failed", zap.String("conversation", conv), zap.Error(err))
		return nil
	}

	c = &conversation{
		suite:    resolved,
		pending:  negotiation.NewPending(rec.Suite, nil),
		msgCount: rec.Messages,
	}

	e.mu.Lock()
	if existing, ok := e.conversations[conv]; ok {
		c = existing
	} else {
		e.conversations[conv] = c
	}
	e.mu.Unlock()
	return c
}

func (e *Engine) persistConversation(ctx context.Context, conv string, c *conversation) error {
	if e.stateKey == nil {
		return nil
	}

	c.mu.Lock()
	rec := convRecord{
		Suite:    c.suite.Desc,
		Sealed:   c.msgCount > 0 || c.pending.Sealed(),
		Messages: c.msgCount,
	}
	c.mu.Unlock()

	plain, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	sealed, err := envelope.SealWithKey(e.stateKey, plain)
	if err != nil {
		return err
	}
	return e.blobs.Put(ctx, suiteBlobKey(conv), sealed, 0)
}
