package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"keymesh/internal/model"
	"keymesh/internal/protocol/senderkey"
	"keymesh/internal/utils/log"
)

type (
	groupSender struct {
		mu sync.Mutex
		sk *senderkey.Sender
	}

	// groupReceiver tracks one peer device's broadcast chains. The chain
	// of the previous generation stays readable after a rotation so
	// ciphertexts sealed before the rotation still drain; anything older
	// is dropped.
	groupReceiver struct {
		mu     sync.Mutex
		chains map[uint32]*senderkey.Receiver
		latest uint32
	}
)

func groupKey(conv string, dev model.DeviceID) string {
	return conv + "|" + dev.String()
}

// GroupDistribution returns this device's current sender-key
// distribution for the conversation, minting the chain on first use. The
// caller fans it out over the pairwise sessions.
func (e *Engine) GroupDistribution(ctx context.Context, conv string) (model.SenderKeyDistribution, error) {
	gs, err := e.groupSenderFor(ctx, conv)
	if err != nil {
		return model.SenderKeyDistribution{}, err
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.sk.Distribution(), nil
}

// RotateSenderKey mints the next generation after a membership change.
// Members removed before the rotation cannot read anything sealed after
// it; remaining members need the fresh distribution.
func (e *Engine) RotateSenderKey(ctx context.Context, conv string) (model.SenderKeyDistribution, error) {
	gs, err := e.groupSenderFor(ctx, conv)
	if err != nil {
		return model.SenderKeyDistribution{}, err
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()
	if err := gs.sk.Rotate(); err != nil {
		return model.SenderKeyDistribution{}, err
	}
	log.Info("sender key rotated",
		zap.String("conversation", conv),
		zap.Uint32("generation", gs.sk.Generation),
	)
	return gs.sk.Distribution(), nil
}

// AcceptDistribution installs a peer's broadcast chain. Distributions
// behind the retained window are ignored, as are reinstalls of a
// generation whose chain has already advanced.
func (e *Engine) AcceptDistribution(ctx context.Context, dist model.SenderKeyDistribution) error {
	if dist.Device == e.device {
		return nil
	}
	c := e.conversationFor(ctx, dist.Conversation)
	if c == nil {
		return fmt.Errorf("%w: %q", ErrNoSuite, dist.Conversation)
	}

	rc, err := senderkey.NewReceiver(c.suite, dist)
	if err != nil {
		return err
	}
	if !e.installReceiver(rc) {
		log.Debug("stale sender key distribution ignored",
			zap.String("conversation", dist.Conversation),
			zap.String("device", dist.Device.String()),
			zap.Uint32("generation", dist.Generation),
		)
	}
	return nil
}

// installReceiver adds a receiver chain under the retention policy:
// current generation plus the one before it. Reports whether the chain
// was installed.
func (e *Engine) installReceiver(rc *senderkey.Receiver) bool {
	key := groupKey(rc.Conversation, rc.Device)
	e.mu.Lock()
	gr, ok := e.receivers[key]
	if !ok {
		gr = &groupReceiver{chains: make(map[uint32]*senderkey.Receiver)}
		e.receivers[key] = gr
	}
	e.mu.Unlock()

	gr.mu.Lock()
	defer gr.mu.Unlock()
	if _, ok := gr.chains[rc.Generation]; ok {
		return false
	}
	if gr.latest > 0 && rc.Generation+1 < gr.latest {
		return false
	}

	gr.chains[rc.Generation] = rc
	if rc.Generation > gr.latest {
		gr.latest = rc.Generation
		for gen := range gr.chains {
			if gen+1 < gr.latest {
				delete(gr.chains, gen)
			}
		}
	}
	return true
}

// GroupEncrypt seals one broadcast message with this device's sender
// key.
func (e *Engine) GroupEncrypt(ctx context.Context, conv string, plaintext []byte) (*model.GroupMessage, error) {
	gs, err := e.groupSenderFor(ctx, conv)
	if err != nil {
		return nil, err
	}
	c := e.conversationFor(ctx, conv)

	gs.mu.Lock()
	msg, err := gs.sk.Seal(plaintext)
	gs.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.bumpMessages(ctx, conv, c)
	return msg, nil
}

// GroupDecrypt opens a peer's broadcast message against the retained
// chain of its generation. A generation outside the retained window
// means the caller needs that sender's current distribution. Skipped
// iterations are retained in the same pool as the pairwise session with
// that device.
func (e *Engine) GroupDecrypt(ctx context.Context, msg *model.GroupMessage) ([]byte, error) {
	e.mu.Lock()
	gr, ok := e.receivers[groupKey(msg.Conversation, msg.From)]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDistribution, msg.From)
	}

	handle := e.skipped.Session(model.SessionID{
		Conversation: msg.Conversation,
		Local:        e.device,
		Remote:       msg.From,
	})

	gr.mu.Lock()
	rc, ok := gr.chains[msg.Generation]
	if !ok {
		gr.mu.Unlock()
		return nil, fmt.Errorf("%w: generation %d of %s", senderkey.ErrWrongGeneration, msg.Generation, msg.From)
	}
	plain, err := rc.Open(*msg, handle)
	gr.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if c := e.conversationFor(ctx, msg.Conversation); c != nil {
		e.bumpMessages(ctx, msg.Conversation, c)
	}
	return plain, nil
}

func (e *Engine) groupSenderFor(ctx context.Context, conv string) (*groupSender, error) {
	c := e.conversationFor(ctx, conv)
	if c == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoSuite, conv)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if gs, ok := e.senders[conv]; ok {
		return gs, nil
	}

	sk, err := senderkey.NewSender(c.suite, conv, e.device)
	if err != nil {
		return nil, err
	}
	gs := &groupSender{sk: sk}
	e.senders[conv] = gs
	return gs, nil
}
