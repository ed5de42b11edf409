package negotiation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"keymesh/internal/model"
)

// Pending tracks a proposed suite while acknowledgments from the
// participant devices trickle in. The suite seals once every device has
// acked; a sealed suite never changes.
type Pending struct {
	mu       sync.Mutex
	proposed model.NegotiatedSuite
	awaiting map[model.DeviceID]struct{}
	done     chan struct{}
	sealed   bool
}

func NewPending(proposed model.NegotiatedSuite, participants []model.DeviceID) *Pending {
	p := &Pending{
		proposed: proposed,
		awaiting: make(map[model.DeviceID]struct{}, len(participants)),
		done:     make(chan struct{}),
	}
	for _, dev := range participants {
		p.awaiting[dev] = struct{}{}
	}
	if len(p.awaiting) == 0 {
		p.seal()
	}
	return p
}

// Ack records one device's acknowledgment. Acks from devices outside the
// participant set and duplicate acks are ignored.
func (p *Pending) Ack(dev model.DeviceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return
	}
	delete(p.awaiting, dev)
	if len(p.awaiting) == 0 {
		p.seal()
	}
}

// seal closes the negotiation. Callers hold p.mu.
func (p *Pending) seal() {
	if !p.sealed {
		p.proposed.SealedAt = time.Now()
		p.sealed = true
		close(p.done)
	}
}

func (p *Pending) Sealed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sealed
}

// Outstanding lists the devices that have not acknowledged yet.
func (p *Pending) Outstanding() []model.DeviceID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.DeviceID, 0, len(p.awaiting))
	for dev := range p.awaiting {
		out = append(out, dev)
	}
	return out
}

// Await blocks until every participant acked or the context expires. A
// device that never acks makes the negotiation fail deterministically
// with the context's deadline.
func (p *Pending) Await(ctx context.Context) (model.NegotiatedSuite, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.proposed, nil
	case <-ctx.Done():
		return model.NegotiatedSuite{}, fmt.Errorf("%w: %v", ErrNegotiationTimeout, ctx.Err())
	}
}
