package signal

import (
	"sync"
)

// Compile-time interface check.
var _ Relay = (*MemoryRelay)(nil)

// MemoryHub is an in-process relay. Endpoints obtained from the same hub can
// signal each other without any network; used by tests and loopback calls.
type MemoryHub struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryRelay
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		endpoints: make(map[string]*MemoryRelay),
	}
}

// Endpoint returns the relay of one participant, creating it on first use.
func (h *MemoryHub) Endpoint(address string) *MemoryRelay {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.endpoints[address]
	if !ok {
		r = &MemoryRelay{hub: h, address: address}
		h.endpoints[address] = r
	}

	return r
}

// route holds envelopes for addresses that have not joined yet, the way the
// host relay queues signals for a participant whose window is still opening.
func (h *MemoryHub) route(env Envelope) error {
	h.Endpoint(env.To).dispatcher.dispatch(env)

	return nil
}

type MemoryRelay struct {
	hub     *MemoryHub
	address string

	dispatcher dispatcher
}

func (r *MemoryRelay) Open(remote string) error {
	return r.send(EnvelopeOpen, remote, nil)
}

func (r *MemoryRelay) Close(remote string) error {
	return r.send(EnvelopeClose, remote, nil)
}

func (r *MemoryRelay) Send(remote string, payload []byte) error {
	return r.send(EnvelopeSignal, remote, payload)
}

func (r *MemoryRelay) Subscribe(remote string, handler func(Envelope)) func() {
	return r.dispatcher.subscribe(remote, handler)
}

func (r *MemoryRelay) send(typ EnvelopeType, remote string, payload []byte) error {
	return r.hub.route(Envelope{
		Type:    typ,
		From:    r.address,
		To:      remote,
		Payload: payload,
	})
}
