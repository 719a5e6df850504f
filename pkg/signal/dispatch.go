package signal

import (
	"sync"
)

// maxPendingEnvelopes bounds what is kept for a remote nobody subscribed to
// yet; the oldest envelopes are dropped first.
const maxPendingEnvelopes = 1024

type subscription struct {
	id      uint64
	handler func(Envelope)
}

// dispatcher routes envelopes to per-remote handlers and holds envelopes that
// arrive before the matching Subscribe. Handlers run under the dispatcher
// lock and must not block.
type dispatcher struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[string]subscription
	pending map[string][]Envelope
}

func (d *dispatcher) subscribe(remote string, handler func(Envelope)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.subs == nil {
		d.subs = make(map[string]subscription)
	}

	d.nextID++
	id := d.nextID

	d.subs[remote] = subscription{id: id, handler: handler}

	for _, env := range d.pending[remote] {
		handler(env)
	}

	delete(d.pending, remote)

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		if sub, ok := d.subs[remote]; ok && sub.id == id {
			delete(d.subs, remote)
		}
	}
}

func (d *dispatcher) dispatch(env Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sub, ok := d.subs[env.From]; ok {
		sub.handler(env)

		return
	}

	if d.pending == nil {
		d.pending = make(map[string][]Envelope)
	}

	queue := append(d.pending[env.From], env)
	if len(queue) > maxPendingEnvelopes {
		queue = queue[len(queue)-maxPendingEnvelopes:]
	}

	d.pending[env.From] = queue
}
