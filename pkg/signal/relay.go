package signal

import (
	"context"
	"encoding/json"
	"sync"

	"meshcall/pkg/log"
	msync "meshcall/pkg/sync"

	"github.com/pkg/errors"
)

// Relay is the host-provided forwarding service shared by all channels of one
// participant. Handlers registered with Subscribe receive every envelope sent
// by that remote address.
type Relay interface {
	Open(remote string) error
	Close(remote string) error
	Send(remote string, payload []byte) error
	Subscribe(remote string, handler func(Envelope)) (cancel func())
}

// Sealer protects payloads from the relay itself (see: pkg/crypto).
type Sealer interface {
	Encrypt([]byte) ([]byte, error)
	Decrypt([]byte) ([]byte, error)
}

// RelayChannel is a Channel to one remote peer backed by a Relay.
type RelayChannel struct {
	cfg RelayChannelConfig

	relay Relay

	ctx       context.Context
	cancelCtx context.CancelFunc

	// inbox preserves arrival order without blocking the relay's reader.
	inbox       msync.Lane
	unsubscribe func()

	mu            sync.Mutex
	listener      Listener
	pending       []Envelope
	onRemoteClose func()
	closed        bool
}

type RelayChannelConfig struct {
	Remote string
	Sealer Sealer
}

func NewRelayChannel(cfg RelayChannelConfig, relay Relay) (*RelayChannel, error) {
	ctx, cancel := context.WithCancel(context.Background())

	c := &RelayChannel{
		cfg:       cfg,
		relay:     relay,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	c.unsubscribe = relay.Subscribe(cfg.Remote, c.onEnvelope)

	if err := relay.Open(cfg.Remote); err != nil {
		c.unsubscribe()
		cancel()

		return nil, errors.Wrap(err, "relay open")
	}

	return c, nil
}

func (c *RelayChannel) ObserveIncoming(listener Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listener = listener

	for _, env := range c.pending {
		c.enqueue(env)
	}

	c.pending = nil
}

// OnRemoteClose registers a handler fired when the relay reports that the
// remote peer closed its side.
func (c *RelayChannel) OnRemoteClose(h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onRemoteClose = h
}

func (c *RelayChannel) Send(msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrChannelClosed
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if c.cfg.Sealer != nil {
		if payload, err = c.cfg.Sealer.Encrypt(payload); err != nil {
			return errors.Wrap(err, "seal")
		}
	}

	return c.relay.Send(c.cfg.Remote, payload)
}

func (c *RelayChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}
	c.closed = true
	c.pending = nil
	c.mu.Unlock()

	c.unsubscribe()
	c.inbox.Close()
	c.cancelCtx()

	return c.relay.Close(c.cfg.Remote)
}

func (c *RelayChannel) onEnvelope(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	if c.listener == nil && env.Type == EnvelopeSignal {
		c.pending = append(c.pending, env)

		return
	}

	c.enqueue(env)
}

// enqueue must be called with c.mu held.
func (c *RelayChannel) enqueue(env Envelope) {
	listener, onRemoteClose := c.listener, c.onRemoteClose

	_ = c.inbox.Go(func() {
		c.deliver(env, listener, onRemoteClose)
	})
}

func (c *RelayChannel) deliver(env Envelope, listener Listener, onRemoteClose func()) {
	switch env.Type {
	case EnvelopeOpen:
		log.Peer(c.cfg.Remote).Debug("remote opened signaling channel")
	case EnvelopeClose:
		log.Peer(c.cfg.Remote).Info("remote closed signaling channel")

		if onRemoteClose != nil {
			onRemoteClose()
		}
	case EnvelopeSignal:
		msg, err := c.decode(env.Payload)
		if err != nil {
			log.Peer(c.cfg.Remote).WithError(err).Error("dropping signaling message")

			return
		}

		if err := listener(c.ctx, msg); err != nil {
			log.Peer(c.cfg.Remote).WithError(err).Error("signaling message")
		}
	default:
		log.Peer(c.cfg.Remote).Warnf("unexpected relay envelope %q: %s", env.Type, env.Error)
	}
}

func (c *RelayChannel) decode(payload []byte) (Message, error) {
	var msg Message

	if c.cfg.Sealer != nil {
		var err error

		if payload, err = c.cfg.Sealer.Decrypt(payload); err != nil {
			return msg, errors.Wrap(err, "unseal")
		}
	}

	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, errors.Wrap(err, "decode")
	}

	return msg, msg.Validate()
}
