// Package peer keeps one WebRTC session with one remote participant. A
// Channel runs perfect negotiation over an off-band signal.Channel: the polite
// side (see: IsPolite) always yields to a colliding offer, the impolite side
// ignores it, so no explicit rollback logic is needed. Over an engine that
// cannot roll back (see: OfferDelegation) the polite side never offers and
// asks the impolite side to offer for it, so offers cannot collide.
//
// Negotiation-needed events and incoming signaling messages share one FIFO
// lane per peer and never interleave. Different peers negotiate independently.
//
// On top of the media session a single ordered data channel named "chat"
// carries a one-time acknowledgement handshake (see: Connect) and afterwards
// small control messages handed to Hooks.OnMessage.
package peer

import (
	"context"
	"sync"
	"sync/atomic"

	"meshcall/pkg/log"
	"meshcall/pkg/signal"
	msync "meshcall/pkg/sync"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DataChannelLabel = "chat"
	AckToken         = "ack"

	DefaultMaxICERestarts = 5
)

var (
	ErrProtocolViolation = errors.New("unexpected data channel payload before acknowledgement")
	ErrConnectPending    = errors.New("connect called while a locally initiated handshake is pending")
	ErrNotAcknowledged   = errors.New("data channel handshake not completed")
	ErrClosed            = errors.New("peer channel closed")
)

// Hooks receives the events a Channel exposes to its owner.
type Hooks interface {
	OnTrack(track RemoteTrack)
	OnConnected()
	OnDisconnected()
	// OnMessage receives data channel payloads after the handshake.
	OnMessage(payload []byte)
}

type NopHooks struct{}

func (NopHooks) OnTrack(RemoteTrack) {}
func (NopHooks) OnConnected()        {}
func (NopHooks) OnDisconnected()     {}
func (NopHooks) OnMessage([]byte)    {}

type ChannelConfig struct {
	Self   string
	Remote string
	// MaxICERestarts bounds consecutive ICE restarts; 0 means unbounded.
	MaxICERestarts int
}

type Channel struct {
	cfg    ChannelConfig
	remote string
	polite bool

	engine Engine
	// delegation is set when the engine cannot roll back; delegating marks
	// the polite end of such a pair.
	delegation OfferDelegation
	delegating bool
	signal     signal.Channel
	hooks      Hooks
	log        *logrus.Entry

	lane msync.Lane

	makingOffer atomic.Bool
	ignoreOffer atomic.Bool

	// Owned by the lane.
	pendingCandidates []bufferedCandidate
	candidatesDrained bool

	mu           sync.Mutex
	state        State
	dataChannel  DataChannel
	initiated    bool
	connecting   bool
	acknowledged bool
	iceRestarts  int
	linkUp       bool
	closed       bool

	handshake *handshake
}

func NewChannel(cfg ChannelConfig, engine Engine, sig signal.Channel, hooks Hooks) (*Channel, error) {
	polite, err := IsPolite(cfg.Self, cfg.Remote)
	if err != nil {
		return nil, err
	}

	if hooks == nil {
		hooks = NopHooks{}
	}

	remote := CanonicalAddress(cfg.Remote)

	c := &Channel{
		cfg:       cfg,
		remote:    remote,
		polite:    polite,
		engine:    engine,
		signal:    sig,
		hooks:     hooks,
		log:       log.Peer(remote),
		handshake: newHandshake(),
	}

	if delegation, ok := engine.(OfferDelegation); ok {
		c.delegation = delegation
		c.delegating = polite
	}

	c.engine.OnNegotiationNeeded(c.onNegotiationNeeded)
	c.engine.OnICECandidate(c.onICECandidate)
	c.engine.OnICEConnectionStateChange(c.onICEConnectionStateChange)
	c.engine.OnConnectionStateChange(c.onConnectionStateChange)
	c.engine.OnTrack(c.onTrack)
	c.engine.OnDataChannel(c.onDataChannel)

	c.signal.ObserveIncoming(c.onSignal)

	return c, nil
}

func (c *Channel) Remote() string {
	return c.remote
}

func (c *Channel) Polite() bool {
	return c.polite
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Channel) MakingOffer() bool {
	return c.makingOffer.Load()
}

func (c *Channel) Acknowledged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.acknowledged
}

func (c *Channel) ConnectionState() webrtc.PeerConnectionState {
	return c.engine.ConnectionState()
}

// AddTrack and RemoveTrack hand media to the engine; the resulting
// negotiation runs on the lane like any other.
func (c *Channel) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	return c.engine.AddTrack(track)
}

func (c *Channel) RemoveTrack(sender Sender) error {
	if c.isClosed() {
		return ErrClosed
	}

	return c.engine.RemoveTrack(sender)
}

// Connect opens the data channel and waits for the acknowledgement exchange.
// It returns nil right away once acknowledged. A handshake started by the
// remote side is awaited rather than duplicated. Calling Connect again while
// a locally started handshake is pending is a programming error.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()

	switch {
	case c.closed:
		c.mu.Unlock()

		return ErrClosed
	case c.acknowledged:
		c.mu.Unlock()

		return nil
	case c.connecting && (c.dataChannel == nil || c.initiated):
		c.mu.Unlock()

		if settled, err := c.handshake.result(); settled {
			return err
		}

		c.log.WithError(ErrConnectPending).Error("connect")

		return ErrConnectPending
	case c.dataChannel != nil:
		c.mu.Unlock()

		return c.handshake.wait(ctx)
	}

	c.connecting = true

	if c.delegating {
		c.mu.Unlock()

		// The impolite side opens the channel when it offers for us.
		if err := c.lane.Go(c.requestOffer); err != nil {
			return ErrClosed
		}

		return c.handshake.wait(ctx)
	}

	dc, err := c.createDataChannel()
	if err != nil {
		c.connecting = false
		c.mu.Unlock()

		return err
	}

	c.mu.Unlock()

	c.bindDataChannel(dc)

	return c.handshake.wait(ctx)
}

// createDataChannel runs with c.mu held.
func (c *Channel) createDataChannel() (DataChannel, error) {
	dc, err := c.engine.CreateDataChannel(DataChannelLabel)
	if err != nil {
		return nil, errors.Wrap(err, "create data channel")
	}

	c.dataChannel = dc
	c.initiated = true

	return dc, nil
}

// openRequestedDataChannel opens the data channel the remote side asked for,
// unless one exists already.
func (c *Channel) openRequestedDataChannel() error {
	c.mu.Lock()

	if c.closed || c.dataChannel != nil {
		c.mu.Unlock()

		return nil
	}

	dc, err := c.createDataChannel()

	c.mu.Unlock()

	if err != nil {
		return err
	}

	c.bindDataChannel(dc)

	return nil
}

// SendMessage writes a control payload on the acknowledged data channel.
func (c *Channel) SendMessage(payload []byte) error {
	c.mu.Lock()
	dc, ready := c.dataChannel, c.acknowledged && !c.closed
	c.mu.Unlock()

	if !ready {
		return ErrNotAcknowledged
	}

	return dc.SendText(string(payload))
}

// Close tears everything down on a best-effort basis; it never fails and
// may be called from any state.
func (c *Channel) Close() {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return
	}

	c.closed = true
	c.state = StateClosed
	dc := c.dataChannel

	c.mu.Unlock()

	c.lane.Close()
	c.handshake.settle(ErrClosed)

	if dc != nil {
		if err := dc.Close(); err != nil {
			c.log.WithError(err).Debug("close data channel")
		}
	}

	if err := c.engine.Close(); err != nil {
		c.log.WithError(err).Debug("close peer connection")
	}

	if err := c.signal.Close(); err != nil {
		c.log.WithError(err).Debug("close signaling channel")
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *Channel) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateClosed {
		c.state = state
	}
}

func (c *Channel) onTrack(track RemoteTrack) {
	c.log.Debugf("track %s (%s) in stream %s", track.ID(), track.Kind(), track.StreamID())

	c.hooks.OnTrack(track)
}

func (c *Channel) onDataChannel(dc DataChannel) {
	if dc.Label() != DataChannelLabel {
		c.log.Warnf("ignoring data channel %q", dc.Label())

		return
	}

	c.mu.Lock()

	// Both sides may race to create the channel; the polite side adopts the
	// remote one, the impolite side keeps its own.
	if c.closed || c.acknowledged || (c.dataChannel != nil && !c.polite) {
		c.mu.Unlock()
		c.log.Debug("keeping own data channel")

		return
	}

	c.dataChannel = dc
	c.initiated = false

	c.mu.Unlock()

	c.bindDataChannel(dc)
}

func (c *Channel) bindDataChannel(dc DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.onDataChannelMessage(dc, msg.Data)
	})
	dc.OnError(func(err error) {
		c.onDataChannelError(dc, err)
	})
	dc.OnOpen(func() {
		c.onDataChannelOpen(dc)
	})
}

func (c *Channel) onDataChannelOpen(dc DataChannel) {
	c.mu.Lock()
	initiator := c.dataChannel == dc && c.initiated && !c.acknowledged && !c.closed
	c.mu.Unlock()

	if !initiator {
		return
	}

	if err := dc.SendText(AckToken); err != nil {
		c.handshake.settle(errors.Wrap(err, "send acknowledgement"))
	}
}

func (c *Channel) onDataChannelMessage(dc DataChannel, payload []byte) {
	c.mu.Lock()

	if c.dataChannel != dc || c.closed {
		c.mu.Unlock()

		return
	}

	if c.acknowledged {
		c.mu.Unlock()
		c.hooks.OnMessage(payload)

		return
	}

	if string(payload) != AckToken {
		c.mu.Unlock()
		c.handshake.settle(errors.Wrapf(ErrProtocolViolation, "%.32q", payload))

		return
	}

	c.acknowledged = true
	reply := !c.initiated

	c.mu.Unlock()

	if reply {
		if err := dc.SendText(AckToken); err != nil {
			c.mu.Lock()
			c.acknowledged = false
			c.mu.Unlock()

			c.handshake.settle(errors.Wrap(err, "send acknowledgement"))

			return
		}
	}

	c.log.Info("data channel acknowledged")
	c.handshake.settle(nil)
}

func (c *Channel) onDataChannelError(dc DataChannel, err error) {
	c.log.WithError(err).Error("data channel")

	c.mu.Lock()
	current := c.dataChannel == dc
	c.mu.Unlock()

	if current {
		c.handshake.settle(errors.Wrap(err, "data channel"))
	}
}
