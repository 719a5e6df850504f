// Package streams adds media bookkeeping to a peer.Channel: which local
// streams are being sent to the remote participant, and which remote streams
// (camera and mic, screen, window, desk sound) arrived from it.
//
// Track kind alone cannot tell a camera from a screen share, so every stream
// is announced with a control message on the data channel before its tracks
// are added. Incoming tracks are matched to announcements by stream id.
package streams

import (
	"context"
	"sync"

	"meshcall/pkg/log"
	"meshcall/pkg/media"
	"meshcall/pkg/peer"
	"meshcall/pkg/signal"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// PeerState is a read-only snapshot of one remote participant.
type PeerState struct {
	Address     string
	Connected   bool
	MicOn       bool
	CamOn       bool
	DeskAudioOn bool
	Streams     []RemoteStream
}

type outgoing struct {
	kind    media.Kind
	senders []peer.Sender
}

// Peer is a peer.Channel plus the stream registry reacting to its hooks.
type Peer struct {
	channel *peer.Channel
	log     *logrus.Entry

	// sendMu serializes send and StopSendingStream so that a stop never
	// lands between an announcement and its tracks.
	sendMu sync.Mutex

	mu        sync.Mutex
	connected bool
	remote    *registry
	sending   map[string]*outgoing
	onChange  func()
}

func NewPeer(cfg peer.ChannelConfig, engine peer.Engine, sig signal.Channel) (*Peer, error) {
	p := &Peer{
		log:     log.Peer(peer.CanonicalAddress(cfg.Remote)),
		remote:  newRegistry(),
		sending: make(map[string]*outgoing),
	}

	channel, err := peer.NewChannel(cfg, engine, sig, hooks{p})
	if err != nil {
		return nil, err
	}

	p.channel = channel

	return p, nil
}

func (p *Peer) Remote() string {
	return p.channel.Remote()
}

func (p *Peer) Polite() bool {
	return p.channel.Polite()
}

func (p *Peer) Acknowledged() bool {
	return p.channel.Acknowledged()
}

func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	return p.channel.ConnectionState()
}

func (p *Peer) Connect(ctx context.Context) error {
	return p.channel.Connect(ctx)
}

// Close ends the session and forgets everything received from the peer.
func (p *Peer) Close() {
	p.channel.Close()
	p.Disconnect()
}

// OnChange registers the callback fired after every change visible in
// Snapshot. It is called without internal locks held.
func (p *Peer) OnChange(h func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onChange = h
}

// Snapshot reports Connected only while the connection state is connected.
func (p *Peer) Snapshot() PeerState {
	up := p.channel.ConnectionState() == webrtc.PeerConnectionStateConnected

	p.mu.Lock()
	defer p.mu.Unlock()

	return PeerState{
		Address:     p.channel.Remote(),
		Connected:   p.connected && up,
		MicOn:       p.remote.micOn,
		CamOn:       p.remote.camOn,
		DeskAudioOn: p.remote.deskAudioOn,
		Streams:     p.remote.snapshot(),
	}
}

// Sending reports whether the local stream id is currently sent to the peer.
func (p *Peer) Sending(streamID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.sending[streamID]

	return ok
}

func (p *Peer) SendUserMediaStream(stream *media.Stream) error {
	return p.send(media.KindCameraAndMic, stream)
}

func (p *Peer) SendScreenMediaStream(kind media.Kind, stream *media.Stream) error {
	if !kind.IsScreenShare() {
		return errors.Errorf("%s is not a screen share kind", kind)
	}

	return p.send(kind, stream)
}

func (p *Peer) SendDeskAudioStream(stream *media.Stream) error {
	return p.send(media.KindDeskSound, stream)
}

// send announces stream and attaches its tracks. A stream already being sent
// is left alone.
func (p *Peer) send(kind media.Kind, stream *media.Stream) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	p.mu.Lock()

	if _, ok := p.sending[stream.ID()]; ok {
		p.mu.Unlock()

		return nil
	}

	out := &outgoing{kind: kind}
	p.sending[stream.ID()] = out

	p.mu.Unlock()

	err := p.sendControl(Control{
		Type:     ControlStream,
		StreamID: stream.ID(),
		Kind:     kind,
		Audio:    stream.AudioEnabled(),
		Video:    stream.VideoEnabled(),
	})
	if err != nil {
		p.mu.Lock()
		delete(p.sending, stream.ID())
		p.mu.Unlock()

		return errors.Wrapf(err, "announce %s stream", kind)
	}

	for _, track := range stream.Tracks() {
		sender, err := p.channel.AddTrack(track.Local())
		if err != nil {
			return errors.Wrapf(err, "add %s track %s", track.Kind(), track.ID())
		}

		p.mu.Lock()
		out.senders = append(out.senders, sender)
		p.mu.Unlock()
	}

	p.log.Debugf("sending %s stream %s", kind, stream.ID())

	return nil
}

// StopSendingStream detaches the stream's tracks and tells the peer.
func (p *Peer) StopSendingStream(stream *media.Stream) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	p.mu.Lock()
	out, ok := p.sending[stream.ID()]
	delete(p.sending, stream.ID())

	var senders []peer.Sender
	if ok {
		senders = append(senders, out.senders...)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}

	var first error

	for _, sender := range senders {
		if err := p.channel.RemoveTrack(sender); err != nil && first == nil {
			first = errors.Wrap(err, "remove track")
		}
	}

	if err := p.sendControl(Control{Type: ControlStreamRemoved, StreamID: stream.ID()}); err != nil && first == nil {
		first = errors.Wrap(err, "announce removal")
	}

	return first
}

// SignalOwnStreamState reports local mute state; enabling or disabling a
// track is invisible to the peer otherwise.
func (p *Peer) SignalOwnStreamState(streamID string, audio, video bool) error {
	return p.sendControl(Control{
		Type:     ControlStreamState,
		StreamID: streamID,
		Audio:    audio,
		Video:    video,
	})
}

// Disconnect drops every remote stream and the connected flag. The relay's
// remote close notification and a peer's disconnect message both end here.
func (p *Peer) Disconnect() {
	p.mu.Lock()
	p.connected = false
	p.remote.clear()
	p.mu.Unlock()

	p.changed()
}

func (p *Peer) sendControl(c Control) error {
	payload, err := EncodeControl(c)
	if err != nil {
		return err
	}

	return p.channel.SendMessage(payload)
}

func (p *Peer) changed() {
	p.mu.Lock()
	h := p.onChange
	p.mu.Unlock()

	if h != nil {
		h()
	}
}

func (p *Peer) onTrack(track peer.RemoteTrack) {
	p.mu.Lock()
	filed := p.remote.addTrack(track)
	p.mu.Unlock()

	if !filed {
		p.log.Debugf("parking track %s until stream %s is announced", track.ID(), track.StreamID())

		return
	}

	p.changed()
}

func (p *Peer) onConnected() {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	p.changed()
}

func (p *Peer) onDisconnected() {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()

	p.changed()
}

func (p *Peer) onMessage(payload []byte) {
	c, err := DecodeControl(payload)
	if err != nil {
		p.log.WithError(err).Warn("control message")

		return
	}

	if c.Type == ControlDisconnect {
		p.Disconnect()

		return
	}

	p.mu.Lock()

	changed := true

	switch c.Type {
	case ControlStream:
		p.remote.announce(c)
	case ControlStreamState:
		changed = p.remote.setState(c)
	case ControlStreamRemoved:
		changed = p.remote.remove(c.StreamID)
	}

	p.mu.Unlock()

	if !changed {
		p.log.Debugf("%s for unknown stream %s", c.Type, c.StreamID)

		return
	}

	p.changed()
}

// hooks keeps the peer.Hooks methods off Peer's exported surface.
type hooks struct {
	p *Peer
}

func (h hooks) OnTrack(track peer.RemoteTrack) { h.p.onTrack(track) }
func (h hooks) OnConnected()                   { h.p.onConnected() }
func (h hooks) OnDisconnected()                { h.p.onDisconnected() }
func (h hooks) OnMessage(payload []byte)       { h.p.onMessage(payload) }
