// Package peertest provides an in-memory peer.Engine for tests. Two engines
// joined with Link behave like the two ends of one connection: data channels
// created on one side appear on the other, and tracks added on one side are
// reported on the other once it applies a remote description.
package peertest

import (
	"fmt"
	"sync"

	"meshcall/pkg/peer"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

// Compile-time interface checks.
var (
	_ peer.Engine      = (*Engine)(nil)
	_ peer.DataChannel = (*DataChannel)(nil)
	_ peer.Sender      = (*Sender)(nil)
	_ peer.RemoteTrack = (*RemoteTrack)(nil)
)

var ErrNoRemoteDescription = errors.New("remote description not set")

type Engine struct {
	name string

	mu                 sync.Mutex
	remote             *Engine
	signalingState     webrtc.SignalingState
	connectionState    webrtc.PeerConnectionState
	hasRemote          bool
	offers             int
	localDescriptions  []webrtc.SessionDescription
	remoteDescriptions []webrtc.SessionDescription
	candidates         []webrtc.ICECandidateInit
	senders            []*Sender
	deliveredTracks    map[string]bool
	dataChannels       []*DataChannel
	restarts           int
	negotiationPending bool
	noRollback         bool
	closed             bool

	// SetLocalErr and AddCandidateErr inject engine failures.
	SetLocalErr     error
	AddCandidateErr func(webrtc.ICECandidateInit) error

	onNegotiationNeeded func()
	onICECandidate      func(*webrtc.ICECandidateInit)
	onICEState          func(webrtc.ICEConnectionState)
	onConnectionState   func(webrtc.PeerConnectionState)
	onTrack             func(peer.RemoteTrack)
	onDataChannel       func(peer.DataChannel)
}

func NewEngine(name string) *Engine {
	return &Engine{
		name:            name,
		signalingState:  webrtc.SignalingStateStable,
		connectionState: webrtc.PeerConnectionStateNew,
		deliveredTracks: make(map[string]bool),
	}
}

// Link joins a and b as the two ends of one connection.
func Link(a, b *Engine) {
	a.mu.Lock()
	a.remote = b
	a.mu.Unlock()

	b.mu.Lock()
	b.remote = a
	b.mu.Unlock()
}

func (e *Engine) SignalingState() webrtc.SignalingState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.signalingState
}

func (e *Engine) ConnectionState() webrtc.PeerConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.connectionState
}

// SetSignalingState forces the signaling state, e.g. to simulate a
// half-finished exchange.
func (e *Engine) SetSignalingState(state webrtc.SignalingState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.signalingState = state
}

func (e *Engine) SetLocalDescription() (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.resumeNegotiation()

	if e.SetLocalErr != nil {
		return webrtc.SessionDescription{}, e.SetLocalErr
	}

	var desc webrtc.SessionDescription

	switch e.signalingState {
	case webrtc.SignalingStateStable:
		e.offers++
		desc = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer/%s/%d", e.name, e.offers)}
		e.signalingState = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		desc = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer/%s", e.name)}
		e.signalingState = webrtc.SignalingStateStable
	default:
		return desc, errors.Errorf("%s: cannot set local description in %s", e.name, e.signalingState)
	}

	e.localDescriptions = append(e.localDescriptions, desc)

	return desc, nil
}

func (e *Engine) SetRemoteDescription(desc webrtc.SessionDescription) error {
	e.mu.Lock()

	switch {
	case desc.Type == webrtc.SDPTypeOffer && e.signalingState == webrtc.SignalingStateHaveLocalOffer && e.noRollback:
		e.mu.Unlock()

		return errors.Errorf("%s: cannot roll back a local offer", e.name)
	case desc.Type == webrtc.SDPTypeOffer &&
		(e.signalingState == webrtc.SignalingStateStable || e.signalingState == webrtc.SignalingStateHaveLocalOffer):
		// An offer while holding our own offer rolls ours back implicitly.
		e.signalingState = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && e.signalingState == webrtc.SignalingStateHaveLocalOffer:
		e.signalingState = webrtc.SignalingStateStable
	default:
		state := e.signalingState
		e.mu.Unlock()

		return errors.Errorf("%s: cannot apply remote %s in %s", e.name, desc.Type, state)
	}

	e.hasRemote = true
	e.remoteDescriptions = append(e.remoteDescriptions, desc)
	remote := e.remote
	onTrack := e.onTrack

	e.resumeNegotiation()

	e.mu.Unlock()

	if remote == nil || onTrack == nil {
		return nil
	}

	if tracks := e.undeliveredTracks(remote.Senders()); len(tracks) != 0 {
		go func() {
			for _, t := range tracks {
				onTrack(t)
			}
		}()
	}

	return nil
}

// undeliveredTracks reports each remote sender's track once.
func (e *Engine) undeliveredTracks(senders []*Sender) []peer.RemoteTrack {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []peer.RemoteTrack

	for _, s := range senders {
		track := s.Track()

		if e.deliveredTracks[track.ID()] {
			continue
		}

		e.deliveredTracks[track.ID()] = true
		out = append(out, &RemoteTrack{
			TrackID: track.ID(),
			Stream:  track.StreamID(),
			Codec:   track.Kind(),
		})
	}

	return out
}

func (e *Engine) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasRemote {
		return ErrNoRemoteDescription
	}

	if e.AddCandidateErr != nil {
		if err := e.AddCandidateErr(candidate); err != nil {
			return err
		}
	}

	e.candidates = append(e.candidates, candidate)

	return nil
}

func (e *Engine) RestartICE() {
	e.mu.Lock()
	e.restarts++
	e.mu.Unlock()

	e.FireNegotiationNeeded()
}

func (e *Engine) CreateDataChannel(label string) (peer.DataChannel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errors.New("engine closed")
	}

	local := &DataChannel{label: label}
	e.dataChannels = append(e.dataChannels, local)

	if remote := e.remote; remote != nil {
		far := &DataChannel{label: label}
		local.peer, far.peer = far, local

		go func() {
			remote.FireDataChannel(far)
			far.open()
			local.open()
		}()
	}

	return local, nil
}

func (e *Engine) AddTrack(track webrtc.TrackLocal) (peer.Sender, error) {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()

		return nil, errors.New("engine closed")
	}

	s := &Sender{track: track}
	e.senders = append(e.senders, s)

	e.mu.Unlock()

	go e.FireNegotiationNeeded()

	return s, nil
}

func (e *Engine) RemoveTrack(sender peer.Sender) error {
	e.mu.Lock()

	found := false

	for i, s := range e.senders {
		if s == sender {
			e.senders = append(e.senders[:i], e.senders[i+1:]...)
			found = true

			break
		}
	}

	e.mu.Unlock()

	if !found {
		return errors.New("unknown sender")
	}

	go e.FireNegotiationNeeded()

	return nil
}

func (e *Engine) OnNegotiationNeeded(h func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onNegotiationNeeded = h
}

func (e *Engine) OnICECandidate(h func(*webrtc.ICECandidateInit)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onICECandidate = h
}

func (e *Engine) OnICEConnectionStateChange(h func(webrtc.ICEConnectionState)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onICEState = h
}

func (e *Engine) OnConnectionStateChange(h func(webrtc.PeerConnectionState)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onConnectionState = h
}

func (e *Engine) OnTrack(h func(peer.RemoteTrack)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onTrack = h
}

func (e *Engine) OnDataChannel(h func(peer.DataChannel)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onDataChannel = h
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	e.signalingState = webrtc.SignalingStateClosed
	e.connectionState = webrtc.PeerConnectionStateClosed

	return nil
}

// FireNegotiationNeeded simulates the engine requesting renegotiation. Like
// a browser, the event is held back until the signaling state is stable.
func (e *Engine) FireNegotiationNeeded() {
	e.mu.Lock()

	if e.signalingState != webrtc.SignalingStateStable {
		e.negotiationPending = true
		e.mu.Unlock()

		return
	}

	h := e.onNegotiationNeeded
	e.mu.Unlock()

	if h != nil {
		h()
	}
}

// resumeNegotiation fires a held back negotiation-needed event once stable.
// Callers hold e.mu.
func (e *Engine) resumeNegotiation() {
	if !e.negotiationPending || e.signalingState != webrtc.SignalingStateStable {
		return
	}

	e.negotiationPending = false

	go e.FireNegotiationNeeded()
}

func (e *Engine) FireICECandidate(candidate *webrtc.ICECandidateInit) {
	e.mu.Lock()
	h := e.onICECandidate
	e.mu.Unlock()

	if h != nil {
		h(candidate)
	}
}

func (e *Engine) FireICEConnectionState(state webrtc.ICEConnectionState) {
	e.mu.Lock()
	h := e.onICEState
	e.mu.Unlock()

	if h != nil {
		h(state)
	}
}

// SetConnectionState changes the connection state and reports it.
func (e *Engine) SetConnectionState(state webrtc.PeerConnectionState) {
	e.mu.Lock()
	e.connectionState = state
	h := e.onConnectionState
	e.mu.Unlock()

	if h != nil {
		h(state)
	}
}

func (e *Engine) FireTrack(track peer.RemoteTrack) {
	e.mu.Lock()
	h := e.onTrack
	e.mu.Unlock()

	if h != nil {
		h(track)
	}
}

// FireDataChannel reports dc as opened by the remote side.
func (e *Engine) FireDataChannel(dc *DataChannel) {
	e.mu.Lock()
	h := e.onDataChannel
	e.mu.Unlock()

	if h != nil {
		h(dc)
	}
}

func (e *Engine) LocalDescriptions() []webrtc.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]webrtc.SessionDescription(nil), e.localDescriptions...)
}

func (e *Engine) RemoteDescriptions() []webrtc.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]webrtc.SessionDescription(nil), e.remoteDescriptions...)
}

func (e *Engine) Candidates() []webrtc.ICECandidateInit {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]webrtc.ICECandidateInit(nil), e.candidates...)
}

func (e *Engine) Senders() []*Sender {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]*Sender(nil), e.senders...)
}

func (e *Engine) DataChannels() []*DataChannel {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]*DataChannel(nil), e.dataChannels...)
}

func (e *Engine) Restarts() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.restarts
}

func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closed
}

type Sender struct {
	track webrtc.TrackLocal
}

func (s *Sender) Track() webrtc.TrackLocal {
	return s.track
}

type RemoteTrack struct {
	TrackID string
	Stream  string
	Codec   webrtc.RTPCodecType
}

func (t *RemoteTrack) ID() string                { return t.TrackID }
func (t *RemoteTrack) StreamID() string          { return t.Stream }
func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return t.Codec }
