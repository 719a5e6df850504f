package peer

import (
	"sync"
	"time"

	"meshcall/pkg/signal"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

// Compile-time interface checks.
var (
	_ Engine          = (*PionEngine)(nil)
	_ OfferDelegation = (*PionEngine)(nil)
	_ DataChannel     = (*webrtc.DataChannel)(nil)
	_ Sender          = (*webrtc.RTPSender)(nil)
	_ RemoteTrack     = (*webrtc.TrackRemote)(nil)
)

// PionEngine adapts a pion PeerConnection to Engine. Pion cannot roll back a
// local offer, so the engine negotiates through OfferDelegation.
type PionEngine struct {
	conn *webrtc.PeerConnection

	mu                sync.Mutex
	restartPending    bool
	negotiationNeeded func()
}

type EngineConfig struct {
	STUN []string
	// TURN servers carry full URLs and credentials.
	TURN []webrtc.ICEServer
}

func NewPionEngine(cfg EngineConfig) (*PionEngine, error) {
	ice := make([]webrtc.ICEServer, 0, len(cfg.STUN)+len(cfg.TURN))

	for _, stun := range cfg.STUN {
		ice = append(ice, webrtc.ICEServer{
			URLs: []string{"stun:" + stun},
		})
	}

	ice = append(ice, cfg.TURN...)

	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(5*time.Second, 25*time.Second, 2*time.Second)

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings), webrtc.WithMediaEngine(m))

	conn, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: ice,
	})
	if err != nil {
		return nil, err
	}

	e := &PionEngine{conn: conn}

	conn.OnNegotiationNeeded(e.fireNegotiationNeeded)

	return e, nil
}

func (e *PionEngine) SignalingState() webrtc.SignalingState {
	return e.conn.SignalingState()
}

func (e *PionEngine) ConnectionState() webrtc.PeerConnectionState {
	return e.conn.ConnectionState()
}

func (e *PionEngine) SetLocalDescription() (webrtc.SessionDescription, error) {
	var (
		desc webrtc.SessionDescription
		err  error
	)

	switch state := e.conn.SignalingState(); state {
	case webrtc.SignalingStateHaveRemoteOffer:
		desc, err = e.conn.CreateAnswer(nil)
	case webrtc.SignalingStateStable:
		e.mu.Lock()
		restart := e.restartPending
		e.restartPending = false
		e.mu.Unlock()

		desc, err = e.conn.CreateOffer(&webrtc.OfferOptions{ICERestart: restart})
	default:
		return desc, errors.Errorf("cannot set local description in %s", state)
	}

	if err != nil {
		return desc, err
	}

	return desc, e.conn.SetLocalDescription(desc)
}

func (e *PionEngine) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if desc.Type == webrtc.SDPTypeOffer && e.conn.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		return errors.New("remote offer while holding a local offer")
	}

	return e.conn.SetRemoteDescription(desc)
}

// PendingMedia counts sending transceivers that have no media section yet.
func (e *PionEngine) PendingMedia() signal.OfferRequest {
	var req signal.OfferRequest

	for _, t := range e.conn.GetTransceivers() {
		if t.Mid() != "" || t.Sender() == nil || t.Sender().Track() == nil {
			continue
		}

		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			req.Audio++
		case webrtc.RTPCodecTypeVideo:
			req.Video++
		}
	}

	return req
}

// Accommodate adds transceivers until the next offer has one unnegotiated
// section per pending remote track. The sections are sendrecv: pion answers a
// recvonly section with sendonly and then keeps asking for negotiation.
func (e *PionEngine) Accommodate(req signal.OfferRequest) error {
	free := make(map[webrtc.RTPCodecType]int)

	for _, t := range e.conn.GetTransceivers() {
		if t.Mid() == "" && t.Direction() == webrtc.RTPTransceiverDirectionSendrecv {
			free[t.Kind()]++
		}
	}

	want := map[webrtc.RTPCodecType]int{
		webrtc.RTPCodecTypeAudio: req.Audio,
		webrtc.RTPCodecTypeVideo: req.Video,
	}

	for kind, n := range want {
		for i := free[kind]; i < n; i++ {
			_, err := e.conn.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionSendrecv,
			})
			if err != nil {
				return errors.Wrapf(err, "add %s transceiver", kind)
			}
		}
	}

	return nil
}

func (e *PionEngine) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return e.conn.AddICECandidate(candidate)
}

func (e *PionEngine) RestartICE() {
	e.mu.Lock()
	e.restartPending = true
	e.mu.Unlock()

	go e.fireNegotiationNeeded()
}

func (e *PionEngine) CreateDataChannel(label string) (DataChannel, error) {
	ordered := true

	dc, err := e.conn.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, err
	}

	return dc, nil
}

func (e *PionEngine) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := e.conn.AddTrack(track)
	if err != nil {
		return nil, err
	}

	return sender, nil
}

func (e *PionEngine) RemoveTrack(sender Sender) error {
	rtpSender, ok := sender.(*webrtc.RTPSender)
	if !ok {
		return errors.Errorf("unexpected sender type %T", sender)
	}

	return e.conn.RemoveTrack(rtpSender)
}

func (e *PionEngine) OnNegotiationNeeded(h func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.negotiationNeeded = h
}

func (e *PionEngine) OnICECandidate(h func(*webrtc.ICECandidateInit)) {
	e.conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			h(nil)

			return
		}

		init := c.ToJSON()
		h(&init)
	})
}

func (e *PionEngine) OnICEConnectionStateChange(h func(webrtc.ICEConnectionState)) {
	e.conn.OnICEConnectionStateChange(h)
}

func (e *PionEngine) OnConnectionStateChange(h func(webrtc.PeerConnectionState)) {
	e.conn.OnConnectionStateChange(h)
}

func (e *PionEngine) OnTrack(h func(RemoteTrack)) {
	e.conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		h(track)
	})
}

func (e *PionEngine) OnDataChannel(h func(DataChannel)) {
	e.conn.OnDataChannel(func(d *webrtc.DataChannel) {
		h(d)
	})
}

func (e *PionEngine) Close() error {
	return e.conn.Close()
}

func (e *PionEngine) fireNegotiationNeeded() {
	e.mu.Lock()
	h := e.negotiationNeeded
	e.mu.Unlock()

	if h != nil {
		h()
	}
}
