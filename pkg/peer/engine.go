package peer

import (
	"meshcall/pkg/signal"

	"github.com/pion/webrtc/v3"
)

// Engine is the surface of a native ICE/SDP engine that a Channel drives.
// It follows the browser API: SetLocalDescription picks offer or answer from
// the current signaling state, and applying a remote offer while holding a
// local offer rolls the local one back implicitly. Engines that cannot roll
// back implement OfferDelegation instead.
type Engine interface {
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	SetLocalDescription() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	// RestartICE marks the next local offer as an ICE restart and requests
	// negotiation.
	RestartICE()

	CreateDataChannel(label string) (DataChannel, error)
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	RemoveTrack(sender Sender) error

	OnNegotiationNeeded(func())
	// OnICECandidate receives nil once gathering is complete.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnTrack(func(RemoteTrack))
	OnDataChannel(func(DataChannel))

	Close() error
}

// OfferDelegation is implemented by engines that cannot roll back a local
// offer. The polite side of such a pair never offers; it sends an
// OfferRequest and the impolite side offers on its behalf.
type OfferDelegation interface {
	// PendingMedia counts local tracks that no negotiated media section
	// carries yet.
	PendingMedia() signal.OfferRequest
	// Accommodate adds unnegotiated media sections so that the next local
	// offer has room for the remote side's pending tracks.
	Accommodate(req signal.OfferRequest) error
}

// DataChannel is satisfied by *webrtc.DataChannel.
type DataChannel interface {
	Label() string
	OnOpen(func())
	OnMessage(func(webrtc.DataChannelMessage))
	OnError(func(error))
	SendText(text string) error
	Close() error
}

// Sender is satisfied by *webrtc.RTPSender.
type Sender interface {
	Track() webrtc.TrackLocal
}

// RemoteTrack is satisfied by *webrtc.TrackRemote.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}
