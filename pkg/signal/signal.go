// Package signal carries session descriptions and ICE candidates between two
// peers before (and alongside) a direct media path. The physical transport is
// a host relay; Channel hides it behind a per-peer abstraction.
package signal

import (
	"context"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

var (
	ErrInvalidMessage = errors.New("signaling message must carry exactly one of description, candidate or request")
	ErrChannelClosed  = errors.New("signaling channel closed")
)

// Listener handles one incoming message. Listeners are invoked one at a time
// in arrival order; a slow listener delays only its own channel.
type Listener func(ctx context.Context, msg Message) error

// Channel delivers signaling payloads to and from one specific remote peer.
type Channel interface {
	ObserveIncoming(listener Listener)
	Send(msg Message) error
	Close() error
}

// Message carries exactly one of a session description, an ICE candidate or
// an offer request.
type Message struct {
	Description *webrtc.SessionDescription `json:"description,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Request     *OfferRequest              `json:"request,omitempty"`
}

// OfferRequest asks the remote side to make an offer on the sender's behalf.
// Audio and Video count the sender's tracks that still need a media section.
type OfferRequest struct {
	Audio       int  `json:"audio,omitempty"`
	Video       int  `json:"video,omitempty"`
	DataChannel bool `json:"dataChannel,omitempty"`
	ICERestart  bool `json:"iceRestart,omitempty"`
}

func (m Message) Validate() error {
	set := 0

	if m.Description != nil {
		set++
	}

	if m.Candidate != nil {
		set++
	}

	if m.Request != nil {
		set++
	}

	if set != 1 {
		return ErrInvalidMessage
	}

	return nil
}
