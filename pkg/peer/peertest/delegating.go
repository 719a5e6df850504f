package peertest

import (
	"sync"

	"meshcall/pkg/peer"
	"meshcall/pkg/signal"

	"github.com/pion/webrtc/v3"
)

var _ peer.OfferDelegation = (*DelegatingEngine)(nil)

// DelegatingEngine is an Engine that, like pion, cannot roll back a local
// offer and negotiates through offer requests instead.
type DelegatingEngine struct {
	*Engine

	mu       sync.Mutex
	requests []signal.OfferRequest
}

func NewDelegatingEngine(name string) *DelegatingEngine {
	e := NewEngine(name)
	e.noRollback = true

	return &DelegatingEngine{Engine: e}
}

// PendingMedia counts every sender; the fake has no media sections.
func (e *DelegatingEngine) PendingMedia() signal.OfferRequest {
	var req signal.OfferRequest

	for _, s := range e.Senders() {
		switch s.Track().Kind() {
		case webrtc.RTPCodecTypeAudio:
			req.Audio++
		case webrtc.RTPCodecTypeVideo:
			req.Video++
		}
	}

	return req
}

func (e *DelegatingEngine) Accommodate(req signal.OfferRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.requests = append(e.requests, req)

	return nil
}

// Accommodated lists the offer requests served by this engine.
func (e *DelegatingEngine) Accommodated() []signal.OfferRequest {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]signal.OfferRequest(nil), e.requests...)
}
