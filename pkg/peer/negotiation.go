package peer

import (
	"context"

	"meshcall/pkg/signal"
	msync "meshcall/pkg/sync"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

// offerCollision reports whether an incoming offer collides with local
// negotiation: we are producing an offer, or a description exchange is
// already half way.
func offerCollision(makingOffer bool, state webrtc.SignalingState) bool {
	return makingOffer || state != webrtc.SignalingStateStable
}

// shouldIgnoreOffer: the impolite side keeps its own offer on collision, the
// polite side always yields.
func shouldIgnoreOffer(polite, collision bool) bool {
	return collision && !polite
}

type bufferedCandidate struct {
	init webrtc.ICECandidateInit
	// ignored records that an offer was being ignored when the candidate
	// arrived; failures to apply it are expected then.
	ignored bool
}

func (c *Channel) onNegotiationNeeded() {
	if err := c.lane.Go(c.negotiate); err != nil {
		c.log.WithError(err).Debug("negotiation needed after close")
	}
}

// negotiate runs on the lane.
func (c *Channel) negotiate() {
	if c.isClosed() {
		return
	}

	if c.delegating {
		c.requestOffer()

		return
	}

	// Engines raise negotiation-needed again once stable.
	if state := c.engine.SignalingState(); state != webrtc.SignalingStateStable {
		c.log.Debugf("negotiation deferred in %s", state)

		return
	}

	c.makingOffer.Store(true)
	defer c.makingOffer.Store(false)

	c.setState(StateNegotiating)

	desc, err := c.engine.SetLocalDescription()
	if err != nil {
		c.log.WithError(err).Error("negotiation: local description")

		return
	}

	if err := c.signal.Send(signal.Message{Description: &desc}); err != nil {
		c.log.WithError(err).Errorf("negotiation: send %s", desc.Type)
	}
}

// requestOffer runs on the lane.
func (c *Channel) requestOffer() {
	c.sendOfferRequest(false)
}

func (c *Channel) sendOfferRequest(restart bool) {
	if c.isClosed() {
		return
	}

	req := c.delegation.PendingMedia()
	req.ICERestart = restart

	c.mu.Lock()
	req.DataChannel = c.connecting && c.dataChannel == nil
	c.mu.Unlock()

	c.setState(StateNegotiating)

	if err := c.signal.Send(signal.Message{Request: &req}); err != nil {
		c.log.WithError(err).Error("negotiation: send offer request")
	}
}

// handleRequest runs on the lane. The remote side cannot offer and asks for
// an offer carrying its pending media.
func (c *Channel) handleRequest(req signal.OfferRequest) error {
	if c.polite {
		c.log.Warn("ignoring offer request on the polite side")

		return nil
	}

	if req.DataChannel {
		if err := c.openRequestedDataChannel(); err != nil {
			return err
		}
	}

	if c.delegation != nil {
		if err := c.delegation.Accommodate(req); err != nil {
			return errors.Wrap(err, "accommodate remote media")
		}
	}

	if req.ICERestart {
		c.engine.RestartICE()

		return nil
	}

	c.negotiate()

	return nil
}

func (c *Channel) onSignal(ctx context.Context, msg signal.Message) error {
	err := c.lane.Do(ctx, func() error {
		if c.isClosed() {
			return nil
		}

		switch {
		case msg.Description != nil:
			return c.handleDescription(*msg.Description)
		case msg.Request != nil:
			return c.handleRequest(*msg.Request)
		}

		return c.handleCandidate(*msg.Candidate)
	})
	if errors.Is(err, msync.ErrLaneClosed) {
		return nil
	}

	return err
}

// handleDescription runs on the lane.
func (c *Channel) handleDescription(desc webrtc.SessionDescription) error {
	offer := desc.Type == webrtc.SDPTypeOffer
	collision := offer && offerCollision(c.makingOffer.Load(), c.engine.SignalingState())

	if shouldIgnoreOffer(c.polite, collision) {
		c.ignoreOffer.Store(true)
		c.log.Debug("ignoring colliding offer")

		return nil
	}

	c.ignoreOffer.Store(false)

	if offer {
		c.setState(StateNegotiating)
	}

	if err := c.engine.SetRemoteDescription(desc); err != nil {
		return errors.Wrapf(err, "remote %s", desc.Type)
	}

	drainErr := c.drainCandidates()

	if offer {
		answer, err := c.engine.SetLocalDescription()
		if err != nil {
			return errors.Wrap(err, "local answer")
		}

		if err := c.signal.Send(signal.Message{Description: &answer}); err != nil {
			return errors.Wrap(err, "send answer")
		}
	}

	if c.engine.SignalingState() == webrtc.SignalingStateStable {
		c.setState(StateStable)
	}

	return drainErr
}

// handleCandidate runs on the lane.
func (c *Channel) handleCandidate(init webrtc.ICECandidateInit) error {
	candidate := bufferedCandidate{
		init:    init,
		ignored: c.ignoreOffer.Load(),
	}

	if !c.candidatesDrained {
		c.pendingCandidates = append(c.pendingCandidates, candidate)

		return nil
	}

	return c.applyCandidate(candidate)
}

// drainCandidates applies the buffered candidates in arrival order once and
// retires the buffer for good.
func (c *Channel) drainCandidates() error {
	if c.candidatesDrained {
		return nil
	}

	pending := c.pendingCandidates
	c.pendingCandidates = nil
	c.candidatesDrained = true

	var first error

	for _, candidate := range pending {
		if err := c.applyCandidate(candidate); err != nil && first == nil {
			first = err
		}
	}

	return first
}

func (c *Channel) applyCandidate(candidate bufferedCandidate) error {
	err := c.engine.AddICECandidate(candidate.init)
	if err == nil {
		return nil
	}

	if candidate.ignored {
		c.log.WithError(err).Debug("candidate of an ignored offer")

		return nil
	}

	return errors.Wrap(err, "ice candidate")
}

func (c *Channel) onICECandidate(candidate *webrtc.ICECandidateInit) {
	if candidate == nil || c.isClosed() {
		return
	}

	if err := c.signal.Send(signal.Message{Candidate: candidate}); err != nil {
		c.log.WithError(err).Error("send ice candidate")
	}
}

func (c *Channel) onICEConnectionStateChange(state webrtc.ICEConnectionState) {
	c.log.Debugf("ice connection state: %s", state)

	if state != webrtc.ICEConnectionStateFailed {
		return
	}

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return
	}

	if c.cfg.MaxICERestarts > 0 && c.iceRestarts >= c.cfg.MaxICERestarts {
		c.mu.Unlock()
		c.log.Errorf("ice failed, giving up after %d restarts", c.cfg.MaxICERestarts)

		return
	}

	c.iceRestarts++
	attempt := c.iceRestarts

	c.mu.Unlock()

	c.log.Warnf("ice failed, restarting (attempt %d)", attempt)

	if !c.delegating {
		c.engine.RestartICE()

		return
	}

	err := c.lane.Go(func() {
		c.sendOfferRequest(true)
	})
	if err != nil {
		c.log.WithError(err).Debug("ice restart after close")
	}
}

func (c *Channel) onConnectionStateChange(state webrtc.PeerConnectionState) {
	c.log.Infof("connection state: %s", state)

	c.mu.Lock()
	wasUp := c.linkUp
	c.linkUp = state == webrtc.PeerConnectionStateConnected

	if c.linkUp {
		c.iceRestarts = 0
	}
	c.mu.Unlock()

	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.hooks.OnConnected()
	case webrtc.PeerConnectionStateDisconnected:
		c.hooks.OnDisconnected()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		// A link may fail or close without passing through disconnected.
		if wasUp {
			c.hooks.OnDisconnected()
		}
	}
}
