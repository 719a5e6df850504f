// Package call orchestrates one group call: a stream peer per remote
// participant, the local media pushed to all of them, and the aggregated
// view the UI renders.
//
// Failures of one peer never abort the call. They are logged and show up
// only in that peer's state.
package call

import (
	"context"
	"sync"

	"meshcall/pkg/log"
	"meshcall/pkg/media"
	"meshcall/pkg/peer"
	"meshcall/pkg/streams"

	"github.com/pkg/errors"
)

var (
	ErrAlreadyInitialized   = errors.New("call already initialized")
	ErrNotInitialized       = errors.New("call not initialized")
	ErrNoParticipants       = errors.New("call needs at least one participant")
	ErrDuplicateParticipant = errors.New("duplicate participant")
	ErrNoOwnMedia           = errors.New("own media not set")
	ErrAlreadyStarted       = errors.New("call already started")
	ErrEnded                = errors.New("call ended")
	ErrNoScreenShare        = errors.New("no screen share active")
	ErrDuplicateScreen      = errors.New("screen share already active")
	ErrUnknownScreen        = errors.New("unknown screen share")
	ErrDeskAudioActive      = errors.New("desk audio already shared")
)

// Host is notified about the call lifecycle, e.g. to ring or to close the
// call window.
type Host interface {
	CallStarted()
	Teardown()
}

type screenShare struct {
	kind   media.Kind
	stream *media.Stream
}

type Store struct {
	factory PeerFactory
	host    Host

	// notifyMu serializes view deliveries; handlers must not call back into
	// the Store synchronously.
	notifyMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	order       []string
	peers       map[string]*streams.Peer
	ownMedia    *media.Stream
	micOn       bool
	camOn       bool
	screens     []screenShare
	deskAudio   *media.Stream
	started     bool
	ended       bool
	cancel      context.CancelFunc
	subs        subscribers

	connecting sync.WaitGroup
}

func NewStore(factory PeerFactory, host Host) *Store {
	return &Store{
		factory: factory,
		host:    host,
		peers:   make(map[string]*streams.Peer),
	}
}

// Initialize creates one peer per participant. It may succeed only once.
func (s *Store) Initialize(participants []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return ErrAlreadyInitialized
	}

	if len(participants) == 0 {
		return ErrNoParticipants
	}

	seen := make(map[string]bool, len(participants))

	for _, address := range participants {
		canonical := peer.CanonicalAddress(address)

		if seen[canonical] {
			return errors.Wrap(ErrDuplicateParticipant, canonical)
		}

		seen[canonical] = true
	}

	created := make(map[string]*streams.Peer, len(participants))
	order := make([]string, 0, len(participants))

	for _, address := range participants {
		p, err := s.factory.NewPeer(address)
		if err != nil {
			for _, p := range created {
				p.Close()
			}

			return errors.Wrapf(err, "participant %s", address)
		}

		p.OnChange(s.notify)

		created[p.Remote()] = p
		order = append(order, p.Remote())
	}

	s.peers, s.order = created, order
	s.initialized = true

	log.Infof("call initialized with %d participants", len(order))

	return nil
}

// SetOwnMedia sets the local camera and mic stream pushed to every peer. The
// mic and camera flags follow the stream's tracks.
func (s *Store) SetOwnMedia(stream *media.Stream) {
	s.mu.Lock()
	s.ownMedia = stream
	s.micOn = stream != nil && stream.AudioEnabled()
	s.camOn = stream != nil && stream.VideoEnabled()
	s.mu.Unlock()

	s.notify()
}

// StartCall connects every peer independently. Each peer that finishes its
// handshake, successfully or not, gets the own media and any active screen
// shares and desk audio. The host learns about the call exactly once,
// regardless of how any peer fares.
func (s *Store) StartCall(ctx context.Context) error {
	s.mu.Lock()

	switch {
	case !s.initialized:
		s.mu.Unlock()

		return ErrNotInitialized
	case s.ended:
		s.mu.Unlock()

		return ErrEnded
	case s.started:
		s.mu.Unlock()

		return ErrAlreadyStarted
	case s.ownMedia == nil:
		s.mu.Unlock()

		return ErrNoOwnMedia
	}

	ctx, cancel := context.WithCancel(ctx)

	s.started = true
	s.cancel = cancel
	peers := s.orderedPeers()

	s.connecting.Add(len(peers))

	s.mu.Unlock()

	for _, p := range peers {
		go func(p *streams.Peer) {
			defer s.connecting.Done()

			s.connectPeer(ctx, p)
		}(p)
	}

	s.host.CallStarted()
	s.notify()

	return nil
}

// Wait blocks until every connect sequence started by StartCall finished.
func (s *Store) Wait() {
	s.connecting.Wait()
}

func (s *Store) connectPeer(ctx context.Context, p *streams.Peer) {
	l := log.Peer(p.Remote())

	if err := p.Connect(ctx); err != nil {
		l.WithError(err).Error("connect")
	}

	s.mu.Lock()
	own := s.ownMedia
	screens := append([]screenShare(nil), s.screens...)
	desk := s.deskAudio
	s.mu.Unlock()

	if own != nil {
		if err := p.SendUserMediaStream(own); err != nil {
			l.WithError(err).Error("send own media")
		}
	}

	// Shares started before this peer was acknowledged are replayed here.
	for _, share := range screens {
		s.sendShare(p, share.stream, func() error {
			return p.SendScreenMediaStream(share.kind, share.stream)
		})
	}

	if desk != nil {
		s.sendShare(p, desk, func() error {
			return p.SendDeskAudioStream(desk)
		})
	}
}

// sendShare sends a screen share or desk audio stream to p. A stream stopped
// while it was being sent is withdrawn again, since the stop could not see it.
func (s *Store) sendShare(p *streams.Peer, stream *media.Stream, send func() error) {
	if err := send(); err != nil {
		log.Peer(p.Remote()).WithError(err).Errorf("send %s", stream.ID())

		return
	}

	if !s.sharing(stream.ID()) {
		s.stopSending(p, stream)
	}
}

// sharing reports whether id is an active screen share or the desk audio.
func (s *Store) sharing(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deskAudio != nil && s.deskAudio.ID() == id {
		return true
	}

	for _, share := range s.screens {
		if share.stream.ID() == id {
			return true
		}
	}

	return false
}

// EndCall closes every peer in parallel and tears the host down. Later calls
// do nothing.
func (s *Store) EndCall() {
	s.mu.Lock()

	if s.ended {
		s.mu.Unlock()

		return
	}

	s.ended = true
	cancel := s.cancel
	peers := s.orderedPeers()

	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var wg sync.WaitGroup

	for _, p := range peers {
		wg.Add(1)

		go func(p *streams.Peer) {
			defer wg.Done()

			p.Close()
		}(p)
	}

	wg.Wait()
	s.connecting.Wait()

	log.Info("call ended")

	s.notify()
	s.host.Teardown()
}

// ToggleMic flips the local mic and tells every peer. The local state changes
// first; peers that cannot be reached just miss the update.
func (s *Store) ToggleMic() bool {
	s.mu.Lock()
	s.micOn = !s.micOn
	on := s.micOn

	if s.ownMedia != nil {
		for _, t := range s.ownMedia.AudioTracks() {
			t.SetEnabled(on)
		}
	}
	s.mu.Unlock()

	s.signalOwnState()
	s.notify()

	return on
}

func (s *Store) ToggleCam() bool {
	s.mu.Lock()
	s.camOn = !s.camOn
	on := s.camOn

	if s.ownMedia != nil {
		for _, t := range s.ownMedia.VideoTracks() {
			t.SetEnabled(on)
		}
	}
	s.mu.Unlock()

	s.signalOwnState()
	s.notify()

	return on
}

func (s *Store) signalOwnState() {
	s.mu.Lock()
	own, mic, cam := s.ownMedia, s.micOn, s.camOn
	peers := s.orderedPeers()
	s.mu.Unlock()

	if own == nil {
		return
	}

	for _, p := range peers {
		if !p.Acknowledged() {
			continue
		}

		if err := p.SignalOwnStreamState(own.ID(), mic, cam); err != nil {
			log.Peer(p.Remote()).WithError(err).Warn("signal own stream state")
		}
	}
}

// AddOwnScreen starts a screen or window share and sends it to every
// acknowledged peer. Peers still connecting get it from their connect
// sequence.
func (s *Store) AddOwnScreen(kind media.Kind, stream *media.Stream) error {
	if !kind.IsScreenShare() {
		return errors.Errorf("%s is not a screen share kind", kind)
	}

	s.mu.Lock()

	for _, share := range s.screens {
		if share.stream.ID() == stream.ID() {
			s.mu.Unlock()

			return errors.Wrap(ErrDuplicateScreen, stream.ID())
		}
	}

	s.screens = append(s.screens, screenShare{kind: kind, stream: stream})
	peers := s.orderedPeers()

	s.mu.Unlock()

	s.notify()

	for _, p := range peers {
		if !p.Acknowledged() {
			continue
		}

		s.sendShare(p, stream, func() error {
			return p.SendScreenMediaStream(kind, stream)
		})
	}

	return nil
}

// RemoveOwnScreen stops a share everywhere. Desk audio rides on the first
// share, so removing that one stops desk audio in the same step.
func (s *Store) RemoveOwnScreen(id string) error {
	s.mu.Lock()

	index := -1

	for i, share := range s.screens {
		if share.stream.ID() == id {
			index = i

			break
		}
	}

	if index < 0 {
		s.mu.Unlock()

		return errors.Wrap(ErrUnknownScreen, id)
	}

	removed := s.screens[index]
	s.screens = append(s.screens[:index:index], s.screens[index+1:]...)

	var desk *media.Stream

	if index == 0 && s.deskAudio != nil {
		desk, s.deskAudio = s.deskAudio, nil
	}

	peers := s.orderedPeers()

	s.mu.Unlock()

	s.notify()

	for _, p := range peers {
		s.stopSending(p, removed.stream)

		if desk != nil {
			s.stopSending(p, desk)
		}
	}

	return nil
}

// SetDeskAudio shares desk sound alongside the first screen share.
func (s *Store) SetDeskAudio(stream *media.Stream) error {
	s.mu.Lock()

	switch {
	case len(s.screens) == 0:
		s.mu.Unlock()

		return ErrNoScreenShare
	case s.deskAudio != nil:
		s.mu.Unlock()

		return ErrDeskAudioActive
	}

	s.deskAudio = stream
	peers := s.orderedPeers()

	s.mu.Unlock()

	s.notify()

	for _, p := range peers {
		if !p.Acknowledged() {
			continue
		}

		s.sendShare(p, stream, func() error {
			return p.SendDeskAudioStream(stream)
		})
	}

	return nil
}

func (s *Store) StopDeskAudio() {
	s.mu.Lock()
	desk := s.deskAudio
	s.deskAudio = nil
	peers := s.orderedPeers()
	s.mu.Unlock()

	if desk == nil {
		return
	}

	s.notify()

	for _, p := range peers {
		s.stopSending(p, desk)
	}
}

func (s *Store) stopSending(p *streams.Peer, stream *media.Stream) {
	if err := p.StopSendingStream(stream); err != nil {
		log.Peer(p.Remote()).WithError(err).Warnf("stop sending %s", stream.ID())
	}
}

// Peer returns the stream peer of a participant.
func (s *Store) Peer(address string) (*streams.Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[peer.CanonicalAddress(address)]

	return p, ok
}

// orderedPeers lists peers in roster order. Callers hold s.mu.
func (s *Store) orderedPeers() []*streams.Peer {
	out := make([]*streams.Peer, 0, len(s.order))

	for _, address := range s.order {
		out = append(out, s.peers[address])
	}

	return out
}
