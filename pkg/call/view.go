package call

import (
	"meshcall/pkg/media"
	"meshcall/pkg/streams"
)

type ScreenShare struct {
	ID   string
	Kind media.Kind
}

// View is the call as the UI sees it. Values are snapshots; they are never
// mutated after being handed out.
type View struct {
	Started     bool
	Ended       bool
	MicOn       bool
	CamOn       bool
	DeskAudioOn bool
	Screens     []ScreenShare
	Peers       []streams.PeerState
}

type subscribers struct {
	next     int
	handlers map[int]func(View)
}

// Subscribe calls h with the current view and again after every change until
// cancel is called.
func (s *Store) Subscribe(h func(View)) (cancel func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.subs.handlers == nil {
		s.subs.handlers = make(map[int]func(View))
	}

	id := s.subs.next
	s.subs.next++
	s.subs.handlers[id] = h
	s.mu.Unlock()

	h(s.View())

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		delete(s.subs.handlers, id)
	}
}

func (s *Store) View() View {
	s.mu.Lock()

	v := View{
		Started:     s.started,
		Ended:       s.ended,
		MicOn:       s.micOn,
		CamOn:       s.camOn,
		DeskAudioOn: s.deskAudio != nil,
	}

	for _, share := range s.screens {
		v.Screens = append(v.Screens, ScreenShare{ID: share.stream.ID(), Kind: share.kind})
	}

	peers := s.orderedPeers()

	s.mu.Unlock()

	for _, p := range peers {
		v.Peers = append(v.Peers, p.Snapshot())
	}

	return v
}

// notify publishes the current view. Deliveries are serialized so
// subscribers observe views in order.
func (s *Store) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	handlers := make([]func(View), 0, len(s.subs.handlers))
	for _, h := range s.subs.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	if len(handlers) == 0 {
		return
	}

	v := s.View()

	for _, h := range handlers {
		h(v)
	}
}
