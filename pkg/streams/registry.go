package streams

import (
	"meshcall/pkg/media"
	"meshcall/pkg/peer"
)

// RemoteStream is one stream announced by the remote peer together with the
// tracks received for it so far.
type RemoteStream struct {
	ID     string
	Kind   media.Kind
	Tracks []peer.RemoteTrack
}

func (s RemoteStream) TrackIDs() []string {
	ids := make([]string, 0, len(s.Tracks))

	for _, t := range s.Tracks {
		ids = append(ids, t.ID())
	}

	return ids
}

// registry is the per-peer bookkeeping of remote streams. It is not safe for
// concurrent use; Peer guards it.
type registry struct {
	order   []string
	streams map[string]*RemoteStream
	// orphans holds tracks whose stream was not announced yet.
	orphans map[string][]peer.RemoteTrack

	micOn       bool
	camOn       bool
	deskAudioOn bool
}

func newRegistry() *registry {
	return &registry{
		streams: make(map[string]*RemoteStream),
		orphans: make(map[string][]peer.RemoteTrack),
	}
}

// announce registers the kind of a stream and adopts its parked tracks.
func (r *registry) announce(c Control) {
	s, ok := r.streams[c.StreamID]
	if !ok {
		s = &RemoteStream{ID: c.StreamID}
		r.streams[c.StreamID] = s
		r.order = append(r.order, c.StreamID)
	}

	s.Kind = c.Kind

	for _, t := range r.orphans[c.StreamID] {
		s.addTrack(t)
	}

	delete(r.orphans, c.StreamID)

	switch c.Kind {
	case media.KindCameraAndMic:
		r.micOn, r.camOn = c.Audio, c.Video
	case media.KindDeskSound:
		r.deskAudioOn = true
	}
}

// addTrack files track under its stream, or parks it. It reports whether the
// track reached an announced stream.
func (r *registry) addTrack(track peer.RemoteTrack) bool {
	if s, ok := r.streams[track.StreamID()]; ok {
		s.addTrack(track)

		return true
	}

	r.orphans[track.StreamID()] = append(r.orphans[track.StreamID()], track)

	return false
}

// setState applies a stream-state message. Only the camera-and-mic stream
// carries mic and camera flags.
func (r *registry) setState(c Control) bool {
	s, ok := r.streams[c.StreamID]
	if !ok || s.Kind != media.KindCameraAndMic {
		return false
	}

	r.micOn, r.camOn = c.Audio, c.Video

	return true
}

// remove deletes a stream. Desk sound only exists alongside a screen share,
// so removing the last share drops it too.
func (r *registry) remove(id string) bool {
	delete(r.orphans, id)

	s, ok := r.streams[id]
	if !ok {
		return false
	}

	r.drop(id)

	switch {
	case s.Kind == media.KindCameraAndMic:
		r.micOn, r.camOn = false, false
	case s.Kind == media.KindDeskSound:
		r.deskAudioOn = false
	case s.Kind.IsScreenShare() && !r.hasScreenShare():
		for _, other := range append([]string(nil), r.order...) {
			if r.streams[other].Kind == media.KindDeskSound {
				r.drop(other)
			}
		}

		r.deskAudioOn = false
	}

	return true
}

func (r *registry) clear() {
	r.order = nil
	r.streams = make(map[string]*RemoteStream)
	r.orphans = make(map[string][]peer.RemoteTrack)
	r.micOn, r.camOn, r.deskAudioOn = false, false, false
}

func (r *registry) hasScreenShare() bool {
	for _, s := range r.streams {
		if s.Kind.IsScreenShare() {
			return true
		}
	}

	return false
}

func (r *registry) drop(id string) {
	delete(r.streams, id)

	for i, other := range r.order {
		if other == id {
			r.order = append(r.order[:i], r.order[i+1:]...)

			break
		}
	}
}

func (r *registry) snapshot() []RemoteStream {
	out := make([]RemoteStream, 0, len(r.order))

	for _, id := range r.order {
		s := r.streams[id]
		out = append(out, RemoteStream{
			ID:     s.ID,
			Kind:   s.Kind,
			Tracks: append([]peer.RemoteTrack(nil), s.Tracks...),
		})
	}

	return out
}

func (s *RemoteStream) addTrack(track peer.RemoteTrack) {
	for _, t := range s.Tracks {
		if t.ID() == track.ID() {
			return
		}
	}

	s.Tracks = append(s.Tracks, track)
}
