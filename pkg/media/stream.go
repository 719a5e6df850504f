// Package media holds the local side of what a call transmits: streams of pion
// local tracks with a per-track enabled flag, and the Source capability that
// acquires them.
package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pkg/errors"
)

// Kind classifies a stream for the receiving side. Track kind alone cannot
// tell camera video from screen video, so the kind is announced explicitly.
type Kind string

const (
	KindCameraAndMic Kind = "camera-and-mic"
	KindScreen       Kind = "screen"
	KindWindow       Kind = "window"
	KindDeskSound    Kind = "desk-sound"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCameraAndMic, KindScreen, KindWindow, KindDeskSound:
		return true
	}

	return false
}

// IsScreenShare reports whether k is one of the shareable display kinds.
func (k Kind) IsScreenShare() bool {
	return k == KindScreen || k == KindWindow
}

var ErrTrackDisabled = errors.New("track disabled")

// Track is a local track with an enabled flag. A disabled track stays
// attached to every peer connection; samples written to it are dropped, so
// toggling never triggers renegotiation.
type Track struct {
	local   webrtc.TrackLocal
	enabled atomic.Bool
}

func NewTrack(local webrtc.TrackLocal) *Track {
	t := &Track{local: local}
	t.enabled.Store(true)

	return t
}

func (t *Track) Local() webrtc.TrackLocal {
	return t.local
}

func (t *Track) ID() string {
	return t.local.ID()
}

func (t *Track) Kind() webrtc.RTPCodecType {
	return t.local.Kind()
}

func (t *Track) Enabled() bool {
	return t.enabled.Load()
}

func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// WriteSample forwards s when the track is enabled and its local track
// accepts samples.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	if !t.Enabled() {
		return ErrTrackDisabled
	}

	w, ok := t.local.(interface {
		WriteSample(pionmedia.Sample) error
	})
	if !ok {
		return errors.Errorf("track %s does not accept samples", t.ID())
	}

	return w.WriteSample(s)
}

// Stream groups tracks sharing one stream id (the msid announced in SDP).
type Stream struct {
	id string

	mu     sync.RWMutex
	tracks []*Track
}

func NewStream(id string, tracks ...*Track) *Stream {
	return &Stream{
		id:     id,
		tracks: tracks,
	}
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) Tracks() []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]*Track(nil), s.tracks...)
}

func (s *Stream) AudioTracks() []*Track {
	return s.tracksOf(webrtc.RTPCodecTypeAudio)
}

func (s *Stream) VideoTracks() []*Track {
	return s.tracksOf(webrtc.RTPCodecTypeVideo)
}

// AudioEnabled reports whether any audio track is enabled.
func (s *Stream) AudioEnabled() bool {
	return anyEnabled(s.AudioTracks())
}

func (s *Stream) VideoEnabled() bool {
	return anyEnabled(s.VideoTracks())
}

func (s *Stream) tracksOf(kind webrtc.RTPCodecType) []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Track

	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}

	return out
}

func anyEnabled(tracks []*Track) bool {
	for _, t := range tracks {
		if t.Enabled() {
			return true
		}
	}

	return false
}
