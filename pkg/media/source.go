package media

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

// Source acquires local media. Picking devices, screens and windows is the
// host's business; the call layer only consumes the resulting streams.
type Source interface {
	UserMedia(ctx context.Context, constraints Constraints) (*Stream, error)
	DisplayMedia(ctx context.Context, kind Kind, sourceID string) (*Stream, error)
	DeskAudio(ctx context.Context) (*Stream, error)
}

type Constraints struct {
	Audio bool
	Video bool
}

// SyntheticSource creates sample-based pion tracks that nothing feeds. The
// tracks negotiate like real devices, which is all a headless participant or
// a test needs.
type SyntheticSource struct{}

func (SyntheticSource) UserMedia(_ context.Context, c Constraints) (*Stream, error) {
	if !c.Audio && !c.Video {
		return nil, errors.New("user media needs audio or video")
	}

	streamID := uuid.NewString()

	var tracks []*Track

	if c.Audio {
		t, err := newSampleTrack(webrtc.MimeTypeOpus, streamID)
		if err != nil {
			return nil, err
		}

		tracks = append(tracks, t)
	}

	if c.Video {
		t, err := newSampleTrack(webrtc.MimeTypeVP8, streamID)
		if err != nil {
			return nil, err
		}

		tracks = append(tracks, t)
	}

	return NewStream(streamID, tracks...), nil
}

func (SyntheticSource) DisplayMedia(_ context.Context, kind Kind, sourceID string) (*Stream, error) {
	if !kind.IsScreenShare() {
		return nil, errors.Errorf("%s is not a display kind", kind)
	}

	if len(sourceID) == 0 {
		sourceID = uuid.NewString()
	}

	t, err := newSampleTrack(webrtc.MimeTypeVP8, sourceID)
	if err != nil {
		return nil, err
	}

	return NewStream(sourceID, t), nil
}

func (SyntheticSource) DeskAudio(context.Context) (*Stream, error) {
	streamID := uuid.NewString()

	t, err := newSampleTrack(webrtc.MimeTypeOpus, streamID)
	if err != nil {
		return nil, err
	}

	return NewStream(streamID, t), nil
}

func newSampleTrack(mimeType, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, uuid.NewString(), streamID)
	if err != nil {
		return nil, errors.Wrap(err, mimeType)
	}

	return NewTrack(local), nil
}
