package streams_test

import (
	"testing"

	"meshcall/pkg/media"
	"meshcall/pkg/streams"

	"github.com/pkg/errors"
)

func TestDecodeControl(t *testing.T) {
	for _, tc := range []struct {
		payload string
		want    streams.Control
		err     bool
	}{
		{
			payload: `{"type":"stream","streamId":"s1","kind":"screen"}`,
			want:    streams.Control{Type: streams.ControlStream, StreamID: "s1", Kind: media.KindScreen},
		},
		{
			payload: `{"type":"stream-state","streamId":"s1","audio":true}`,
			want:    streams.Control{Type: streams.ControlStreamState, StreamID: "s1", Audio: true},
		},
		{
			payload: `{"type":"disconnect"}`,
			want:    streams.Control{Type: streams.ControlDisconnect},
		},
		{payload: `{"type":"stream","streamId":"s1","kind":"hologram"}`, err: true},
		{payload: `{"type":"stream-removed"}`, err: true},
		{payload: `{"type":"dance"}`, err: true},
		{payload: `ack`, err: true},
	} {
		got, err := streams.DecodeControl([]byte(tc.payload))

		if tc.err {
			if !errors.Is(err, streams.ErrInvalidControl) {
				t.Errorf("DecodeControl(%s) = %v, want ErrInvalidControl", tc.payload, err)
			}

			continue
		}

		if err != nil {
			t.Errorf("DecodeControl(%s): %v", tc.payload, err)

			continue
		}

		if got != tc.want {
			t.Errorf("DecodeControl(%s) = %+v, want %+v", tc.payload, got, tc.want)
		}
	}
}

func TestEncodeControlWireShape(t *testing.T) {
	payload, err := streams.EncodeControl(streams.Control{
		Type:     streams.ControlStream,
		StreamID: "cam",
		Kind:     media.KindCameraAndMic,
		Audio:    true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if want := `{"type":"stream","streamId":"cam","kind":"camera-and-mic","audio":true}`; string(payload) != want {
		t.Fatalf("payload = %s, want %s", payload, want)
	}

	if _, err := streams.EncodeControl(streams.Control{Type: streams.ControlStreamState}); err == nil {
		t.Fatal("encoded a stream-state without stream id")
	}
}
