package streams

import (
	"encoding/json"

	"meshcall/pkg/media"

	"github.com/pkg/errors"
)

// ControlType names a data channel control message.
type ControlType string

const (
	ControlStream        ControlType = "stream"
	ControlStreamState   ControlType = "stream-state"
	ControlStreamRemoved ControlType = "stream-removed"
	ControlDisconnect    ControlType = "disconnect"
)

var ErrInvalidControl = errors.New("invalid control message")

// Control is the JSON payload exchanged on the data channel after the
// acknowledgement handshake.
type Control struct {
	Type     ControlType `json:"type"`
	StreamID string      `json:"streamId,omitempty"`
	Kind     media.Kind  `json:"kind,omitempty"`
	Audio    bool        `json:"audio,omitempty"`
	Video    bool        `json:"video,omitempty"`
}

func (c Control) Validate() error {
	switch c.Type {
	case ControlStream:
		if !c.Kind.Valid() {
			return errors.Wrapf(ErrInvalidControl, "stream kind %q", c.Kind)
		}
	case ControlStreamState, ControlStreamRemoved:
	case ControlDisconnect:
		return nil
	default:
		return errors.Wrapf(ErrInvalidControl, "type %q", c.Type)
	}

	if len(c.StreamID) == 0 {
		return errors.Wrapf(ErrInvalidControl, "%s without stream id", c.Type)
	}

	return nil
}

func EncodeControl(c Control) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return json.Marshal(c)
}

func DecodeControl(payload []byte) (Control, error) {
	var c Control

	if err := json.Unmarshal(payload, &c); err != nil {
		return c, errors.Wrap(ErrInvalidControl, err.Error())
	}

	return c, c.Validate()
}
