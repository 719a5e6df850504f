package call

import (
	"meshcall/pkg/peer"
	"meshcall/pkg/signal"
	"meshcall/pkg/streams"

	"github.com/pkg/errors"
)

// PeerFactory builds the stream peer for one remote participant.
type PeerFactory interface {
	NewPeer(remote string) (*streams.Peer, error)
}

// EngineFactory creates a fresh native connection for one remote peer.
type EngineFactory func(remote string) (peer.Engine, error)

type ConnectorConfig struct {
	Self   string
	Relay  signal.Relay
	Engine EngineFactory
	// Sealer, when set, encrypts every signaling payload end to end.
	Sealer         signal.Sealer
	MaxICERestarts int
}

// Connector glues a relay and an engine factory into stream peers.
type Connector struct {
	cfg ConnectorConfig
}

func NewConnector(cfg ConnectorConfig) (*Connector, error) {
	if len(peer.CanonicalAddress(cfg.Self)) == 0 {
		return nil, errors.New("connector: empty self address")
	}

	if cfg.Relay == nil || cfg.Engine == nil {
		return nil, errors.New("connector: relay and engine factory are required")
	}

	return &Connector{cfg: cfg}, nil
}

func (c *Connector) NewPeer(remote string) (*streams.Peer, error) {
	// Fail fast on self connections before allocating anything.
	if _, err := peer.IsPolite(c.cfg.Self, remote); err != nil {
		return nil, err
	}

	remote = peer.CanonicalAddress(remote)

	sig, err := signal.NewRelayChannel(signal.RelayChannelConfig{
		Remote: remote,
		Sealer: c.cfg.Sealer,
	}, c.cfg.Relay)
	if err != nil {
		return nil, errors.Wrapf(err, "signaling channel to %s", remote)
	}

	engine, err := c.cfg.Engine(remote)
	if err != nil {
		_ = sig.Close()

		return nil, errors.Wrapf(err, "engine for %s", remote)
	}

	p, err := streams.NewPeer(peer.ChannelConfig{
		Self:           c.cfg.Self,
		Remote:         remote,
		MaxICERestarts: c.cfg.MaxICERestarts,
	}, engine, sig)
	if err != nil {
		_ = engine.Close()
		_ = sig.Close()

		return nil, err
	}

	sig.OnRemoteClose(p.Disconnect)

	return p, nil
}
