package internal

import (
	"os"

	"meshcall/pkg/peer"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the client configuration. A YAML file provides defaults that
// command line flags override.
type Config struct {
	Self         string      `yaml:"self"`
	Participants []string    `yaml:"participants"`
	Relay        RelayConfig `yaml:"relay"`
	STUN         []string    `yaml:"stun"`
	// MaxICERestarts bounds consecutive ICE restarts per peer; 0 is unbounded.
	MaxICERestarts int    `yaml:"max_ice_restarts"`
	CallKey        string `yaml:"call_key"`
	AudioOnly      bool   `yaml:"audio_only"`
	Screen         string `yaml:"screen"`
	DeskAudio      bool   `yaml:"desk_audio"`
	Verbose        bool   `yaml:"verbose"`
}

type RelayConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

func DefaultConfig() Config {
	return Config{
		STUN:           []string{"stun.l.google.com:19302"},
		MaxICERestarts: peer.DefaultMaxICERestarts,
	}
}

// LoadConfig reads path over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if len(peer.CanonicalAddress(c.Self)) == 0 {
		return errors.New("self address is required")
	}

	if len(c.Participants) == 0 {
		return errors.New("at least one participant is required")
	}

	if len(c.Relay.URL) == 0 {
		return errors.New("relay url is required")
	}

	if c.MaxICERestarts < 0 {
		return errors.New("max ice restarts must not be negative")
	}

	if c.DeskAudio && len(c.Screen) == 0 {
		return errors.New("desk audio needs a screen share")
	}

	return nil
}
