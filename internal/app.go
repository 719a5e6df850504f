package internal

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"meshcall/pkg/call"
	"meshcall/pkg/crypto"
	"meshcall/pkg/log"
	"meshcall/pkg/media"
	"meshcall/pkg/peer"
	"meshcall/pkg/signal"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const dialTimeout = 15 * time.Second

type App struct {
	cfg        Config
	configFile string

	relay  *signal.WebsocketRelay
	sealer *crypto.AesCbc
	store  *call.Store
	source media.Source
	host   *logHost
}

func NewApp() *App {
	return &App{
		cfg:    DefaultConfig(),
		source: media.SyntheticSource{},
		host:   &logHost{teardown: make(chan struct{})},
	}
}

func (a *App) Setup() (err error) {
	if err := a.parseCmdline(os.Args[1:]); err != nil {
		return err
	}

	log.SetupLogger(a.cfg.Verbose)

	if err := a.cfg.Validate(); err != nil {
		return errors.Wrap(err, "config")
	}

	if len(a.cfg.CallKey) != 0 {
		keys, err := crypto.KeysFromHex(a.cfg.CallKey)
		if err != nil {
			return err
		}

		if a.sealer, err = crypto.NewAesCbc(keys); err != nil {
			return errors.Wrap(err, "signaling crypto")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	a.relay, err = signal.DialWebsocketRelay(ctx, signal.WebsocketRelayConfig{
		URL:   a.cfg.Relay.URL,
		Token: a.cfg.Relay.Token,
	})
	if err != nil {
		return errors.Wrap(err, "signaling")
	}

	connectorCfg := call.ConnectorConfig{
		Self:           a.cfg.Self,
		Relay:          a.relay,
		Engine:         a.newEngine,
		MaxICERestarts: a.cfg.MaxICERestarts,
	}

	// A nil *AesCbc must not end up as a non-nil Sealer.
	if a.sealer != nil {
		connectorCfg.Sealer = a.sealer
	}

	connector, err := call.NewConnector(connectorCfg)
	if err != nil {
		return err
	}

	a.store = call.NewStore(connector, a.host)

	if err := a.store.Initialize(a.cfg.Participants); err != nil {
		return errors.Wrap(err, "call")
	}

	return nil
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	log.Infof("Starting meshcall as %s with %d participants", peer.CanonicalAddress(a.cfg.Self), len(a.cfg.Participants))
	defer log.Info("Ending meshcall")

	a.listenOS(cancel)

	stopViews := a.store.Subscribe(logView)
	defer stopViews()

	own, err := a.source.UserMedia(ctx, media.Constraints{Audio: true, Video: !a.cfg.AudioOnly})
	if err != nil {
		return errors.Wrap(err, "user media")
	}

	a.store.SetOwnMedia(own)

	if err := a.store.StartCall(ctx); err != nil {
		return errors.Wrap(err, "start call")
	}

	if len(a.cfg.Screen) != 0 {
		if err := a.shareScreen(ctx); err != nil {
			log.Errorf("screen share: %s", err)
		}
	}

	select {
	case <-ctx.Done():
	case <-a.relay.Done():
		log.Error("relay connection lost")
	case <-a.host.teardown:
	}

	a.store.EndCall()
	cancel()

	if err := a.relay.Shutdown(); err != nil {
		log.Debugf("relay shutdown: %s", err)
	}

	return nil
}

func (a *App) parseCmdline(args []string) error {
	flags := pflag.NewFlagSet("meshcall", pflag.ContinueOnError)

	var cli Config

	flags.StringVarP(&a.configFile, "config", "c", "", "YAML configuration file; flags override its values")

	// Participants.
	flags.StringVarP(&cli.Self, "self", "s", "", "Own participant address")
	flags.StringSliceVarP(&cli.Participants, "participants", "P", nil, "Addresses of the other participants")

	// Signaling.
	flags.StringVarP(&cli.Relay.URL, "relay", "r", "", "Websocket URL of the relay (e.g. ws://host:8080/ws)")
	flags.StringVarP(&cli.Relay.Token, "token", "t", "", "Relay token (see: meshcall-relay --issue)")
	flags.StringVarP(&cli.CallKey, "call-key", "k", "", "Hex encoded key sealing signaling payloads from the relay")

	// Connectivity.
	flags.StringSliceVarP(&cli.STUN, "stun", "S", a.cfg.STUN, "List of used STUN servers")
	flags.IntVar(&cli.MaxICERestarts, "max-ice-restarts", a.cfg.MaxICERestarts, "Consecutive ICE restarts per peer before giving up (0 is unbounded)")

	// Media.
	flags.BoolVarP(&cli.AudioOnly, "audio-only", "A", false, "Do not send camera video")
	flags.StringVar(&cli.Screen, "screen", "", "Source id of a screen to share once the call started")
	flags.BoolVar(&cli.DeskAudio, "desk-audio", false, "Share desk audio along with the screen")

	flags.BoolVarP(&cli.Verbose, "verbose", "V", false, "Trace level logging")

	if err := flags.Parse(args); err != nil {
		return err
	}

	if len(a.configFile) != 0 {
		cfg, err := LoadConfig(a.configFile)
		if err != nil {
			return err
		}

		a.cfg = cfg
	}

	overrides := map[string]func(){
		"self":             func() { a.cfg.Self = cli.Self },
		"participants":     func() { a.cfg.Participants = cli.Participants },
		"relay":            func() { a.cfg.Relay.URL = cli.Relay.URL },
		"token":            func() { a.cfg.Relay.Token = cli.Relay.Token },
		"call-key":         func() { a.cfg.CallKey = cli.CallKey },
		"stun":             func() { a.cfg.STUN = cli.STUN },
		"max-ice-restarts": func() { a.cfg.MaxICERestarts = cli.MaxICERestarts },
		"audio-only":       func() { a.cfg.AudioOnly = cli.AudioOnly },
		"screen":           func() { a.cfg.Screen = cli.Screen },
		"desk-audio":       func() { a.cfg.DeskAudio = cli.DeskAudio },
		"verbose":          func() { a.cfg.Verbose = cli.Verbose },
	}

	flags.Visit(func(f *pflag.Flag) {
		if override, ok := overrides[f.Name]; ok {
			override()
		}
	})

	return nil
}

func (a *App) newEngine(string) (peer.Engine, error) {
	return peer.NewPionEngine(peer.EngineConfig{
		STUN: a.cfg.STUN,
	})
}

func (a *App) shareScreen(ctx context.Context) error {
	stream, err := a.source.DisplayMedia(ctx, media.KindScreen, a.cfg.Screen)
	if err != nil {
		return err
	}

	if err := a.store.AddOwnScreen(media.KindScreen, stream); err != nil {
		return err
	}

	if !a.cfg.DeskAudio {
		return nil
	}

	desk, err := a.source.DeskAudio(ctx)
	if err != nil {
		return errors.Wrap(err, "desk audio")
	}

	return a.store.SetDeskAudio(desk)
}

func (a *App) listenOS(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()
}
