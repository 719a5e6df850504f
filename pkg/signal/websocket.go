package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"meshcall/pkg/log"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Compile-time interface check.
var _ Relay = (*WebsocketRelay)(nil)

const websocketWriteTimeout = 10 * time.Second

// WebsocketRelay is a Relay backed by one websocket connection to a relay
// server (see: pkg/relay). Every channel of the participant multiplexes over
// it; incoming envelopes are routed by their From address.
type WebsocketRelay struct {
	conn *websocket.Conn

	writeMu    sync.Mutex
	dispatcher dispatcher

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

type WebsocketRelayConfig struct {
	URL   string
	Token string
}

func DialWebsocketRelay(ctx context.Context, cfg WebsocketRelayConfig) (*WebsocketRelay, error) {
	header := http.Header{}

	if len(cfg.Token) != 0 {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "relay dial: %s", resp.Status)
		}

		return nil, errors.Wrap(err, "relay dial")
	}

	r := &WebsocketRelay{
		conn:         conn,
		shutdownChan: make(chan struct{}),
	}

	go r.readLoop()

	return r, nil
}

func (r *WebsocketRelay) Open(remote string) error {
	return r.write(Envelope{Type: EnvelopeOpen, To: remote})
}

func (r *WebsocketRelay) Close(remote string) error {
	return r.write(Envelope{Type: EnvelopeClose, To: remote})
}

func (r *WebsocketRelay) Send(remote string, payload []byte) error {
	return r.write(Envelope{Type: EnvelopeSignal, To: remote, Payload: payload})
}

func (r *WebsocketRelay) Subscribe(remote string, handler func(Envelope)) func() {
	return r.dispatcher.subscribe(remote, handler)
}

// Done is closed once the relay connection is gone.
func (r *WebsocketRelay) Done() <-chan struct{} {
	return r.shutdownChan
}

func (r *WebsocketRelay) Shutdown() error {
	r.writeMu.Lock()
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	r.writeMu.Unlock()

	r.markShutdown()

	return r.conn.Close()
}

func (r *WebsocketRelay) write(env Envelope) error {
	select {
	case <-r.shutdownChan:
		return ErrChannelClosed
	default:
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout)); err != nil {
		return err
	}

	return r.conn.WriteJSON(env)
}

func (r *WebsocketRelay) readLoop() {
	defer r.markShutdown()

	for {
		var env Envelope

		if err := r.conn.ReadJSON(&env); err != nil {
			select {
			case <-r.shutdownChan:
				return
			default:
			}

			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Errorf("relay read: %s", err)
			}

			return
		}

		if env.Type == EnvelopeError {
			log.Errorf("relay: %s", env.Error)

			continue
		}

		r.dispatcher.dispatch(env)
	}
}

func (r *WebsocketRelay) markShutdown() {
	r.shutdownOnce.Do(func() {
		close(r.shutdownChan)
	})
}
