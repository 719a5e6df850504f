// Package relay is the host relay: a websocket server that forwards
// signal.Envelope frames between authenticated participants. It never looks
// into payloads, which may be sealed end to end.
package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"meshcall/pkg/log"
	"meshcall/pkg/peer"
	"meshcall/pkg/signal"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	sendQueueSize = 256
	// maxPending bounds what is held for an address that is not connected.
	maxPending = 256

	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		// Callers are authenticated by token, not by origin.
		return true
	},
}

type ServerConfig struct {
	Secret []byte
}

type Server struct {
	cfg    ServerConfig
	router *gin.Engine

	mu      sync.Mutex
	clients map[string]*client
	pending map[string][]signal.Envelope
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("relay: empty secret")
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:     cfg,
		router:  gin.New(),
		clients: make(map[string]*client),
		pending: make(map[string][]signal.Envelope),
	}

	s.router.Use(gin.Recovery())

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/ws", authenticate(cfg.Secret), s.handleWebsocket)

	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		errChan <- srv.ListenAndServe()
	}()

	log.Infof("relay listening on %s", addr)

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleWebsocket(c *gin.Context) {
	address := c.GetString(addressKey)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("relay upgrade for %s: %s", address, err)

		return
	}

	cl := &client{
		address: address,
		conn:    conn,
		send:    make(chan signal.Envelope, sendQueueSize),
		opened:  make(map[string]bool),
	}

	s.join(cl)

	go cl.writePump()
	go s.readPump(cl)
}

// join registers cl, replacing an older connection of the same address, and
// hands it what was held while it was away.
func (s *Server) join(cl *client) {
	s.mu.Lock()

	old := s.clients[cl.address]
	s.clients[cl.address] = cl
	held := s.pending[cl.address]
	delete(s.pending, cl.address)

	for _, env := range held {
		cl.enqueue(env)
	}

	s.mu.Unlock()

	if old != nil {
		log.Warnf("relay: %s reconnected, dropping previous connection", cl.address)
		old.stop()
	}

	log.Infof("relay: %s joined", cl.address)
}

func (s *Server) leave(cl *client) {
	s.mu.Lock()

	if s.clients[cl.address] == cl {
		delete(s.clients, cl.address)
	}

	opened := cl.openedAddresses()

	s.mu.Unlock()

	// Peers still expecting us learn that our side is gone.
	for _, to := range opened {
		s.route(signal.Envelope{Type: signal.EnvelopeClose, From: cl.address, To: to})
	}

	log.Infof("relay: %s left", cl.address)
}

// route delivers env to its addressee or holds it until the addressee joins.
func (s *Server) route(env signal.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if target, ok := s.clients[env.To]; ok {
		target.enqueue(env)

		return
	}

	queue := append(s.pending[env.To], env)
	if len(queue) > maxPending {
		queue = queue[len(queue)-maxPending:]
	}

	s.pending[env.To] = queue
}

func (s *Server) readPump(cl *client) {
	defer func() {
		s.leave(cl)
		cl.stop()
	}()

	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env signal.Envelope

		if err := cl.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Errorf("relay read from %s: %s", cl.address, err)
			}

			return
		}

		env.From = cl.address
		env.To = peer.CanonicalAddress(env.To)
		env.Error = ""

		if err := validate(env); err != nil {
			cl.enqueue(signal.Envelope{Type: signal.EnvelopeError, To: cl.address, Error: err.Error()})

			continue
		}

		switch env.Type {
		case signal.EnvelopeOpen:
			cl.setOpened(env.To, true)
		case signal.EnvelopeClose:
			cl.setOpened(env.To, false)
		}

		s.route(env)
	}
}

func validate(env signal.Envelope) error {
	switch env.Type {
	case signal.EnvelopeOpen, signal.EnvelopeClose, signal.EnvelopeSignal:
	default:
		return errors.Errorf("unsupported envelope type %q", env.Type)
	}

	if len(env.To) == 0 {
		return errors.New("envelope without addressee")
	}

	if env.To == env.From {
		return peer.ErrSelfConnection
	}

	return nil
}

type client struct {
	address string
	conn    *websocket.Conn
	send    chan signal.Envelope

	mu      sync.Mutex
	opened  map[string]bool
	stopped bool
}

// enqueue never blocks; a client that cannot keep up loses envelopes.
func (c *client) enqueue(env signal.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	select {
	case c.send <- env:
	default:
		log.Warnf("relay: queue of %s full, dropping %s envelope", c.address, env.Type)
	}
}

func (c *client) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	c.stopped = true
	close(c.send)
}

func (c *client) setOpened(remote string, opened bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if opened {
		c.opened[remote] = true
	} else {
		delete(c.opened, remote)
	}
}

func (c *client) openedAddresses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.opened))

	for remote := range c.opened {
		out = append(out, remote)
	}

	return out
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)

	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

				return
			}

			if err := c.conn.WriteJSON(env); err != nil {
				log.Errorf("relay write to %s: %s", c.address, err)

				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
