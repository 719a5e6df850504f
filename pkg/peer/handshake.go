package peer

import (
	"context"
	"sync"
)

// handshake is a one-shot future for the data channel acknowledgement.
type handshake struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newHandshake() *handshake {
	return &handshake{done: make(chan struct{})}
}

func (h *handshake) settle(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

func (h *handshake) result() (settled bool, err error) {
	select {
	case <-h.done:
		return true, h.err
	default:
		return false, nil
	}
}

func (h *handshake) wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
