// Package sync provides Lane, which runs submitted jobs one at a time in
// submission order. It is the "single active operation" discipline of one
// remote peer: everything that mutates a peer connection's description state
// goes through its lane, while different peers own different lanes and never
// wait for each other.
//
// No goroutine is kept alive while a lane is idle; the first job submitted to
// an idle lane starts a drainer that exits once the queue is empty.
package sync

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrLaneClosed is returned for jobs submitted to (or still queued in) a
// closed lane.
var ErrLaneClosed = errors.New("lane closed")

type Lane struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	closed  bool
	done    chan struct{}
}

// Go enqueues job without waiting for it. The returned error only reports a
// closed lane.
func (l *Lane) Go(job func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLaneClosed
	}

	l.queue = append(l.queue, job)

	if !l.running {
		l.running = true

		go l.drain()
	}

	return nil
}

// Do enqueues job and blocks until it has run or ctx is done. A job whose
// context is already done when its turn comes is skipped.
func (l *Lane) Do(ctx context.Context, job func() error) error {
	result := make(chan error, 1)

	err := l.Go(func() {
		if err := ctx.Err(); err != nil {
			result <- err

			return
		}

		result <- job()
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closedChan():
		select {
		case err := <-result:
			return err
		default:
			return ErrLaneClosed
		}
	}
}

// Close drops queued jobs. A job that is currently running finishes.
func (l *Lane) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	l.closed = true
	l.queue = nil

	if l.done == nil {
		l.done = make(chan struct{})
	}

	close(l.done)
}

func (l *Lane) closedChan() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done == nil {
		l.done = make(chan struct{})
	}

	return l.done
}

func (l *Lane) drain() {
	for {
		l.mu.Lock()

		if len(l.queue) == 0 || l.closed {
			l.running = false
			l.mu.Unlock()

			return
		}

		job := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]

		l.mu.Unlock()

		job()
	}
}
