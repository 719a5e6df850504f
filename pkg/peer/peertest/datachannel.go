package peertest

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

// DataChannel is one end of an in-memory data channel. Messages sent on one
// end are delivered synchronously to the other end's message handler.
type DataChannel struct {
	label string
	peer  *DataChannel

	mu        sync.Mutex
	opened    bool
	closed    bool
	sent      []string
	onOpen    func()
	onMessage func(webrtc.DataChannelMessage)
	onError   func(error)
}

// NewDataChannel returns an unlinked channel for tests that inject it with
// Engine.FireDataChannel.
func NewDataChannel(label string) *DataChannel {
	return &DataChannel{label: label}
}

func (d *DataChannel) Label() string {
	return d.label
}

// OnOpen fires h right away (asynchronously) when the channel is already
// open, like pion does.
func (d *DataChannel) OnOpen(h func()) {
	d.mu.Lock()
	d.onOpen = h
	opened := d.opened
	d.mu.Unlock()

	if opened {
		go h()
	}
}

func (d *DataChannel) OnMessage(h func(webrtc.DataChannelMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.onMessage = h
}

func (d *DataChannel) OnError(h func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.onError = h
}

func (d *DataChannel) SendText(text string) error {
	d.mu.Lock()

	if d.closed || !d.opened {
		d.mu.Unlock()

		return errors.New("data channel not open")
	}

	d.sent = append(d.sent, text)
	far := d.peer

	d.mu.Unlock()

	if far != nil {
		far.Deliver(text)
	}

	return nil
}

func (d *DataChannel) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true

	return nil
}

// Open marks the channel open and fires its open handler.
func (d *DataChannel) Open() {
	d.open()
}

func (d *DataChannel) open() {
	d.mu.Lock()
	d.opened = true
	h := d.onOpen
	d.mu.Unlock()

	if h != nil {
		h()
	}
}

// Deliver hands text to the message handler as if it came from the wire.
func (d *DataChannel) Deliver(text string) {
	d.mu.Lock()
	h := d.onMessage
	d.mu.Unlock()

	if h != nil {
		h(webrtc.DataChannelMessage{IsString: true, Data: []byte(text)})
	}
}

// Fail reports err through the error handler.
func (d *DataChannel) Fail(err error) {
	d.mu.Lock()
	h := d.onError
	d.mu.Unlock()

	if h != nil {
		h(err)
	}
}

func (d *DataChannel) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.sent...)
}
