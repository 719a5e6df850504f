package internal

import (
	"sync"

	"meshcall/pkg/call"
	"meshcall/pkg/log"
)

// logHost stands in for the desktop shell: it logs the call lifecycle and
// lets Run return once the call is torn down.
type logHost struct {
	teardown chan struct{}
	once     sync.Once
}

func (h *logHost) CallStarted() {
	log.Info("call started")
}

func (h *logHost) Teardown() {
	h.once.Do(func() {
		close(h.teardown)
	})
}

func logView(v call.View) {
	for _, p := range v.Peers {
		log.Peer(p.Address).Debugf("connected=%t mic=%t cam=%t desk=%t streams=%d",
			p.Connected, p.MicOn, p.CamOn, p.DeskAudioOn, len(p.Streams))
	}
}
