package call_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meshcall/pkg/call"
	"meshcall/pkg/media"
	"meshcall/pkg/peer"
	"meshcall/pkg/peer/peertest"
	"meshcall/pkg/signal"
	"meshcall/pkg/streams"

	"github.com/pkg/errors"
)

const self = "alice@example"

type host struct {
	started  atomic.Int32
	teardown atomic.Int32
}

func (h *host) CallStarted() { h.started.Add(1) }
func (h *host) Teardown()    { h.teardown.Add(1) }

// mesh plays every remote participant: for each peer the store creates it
// builds the far end on the same in-memory relay, linked to the store's
// engine.
type mesh struct {
	t   *testing.T
	hub *signal.MemoryHub

	mu      sync.Mutex
	remotes map[string]*streams.Peer
	engines map[string]*peertest.Engine
	broken  map[string]bool
}

func newMesh(t *testing.T, broken ...string) *mesh {
	m := &mesh{
		t:       t,
		hub:     signal.NewMemoryHub(),
		remotes: make(map[string]*streams.Peer),
		engines: make(map[string]*peertest.Engine),
		broken:  make(map[string]bool),
	}

	for _, address := range broken {
		m.broken[address] = true
	}

	t.Cleanup(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		for _, p := range m.remotes {
			p.Close()
		}
	})

	return m
}

func (m *mesh) engine(remote string) (peer.Engine, error) {
	local, far := peertest.NewEngine(self), peertest.NewEngine(remote)
	peertest.Link(local, far)

	if m.broken[remote] {
		// A closed engine refuses to create the data channel.
		_ = local.Close()
	}

	sig, err := signal.NewRelayChannel(signal.RelayChannelConfig{Remote: self}, m.hub.Endpoint(remote))
	if err != nil {
		return nil, err
	}

	p, err := streams.NewPeer(peer.ChannelConfig{Self: remote, Remote: self}, far, sig)
	if err != nil {
		return nil, err
	}

	sig.OnRemoteClose(p.Disconnect)

	m.mu.Lock()
	m.remotes[remote] = p
	m.engines[remote] = local
	m.mu.Unlock()

	return local, nil
}

func (m *mesh) remote(address string) *streams.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.remotes[address]
}

func newStore(t *testing.T, m *mesh) (*call.Store, *host) {
	t.Helper()

	connector, err := call.NewConnector(call.ConnectorConfig{
		Self:   self,
		Relay:  m.hub.Endpoint(self),
		Engine: m.engine,
	})
	if err != nil {
		t.Fatal(err)
	}

	h := &host{}
	store := call.NewStore(connector, h)

	t.Cleanup(store.EndCall)

	return store, h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

func ownMedia(t *testing.T) *media.Stream {
	t.Helper()

	stream, err := media.SyntheticSource{}.UserMedia(context.Background(), media.Constraints{Audio: true, Video: true})
	if err != nil {
		t.Fatal(err)
	}

	return stream
}

func screen(t *testing.T, id string) *media.Stream {
	t.Helper()

	stream, err := media.SyntheticSource{}.DisplayMedia(context.Background(), media.KindScreen, id)
	if err != nil {
		t.Fatal(err)
	}

	return stream
}

func hasStream(p *streams.Peer, id string) bool {
	for _, s := range p.Snapshot().Streams {
		if s.ID == id {
			return true
		}
	}

	return false
}

func startedCall(t *testing.T, m *mesh, participants ...string) (*call.Store, *host, *media.Stream) {
	t.Helper()

	store, h := newStore(t, m)

	if err := store.Initialize(participants); err != nil {
		t.Fatal(err)
	}

	own := ownMedia(t)
	store.SetOwnMedia(own)

	if err := store.StartCall(context.Background()); err != nil {
		t.Fatal(err)
	}

	store.Wait()

	return store, h, own
}

func TestInitialize(t *testing.T) {
	store, _ := newStore(t, newMesh(t))

	if err := store.Initialize(nil); !errors.Is(err, call.ErrNoParticipants) {
		t.Fatalf("Initialize(nil) = %v", err)
	}

	if err := store.Initialize([]string{"bob@example", " mailto:BOB@example"}); !errors.Is(err, call.ErrDuplicateParticipant) {
		t.Fatalf("Initialize(duplicates) = %v, want ErrDuplicateParticipant", err)
	}

	if err := store.Initialize([]string{"bob@example", "Alice@Example"}); !errors.Is(err, peer.ErrSelfConnection) {
		t.Fatalf("Initialize(self) = %v, want ErrSelfConnection", err)
	}

	if err := store.Initialize([]string{"bob@example", "carol@example"}); err != nil {
		t.Fatal(err)
	}

	if err := store.Initialize([]string{"dave@example"}); !errors.Is(err, call.ErrAlreadyInitialized) {
		t.Fatalf("second Initialize = %v, want ErrAlreadyInitialized", err)
	}

	view := store.View()
	if len(view.Peers) != 2 || view.Peers[0].Address != "bob@example" || view.Peers[1].Address != "carol@example" {
		t.Fatalf("peers = %+v", view.Peers)
	}

	bob, _ := store.Peer("BOB@example")
	carol, _ := store.Peer("carol@example")

	// alice < bob < carol
	if !bob.Polite() || !carol.Polite() {
		t.Fatal("alice should be polite towards bob and carol")
	}
}

func TestStartCallRequiresOwnMedia(t *testing.T) {
	store, h := newStore(t, newMesh(t))

	if err := store.StartCall(context.Background()); !errors.Is(err, call.ErrNotInitialized) {
		t.Fatalf("StartCall before Initialize = %v", err)
	}

	if err := store.Initialize([]string{"bob@example"}); err != nil {
		t.Fatal(err)
	}

	if err := store.StartCall(context.Background()); !errors.Is(err, call.ErrNoOwnMedia) {
		t.Fatalf("StartCall without media = %v, want ErrNoOwnMedia", err)
	}

	if n := h.started.Load(); n != 0 {
		t.Fatalf("host notified %d times for a call that never started", n)
	}
}

func TestStartCallPushesOwnMedia(t *testing.T) {
	m := newMesh(t)
	store, h, own := startedCall(t, m, "bob@example", "carol@example")

	for _, address := range []string{"bob@example", "carol@example"} {
		p, _ := store.Peer(address)

		if !p.Acknowledged() {
			t.Fatalf("%s not acknowledged", address)
		}

		remote := m.remote(address)

		eventually(t, address+" to receive own media", func() bool { return hasStream(remote, own.ID()) })
	}

	if n := h.started.Load(); n != 1 {
		t.Fatalf("CallStarted fired %d times, want 1", n)
	}

	if err := store.StartCall(context.Background()); !errors.Is(err, call.ErrAlreadyStarted) {
		t.Fatalf("second StartCall = %v", err)
	}

	if n := h.started.Load(); n != 1 {
		t.Fatalf("CallStarted fired %d times after restart attempt", n)
	}
}

func TestStartCallIsolatesPeerFailures(t *testing.T) {
	m := newMesh(t, "bob@example")
	store, h, own := startedCall(t, m, "bob@example", "carol@example")

	bob, _ := store.Peer("bob@example")
	carol, _ := store.Peer("carol@example")

	if bob.Acknowledged() {
		t.Fatal("broken peer acknowledged")
	}

	if !carol.Acknowledged() {
		t.Fatal("carol not acknowledged")
	}

	eventually(t, "carol to receive own media", func() bool { return hasStream(m.remote("carol@example"), own.ID()) })

	if n := h.started.Load(); n != 1 {
		t.Fatalf("CallStarted fired %d times, want 1", n)
	}
}

func TestScreenShareReplayedOnConnect(t *testing.T) {
	m := newMesh(t)
	store, _ := newStore(t, m)

	if err := store.Initialize([]string{"bob@example"}); err != nil {
		t.Fatal(err)
	}

	store.SetOwnMedia(ownMedia(t))

	share := screen(t, "screen-1")

	// No peer is acknowledged yet, so nothing is sent now.
	if err := store.AddOwnScreen(media.KindScreen, share); err != nil {
		t.Fatal(err)
	}

	if err := store.AddOwnScreen(media.KindScreen, share); !errors.Is(err, call.ErrDuplicateScreen) {
		t.Fatalf("duplicate share = %v", err)
	}

	if err := store.StartCall(context.Background()); err != nil {
		t.Fatal(err)
	}

	store.Wait()

	eventually(t, "bob to receive the share", func() bool { return hasStream(m.remote("bob@example"), "screen-1") })
}

func TestShareRemovedWhileReplayingIsWithdrawn(t *testing.T) {
	m := newMesh(t)
	store, _ := newStore(t, m)

	if err := store.Initialize([]string{"bob@example"}); err != nil {
		t.Fatal(err)
	}

	own := ownMedia(t)
	store.SetOwnMedia(own)

	share := screen(t, "screen-1")

	if err := store.AddOwnScreen(media.KindScreen, share); err != nil {
		t.Fatal(err)
	}

	desk, err := media.SyntheticSource{}.DeskAudio(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if err := store.SetDeskAudio(desk); err != nil {
		t.Fatal(err)
	}

	// Once bob sees the own media the connect sequence has already picked
	// the shares to replay; removing the share now races with the replay.
	bob := m.remote("bob@example")
	removed := make(chan error, 1)

	var once sync.Once

	bob.OnChange(func() {
		if !hasStream(bob, own.ID()) {
			return
		}

		once.Do(func() {
			go func() {
				removed <- store.RemoveOwnScreen(share.ID())
			}()
		})
	})

	if err := store.StartCall(context.Background()); err != nil {
		t.Fatal(err)
	}

	store.Wait()

	select {
	case err := <-removed:
		if err != nil {
			t.Fatalf("RemoveOwnScreen: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("share never removed")
	}

	local, ok := store.Peer("bob@example")
	if !ok {
		t.Fatal("no peer for bob")
	}

	for _, id := range []string{share.ID(), desk.ID()} {
		if local.Sending(id) {
			t.Errorf("still sending %s", id)
		}

		if hasStream(bob, id) {
			t.Errorf("bob still has %s", id)
		}
	}

	if !hasStream(bob, own.ID()) {
		t.Error("bob lost the own media")
	}
}

func TestRemovingFirstShareStopsDeskAudio(t *testing.T) {
	m := newMesh(t)
	store, _, _ := startedCall(t, m, "bob@example")

	desk, err := media.SyntheticSource{}.DeskAudio(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if err := store.SetDeskAudio(desk); !errors.Is(err, call.ErrNoScreenShare) {
		t.Fatalf("SetDeskAudio without share = %v, want ErrNoScreenShare", err)
	}

	if err := store.AddOwnScreen(media.KindScreen, screen(t, "screen-1")); err != nil {
		t.Fatal(err)
	}

	if err := store.SetDeskAudio(desk); err != nil {
		t.Fatal(err)
	}

	remote := m.remote("bob@example")

	eventually(t, "bob to hear desk audio", func() bool { return remote.Snapshot().DeskAudioOn })

	if !store.View().DeskAudioOn {
		t.Fatal("desk audio not on locally")
	}

	var sawDeskWithoutShare atomic.Bool

	cancel := store.Subscribe(func(v call.View) {
		if v.DeskAudioOn && len(v.Screens) == 0 {
			sawDeskWithoutShare.Store(true)
		}
	})
	defer cancel()

	if err := store.RemoveOwnScreen("screen-1"); err != nil {
		t.Fatal(err)
	}

	view := store.View()
	if view.DeskAudioOn || len(view.Screens) != 0 {
		t.Fatalf("view after removal = %+v", view)
	}

	if sawDeskWithoutShare.Load() {
		t.Fatal("desk audio observed without a screen share")
	}

	bob, _ := store.Peer("bob@example")

	if bob.Sending(desk.ID()) || bob.Sending("screen-1") {
		t.Fatal("still sending removed streams")
	}

	eventually(t, "bob to drop desk audio", func() bool {
		state := remote.Snapshot()

		return !state.DeskAudioOn && !hasStream(remote, "screen-1")
	})

	if err := store.RemoveOwnScreen("screen-1"); !errors.Is(err, call.ErrUnknownScreen) {
		t.Fatalf("removing twice = %v", err)
	}
}

func TestToggleMicIsLocalFirst(t *testing.T) {
	m := newMesh(t)
	store, _, own := startedCall(t, m, "bob@example")

	remote := m.remote("bob@example")

	eventually(t, "bob to see the mic on", func() bool { return remote.Snapshot().MicOn })

	if store.ToggleMic() {
		t.Fatal("mic still on after toggle")
	}

	if own.AudioEnabled() {
		t.Fatal("audio track still enabled")
	}

	if !own.VideoEnabled() {
		t.Fatal("video track disabled by mic toggle")
	}

	eventually(t, "bob to see the mic off", func() bool {
		state := remote.Snapshot()

		return !state.MicOn && state.CamOn
	})

	if store.ToggleCam() {
		t.Fatal("cam still on after toggle")
	}

	eventually(t, "bob to see the cam off", func() bool { return !remote.Snapshot().CamOn })
}

func TestEndCall(t *testing.T) {
	m := newMesh(t)
	store, h, own := startedCall(t, m, "bob@example")

	remote := m.remote("bob@example")

	eventually(t, "bob to receive own media", func() bool { return hasStream(remote, own.ID()) })

	store.EndCall()
	store.EndCall()

	if n := h.teardown.Load(); n != 1 {
		t.Fatalf("Teardown fired %d times, want 1", n)
	}

	if !store.View().Ended {
		t.Fatal("view not ended")
	}

	eventually(t, "bob to drop alice's streams", func() bool { return len(remote.Snapshot().Streams) == 0 })

	if err := store.StartCall(context.Background()); !errors.Is(err, call.ErrEnded) {
		t.Fatalf("StartCall after end = %v", err)
	}
}

func TestSubscribe(t *testing.T) {
	store, _ := newStore(t, newMesh(t))

	var (
		mu    sync.Mutex
		views []call.View
	)

	cancel := store.Subscribe(func(v call.View) {
		mu.Lock()
		defer mu.Unlock()

		views = append(views, v)
	})

	store.SetOwnMedia(ownMedia(t))
	cancel()
	store.ToggleMic()

	mu.Lock()
	defer mu.Unlock()

	if len(views) != 2 {
		t.Fatalf("got %d views, want initial and one update", len(views))
	}

	if views[0].MicOn || !views[1].MicOn || !views[1].CamOn {
		t.Fatalf("views = %+v", views)
	}
}
