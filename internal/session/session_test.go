// ABOUTME: Tests for the channel lifecycle manager
// ABOUTME: Runs sessions against the in-process hub with a recording audio sink
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/agora/internal/presence"
	"github.com/Resonate-Protocol/agora/internal/transport"
	"github.com/Resonate-Protocol/agora/internal/zone"
	"github.com/Resonate-Protocol/agora/pkg/audio"
	"github.com/Resonate-Protocol/agora/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	eventually = 2 * time.Second
	tick       = 5 * time.Millisecond
)

var errNoPath = errors.New("no playback path")

type fakeAudio struct {
	mu       sync.Mutex
	enqueued map[string]int
	gains    map[string]float64
	closed   map[string]int
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{
		enqueued: make(map[string]int),
		gains:    make(map[string]float64),
		closed:   make(map[string]int),
	}
}

func (f *fakeAudio) Enqueue(key string, block audio.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueued[key] == 0 {
		f.gains[key] = 1
	}
	f.enqueued[key]++
	return nil
}

func (f *fakeAudio) SetVolume(key string, gain float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueued[key] == 0 {
		return errNoPath
	}
	f.gains[key] = gain
	return nil
}

func (f *fakeAudio) Close(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.enqueued, key)
	delete(f.gains, key)
	f.closed[key]++
}

func (f *fakeAudio) gain(key string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gains[key]
	return g, ok
}

func (f *fakeAudio) packets(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enqueued[key]
}

// newHub closes the hub after every session using it has stopped
func newHub(t *testing.T) *transport.Hub {
	hub := transport.NewHub()
	t.Cleanup(func() { hub.Close() })
	return hub
}

func testConfig(identity string, x, y float64) Config {
	cfg := DefaultConfig()
	cfg.Prefix = "agora/test/"
	cfg.Identity = identity
	cfg.Start = presence.Position{X: x, Y: y}
	cfg.MoveInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.PruneInterval = 20 * time.Millisecond
	cfg.StaleTimeout = 2 * time.Second
	return cfg
}

// startSession runs a session until the test ends
func startSession(t *testing.T, tr transport.Transport, cfg Config) (*Manager, *fakeAudio) {
	t.Helper()
	out := newFakeAudio()
	m := New(cfg, tr, presence.New(presence.DefaultArena()), zone.Default(), out, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(eventually):
			t.Error("session did not stop")
		}
	})
	return m, out
}

// fakePeer is a hand-driven channel group on the hub
type fakePeer struct {
	group  transport.Group
	reject map[string]bool

	mu     sync.Mutex
	served map[string]transport.Channel
}

func publishFakePeer(t *testing.T, hub *transport.Hub, address string, reject ...string) *fakePeer {
	t.Helper()
	g, err := hub.Publish(context.Background(), address)
	require.NoError(t, err)

	p := &fakePeer{group: g, reject: make(map[string]bool), served: make(map[string]transport.Channel)}
	for _, name := range reject {
		p.reject[name] = true
	}
	go func() {
		for {
			select {
			case req := <-g.Requests():
				if p.reject[req.Name] {
					req.Channel.Close(transport.ErrUnknownChannel)
					continue
				}
				p.mu.Lock()
				p.served[req.Name] = req.Channel
				p.mu.Unlock()
			case <-g.Done():
				return
			}
		}
	}()
	t.Cleanup(func() { g.Close() })
	return p
}

func (p *fakePeer) channel(t *testing.T, name string) transport.Channel {
	t.Helper()
	var ch transport.Channel
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		ch = p.served[name]
		return ch != nil
	}, eventually, tick)
	return ch
}

func TestSessionsDiscoverEachOther(t *testing.T) {
	hub := newHub(t)

	a, _ := startSession(t, hub, testConfig("alice", 160, 160))
	b, _ := startSession(t, hub, testConfig("bob", 184, 184))

	require.Eventually(t, func() bool {
		p, ok := b.Directory().Get(a.Address())
		return ok && p.Identity == "alice" && p.Position == presence.Position{X: 160, Y: 160}
	}, eventually, tick)
	require.Eventually(t, func() bool {
		p, ok := a.Directory().Get(b.Address())
		return ok && p.Identity == "bob" && zone.Equal(p.Zones, []string{"forge"})
	}, eventually, tick)

	state, ok := b.PeerState(a.Address())
	require.True(t, ok)
	assert.Equal(t, StateActive, state)
}

func TestZoneChangeSilencesPeer(t *testing.T) {
	hub := newHub(t)

	a, _ := startSession(t, hub, testConfig("alice", 160, 160))
	b, bAudio := startSession(t, hub, testConfig("bob", 184, 184))

	localA, _ := a.Directory().Local()
	localB, _ := b.Directory().Local()
	assert.True(t, zone.Audible(localA.Zones, localB.Zones))

	block := audio.NewBlock(48000, 1, 960)
	require.Eventually(t, func() bool {
		a.PublishAudio(block)
		g, ok := bAudio.gain(a.Address())
		return ok && g == 1
	}, eventually, tick)

	// Remote zones arrive before the gain settles
	require.Eventually(t, func() bool {
		p, ok := b.Directory().Get(a.Address())
		return ok && zone.Equal(p.Zones, []string{"forge"})
	}, eventually, tick)

	pos := a.MoveTo(480, 160)
	assert.Equal(t, presence.Position{X: 480, Y: 160}, pos)
	localA, _ = a.Directory().Local()
	assert.Equal(t, []string{"library"}, localA.Zones)
	assert.False(t, zone.Audible(localA.Zones, localB.Zones))

	require.Eventually(t, func() bool {
		g, ok := bAudio.gain(a.Address())
		return ok && g == 0
	}, eventually, tick)

	// Moving back makes the peer audible again
	a.MoveTo(160, 160)
	require.Eventually(t, func() bool {
		g, _ := bAudio.gain(a.Address())
		return g == 1
	}, eventually, tick)
}

func TestFanInWaitsForEveryOpenedChannel(t *testing.T) {
	hub := newHub(t)

	m, _ := startSession(t, hub, testConfig("me", 100, 100))
	fake := publishFakePeer(t, hub, "agora/test/peer", protocol.ChannelProfile, protocol.ChannelSpeaking)
	addr := fake.group.Address()

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{protocol.ChannelPosition, protocol.ChannelAudio, protocol.ChannelZones}, m.OpenChannels(addr))
	}, eventually, tick)

	fake.channel(t, protocol.ChannelPosition).Close(nil)
	fake.channel(t, protocol.ChannelAudio).Close(nil)

	assert.Never(t, func() bool {
		_, ok := m.PeerState(addr)
		return !ok
	}, 100*time.Millisecond, tick)
	_, ok := m.Directory().Get(addr)
	assert.True(t, ok)
	assert.Equal(t, []string{protocol.ChannelZones}, m.OpenChannels(addr))

	fake.channel(t, protocol.ChannelZones).Close(nil)
	require.Eventually(t, func() bool {
		_, ok := m.PeerState(addr)
		return !ok
	}, eventually, tick)
	_, ok = m.Directory().Get(addr)
	assert.False(t, ok)
}

func TestUnknownChannelClosesOnlyThatChannel(t *testing.T) {
	hub := newHub(t)

	m, _ := startSession(t, hub, testConfig("me", 100, 100))
	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()

	remote, err := hub.Consume(m.Address())
	require.NoError(t, err)

	var bogus transport.Channel
	require.Eventually(t, func() bool {
		bogus, err = remote.Subscribe(ctx, "bogus", 0)
		return err == nil
	}, eventually, tick)
	_, err = bogus.ReadMessage(ctx)
	assert.ErrorIs(t, err, transport.ErrUnknownChannel)

	pos, err := remote.Subscribe(ctx, protocol.ChannelPosition, 0)
	require.NoError(t, err)
	raw, err := pos.ReadJSON(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"identity":"me","tab":"`+m.cfg.Tab+`","x":100,"y":100,"color":"`+presence.ColorFor(m.Address())+`"}`, string(raw))
}

func TestPositionFailureAbortsPeer(t *testing.T) {
	hub := newHub(t)

	tr := &flakyTransport{Hub: hub, fail: protocol.ChannelPosition}
	m, _ := startSession(t, tr, testConfig("me", 100, 100))
	fake := publishFakePeer(t, hub, "agora/test/peer")

	require.Eventually(t, func() bool {
		return tr.attempts(protocol.ChannelPosition) > 0
	}, eventually, tick)
	require.Eventually(t, func() bool {
		_, ok := m.PeerState(fake.group.Address())
		return !ok
	}, eventually, tick)

	assert.Zero(t, tr.attempts(protocol.ChannelProfile))
	_, ok := m.Directory().Get(fake.group.Address())
	assert.False(t, ok)
}

func TestOptionalChannelFailureDegrades(t *testing.T) {
	hub := newHub(t)

	tr := &flakyTransport{Hub: hub, fail: protocol.ChannelAudio}
	m, _ := startSession(t, tr, testConfig("me", 100, 100))
	fake := publishFakePeer(t, hub, "agora/test/peer")

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(
			[]string{protocol.ChannelPosition, protocol.ChannelProfile, protocol.ChannelSpeaking, protocol.ChannelZones},
			m.OpenChannels(fake.group.Address()))
	}, eventually, tick)
}

func TestStalePeerIsTornDown(t *testing.T) {
	hub := newHub(t)

	cfg := testConfig("me", 100, 100)
	cfg.StaleTimeout = 150 * time.Millisecond
	m, out := startSession(t, hub, cfg)
	fake := publishFakePeer(t, hub, "agora/test/peer")
	addr := fake.group.Address()

	pos := fake.channel(t, protocol.ChannelPosition)
	require.NoError(t, pos.WriteJSON(protocol.PositionMessage{Identity: "quiet", X: 10, Y: 20}))
	require.Eventually(t, func() bool {
		p, ok := m.Directory().Get(addr)
		return ok && p.Identity == "quiet"
	}, eventually, tick)

	require.Eventually(t, func() bool {
		_, ok := m.PeerState(addr)
		return !ok
	}, eventually, tick)

	select {
	case <-pos.Closed():
	case <-time.After(eventually):
		t.Fatal("position channel not closed")
	}
	out.mu.Lock()
	assert.Positive(t, out.closed[addr])
	out.mu.Unlock()
}

func TestWithdrawalTearsDownPeer(t *testing.T) {
	hub := newHub(t)

	m, _ := startSession(t, hub, testConfig("me", 100, 100))
	fake := publishFakePeer(t, hub, "agora/test/peer")
	addr := fake.group.Address()

	require.Eventually(t, func() bool {
		state, ok := m.PeerState(addr)
		return ok && state == StateActive
	}, eventually, tick)

	require.NoError(t, fake.group.Close())
	require.Eventually(t, func() bool {
		_, ok := m.PeerState(addr)
		return !ok
	}, eventually, tick)
}

func TestQueuedPositionsDoNotRestoreWithdrawnPeer(t *testing.T) {
	hub := newHub(t)
	m, _ := startSession(t, hub, testConfig("me", 100, 100))

	for i := 0; i < 20; i++ {
		fake := publishFakePeer(t, hub, fmt.Sprintf("agora/test/burst-%d", i))
		addr := fake.group.Address()

		pos := fake.channel(t, protocol.ChannelPosition)
		for n := 0; n < 64; n++ {
			require.NoError(t, pos.WriteJSON(protocol.PositionMessage{Identity: "burst", X: float64(n), Y: 10}))
		}
		require.NoError(t, fake.group.Close())

		require.Eventually(t, func() bool {
			_, ok := m.PeerState(addr)
			return !ok
		}, eventually, tick)
		time.Sleep(20 * time.Millisecond)
		p, ok := m.Directory().Get(addr)
		assert.False(t, ok, "withdrawn peer %s still in directory at %+v", addr, p.Position)
	}
}

func TestConcurrentTeardownSources(t *testing.T) {
	hub := newHub(t)
	m, _ := startSession(t, hub, testConfig("me", 100, 100))
	fake := publishFakePeer(t, hub, "agora/test/peer")
	addr := fake.group.Address()

	pos := fake.channel(t, protocol.ChannelPosition)
	require.NoError(t, pos.WriteJSON(protocol.PositionMessage{Identity: "racer", X: 10, Y: 20}))
	require.Eventually(t, func() bool {
		_, ok := m.Directory().Get(addr)
		return ok
	}, eventually, tick)

	m.mu.Lock()
	p := m.peers[addr]
	m.mu.Unlock()
	require.NotNil(t, p)

	var wg sync.WaitGroup
	start := make(chan struct{})
	triggers := []func(){
		func() { m.teardownAddress(addr, "test") },
		func() { m.Directory().PruneStale(time.Now().Add(time.Hour), time.Second) },
		func() { _ = fake.group.Close() },
		func() { m.teardown(p, "test again") },
	}
	for _, fn := range triggers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			fn()
		}()
	}
	close(start)
	wg.Wait()

	select {
	case <-p.done:
	case <-time.After(eventually):
		t.Fatal("peer never finished tearing down")
	}
	assert.Equal(t, StateClosed, p.getState())
	_, ok := m.PeerState(addr)
	assert.False(t, ok)
	_, ok = m.Directory().Get(addr)
	assert.False(t, ok)
	assert.Empty(t, m.OpenChannels(addr))
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	hub := newHub(t)

	m, out := startSession(t, hub, testConfig("me", 100, 100))
	fake := publishFakePeer(t, hub, "agora/test/peer")
	addr := fake.group.Address()

	pos := fake.channel(t, protocol.ChannelPosition)
	require.NoError(t, pos.WriteJSON("not a position"))
	require.NoError(t, pos.WriteFrame([]byte{1, 2, 3}))
	require.NoError(t, pos.WriteJSON(protocol.PositionMessage{Identity: "ok", X: 5000, Y: 50}))

	require.Eventually(t, func() bool {
		p, ok := m.Directory().Get(addr)
		return ok && p.Identity == "ok"
	}, eventually, tick)
	p, _ := m.Directory().Get(addr)
	assert.Equal(t, presence.Position{X: zone.ArenaWidth, Y: 50}, p.Position)

	sound := fake.channel(t, protocol.ChannelAudio)
	require.NoError(t, sound.WriteFrame([]byte{protocol.FrameVersion, 1, 0}))
	require.NoError(t, sound.WriteJSON(map[string]int{"x": 1}))
	frame, ok := protocol.EncodeFrame([][]float32{{0.1, 0.2}}, 48000)
	require.True(t, ok)
	require.NoError(t, sound.WriteFrame(frame))

	require.Eventually(t, func() bool {
		return out.packets(addr) == 1
	}, eventually, tick)
	assert.Equal(t, StateActive, mustState(t, m, addr))
}

func TestRemoteProfileSpeakingAndZones(t *testing.T) {
	hub := newHub(t)

	m, _ := startSession(t, hub, testConfig("me", 100, 100))
	fake := publishFakePeer(t, hub, "agora/test/peer")
	addr := fake.group.Address()

	prof := fake.channel(t, protocol.ChannelProfile)
	require.NoError(t, prof.WriteJSON(protocol.ProfileMessage{Identity: "npub1x", Pubkey: "abc", DisplayName: "Ada", UpdatedAt: 20}))
	require.NoError(t, prof.WriteJSON(protocol.ProfileMessage{Identity: "npub1x", Pubkey: "abc", DisplayName: "Old", UpdatedAt: 10}))

	speaking := fake.channel(t, protocol.ChannelSpeaking)
	require.NoError(t, speaking.WriteJSON(protocol.SpeakingMessage{Level: 0.7}))

	zones := fake.channel(t, protocol.ChannelZones)
	require.NoError(t, zones.WriteJSON(protocol.ZonesMessage{Zones: []string{"forge"}}))

	require.Eventually(t, func() bool {
		p, ok := m.Directory().Get(addr)
		return ok && p.Label() == "Ada" && p.Speaking == 0.7 && zone.Equal(p.Zones, []string{"forge"})
	}, eventually, tick)

	speaking.Close(nil)
	zones.Close(nil)
	require.Eventually(t, func() bool {
		p, ok := m.Directory().Get(addr)
		return ok && p.Speaking == 0 && len(p.Zones) == 0
	}, eventually, tick)
}

func TestLocalProfileIsPublished(t *testing.T) {
	hub := newHub(t)

	a, _ := startSession(t, hub, testConfig("alice", 160, 160))
	b, _ := startSession(t, hub, testConfig("bob", 184, 184))

	a.SetProfile(presence.Profile{DisplayName: "Alice A."})
	require.Eventually(t, func() bool {
		p, ok := b.Directory().Get(a.Address())
		return ok && p.Label() == "Alice A." && p.Profile.Pubkey == "alice"
	}, eventually, tick)
}

func TestSpeakingLevelsAreForwarded(t *testing.T) {
	hub := newHub(t)

	a, _ := startSession(t, hub, testConfig("alice", 160, 160))
	b, _ := startSession(t, hub, testConfig("bob", 184, 184))

	require.Eventually(t, func() bool {
		a.PublishLevel(0.4)
		p, ok := b.Directory().Get(a.Address())
		return ok && p.Speaking == 0.4
	}, eventually, tick)
}

func TestThrottle(t *testing.T) {
	start := time.Unix(1000, 0)
	th := throttle{deadZone: 0.5, heartbeat: 2 * time.Second}
	th.sent(start)

	assert.False(t, th.due(start.Add(50*time.Millisecond)))

	// Jitter inside the dead zone does not count as movement
	th.moved(0.2)
	th.moved(-0.2)
	assert.False(t, th.due(start.Add(100*time.Millisecond)))

	th.moved(0.3)
	assert.True(t, th.due(start.Add(150*time.Millisecond)), "cumulative displacement leaves the dead zone")
	th.sent(start.Add(150 * time.Millisecond))
	assert.False(t, th.due(start.Add(200*time.Millisecond)))

	assert.True(t, th.due(start.Add(2150*time.Millisecond)), "heartbeat while stationary")
}

func TestDefaultIdentity(t *testing.T) {
	cfg := Config{Tab: "0123456789"}.normalize()
	assert.Equal(t, "guest-012345", cfg.Identity)
	assert.Equal(t, 10*time.Second, cfg.StaleTimeout)

	generated := Config{}.normalize()
	assert.Len(t, generated.Tab, 36)
}

func mustState(t *testing.T, m *Manager, addr string) State {
	t.Helper()
	state, ok := m.PeerState(addr)
	require.True(t, ok)
	return state
}

// flakyTransport fails subscriptions to one channel name
type flakyTransport struct {
	*transport.Hub
	fail string

	mu    sync.Mutex
	tries map[string]int
}

func (f *flakyTransport) Consume(address string) (transport.Remote, error) {
	r, err := f.Hub.Consume(address)
	if err != nil {
		return nil, err
	}
	return &flakyRemote{Remote: r, t: f}, nil
}

func (f *flakyTransport) attempts(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tries[name]
}

type flakyRemote struct {
	transport.Remote
	t *flakyTransport
}

func (r *flakyRemote) Subscribe(ctx context.Context, name string, priority int) (transport.Channel, error) {
	r.t.mu.Lock()
	if r.t.tries == nil {
		r.t.tries = make(map[string]int)
	}
	r.t.tries[name]++
	r.t.mu.Unlock()
	if name == r.t.fail {
		return nil, transport.ErrNotFound
	}
	return r.Remote.Subscribe(ctx, name, priority)
}
