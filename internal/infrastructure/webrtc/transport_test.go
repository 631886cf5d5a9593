package webrtc

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
	"instacast/internal/infrastructure/media"
	"instacast/internal/infrastructure/signal"
)

// hub routes signaling between in-process peers.
type hub struct {
	mu    sync.Mutex
	peers map[domain.PeerID]*hubSignaler
}

func newHub() *hub {
	return &hub{peers: make(map[domain.PeerID]*hubSignaler)}
}

func (h *hub) signaler() *hubSignaler {
	return &hubSignaler{hub: h}
}

type hubSignaler struct {
	hub *hub

	mu      sync.Mutex
	id      domain.PeerID
	handler func(signal.Message)
}

func (s *hubSignaler) Register(ctx context.Context, id domain.PeerID, name string, host bool) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, taken := s.hub.peers[id]; taken {
		return fmt.Errorf("%s: %w", id, domain.ErrPeerIDTaken)
	}
	s.hub.peers[id] = s
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
	return nil
}

func (s *hubSignaler) Send(ctx context.Context, msg signal.Message) error {
	s.mu.Lock()
	msg.From = s.id
	s.mu.Unlock()

	s.hub.mu.Lock()
	target := s.hub.peers[msg.To]
	s.hub.mu.Unlock()

	if target == nil {
		reply, err := signal.NewMessage(signal.TypeError, signal.ErrorPayload{
			Code:    signal.CodePeerUnavailable,
			Message: "peer is not connected",
		})
		if err != nil {
			return err
		}
		reply.From = msg.To
		reply.ConnectionID = msg.ConnectionID
		reply.Kind = msg.Kind
		s.deliver(reply)
		return nil
	}
	target.deliver(msg)
	return nil
}

func (s *hubSignaler) deliver(msg signal.Message) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

func (s *hubSignaler) OnMessage(fn func(signal.Message)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

func (s *hubSignaler) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hub.peers[s.id] == s {
		delete(s.hub.peers, s.id)
	}
	return nil
}

type peer struct {
	transport *Transport
	id        domain.PeerID
	events    chan ports.TransportEvent
}

func openPeer(t *testing.T, h *hub, ids ...string) *peer {
	t.Helper()

	cfg := Config{IncludeLoopback: true}
	if len(ids) > 0 {
		next := 0
		cfg.NewPeerID = func() string {
			id := ids[next%len(ids)]
			next++
			return id
		}
	}
	tr, err := NewTransport(h.signaler(), cfg, zap.NewNop().Sugar())
	require.NoError(t, err)

	p := &peer{transport: tr, events: make(chan ports.TransportEvent, 64)}
	p.id, err = tr.Open(context.Background(), func(ev ports.TransportEvent) { p.events <- ev })
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return p
}

func (p *peer) waitFor(t *testing.T, kind ports.TransportEventKind) ports.TransportEvent {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev := <-p.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
			return ports.TransportEvent{}
		}
	}
}

// feed writes frames to track until the test ends.
func feed(t *testing.T, track *media.Track, frame domain.Frame) {
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		ticker := time.NewTicker(frame.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				track.WriteFrame(frame)
			case <-done:
				return
			}
		}
	}()
}

var opusFrame = domain.Frame{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond}

func TestTransport_OpenRetriesTakenID(t *testing.T) {
	h := newHub()
	first := openPeer(t, h, "abc123xyz")
	assert.Equal(t, domain.PeerID("abc123xyz"), first.id)

	second := openPeer(t, h, "abc123xyz", "def456uvw")
	assert.Equal(t, domain.PeerID("def456uvw"), second.id)
	assert.Equal(t, second.id, second.transport.ID())
}

func TestTransport_OpenGivesUpAfterAttempts(t *testing.T) {
	h := newHub()
	openPeer(t, h, "abc123xyz")

	tr, err := NewTransport(h.signaler(), Config{
		RegisterAttempts: 3,
		NewPeerID:        func() string { return "abc123xyz" },
	}, zap.NewNop().Sugar())
	require.NoError(t, err)

	_, err = tr.Open(context.Background(), func(ports.TransportEvent) {})
	assert.ErrorIs(t, err, domain.ErrPeerIDTaken)
	assert.Empty(t, tr.ID())
}

func TestTransport_RequiresOpen(t *testing.T) {
	tr, err := NewTransport(newHub().signaler(), Config{}, zap.NewNop().Sugar())
	require.NoError(t, err)

	_, err = tr.Connect(context.Background(), "abc123xyz")
	assert.ErrorIs(t, err, domain.ErrNotConnected)

	require.NoError(t, tr.Close())
	_, err = tr.Open(context.Background(), func(ports.TransportEvent) {})
	assert.ErrorIs(t, err, domain.ErrTransportClosed)
}

func TestTransport_DataConnectionRoundTrip(t *testing.T) {
	h := newHub()
	host := openPeer(t, h)
	guest := openPeer(t, h)

	conn, err := guest.transport.Connect(context.Background(), host.id)
	require.NoError(t, err)
	assert.Equal(t, host.id, conn.PeerID())

	assert.ErrorIs(t, conn.Send(domain.NewToggleMute(true)), domain.ErrNotConnected)

	opened := guest.waitFor(t, ports.EventConnectionOpen)
	assert.Equal(t, conn.ID(), opened.Conn.ID())

	accepted := host.waitFor(t, ports.EventConnectionOpen)
	assert.Equal(t, guest.id, accepted.Peer())
	assert.Equal(t, conn.ID(), accepted.Conn.ID())

	require.NoError(t, conn.Send(domain.NewToggleMute(true)))
	msg := host.waitFor(t, ports.EventConnectionMessage)
	assert.Equal(t, domain.NewToggleMute(true), msg.Message)

	require.NoError(t, accepted.Conn.Send(domain.NewToggleMute(false)))
	msg = guest.waitFor(t, ports.EventConnectionMessage)
	assert.False(t, msg.Message.Muted)

	require.NoError(t, accepted.Conn.Close())
	closed := guest.waitFor(t, ports.EventConnectionClose)
	assert.Equal(t, conn.ID(), closed.Conn.ID())
	assert.ErrorIs(t, conn.Send(domain.NewToggleMute(true)), domain.ErrTransportClosed)
}

func TestTransport_ConnectToUnknownPeer(t *testing.T) {
	h := newHub()
	guest := openPeer(t, h)

	conn, err := guest.transport.Connect(context.Background(), "nobody123")
	require.NoError(t, err)

	ev := guest.waitFor(t, ports.EventConnectionError)
	assert.Equal(t, conn.ID(), ev.Conn.ID())
	var se *signal.Error
	require.ErrorAs(t, ev.Err, &se)
	assert.Equal(t, signal.CodePeerUnavailable, se.Code)
}

func TestTransport_CallCarriesAudio(t *testing.T) {
	h := newHub()
	host := openPeer(t, h)
	guest := openPeer(t, h)

	guestMic := media.NewTrack("mic-guest", domain.TrackKindAudio, "opus")
	feed(t, guestMic, opusFrame)
	hostMic := media.NewTrack("mic-host", domain.TrackKindAudio, "opus")
	feed(t, hostMic, opusFrame)

	call, err := guest.transport.Call(context.Background(), host.id, media.NewStream("local-guest", guestMic))
	require.NoError(t, err)

	incoming := host.waitFor(t, ports.EventIncomingCall)
	assert.Equal(t, guest.id, incoming.Peer())
	assert.Equal(t, call.ID(), incoming.Call.ID())
	require.NoError(t, incoming.Call.Answer(media.NewStream("local-host", hostMic)))
	assert.Error(t, incoming.Call.Answer(nil))

	got := host.waitFor(t, ports.EventCallStream)
	audio := ports.TracksOfKind(got.Stream, domain.TrackKindAudio)
	require.Len(t, audio, 1)
	assert.Equal(t, "opus", audio[0].Codec())

	frames, cancel := audio[0].Subscribe()
	defer cancel()
	select {
	case f := <-frames:
		assert.Equal(t, opusFrame.Data, f.Data)
	case <-time.After(10 * time.Second):
		t.Fatal("no audio frame received")
	}

	back := guest.waitFor(t, ports.EventCallStream)
	assert.NotEmpty(t, ports.TracksOfKind(back.Stream, domain.TrackKindAudio))

	require.NoError(t, call.Close())
	closed := host.waitFor(t, ports.EventCallClose)
	assert.Equal(t, call.ID(), closed.Call.ID())
}

func TestLocalCapability(t *testing.T) {
	c, err := localCapability(media.NewTrack("a", domain.TrackKindAudio, "opus"))
	require.NoError(t, err)
	assert.Equal(t, "audio/opus", c.MimeType)

	c, err = localCapability(media.NewTrack("v", domain.TrackKindVideo, "VP8"))
	require.NoError(t, err)
	assert.Equal(t, uint32(90000), c.ClockRate)

	_, err = localCapability(media.NewTrack("v", domain.TrackKindVideo, "h264"))
	assert.Error(t, err)
}

func TestIsVP8Keyframe(t *testing.T) {
	assert.True(t, isVP8Keyframe([]byte{0x10, 0x02}))
	assert.False(t, isVP8Keyframe([]byte{0x11, 0x02}))
	assert.False(t, isVP8Keyframe(nil))
}

func TestRTCPStats(t *testing.T) {
	s := newRTCPStats()
	s.observe([]rtcp.Packet{
		&rtcp.ReceiverReport{Reports: []rtcp.ReceptionReport{{FractionLost: 51, Jitter: 12}}},
		&rtcp.TransportLayerNack{Nacks: []rtcp.NackPair{{PacketID: 1}, {PacketID: 9}}},
		&rtcp.PictureLossIndication{},
	})

	lost, jitter, nacks, plis := s.summary()
	assert.InDelta(t, 0.2, lost, 0.001)
	assert.Equal(t, uint32(12), jitter)
	assert.Equal(t, 2, nacks)
	assert.Equal(t, 1, plis)
}
