package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
)

// callLog records the order of teardown-relevant calls across fakes.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type MockTransport struct {
	mock.Mock
	mu   sync.Mutex
	id   domain.PeerID
	sink ports.EventSink
	log  *callLog
}

func (m *MockTransport) Open(ctx context.Context, sink ports.EventSink) (domain.PeerID, error) {
	args := m.Called(ctx)
	id := args.Get(0).(domain.PeerID)
	if args.Error(1) == nil {
		m.mu.Lock()
		m.id = id
		m.sink = sink
		m.mu.Unlock()
	}
	return id, args.Error(1)
}

func (m *MockTransport) ID() domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

func (m *MockTransport) Connect(ctx context.Context, remote domain.PeerID) (ports.DataConnection, error) {
	args := m.Called(ctx, remote)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.DataConnection), args.Error(1)
}

func (m *MockTransport) Call(ctx context.Context, remote domain.PeerID, stream ports.MediaStream) (ports.MediaCall, error) {
	args := m.Called(ctx, remote, stream)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.MediaCall), args.Error(1)
}

func (m *MockTransport) Close() error {
	m.log.add("transport.close")
	args := m.Called()
	return args.Error(0)
}

func (m *MockTransport) emit(ev ports.TransportEvent) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	sink(ev)
}

type MockCapture struct {
	mock.Mock
}

func (m *MockCapture) Acquire(ctx context.Context, constraints domain.MediaConstraints) (ports.MediaStream, error) {
	args := m.Called(ctx, constraints)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.MediaStream), args.Error(1)
}

type fakeConn struct {
	mu      sync.Mutex
	id      string
	peer    domain.PeerID
	sent    []domain.ControlMessage
	sendErr error
	closed  int
	log     *callLog
}

func newFakeConn(id string, peer domain.PeerID) *fakeConn {
	return &fakeConn{id: id, peer: peer}
}

func (c *fakeConn) ID() string            { return c.id }
func (c *fakeConn) PeerID() domain.PeerID { return c.peer }

func (c *fakeConn) Send(msg domain.ControlMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.log.add("conn.close:" + c.id)
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Sent() []domain.ControlMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ControlMessage(nil), c.sent...)
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed > 0
}

type fakeCall struct {
	mu        sync.Mutex
	id        string
	peer      domain.PeerID
	answered  ports.MediaStream
	answerErr error
	closed    int
	log       *callLog
}

func newFakeCall(id string, peer domain.PeerID) *fakeCall {
	return &fakeCall{id: id, peer: peer}
}

func (c *fakeCall) ID() string            { return c.id }
func (c *fakeCall) PeerID() domain.PeerID { return c.peer }

func (c *fakeCall) Answer(stream ports.MediaStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answerErr != nil {
		return c.answerErr
	}
	c.answered = stream
	return nil
}

func (c *fakeCall) Close() error {
	c.log.add("call.close:" + c.id)
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeCall) Answered() ports.MediaStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered
}

func (c *fakeCall) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed > 0
}

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    domain.TrackKind
	enabled bool
	stopped bool
}

func newFakeTrack(id string, kind domain.TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }

func (t *fakeTrack) Codec() string {
	if t.kind == domain.TrackKindVideo {
		return "video/VP8"
	}
	return "audio/opus"
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) Subscribe() (<-chan domain.Frame, func()) {
	ch := make(chan domain.Frame)
	return ch, func() {}
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

type fakeStream struct {
	mu      sync.Mutex
	id      string
	tracks  []ports.MediaTrack
	stopped bool
	log     *callLog
}

func newFakeStream(id string, kinds ...domain.TrackKind) *fakeStream {
	s := &fakeStream{id: id}
	for i, k := range kinds {
		s.tracks = append(s.tracks, newFakeTrack(fmt.Sprintf("%s-%s-%d", id, k, i), k))
	}
	return s
}

func (s *fakeStream) ID() string                 { return s.id }
func (s *fakeStream) Tracks() []ports.MediaTrack { return s.tracks }

func (s *fakeStream) Stop() {
	s.log.add("stream.stop:" + s.id)
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	for _, t := range s.tracks {
		t.Stop()
	}
}

func (s *fakeStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type recordingMetrics struct {
	NopMetrics
	mu       sync.Mutex
	statuses []domain.Status
	sent     int
	received int
	chunks   int
}

func (r *recordingMetrics) StatusChanged(_ domain.Role, s domain.Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *recordingMetrics) ControlMessageSent() {
	r.mu.Lock()
	r.sent++
	r.mu.Unlock()
}

func (r *recordingMetrics) ControlMessageReceived() {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()
}

func (r *recordingMetrics) ChunkCaptured(int) {
	r.mu.Lock()
	r.chunks++
	r.mu.Unlock()
}

func nopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
