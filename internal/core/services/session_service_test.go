package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
)

type MockArtifactStore struct {
	mock.Mock
}

func (m *MockArtifactStore) Save(ctx context.Context, artifact *domain.Artifact) (string, error) {
	args := m.Called(ctx, artifact)
	return args.String(0), args.Error(1)
}

type sessionFixture struct {
	*managerFixture
	service *SessionService
	engine  *MockEngine
	capture *fakeCaptureSession
	store   *MockArtifactStore
}

func newSessionFixture(t *testing.T) *sessionFixture {
	f := newHostFixture(t)

	engine := &MockEngine{}
	supportAll(engine)
	capture := &fakeCaptureSession{engine: engine, log: f.log}
	engine.On("Start", mock.Anything, mock.Anything).Return(capture, nil)

	recorder := NewRecordingService(f.manager, engine, RecordingConfig{}, nil, nopLogger())
	discovery := NewDiscoveryService(StubDirectory{}, 10*time.Millisecond, nil, nopLogger())
	poller := NewDiscoveryPoller(discovery, time.Hour, f.manager.ShouldPollDiscovery, nopLogger())
	store := &MockArtifactStore{}

	return &sessionFixture{
		managerFixture: f,
		service:        NewSessionService(f.manager, recorder, discovery, poller, store, nopLogger()),
		engine:         engine,
		capture:        capture,
		store:          store,
	}
}

func TestSessionService_RecordsHostAndGuests(t *testing.T) {
	f := newSessionFixture(t)
	f.openGuest(guestPeer, "data-1")
	call := newFakeCall("call-1", guestPeer)
	f.transport.emit(ports.TransportEvent{Kind: ports.EventIncomingCall, Call: call})
	f.transport.emit(ports.TransportEvent{Kind: ports.EventCallStream, Call: call, Stream: newFakeStream("remote", domain.TrackKindAudio)})

	require.NoError(t, f.service.Recorder().StartRecording(context.Background(), false))
	assert.Len(t, f.engine.request().Tracks, 2)

	f.engine.emit([]byte("chunk"))
	f.store.On("Save", mock.Anything, mock.AnythingOfType("*domain.Artifact")).Return("/tmp/rec.weba", nil)

	location, artifact, err := f.service.SaveRecording(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/tmp/rec.weba", location)
	assert.Equal(t, []byte("chunk"), artifact.Data)
	assert.Equal(t, 2, artifact.AudioSourceCount())
}

func TestSessionService_SaveWithoutRecording(t *testing.T) {
	f := newSessionFixture(t)

	location, artifact, err := f.service.SaveRecording(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, location)
	assert.Nil(t, artifact)
	f.store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestSessionService_SaveFailureReturnsArtifact(t *testing.T) {
	f := newSessionFixture(t)
	require.NoError(t, f.service.Recorder().StartRecording(context.Background(), false))
	f.store.On("Save", mock.Anything, mock.Anything).Return("", errors.New("disk full"))

	_, artifact, err := f.service.SaveRecording(context.Background())
	assert.Error(t, err)
	assert.NotNil(t, artifact)
}

func TestSessionService_CloseOrder(t *testing.T) {
	f := newSessionFixture(t)
	f.openGuest(guestPeer, "data-1")
	f.transport.On("Close").Return(nil)
	require.NoError(t, f.service.Recorder().StartRecording(context.Background(), true))

	f.service.BrowseHosts(context.Background())

	require.NoError(t, f.service.Close(context.Background()))
	require.NoError(t, f.service.Close(context.Background()))

	assert.Equal(t, []string{
		"capture.stop",
		"stream.stop:host-local",
		"conn.close:data-1",
		"transport.close",
	}, f.log.all())
	assert.False(t, f.service.poller.Running())
	assert.Equal(t, domain.RecordingIdle, f.service.Recorder().State())
	f.transport.AssertNumberOfCalls(t, "Close", 1)
}

func TestSessionService_BrowseHostsSkippedWhileHosting(t *testing.T) {
	f := newSessionFixture(t)

	f.service.BrowseHosts(context.Background())
	assert.False(t, f.service.poller.Running())
}

func TestSessionService_PollerFollowsSessionState(t *testing.T) {
	f := newManagerFixture(guestPeer)
	f.stream = newFakeStream("guest-local", domain.TrackKindAudio)
	f.capture.On("Acquire", mock.Anything, guestConstraints).Return(f.stream, nil)
	conn := newFakeConn("data-host", hostPeer)
	f.transport.On("Connect", mock.Anything, hostPeer).Return(conn, nil)
	f.transport.On("Close").Return(nil)

	recorder := NewRecordingService(f.manager, &MockEngine{}, RecordingConfig{}, nil, nopLogger())
	discovery := NewDiscoveryService(StubDirectory{}, time.Millisecond, nil, nopLogger())
	poller := NewDiscoveryPoller(discovery, time.Hour, f.manager.ShouldPollDiscovery, nopLogger())
	service := NewSessionService(f.manager, recorder, discovery, poller, &MockArtifactStore{}, nopLogger())

	service.BrowseHosts(context.Background())
	assert.True(t, poller.Running())

	require.NoError(t, f.manager.JoinAsGuest(context.Background(), hostPeer))
	assert.False(t, poller.Running())

	f.transport.emit(ports.TransportEvent{Kind: ports.EventConnectionError, Conn: conn, Err: errors.New("timeout")})
	assert.Equal(t, domain.StatusDisconnected, f.manager.Snapshot().Status)
	assert.True(t, poller.Running())

	require.NoError(t, service.Close(context.Background()))
	assert.False(t, poller.Running())
}
