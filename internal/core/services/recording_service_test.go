package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
)

type MockEngine struct {
	mock.Mock
	mu  sync.Mutex
	req ports.CaptureRequest
}

func (m *MockEngine) IsTypeSupported(mimeType string) bool {
	return m.Called(mimeType).Bool(0)
}

func (m *MockEngine) Start(ctx context.Context, req ports.CaptureRequest) (ports.CaptureSession, error) {
	args := m.Called(ctx, req.MimeType)
	m.mu.Lock()
	m.req = req
	m.mu.Unlock()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.CaptureSession), args.Error(1)
}

func (m *MockEngine) request() ports.CaptureRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.req
}

func (m *MockEngine) emit(data []byte) {
	m.request().OnChunk(data)
}

type fakeCaptureSession struct {
	engine  *MockEngine
	final   []byte
	stopErr error
	stops   int
	log     *callLog
}

func (s *fakeCaptureSession) Stop(ctx context.Context) error {
	s.log.add("capture.stop")
	s.stops++
	if s.final != nil {
		s.engine.emit(s.final)
	}
	return s.stopErr
}

type fakeProvider struct {
	role   domain.Role
	id     domain.PeerID
	stream ports.MediaStream
	guests []GuestAudio
}

func (p *fakeProvider) Role() domain.Role {
	if p.role == "" {
		return domain.RoleHost
	}
	return p.role
}

func (p *fakeProvider) LocalID() domain.PeerID         { return p.id }
func (p *fakeProvider) LocalStream() ports.MediaStream { return p.stream }
func (p *fakeProvider) AudioTrackSet() []GuestAudio    { return p.guests }

func supportAll(engine *MockEngine) {
	engine.On("IsTypeSupported", mock.Anything).Return(true)
}

func newRecorder(provider TrackProvider, engine *MockEngine, metrics *recordingMetrics) *RecordingService {
	if metrics == nil {
		metrics = &recordingMetrics{}
	}
	return NewRecordingService(provider, engine, RecordingConfig{ChunkInterval: 100 * time.Millisecond, AudioBitrate: 128000}, metrics, nopLogger())
}

func guestAudio(id domain.PeerID) GuestAudio {
	s := newFakeStream(string(id), domain.TrackKindAudio)
	return GuestAudio{Peer: id, Tracks: s.Tracks()}
}

func TestStartRecording_NoLocalStream(t *testing.T) {
	engine := &MockEngine{}
	r := newRecorder(&fakeProvider{id: hostPeer}, engine, nil)

	err := r.StartRecording(context.Background(), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNoLocalStream))
	assert.Equal(t, domain.RecordingIdle, r.State())
	engine.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
}

func TestStartRecording_GuestRejected(t *testing.T) {
	engine := &MockEngine{}
	provider := &fakeProvider{
		role:   domain.RoleGuest,
		id:     guestPeer,
		stream: newFakeStream("guest-local", domain.TrackKindAudio),
	}
	r := newRecorder(provider, engine, nil)

	err := r.StartRecording(context.Background(), false)
	assert.ErrorIs(t, err, domain.ErrNotHost)
	assert.Equal(t, domain.RecordingIdle, r.State())
	engine.AssertNotCalled(t, "IsTypeSupported", mock.Anything)
	engine.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
}

func TestStartRecording_JoinedGuestSessionRejected(t *testing.T) {
	f, _ := newGuestFixture(t)
	engine := &MockEngine{}
	r := newRecorder(f.manager, engine, nil)

	assert.ErrorIs(t, r.StartRecording(context.Background(), true), domain.ErrNotHost)
	assert.False(t, f.stream.Stopped())
	engine.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
}

func TestStartRecording_AudioTrackSet(t *testing.T) {
	engine := &MockEngine{}
	supportAll(engine)
	session := &fakeCaptureSession{engine: engine}
	engine.On("Start", mock.Anything, "audio/webm;codecs=opus").Return(session, nil)

	local := newFakeStream("local", domain.TrackKindAudio, domain.TrackKindVideo)
	provider := &fakeProvider{
		id:     hostPeer,
		stream: local,
		guests: []GuestAudio{guestAudio("g0est0001"), guestAudio("g0est0002")},
	}
	r := newRecorder(provider, engine, nil)

	require.NoError(t, r.StartRecording(context.Background(), false))
	assert.Equal(t, domain.RecordingActive, r.State())

	req := engine.request()
	assert.Len(t, req.Tracks, 3)
	assert.Equal(t, 100*time.Millisecond, req.Interval)
	assert.Equal(t, 128000, req.AudioBitrate)
	for _, tr := range req.Tracks {
		assert.Equal(t, domain.TrackKindAudio, tr.Kind())
	}
}

func TestStartRecording_WithVideo(t *testing.T) {
	engine := &MockEngine{}
	supportAll(engine)
	session := &fakeCaptureSession{engine: engine}
	engine.On("Start", mock.Anything, "video/webm;codecs=vp8,opus").Return(session, nil)

	provider := &fakeProvider{
		id:     hostPeer,
		stream: newFakeStream("local", domain.TrackKindAudio, domain.TrackKindVideo),
		guests: []GuestAudio{guestAudio("g0est0001")},
	}
	r := newRecorder(provider, engine, nil)

	require.NoError(t, r.StartRecording(context.Background(), true))
	engine.emit([]byte("v"))

	artifact, err := r.StopRecording(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, artifact.AudioSourceCount())
	assert.Equal(t, 1, artifact.VideoSourceCount())
	assert.Equal(t, "webm", artifact.Extension())
}

func TestStartRecording_VideoRequestedWithoutCamera(t *testing.T) {
	engine := &MockEngine{}
	supportAll(engine)
	engine.On("Start", mock.Anything, "audio/webm;codecs=opus").Return(&fakeCaptureSession{engine: engine}, nil)

	r := newRecorder(&fakeProvider{id: hostPeer, stream: newFakeStream("local", domain.TrackKindAudio)}, engine, nil)

	require.NoError(t, r.StartRecording(context.Background(), true))
	engine.AssertExpectations(t)
}

func TestStartRecording_FallbackMimeType(t *testing.T) {
	engine := &MockEngine{}
	engine.On("IsTypeSupported", mock.Anything).Return(false)
	engine.On("Start", mock.Anything, DefaultAudioMimeType).Return(&fakeCaptureSession{engine: engine}, nil)

	r := newRecorder(&fakeProvider{id: hostPeer, stream: newFakeStream("local", domain.TrackKindAudio)}, engine, nil)

	require.NoError(t, r.StartRecording(context.Background(), false))
	engine.AssertNumberOfCalls(t, "IsTypeSupported", len(AudioMimeCandidates))
}

func TestStartRecording_WhileRecording(t *testing.T) {
	engine := &MockEngine{}
	supportAll(engine)
	engine.On("Start", mock.Anything, mock.Anything).Return(&fakeCaptureSession{engine: engine}, nil).Once()

	r := newRecorder(&fakeProvider{id: hostPeer, stream: newFakeStream("local", domain.TrackKindAudio)}, engine, nil)
	require.NoError(t, r.StartRecording(context.Background(), false))
	engine.emit([]byte("a"))

	err := r.StartRecording(context.Background(), false)
	assert.ErrorIs(t, err, domain.ErrRecordingInProgress)
	assert.Equal(t, 1, r.ChunkCount())
	engine.AssertNumberOfCalls(t, "Start", 1)
}

func TestStartRecording_EngineFailure(t *testing.T) {
	engine := &MockEngine{}
	supportAll(engine)
	engine.On("Start", mock.Anything, mock.Anything).Return(nil, errors.New("no muxer"))

	r := newRecorder(&fakeProvider{id: hostPeer, stream: newFakeStream("local", domain.TrackKindAudio)}, engine, nil)

	assert.Error(t, r.StartRecording(context.Background(), false))
	assert.Equal(t, domain.RecordingIdle, r.State())
}

func TestStopRecording_AssemblesChunksInOrder(t *testing.T) {
	engine := &MockEngine{}
	supportAll(engine)
	session := &fakeCaptureSession{engine: engine, final: []byte("-tail")}
	engine.On("Start", mock.Anything, mock.Anything).Return(session, nil)
	metrics := &recordingMetrics{}

	r := newRecorder(&fakeProvider{id: hostPeer, stream: newFakeStream("local", domain.TrackKindAudio)}, engine, metrics)
	require.NoError(t, r.StartRecording(context.Background(), false))

	engine.emit([]byte("head"))
	engine.emit(nil)
	engine.emit([]byte("-body"))

	artifact, err := r.StopRecording(context.Background())
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, []byte("head-body-tail"), artifact.Data)
	assert.Equal(t, "audio/webm;codecs=opus", artifact.MimeType)
	assert.Equal(t, 128000, artifact.AudioBitrate)
	assert.Equal(t, "weba", artifact.Extension())
	assert.Equal(t, 3, metrics.chunks)
	assert.Equal(t, domain.RecordingStopped, r.State())

	// late chunks and repeated stops do nothing
	engine.emit([]byte("late"))
	again, err := r.StopRecording(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, 1, session.stops)
}

func TestStopRecording_NothingRecording(t *testing.T) {
	r := newRecorder(&fakeProvider{id: hostPeer}, &MockEngine{}, nil)

	artifact, err := r.StopRecording(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, artifact)
}

func TestStopRecording_FinalizeError(t *testing.T) {
	engine := &MockEngine{}
	supportAll(engine)
	engine.On("Start", mock.Anything, mock.Anything).Return(&fakeCaptureSession{engine: engine, stopErr: context.DeadlineExceeded}, nil)

	r := newRecorder(&fakeProvider{id: hostPeer, stream: newFakeStream("local", domain.TrackKindAudio)}, engine, nil)
	require.NoError(t, r.StartRecording(context.Background(), false))

	artifact, err := r.StopRecording(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, artifact)
	assert.Equal(t, domain.RecordingStopped, r.State())
}

func TestStartRecording_TrackSetFrozenAtStart(t *testing.T) {
	engine := &MockEngine{}
	supportAll(engine)
	engine.On("Start", mock.Anything, mock.Anything).Return(&fakeCaptureSession{engine: engine}, nil)

	provider := &fakeProvider{id: hostPeer, stream: newFakeStream("local", domain.TrackKindAudio)}
	r := newRecorder(provider, engine, nil)
	require.NoError(t, r.StartRecording(context.Background(), false))

	provider.guests = append(provider.guests, guestAudio("g0est0009"))

	artifact, err := r.StopRecording(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, artifact.AudioSourceCount())
	assert.Len(t, engine.request().Tracks, 1)
}

func TestRecording_RestartAfterStop(t *testing.T) {
	engine := &MockEngine{}
	supportAll(engine)
	engine.On("Start", mock.Anything, mock.Anything).Return(&fakeCaptureSession{engine: engine}, nil)

	r := newRecorder(&fakeProvider{id: hostPeer, stream: newFakeStream("local", domain.TrackKindAudio)}, engine, nil)
	require.NoError(t, r.StartRecording(context.Background(), false))
	engine.emit([]byte("first"))
	_, err := r.StopRecording(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.StartRecording(context.Background(), false))
	engine.emit([]byte("second"))
	artifact, err := r.StopRecording(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), artifact.Data)
}

func TestAbort_DiscardsRecording(t *testing.T) {
	engine := &MockEngine{}
	supportAll(engine)
	session := &fakeCaptureSession{engine: engine}
	engine.On("Start", mock.Anything, mock.Anything).Return(session, nil)

	r := newRecorder(&fakeProvider{id: hostPeer, stream: newFakeStream("local", domain.TrackKindAudio)}, engine, nil)
	require.NoError(t, r.StartRecording(context.Background(), false))

	require.NoError(t, r.Abort(context.Background()))
	assert.Equal(t, 1, session.stops)
	assert.Equal(t, domain.RecordingIdle, r.State())

	artifact, err := r.StopRecording(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, artifact)
	assert.NoError(t, r.Abort(context.Background()))
}

func TestResolveMimeType(t *testing.T) {
	engine := &MockEngine{}
	engine.On("IsTypeSupported", "video/webm;codecs=vp8,opus").Return(false)
	engine.On("IsTypeSupported", "video/webm;codecs=vp8").Return(true)

	mt, err := ResolveMimeType(engine, true)
	assert.NoError(t, err)
	assert.Equal(t, "video/webm;codecs=vp8", mt)

	none := &MockEngine{}
	none.On("IsTypeSupported", mock.Anything).Return(false)
	mt, err = ResolveMimeType(none, true)
	assert.Equal(t, DefaultVideoMimeType, mt)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedFormat))
}
