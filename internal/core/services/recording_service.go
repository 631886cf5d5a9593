package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
	apperrors "instacast/pkg/errors"
	"instacast/pkg/tracing"
	"instacast/pkg/utils"
)

// TrackProvider exposes the tracks a recording can draw from. Only a host
// provider may be recorded.
type TrackProvider interface {
	Role() domain.Role
	LocalID() domain.PeerID
	LocalStream() ports.MediaStream
	AudioTrackSet() []GuestAudio
}

type RecordingConfig struct {
	ChunkInterval time.Duration
	AudioBitrate  int
}

// RecordingService records the session. The track set is fixed when the
// recording starts; guests joining later are not captured.
type RecordingService struct {
	tracks  TrackProvider
	engine  ports.CaptureEngine
	config  RecordingConfig
	metrics ports.SessionMetrics
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	current  *domain.RecordingSession
	capture  ports.CaptureSession
	starting bool
	stopping bool
}

func NewRecordingService(tracks TrackProvider, engine ports.CaptureEngine, config RecordingConfig, metrics ports.SessionMetrics, logger *zap.SugaredLogger) *RecordingService {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if config.ChunkInterval <= 0 {
		config.ChunkInterval = 100 * time.Millisecond
	}
	if config.AudioBitrate <= 0 {
		config.AudioBitrate = 128000
	}
	return &RecordingService{
		tracks:  tracks,
		engine:  engine,
		config:  config,
		metrics: metrics,
		logger:  logger,
	}
}

// StartRecording captures the local audio, every connected guest's audio
// and, when includeVideo is set, the local video. It fails with
// domain.ErrNotHost unless the session is hosting.
func (r *RecordingService) StartRecording(ctx context.Context, includeVideo bool) error {
	r.mu.Lock()
	if r.starting || (r.current != nil && r.current.State == domain.RecordingActive) {
		r.mu.Unlock()
		return domain.ErrRecordingInProgress
	}
	r.starting = true
	r.mu.Unlock()

	session, capture, err := r.start(ctx, includeVideo)

	r.mu.Lock()
	r.starting = false
	if err == nil {
		r.current = session
		r.capture = capture
	}
	r.mu.Unlock()

	if err != nil {
		return err
	}

	r.metrics.RecordingStarted(session.MimeType, len(session.Sources))
	r.logger.Infow("Recording started",
		"recording_id", session.ID,
		"mime_type", session.MimeType,
		"sources", len(session.Sources),
	)
	return nil
}

func (r *RecordingService) start(ctx context.Context, includeVideo bool) (*domain.RecordingSession, ports.CaptureSession, error) {
	if r.tracks.Role() != domain.RoleHost {
		return nil, nil, domain.ErrNotHost
	}
	local := r.tracks.LocalStream()
	if local == nil {
		return nil, nil, apperrors.NewNoLocalStreamError()
	}
	localID := r.tracks.LocalID()

	var tracks []ports.MediaTrack
	var sources []domain.TrackSource
	add := func(t ports.MediaTrack, owner domain.PeerID, isLocal bool) {
		tracks = append(tracks, t)
		sources = append(sources, domain.TrackSource{
			TrackID: t.ID(),
			Kind:    t.Kind(),
			Owner:   owner,
			Local:   isLocal,
			Codec:   t.Codec(),
		})
	}

	for _, t := range ports.TracksOfKind(local, domain.TrackKindAudio) {
		add(t, localID, true)
	}
	for _, g := range r.tracks.AudioTrackSet() {
		for _, t := range g.Tracks {
			add(t, g.Peer, false)
		}
	}

	withVideo := false
	if includeVideo {
		for _, t := range ports.TracksOfKind(local, domain.TrackKindVideo) {
			add(t, localID, true)
			withVideo = true
		}
		if !withVideo {
			r.logger.Warnw("Video requested but no local video track, recording audio only")
		}
	}

	if len(tracks) == 0 {
		return nil, nil, apperrors.NewNoLocalStreamError()
	}

	mimeType, err := ResolveMimeType(r.engine, withVideo)
	if err != nil {
		r.logger.Warnw("No preferred format supported, using default",
			"mime_type", mimeType,
			"error", err,
		)
	}

	ctx, span := tracing.TraceRecording(ctx, "start", mimeType, len(tracks))
	defer span.End()

	session := domain.NewRecordingSession(utils.GenerateRecordingID(), mimeType, r.config.AudioBitrate, sources, utils.Now())

	capture, err := r.engine.Start(ctx, ports.CaptureRequest{
		MimeType:     mimeType,
		Tracks:       tracks,
		Interval:     r.config.ChunkInterval,
		AudioBitrate: r.config.AudioBitrate,
		OnChunk:      func(data []byte) { r.appendChunk(session, data) },
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, nil, fmt.Errorf("failed to start capture: %w", err)
	}
	return session, capture, nil
}

func (r *RecordingService) appendChunk(session *domain.RecordingSession, data []byte) {
	r.mu.Lock()
	accepted := session.AppendChunk(data)
	r.mu.Unlock()

	if accepted && len(data) > 0 {
		r.metrics.ChunkCaptured(len(data))
	}
}

// StopRecording finalizes capture and returns the assembled artifact. It
// returns nil, nil when nothing is being recorded.
func (r *RecordingService) StopRecording(ctx context.Context) (*domain.Artifact, error) {
	r.mu.Lock()
	if r.stopping || r.current == nil || r.current.State != domain.RecordingActive {
		r.mu.Unlock()
		return nil, nil
	}
	r.stopping = true
	session, capture := r.current, r.capture
	r.mu.Unlock()

	stopErr := capture.Stop(ctx)

	r.mu.Lock()
	artifact, err := session.Finish(utils.Now())
	r.capture = nil
	r.stopping = false
	r.mu.Unlock()

	if stopErr != nil {
		return nil, fmt.Errorf("failed to finalize capture: %w", stopErr)
	}
	if err != nil {
		return nil, err
	}

	r.metrics.RecordingStopped(artifact.Duration, len(artifact.Data))
	r.logger.Infow("Recording stopped",
		"recording_id", artifact.ID,
		"duration", utils.FormatDuration(artifact.Duration),
		"bytes", len(artifact.Data),
		"chunks", session.ChunkCount(),
	)
	return artifact, nil
}

// Abort stops an active capture and discards its data.
func (r *RecordingService) Abort(ctx context.Context) error {
	r.mu.Lock()
	session, capture := r.current, r.capture
	active := session != nil && session.State == domain.RecordingActive && !r.stopping
	if active {
		r.stopping = true
	}
	r.mu.Unlock()

	if !active {
		return nil
	}

	err := capture.Stop(ctx)

	r.mu.Lock()
	session.Finish(utils.Now())
	r.current = nil
	r.capture = nil
	r.stopping = false
	r.mu.Unlock()

	r.logger.Infow("Recording discarded", "recording_id", session.ID)
	return err
}

func (r *RecordingService) State() domain.RecordingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return domain.RecordingIdle
	}
	return r.current.State
}

// ChunkCount reports the chunks held by the current or last recording.
func (r *RecordingService) ChunkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return 0
	}
	return r.current.ChunkCount()
}
