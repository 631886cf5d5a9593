package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
)

// SessionService ties the connection manager, recorder and discovery
// together and owns shutdown.
type SessionService struct {
	manager   *ConnectionManager
	recorder  *RecordingService
	discovery *DiscoveryService
	poller    *DiscoveryPoller
	store     ports.ArtifactStore
	logger    *zap.SugaredLogger

	browseMu  sync.Mutex
	browseCtx context.Context
	browsing  bool

	closeOnce sync.Once
	closeErr  error
}

// NewSessionService wires the parts of one session. The service follows the
// manager's session changes to start and stop discovery polling.
func NewSessionService(
	manager *ConnectionManager,
	recorder *RecordingService,
	discovery *DiscoveryService,
	poller *DiscoveryPoller,
	store ports.ArtifactStore,
	logger *zap.SugaredLogger,
) *SessionService {
	s := &SessionService{
		manager:   manager,
		recorder:  recorder,
		discovery: discovery,
		poller:    poller,
		store:     store,
		logger:    logger,
	}
	manager.OnSessionChange(s.sessionChanged)
	return s
}

func (s *SessionService) Manager() *ConnectionManager  { return s.manager }
func (s *SessionService) Recorder() *RecordingService  { return s.recorder }
func (s *SessionService) Discovery() *DiscoveryService { return s.discovery }

// BrowseHosts turns on periodic discovery. The poller only runs while the
// session is neither hosting nor connected to a host; it stops when a role
// starts and resumes when the session drops back to disconnected.
func (s *SessionService) BrowseHosts(ctx context.Context) {
	s.browseMu.Lock()
	s.browsing = true
	s.browseCtx = ctx
	s.browseMu.Unlock()

	s.syncPoller()
}

func (s *SessionService) sessionChanged(domain.Session) {
	s.syncPoller()
}

func (s *SessionService) syncPoller() {
	s.browseMu.Lock()
	defer s.browseMu.Unlock()
	if !s.browsing {
		return
	}

	if !s.manager.ShouldPollDiscovery() {
		if s.poller.Running() {
			s.poller.Stop()
		}
		return
	}
	if !s.poller.Running() {
		s.logger.Debugw("Discovery poller started")
		s.poller.Start(s.browseCtx)
	}
}

// SaveRecording stops the current recording and persists the artifact.
// It returns an empty path when nothing was being recorded.
func (s *SessionService) SaveRecording(ctx context.Context) (string, *domain.Artifact, error) {
	artifact, err := s.recorder.StopRecording(ctx)
	if err != nil {
		return "", nil, err
	}
	if artifact == nil {
		return "", nil, nil
	}

	location, err := s.store.Save(ctx, artifact)
	if err != nil {
		return "", artifact, fmt.Errorf("failed to save recording: %w", err)
	}

	s.logger.Infow("Recording saved",
		"location", location,
		"audio_sources", artifact.AudioSourceCount(),
		"video_sources", artifact.VideoSourceCount(),
	)
	return location, artifact, nil
}

// Close tears the session down: capture, discovery timer, local tracks,
// connections, then the transport. Safe to call more than once.
func (s *SessionService) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error

		if err := s.recorder.Abort(ctx); err != nil {
			errs = append(errs, fmt.Errorf("recording: %w", err))
		}

		s.browseMu.Lock()
		s.browsing = false
		s.browseMu.Unlock()
		s.poller.Stop()
		s.discovery.Close()

		if err := s.manager.Shutdown(); err != nil {
			errs = append(errs, err)
		}

		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
