package media

import (
	"sync"

	"instacast/internal/core/ports"
)

// Stream groups tracks. Remote streams grow as tracks arrive.
type Stream struct {
	id string

	mu      sync.RWMutex
	tracks  []ports.MediaTrack
	stopped bool
}

func NewStream(id string, tracks ...ports.MediaTrack) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []ports.MediaTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ports.MediaTrack(nil), s.tracks...)
}

// AddTrack appends t. Adding to a stopped stream stops t instead.
func (s *Stream) AddTrack(t ports.MediaTrack) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		t.Stop()
		return
	}
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tracks := s.tracks
	s.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
}
