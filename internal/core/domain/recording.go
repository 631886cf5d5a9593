package domain

import (
	"bytes"
	"mime"
	"strings"
	"time"

	"instacast/pkg/utils"
)

type RecordingState string

const (
	RecordingIdle    RecordingState = "idle"
	RecordingActive  RecordingState = "recording"
	RecordingStopped RecordingState = "stopped"
)

// RecordingSession accumulates chunks for one recording. Chunks are only
// accepted while the session is active and the artifact is assembled once.
type RecordingSession struct {
	ID           string
	State        RecordingState
	MimeType     string
	AudioBitrate int
	StartedAt    time.Time
	Sources      []TrackSource

	chunks [][]byte
	size   int
}

func NewRecordingSession(id, mimeType string, audioBitrate int, sources []TrackSource, startedAt time.Time) *RecordingSession {
	return &RecordingSession{
		ID:           id,
		State:        RecordingActive,
		MimeType:     mimeType,
		AudioBitrate: audioBitrate,
		StartedAt:    startedAt,
		Sources:      append([]TrackSource(nil), sources...),
	}
}

// AppendChunk copies data onto the end of the chunk sequence. It reports
// false when the session is no longer accepting data. Empty chunks are
// accepted but not stored.
func (r *RecordingSession) AppendChunk(data []byte) bool {
	if r.State != RecordingActive {
		return false
	}
	if len(data) == 0 {
		return true
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	r.chunks = append(r.chunks, chunk)
	r.size += len(chunk)
	return true
}

func (r *RecordingSession) ChunkCount() int { return len(r.chunks) }

func (r *RecordingSession) Size() int { return r.size }

// Finish assembles the chunks in arrival order into an artifact and moves
// the session to stopped. A second call returns ErrRecordingFinished.
func (r *RecordingSession) Finish(stoppedAt time.Time) (*Artifact, error) {
	if r.State != RecordingActive {
		return nil, ErrRecordingFinished
	}
	r.State = RecordingStopped

	buf := bytes.NewBuffer(make([]byte, 0, r.size))
	for _, c := range r.chunks {
		buf.Write(c)
	}
	r.chunks = nil

	return &Artifact{
		ID:           r.ID,
		Data:         buf.Bytes(),
		MimeType:     r.MimeType,
		AudioBitrate: r.AudioBitrate,
		Sources:      r.Sources,
		StartedAt:    r.StartedAt,
		Duration:     stoppedAt.Sub(r.StartedAt),
	}, nil
}

// Artifact is the immutable result of a recording.
type Artifact struct {
	ID           string
	Data         []byte
	MimeType     string
	AudioBitrate int
	Sources      []TrackSource
	StartedAt    time.Time
	Duration     time.Duration
}

func (a *Artifact) countSources(kind TrackKind) int {
	n := 0
	for _, s := range a.Sources {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

func (a *Artifact) AudioSourceCount() int { return a.countSources(TrackKindAudio) }

func (a *Artifact) VideoSourceCount() int { return a.countSources(TrackKindVideo) }

func (a *Artifact) HasVideo() bool { return a.VideoSourceCount() > 0 }

// FileName follows instacast-recording-<timestamp>.<ext>.
func (a *Artifact) FileName() string {
	return "instacast-recording-" + utils.FileTimestamp(a.StartedAt) + "." + a.Extension()
}

// Extension is webm for recordings with video, otherwise derived from the
// audio container.
func (a *Artifact) Extension() string {
	if a.HasVideo() {
		return "webm"
	}
	base, _, err := mime.ParseMediaType(a.MimeType)
	if err != nil {
		base = strings.ToLower(strings.TrimSpace(strings.SplitN(a.MimeType, ";", 2)[0]))
	}
	switch base {
	case "audio/webm":
		return "weba"
	case "audio/ogg":
		return "ogg"
	case "audio/mp4":
		return "m4a"
	case "audio/wav", "audio/wave", "audio/x-wav":
		return "wav"
	case "video/webm":
		return "webm"
	default:
		return "bin"
	}
}
