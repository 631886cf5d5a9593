package recording

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"instacast/internal/core/domain"
)

// FileStore writes artifacts to a directory using the artifact's file name,
// with a JSON sidecar describing the recording.
type FileStore struct {
	dir    string
	logger *zap.SugaredLogger
}

func NewFileStore(dir string, logger *zap.SugaredLogger) *FileStore {
	return &FileStore{dir: dir, logger: logger}
}

type artifactMetadata struct {
	ID           string               `json:"id"`
	File         string               `json:"file"`
	MimeType     string               `json:"mime_type"`
	AudioBitrate int                  `json:"audio_bitrate"`
	Size         int                  `json:"size"`
	StartedAt    time.Time            `json:"started_at"`
	DurationMs   int64                `json:"duration_ms"`
	Sources      []domain.TrackSource `json:"sources"`
}

func (s *FileStore) Save(ctx context.Context, artifact *domain.Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	name := artifact.FileName()
	path := filepath.Join(s.dir, name)
	if err := writeFileAtomic(path, artifact.Data); err != nil {
		return "", fmt.Errorf("failed to write recording: %w", err)
	}

	meta, err := json.MarshalIndent(artifactMetadata{
		ID:           artifact.ID,
		File:         name,
		MimeType:     artifact.MimeType,
		AudioBitrate: artifact.AudioBitrate,
		Size:         len(artifact.Data),
		StartedAt:    artifact.StartedAt,
		DurationMs:   artifact.Duration.Milliseconds(),
		Sources:      artifact.Sources,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metaPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".json"
	if err := writeFileAtomic(metaPath, meta); err != nil {
		// the recording itself is already on disk
		s.logger.Warnw("Failed to write recording metadata", "path", metaPath, "error", err)
	}

	s.logger.Infow("Recording saved",
		"path", path,
		"size", len(artifact.Data),
		"duration", artifact.Duration,
	)
	return path, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".instacast-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
