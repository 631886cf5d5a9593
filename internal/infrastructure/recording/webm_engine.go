package recording

import (
	"context"
	"encoding/binary"
	"fmt"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"go.uber.org/zap"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
	apperrors "instacast/pkg/errors"
)

const (
	defaultWidth  = 640
	defaultHeight = 480

	// How long a recording with video waits for the first keyframe before
	// falling back to the default frame size.
	keyframeWait = 2 * time.Second
	// Upper bound on waiting for the muxer to finalize during Stop.
	finalizeWait = time.Second

	defaultInterval = 100 * time.Millisecond
)

var supportedCodecs = map[string]bool{
	"opus": true,
	"vp8":  true,
}

// WebMEngine muxes Opus and VP8 tracks into a single WebM stream. Each input
// becomes its own WebM track; audio is not mixed down.
type WebMEngine struct {
	logger *zap.SugaredLogger
}

func NewWebMEngine(logger *zap.SugaredLogger) *WebMEngine {
	return &WebMEngine{logger: logger}
}

func (e *WebMEngine) IsTypeSupported(mimeType string) bool {
	base, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	if base != "audio/webm" && base != "video/webm" {
		return false
	}
	codecs, ok := params["codecs"]
	if !ok {
		return true
	}
	for _, c := range strings.Split(codecs, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if !supportedCodecs[c] {
			return false
		}
		if c == "vp8" && base == "audio/webm" {
			return false
		}
	}
	return true
}

func (e *WebMEngine) Start(ctx context.Context, req ports.CaptureRequest) (ports.CaptureSession, error) {
	if !e.IsTypeSupported(req.MimeType) {
		return nil, apperrors.NewUnsupportedFormatError(req.MimeType)
	}
	if len(req.Tracks) == 0 {
		return nil, apperrors.NewNoLocalStreamError()
	}
	for _, t := range req.Tracks {
		if !supportedCodecs[strings.ToLower(t.Codec())] {
			return nil, apperrors.NewUnsupportedFormatError(t.Codec())
		}
	}
	if req.OnChunk == nil {
		req.OnChunk = func([]byte) {}
	}
	if req.Interval <= 0 {
		req.Interval = defaultInterval
	}

	s := &webmSession{
		req:    req,
		logger: e.logger,
		buf:    newChunkBuffer(),
		frames: make(chan taggedFrame, 256),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		start:  time.Now(),
	}
	for i, t := range req.Tracks {
		if t.Kind() == domain.TrackKindVideo {
			s.hasVideo = true
		}
		ch, cancel := t.Subscribe()
		s.cancels = append(s.cancels, cancel)
		s.wg.Add(1)
		go s.forward(i, ch)
	}

	if !s.hasVideo {
		if err := s.initWriters(defaultWidth, defaultHeight); err != nil {
			s.detach()
			return nil, err
		}
	}

	go s.run()

	e.logger.Infow("Capture started",
		"mime_type", req.MimeType,
		"tracks", len(req.Tracks),
		"interval", req.Interval,
	)
	return s, nil
}

type taggedFrame struct {
	index int
	frame domain.Frame
	ts    int64
}

type webmSession struct {
	req    ports.CaptureRequest
	logger *zap.SugaredLogger
	buf    *chunkBuffer
	start  time.Time

	hasVideo bool
	writers  []webm.BlockWriteCloser
	pending  []taggedFrame

	frames  chan taggedFrame
	cancels []func()
	wg      sync.WaitGroup

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func (s *webmSession) forward(index int, ch <-chan domain.Frame) {
	defer s.wg.Done()
	for f := range ch {
		select {
		case s.frames <- taggedFrame{index: index, frame: f}:
		case <-s.stop:
			return
		}
	}
}

func (s *webmSession) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.req.Interval)
	defer ticker.Stop()

	var waitKeyframe <-chan time.Time
	if s.writers == nil {
		timer := time.NewTimer(keyframeWait)
		defer timer.Stop()
		waitKeyframe = timer.C
	}

	for {
		select {
		case tf := <-s.frames:
			tf.ts = time.Since(s.start).Milliseconds()
			s.handle(tf)
		case <-waitKeyframe:
			waitKeyframe = nil
			if s.writers == nil {
				s.logger.Warnw("No video keyframe yet, using default frame size")
				s.initAndDrain(defaultWidth, defaultHeight)
			}
		case <-ticker.C:
			s.emit()
		case <-s.stop:
			s.finish()
			return
		}
	}
}

func (s *webmSession) handle(tf taggedFrame) {
	if s.writers != nil {
		s.write(tf)
		return
	}

	track := s.req.Tracks[tf.index]
	if track.Kind() == domain.TrackKindVideo {
		if !tf.frame.Keyframe {
			return
		}
		w, h, ok := vp8FrameSize(tf.frame.Data)
		if !ok {
			w, h = defaultWidth, defaultHeight
		}
		s.pending = append(s.pending, tf)
		s.initAndDrain(w, h)
		return
	}
	s.pending = append(s.pending, tf)
}

func (s *webmSession) initAndDrain(width, height int) {
	if err := s.initWriters(width, height); err != nil {
		s.logger.Errorw("Failed to start WebM muxer", "error", err)
		return
	}
	for _, tf := range s.pending {
		s.write(tf)
	}
	s.pending = nil
}

func (s *webmSession) initWriters(width, height int) error {
	entries := make([]webm.TrackEntry, len(s.req.Tracks))
	for i, t := range s.req.Tracks {
		entry := webm.TrackEntry{
			Name:        t.ID(),
			TrackNumber: uint64(i + 1),
			TrackUID:    uint64(i + 1),
		}
		if t.Kind() == domain.TrackKindVideo {
			entry.CodecID = "V_VP8"
			entry.TrackType = 1
			entry.Video = &webm.Video{
				PixelWidth:  uint64(width),
				PixelHeight: uint64(height),
			}
		} else {
			entry.CodecID = "A_OPUS"
			entry.TrackType = 2
			entry.Audio = &webm.Audio{
				SamplingFrequency: 48000.0,
				Channels:          2,
			}
		}
		entries[i] = entry
	}

	writers, err := webm.NewSimpleBlockWriter(s.buf, entries)
	if err != nil {
		return fmt.Errorf("failed to create WebM writer: %w", err)
	}
	s.writers = writers
	return nil
}

func (s *webmSession) write(tf taggedFrame) {
	keyframe := tf.frame.Keyframe || s.req.Tracks[tf.index].Kind() == domain.TrackKindAudio
	if _, err := s.writers[tf.index].Write(keyframe, tf.ts, tf.frame.Data); err != nil {
		s.logger.Warnw("Failed to write frame",
			"track_id", s.req.Tracks[tf.index].ID(),
			"error", err,
		)
	}
}

func (s *webmSession) emit() {
	if data := s.buf.Flush(); len(data) > 0 {
		s.req.OnChunk(data)
	}
}

func (s *webmSession) detach() {
	for _, cancel := range s.cancels {
		cancel()
	}
}

func (s *webmSession) finish() {
	s.detach()
	s.wg.Wait()
	for drained := false; !drained; {
		select {
		case tf := <-s.frames:
			tf.ts = time.Since(s.start).Milliseconds()
			s.handle(tf)
		default:
			drained = true
		}
	}

	if s.writers == nil {
		s.initAndDrain(defaultWidth, defaultHeight)
	}
	for _, w := range s.writers {
		w.Close()
	}
	if s.writers != nil {
		select {
		case <-s.buf.Closed():
		case <-time.After(finalizeWait):
			s.logger.Warnw("WebM muxer did not finalize in time")
		}
	}
	s.emit()
}

// Stop finalizes the container. The last OnChunk call has returned when Stop
// returns nil.
func (s *webmSession) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// vp8FrameSize reads the dimensions from a VP8 keyframe header.
func vp8FrameSize(frame []byte) (int, int, bool) {
	if len(frame) < 10 || frame[0]&0x01 != 0 {
		return 0, 0, false
	}
	if frame[3] != 0x9d || frame[4] != 0x01 || frame[5] != 0x2a {
		return 0, 0, false
	}
	w := int(binary.LittleEndian.Uint16(frame[6:8]) & 0x3fff)
	h := int(binary.LittleEndian.Uint16(frame[8:10]) & 0x3fff)
	if w == 0 || h == 0 {
		return 0, 0, false
	}
	return w, h, true
}
