package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
	"instacast/internal/infrastructure/media"
	"instacast/pkg/utils"
)

const meterBins = 32

type Options struct {
	// AudioSource is an Ogg/Opus file looped as the microphone. Empty means
	// Opus silence.
	AudioSource string
	// VideoSource is an IVF/VP8 file looped as the camera. Empty means no
	// camera is present.
	VideoSource string
}

// Device stands in for the local microphone and camera.
type Device struct {
	opts   Options
	logger *zap.SugaredLogger
}

func NewDevice(opts Options, logger *zap.SugaredLogger) *Device {
	return &Device{opts: opts, logger: logger}
}

// Acquire starts one pump per requested device. A missing camera is not an
// error: the stream simply carries no video track.
func (d *Device) Acquire(ctx context.Context, constraints domain.MediaConstraints) (ports.MediaStream, error) {
	if !constraints.Audio && !constraints.Video {
		return nil, fmt.Errorf("no devices requested: %w", domain.ErrNoDevice)
	}

	var audioOpen, videoOpen opener
	if constraints.Audio {
		audioOpen = openSilence
		if d.opts.AudioSource != "" {
			path := d.opts.AudioSource
			audioOpen = func() (frameReader, error) { return openOgg(path) }
		}
		if err := probe(audioOpen); err != nil {
			return nil, fmt.Errorf("microphone: %w", err)
		}
	}
	if constraints.Video {
		if d.opts.VideoSource == "" {
			d.logger.Infow("No camera source configured, continuing without video")
		} else {
			path := d.opts.VideoSource
			videoOpen = func() (frameReader, error) { return openIVF(path) }
			if err := probe(videoOpen); err != nil {
				return nil, fmt.Errorf("camera: %w", err)
			}
		}
	}

	stream := media.NewStream("local-" + utils.GenerateConnectionID())
	if audioOpen != nil {
		track := media.NewMeteredTrack("mic-"+utils.GenerateConnectionID(), "opus", meterBins)
		d.start(track.Track, track.WriteFrame, audioOpen)
		stream.AddTrack(track)
	}
	if videoOpen != nil {
		track := media.NewTrack("cam-"+utils.GenerateConnectionID(), domain.TrackKindVideo, "vp8")
		d.start(track, track.WriteFrame, videoOpen)
		stream.AddTrack(track)
	}

	d.logger.Infow("Local media acquired",
		"stream_id", stream.ID(),
		"audio", audioOpen != nil,
		"video", videoOpen != nil,
	)
	return stream, nil
}

func (d *Device) start(track *media.Track, write func(domain.Frame) bool, open opener) {
	ctx, cancel := context.WithCancel(context.Background())
	track.OnStop(cancel)
	go d.pump(ctx, track.ID(), write, open)
}

// pump paces frames at their own durations and loops the source at EOF.
func (d *Device) pump(ctx context.Context, trackID string, write func(domain.Frame) bool, open opener) {
	var reader frameReader
	defer func() {
		if reader != nil {
			reader.Close()
		}
	}()

	next := time.Now()
	for {
		if reader == nil {
			r, err := open()
			if err != nil {
				d.logger.Warnw("Capture source failed", "track_id", trackID, "error", err)
				return
			}
			reader = r
		}

		frame, err := reader.ReadFrame()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			reader.Close()
			reader = nil
			continue
		}
		if err != nil {
			d.logger.Warnw("Capture read failed", "track_id", trackID, "error", err)
			return
		}

		next = next.Add(frame.Duration)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		write(frame)
	}
}
