package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"

	"instacast/internal/core/domain"
)

const (
	opusSampleRate    = 48000
	opusFrameDuration = 20 * time.Millisecond
)

// A single Opus frame (TOC 0xf8: CELT fullband 20ms) that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// frameReader yields encoded frames from one source until io.EOF.
type frameReader interface {
	ReadFrame() (domain.Frame, error)
	Close() error
}

type opener func() (frameReader, error)

type oggSource struct {
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func openOgg(path string) (frameReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ogg open %s: %w", path, err)
	}
	return &oggSource{file: f, reader: r}, nil
}

func (s *oggSource) ReadFrame() (domain.Frame, error) {
	for {
		page, header, err := s.reader.ParseNextPage()
		if err != nil {
			return domain.Frame{}, err
		}
		// OpusTags and other header pages carry no audio.
		if header.GranulePosition == 0 || len(page) == 0 {
			continue
		}

		duration := opusFrameDuration
		if header.GranulePosition > s.lastGranule {
			samples := header.GranulePosition - s.lastGranule
			if d := time.Duration(samples) * time.Second / opusSampleRate; d > 0 && d <= time.Second {
				duration = d
			}
		}
		s.lastGranule = header.GranulePosition

		return domain.Frame{Data: page, Duration: duration, Keyframe: true}, nil
	}
}

func (s *oggSource) Close() error { return s.file.Close() }

type ivfSource struct {
	file     *os.File
	reader   *ivfreader.IVFReader
	duration time.Duration
}

func openIVF(path string) (frameReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ivf open %s: %w", path, err)
	}

	duration := 33 * time.Millisecond
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		duration = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}
	return &ivfSource{
		file:     f,
		reader:   r,
		duration: duration,
	}, nil
}

func (s *ivfSource) ReadFrame() (domain.Frame, error) {
	frame, _, err := s.reader.ParseNextFrame()
	if err != nil {
		return domain.Frame{}, err
	}
	return domain.Frame{
		Data:     frame,
		Duration: s.duration,
		Keyframe: len(frame) > 0 && frame[0]&0x01 == 0,
	}, nil
}

func (s *ivfSource) Close() error { return s.file.Close() }

type silenceSource struct{}

func openSilence() (frameReader, error) { return silenceSource{}, nil }

func (silenceSource) ReadFrame() (domain.Frame, error) {
	return domain.Frame{Data: opusSilence, Duration: opusFrameDuration, Keyframe: true}, nil
}

func (silenceSource) Close() error { return nil }

// probe opens and immediately closes a source so that missing or malformed
// files fail Acquire instead of the pump.
func probe(open opener) error {
	r, err := open()
	if err != nil {
		return err
	}
	_, err = r.ReadFrame()
	r.Close()
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("source has no frames: %w", err)
	}
	return err
}
