package capture

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
)

func writeOgg(t *testing.T, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mic.ogg")
	w, err := oggwriter.New(path, opusSampleRate, 2)
	require.NoError(t, err)
	for i := 0; i < frames; i++ {
		require.NoError(t, w.WriteRTP(&rtp.Packet{
			Header:  rtp.Header{Timestamp: uint32(i * 960)},
			Payload: []byte{0xfc, 0x01, 0x02, byte(i)},
		}))
	}
	require.NoError(t, w.Close())
	return path
}

func firstFrame(t *testing.T, track ports.MediaTrack) domain.Frame {
	t.Helper()
	ch, cancel := track.Subscribe()
	defer cancel()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from capture track")
		return domain.Frame{}
	}
}

func TestDevice_SilenceWhenNoAudioSource(t *testing.T) {
	d := NewDevice(Options{}, zap.NewNop().Sugar())
	stream, err := d.Acquire(context.Background(), domain.MediaConstraints{Audio: true})
	require.NoError(t, err)
	defer stream.Stop()

	audio := ports.TracksOfKind(stream, domain.TrackKindAudio)
	require.Len(t, audio, 1)
	assert.Equal(t, "opus", audio[0].Codec())

	f := firstFrame(t, audio[0])
	assert.Equal(t, opusSilence, f.Data)
	assert.Equal(t, opusFrameDuration, f.Duration)

	_, ok := audio[0].(ports.LevelMeter)
	assert.True(t, ok)
}

func TestDevice_NoCameraContinuesAudioOnly(t *testing.T) {
	d := NewDevice(Options{}, zap.NewNop().Sugar())
	stream, err := d.Acquire(context.Background(), domain.MediaConstraints{Audio: true, Video: true})
	require.NoError(t, err)
	defer stream.Stop()

	assert.Len(t, ports.TracksOfKind(stream, domain.TrackKindAudio), 1)
	assert.Empty(t, ports.TracksOfKind(stream, domain.TrackKindVideo))
}

func TestDevice_MissingFilesFail(t *testing.T) {
	d := NewDevice(Options{AudioSource: "/nonexistent/mic.ogg"}, zap.NewNop().Sugar())
	_, err := d.Acquire(context.Background(), domain.MediaConstraints{Audio: true})
	assert.Error(t, err)

	d = NewDevice(Options{VideoSource: "/nonexistent/cam.ivf"}, zap.NewNop().Sugar())
	_, err = d.Acquire(context.Background(), domain.MediaConstraints{Audio: true, Video: true})
	assert.Error(t, err)
}

func TestDevice_NothingRequested(t *testing.T) {
	d := NewDevice(Options{}, zap.NewNop().Sugar())
	_, err := d.Acquire(context.Background(), domain.MediaConstraints{})
	assert.ErrorIs(t, err, domain.ErrNoDevice)
}

func TestDevice_ReadsOggSource(t *testing.T) {
	path := writeOgg(t, 5)
	d := NewDevice(Options{AudioSource: path}, zap.NewNop().Sugar())
	stream, err := d.Acquire(context.Background(), domain.MediaConstraints{Audio: true})
	require.NoError(t, err)
	defer stream.Stop()

	f := firstFrame(t, ports.TracksOfKind(stream, domain.TrackKindAudio)[0])
	require.NotEmpty(t, f.Data)
	assert.Equal(t, byte(0xfc), f.Data[0])
}

func TestOggSource_Durations(t *testing.T) {
	path := writeOgg(t, 3)
	r, err := openOgg(path)
	require.NoError(t, err)
	defer r.Close()

	var frames []domain.Frame
	for {
		f, err := r.ReadFrame()
		if err != nil {
			break
		}
		frames = append(frames, f)
	}
	require.Len(t, frames, 3)
	assert.Equal(t, opusFrameDuration, frames[1].Duration)
	assert.Equal(t, opusFrameDuration, frames[2].Duration)
}

func TestDevice_StopEndsPump(t *testing.T) {
	d := NewDevice(Options{}, zap.NewNop().Sugar())
	stream, err := d.Acquire(context.Background(), domain.MediaConstraints{Audio: true})
	require.NoError(t, err)

	track := ports.TracksOfKind(stream, domain.TrackKindAudio)[0]
	ch, cancel := track.Subscribe()
	defer cancel()

	stream.Stop()
	for range ch {
	}
}
