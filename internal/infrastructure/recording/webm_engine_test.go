package recording

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
	"instacast/internal/infrastructure/media"
	apperrors "instacast/pkg/errors"
)

var ebmlMagic = []byte{0x1a, 0x45, 0xdf, 0xa3}

type chunkSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (c *chunkSink) add(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, b)
}

func (c *chunkSink) joined() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Join(c.chunks, nil)
}

func (c *chunkSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func newEngine() *WebMEngine {
	return NewWebMEngine(zap.NewNop().Sugar())
}

func vp8Keyframe(width, height int) []byte {
	return []byte{
		0x10, 0x02, 0x00,
		0x9d, 0x01, 0x2a,
		byte(width), byte(width >> 8),
		byte(height), byte(height >> 8),
		0x00, 0x00,
	}
}

func TestWebMEngine_IsTypeSupported(t *testing.T) {
	e := newEngine()
	for mimeType, want := range map[string]bool{
		"audio/webm;codecs=opus":     true,
		"audio/webm":                 true,
		"video/webm;codecs=vp8,opus": true,
		"video/webm;codecs=vp8":      true,
		"video/webm":                 true,
		"audio/webm;codecs=vp8":      false,
		"audio/mp4":                  false,
		"audio/ogg":                  false,
		"audio/wav":                  false,
		"video/webm;codecs=h264":     false,
		"not a mime type;;":          false,
	} {
		assert.Equal(t, want, e.IsTypeSupported(mimeType), mimeType)
	}
}

func TestWebMEngine_StartRejects(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	_, err := e.Start(ctx, ports.CaptureRequest{MimeType: "audio/mp4"})
	assert.ErrorIs(t, err, apperrors.NewUnsupportedFormatError(""))

	_, err = e.Start(ctx, ports.CaptureRequest{MimeType: "audio/webm"})
	assert.ErrorIs(t, err, apperrors.NewNoLocalStreamError())

	h264 := media.NewTrack("v1", domain.TrackKindVideo, "h264")
	_, err = e.Start(ctx, ports.CaptureRequest{MimeType: "video/webm", Tracks: []ports.MediaTrack{h264}})
	assert.ErrorIs(t, err, apperrors.NewUnsupportedFormatError(""))
	assert.Zero(t, h264.Subscribers())
}

func TestWebMEngine_AudioOnlyRecording(t *testing.T) {
	e := newEngine()
	local := media.NewTrack("local-mic", domain.TrackKindAudio, "opus")
	guest := media.NewTrack("guest-mic", domain.TrackKindAudio, "opus")

	sink := &chunkSink{}
	session, err := e.Start(context.Background(), ports.CaptureRequest{
		MimeType: "audio/webm;codecs=opus",
		Tracks:   []ports.MediaTrack{local, guest},
		Interval: 10 * time.Millisecond,
		OnChunk:  sink.add,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, local.Subscribers())
	assert.Equal(t, 1, guest.Subscribers())

	for i := 0; i < 10; i++ {
		local.WriteFrame(domain.Frame{Data: []byte{0xfc, byte(i)}, Duration: 20 * time.Millisecond})
		guest.WriteFrame(domain.Frame{Data: []byte{0xfc, byte(i + 100)}, Duration: 20 * time.Millisecond})
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, session.Stop(ctx))
	require.NoError(t, session.Stop(ctx))

	data := sink.joined()
	require.True(t, bytes.HasPrefix(data, ebmlMagic))
	assert.True(t, bytes.Contains(data, []byte("A_OPUS")))
	assert.True(t, bytes.Contains(data, []byte{0xfc, 109}))
	assert.Zero(t, local.Subscribers())
	assert.Zero(t, guest.Subscribers())

	n := sink.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, sink.count(), "no chunks after stop")
}

func TestWebMEngine_VideoWaitsForKeyframe(t *testing.T) {
	e := newEngine()
	mic := media.NewTrack("mic", domain.TrackKindAudio, "opus")
	cam := media.NewTrack("cam", domain.TrackKindVideo, "vp8")

	sink := &chunkSink{}
	session, err := e.Start(context.Background(), ports.CaptureRequest{
		MimeType: "video/webm;codecs=vp8,opus",
		Tracks:   []ports.MediaTrack{mic, cam},
		Interval: 10 * time.Millisecond,
		OnChunk:  sink.add,
	})
	require.NoError(t, err)

	mic.WriteFrame(domain.Frame{Data: []byte{0xfc, 0x42}, Keyframe: true})
	cam.WriteFrame(domain.Frame{Data: []byte{0x01, 0x02, 0x03}})
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, sink.count(), "nothing is written before the first keyframe")

	cam.WriteFrame(domain.Frame{Data: vp8Keyframe(320, 240), Keyframe: true})
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, session.Stop(context.Background()))

	data := sink.joined()
	require.True(t, bytes.HasPrefix(data, ebmlMagic))
	assert.True(t, bytes.Contains(data, []byte("V_VP8")))
	assert.True(t, bytes.Contains(data, []byte{0xfc, 0x42}), "buffered audio is kept")
}

func TestWebMEngine_StopBeforeKeyframeStillProducesContainer(t *testing.T) {
	e := newEngine()
	cam := media.NewTrack("cam", domain.TrackKindVideo, "vp8")

	sink := &chunkSink{}
	session, err := e.Start(context.Background(), ports.CaptureRequest{
		MimeType: "video/webm",
		Tracks:   []ports.MediaTrack{cam},
		OnChunk:  sink.add,
	})
	require.NoError(t, err)
	require.NoError(t, session.Stop(context.Background()))

	assert.True(t, bytes.HasPrefix(sink.joined(), ebmlMagic))
}

func TestVP8FrameSize(t *testing.T) {
	w, h, ok := vp8FrameSize(vp8Keyframe(1280, 720))
	require.True(t, ok)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	_, _, ok = vp8FrameSize([]byte{0x01, 0x00, 0x00, 0x9d, 0x01, 0x2a, 0, 5, 0, 5})
	assert.False(t, ok, "interframe")

	_, _, ok = vp8FrameSize([]byte{0x10, 0x02})
	assert.False(t, ok, "short")
}

func TestChunkBuffer(t *testing.T) {
	b := newChunkBuffer()
	assert.Nil(t, b.Flush())

	_, _ = b.Write([]byte("ab"))
	_, _ = b.Write([]byte("c"))
	assert.Equal(t, []byte("abc"), b.Flush())
	assert.Nil(t, b.Flush())

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	select {
	case <-b.Closed():
	default:
		t.Fatal("buffer not closed")
	}
}
