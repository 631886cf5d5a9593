package media

import (
	"sync"

	"instacast/internal/core/domain"
)

// Opus frames are capped at 1275 bytes per 20ms packet; larger sizes
// saturate the bin.
const maxOpusFrame = 1275

// Meter estimates input level from encoded frame sizes. Louder input costs
// Opus more bits, so the size of each frame relative to the largest possible
// frame is a usable stand-in for the analyser spectrum a decoder would give.
type Meter struct {
	mu   sync.Mutex
	bins []byte
	next int
	full bool
}

func NewMeter(bins int) *Meter {
	if bins <= 0 {
		bins = 32
	}
	return &Meter{bins: make([]byte, bins)}
}

func (m *Meter) Observe(f domain.Frame) {
	v := len(f.Data) * 255 / maxOpusFrame
	if v > 255 {
		v = 255
	}

	m.mu.Lock()
	m.bins[m.next] = byte(v)
	m.next = (m.next + 1) % len(m.bins)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
}

func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return domain.AudioLevel(m.bins)
	}
	return domain.AudioLevel(m.bins[:m.next])
}

// MeteredTrack is an audio track that reports its level.
type MeteredTrack struct {
	*Track
	meter *Meter
}

func NewMeteredTrack(id, codec string, bins int) *MeteredTrack {
	return &MeteredTrack{
		Track: NewTrack(id, domain.TrackKindAudio, codec),
		meter: NewMeter(bins),
	}
}

// WriteFrame meters every frame, including ones dropped while muted.
func (t *MeteredTrack) WriteFrame(f domain.Frame) bool {
	t.meter.Observe(f)
	return t.Track.WriteFrame(f)
}

func (t *MeteredTrack) Level() float64 {
	return t.meter.Level()
}
