package domain

import "time"

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Frame is one encoded media sample as delivered by a track.
type Frame struct {
	Data     []byte
	Duration time.Duration
	Keyframe bool
}

// TrackSource records where a recorded track came from.
type TrackSource struct {
	TrackID string    `json:"track_id"`
	Kind    TrackKind `json:"kind"`
	Owner   PeerID    `json:"owner"`
	Local   bool      `json:"local"`
	Codec   string    `json:"codec"`
}

// MediaConstraints selects which local devices to acquire.
type MediaConstraints struct {
	Audio bool
	Video bool
}

// AudioLevel converts a byte spectrum into a 0..100 reading: the mean bin
// magnitude scaled against 255.
func AudioLevel(bins []byte) float64 {
	if len(bins) == 0 {
		return 0
	}
	var sum int
	for _, b := range bins {
		sum += int(b)
	}
	level := float64(sum) / float64(len(bins)) / 255 * 100
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}
