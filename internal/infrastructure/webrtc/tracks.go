package webrtc

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
	"instacast/internal/infrastructure/media"
	"instacast/pkg/utils"

	"github.com/pion/rtcp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	pmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"
	"go.uber.org/zap"
)

const (
	opusClockRate = 48000
	vp8ClockRate  = 90000

	// Packets a sample builder may hold back while waiting for reordering.
	audioMaxLate = 10
	videoMaxLate = 128

	keyframeRequestInterval = 2 * time.Second
)

func localCapability(track ports.MediaTrack) (webrtc.RTPCodecCapability, error) {
	switch strings.ToLower(track.Codec()) {
	case "opus":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2}, nil
	case "vp8":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: vp8ClockRate}, nil
	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("unsupported codec %q on track %s", track.Codec(), track.ID())
	}
}

func newLocalTrack(track ports.MediaTrack, streamID string) (*webrtc.TrackLocalStaticSample, error) {
	capability, err := localCapability(track)
	if err != nil {
		return nil, err
	}
	return webrtc.NewTrackLocalStaticSample(capability, track.ID(), streamID)
}

// pumpSamples forwards frames from track to local until the returned func is
// called or the track stops.
func pumpSamples(track ports.MediaTrack, local *webrtc.TrackLocalStaticSample, logger *zap.SugaredLogger) func() {
	frames, cancel := track.Subscribe()
	go func() {
		written := 0
		for f := range frames {
			if err := local.WriteSample(pmedia.Sample{Data: f.Data, Duration: f.Duration}); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					continue
				}
				logger.Debugw("Failed to write sample", "track_id", track.ID(), "error", err)
				continue
			}
			written++
		}
		logger.Debugw("Sample pump stopped", "track_id", track.ID(), "samples", written)
	}()
	return cancel
}

// receiveTrack depacketizes a remote track into a media.Track. Video tracks
// get periodic keyframe requests so recorders can start promptly.
func receiveTrack(remote *webrtc.TrackRemote, pc *webrtc.PeerConnection, logger *zap.SugaredLogger) (*media.Track, error) {
	mime := remote.Codec().MimeType

	var (
		kind    domain.TrackKind
		codec   string
		builder *samplebuilder.SampleBuilder
	)
	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeOpus):
		kind, codec = domain.TrackKindAudio, "opus"
		builder = samplebuilder.New(audioMaxLate, &codecs.OpusPacket{}, opusClockRate)
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		kind, codec = domain.TrackKindVideo, "vp8"
		builder = samplebuilder.New(videoMaxLate, &codecs.VP8Packet{}, vp8ClockRate)
	default:
		return nil, fmt.Errorf("unsupported remote codec %s", mime)
	}

	track := media.NewTrack(string(kind)+"-"+utils.GenerateConnectionID(), kind, codec)
	done := make(chan struct{})

	if kind == domain.TrackKindVideo {
		go requestKeyframes(pc, uint32(remote.SSRC()), done, logger)
	}

	go func() {
		defer close(done)
		defer track.Stop()
		for {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					logger.Debugw("Remote track read ended", "track_id", track.ID(), "error", err)
				}
				return
			}
			if track.Stopped() {
				return
			}
			builder.Push(pkt)
			for s := builder.Pop(); s != nil; s = builder.Pop() {
				track.WriteFrame(domain.Frame{
					Data:     s.Data,
					Duration: s.Duration,
					Keyframe: kind == domain.TrackKindVideo && isVP8Keyframe(s.Data),
				})
			}
		}
	}()

	return track, nil
}

func isVP8Keyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}

func requestKeyframes(pc *webrtc.PeerConnection, ssrc uint32, done <-chan struct{}, logger *zap.SugaredLogger) {
	send := func() bool {
		err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			logger.Debugw("Failed to request keyframe", "ssrc", ssrc, "error", err)
		}
		return err == nil
	}

	send()
	ticker := time.NewTicker(keyframeRequestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !send() && pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
				return
			}
		case <-done:
			return
		}
	}
}

// rtcpStats keeps the latest loss and jitter reported on a call.
type rtcpStats struct {
	mu           sync.Mutex
	fractionLost uint8
	jitter       uint32
	nacks        int
	plis         int
}

func newRTCPStats() *rtcpStats {
	return &rtcpStats{}
}

func (s *rtcpStats) observe(packets []rtcp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				s.fractionLost = report.FractionLost
				s.jitter = report.Jitter
			}
		case *rtcp.TransportLayerNack:
			s.nacks += len(p.Nacks)
		case *rtcp.PictureLossIndication:
			s.plis++
		}
	}
}

// summary returns the last fraction lost (0..1), interarrival jitter and the
// NACK and PLI counts.
func (s *rtcpStats) summary() (lost float64, jitter uint32, nacks, plis int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.fractionLost) / 255.0, s.jitter, s.nacks, s.plis
}

// readSenderRTCP drains RTCP for a local track. Interceptors only run while
// something reads.
func (c *mediaCall) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		c.stats.observe(packets)
	}
}

func (c *mediaCall) readReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range packets {
			if sr, ok := p.(*rtcp.SenderReport); ok {
				c.t.logger.Debugw("Received sender report",
					"remote_peer", c.remote,
					"packet_count", sr.PacketCount,
					"octet_count", sr.OctetCount,
				)
			}
		}
	}
}
