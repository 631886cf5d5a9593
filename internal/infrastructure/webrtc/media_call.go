package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
	"instacast/internal/infrastructure/media"
	"instacast/internal/infrastructure/signal"
	"instacast/pkg/tracing"

	"github.com/pion/webrtc/v3"
)

var errCallAnswered = errors.New("call already answered")

// mediaCall carries one peer's audio/video in each direction over its own
// PeerConnection. Incoming calls hold the offer until Answer.
type mediaCall struct {
	t      *Transport
	id     string
	remote domain.PeerID
	pc     *webrtc.PeerConnection

	mu        sync.Mutex
	offer     string
	answered  bool
	connected bool
	closed    bool
	stream    *media.Stream
	cancels   []func()
	stats     *rtcpStats
}

func newMediaCall(t *Transport, id string, remote domain.PeerID, pc *webrtc.PeerConnection) *mediaCall {
	return &mediaCall{
		t:      t,
		id:     id,
		remote: remote,
		pc:     pc,
		stream: media.NewStream("remote-" + id),
		stats:  newRTCPStats(),
	}
}

func (c *mediaCall) ID() string            { return c.id }
func (c *mediaCall) PeerID() domain.PeerID { return c.remote }

// watch installs remote track and state handlers.
func (c *mediaCall) watch() {
	c.pc.OnTrack(c.handleRemoteTrack)
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.t.logger.Debugw("Media call state changed",
			"remote_peer", c.remote,
			"connection_id", c.id,
			"state", state.String(),
		)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			c.mu.Lock()
			c.connected = true
			c.mu.Unlock()
		case webrtc.PeerConnectionStateFailed:
			c.remoteClosed(errConnectionFailed)
		}
	})
}

// publish adds a sending track per local track and starts pumping frames.
func (c *mediaCall) publish(stream ports.MediaStream) error {
	if stream == nil {
		return nil
	}
	for _, track := range stream.Tracks() {
		local, err := newLocalTrack(track, stream.ID())
		if err != nil {
			return err
		}
		sender, err := c.pc.AddTrack(local)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		go c.readSenderRTCP(sender)

		cancel := pumpSamples(track, local, c.t.logger)
		c.mu.Lock()
		c.cancels = append(c.cancels, cancel)
		c.mu.Unlock()
	}
	return nil
}

// Answer accepts an incoming call, sending stream back to the caller.
func (c *mediaCall) Answer(stream ports.MediaStream) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrTransportClosed
	}
	if c.answered || c.offer == "" {
		c.mu.Unlock()
		return errCallAnswered
	}
	c.answered = true
	offer := c.offer
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.t.cfg.NegotiationTimeout)
	defer cancel()
	ctx, span := tracing.TraceWebRTC(ctx, "answer", string(c.remote), c.id, signal.KindMedia)
	defer span.End()

	err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer})
	if err == nil {
		err = c.publish(stream)
	}
	if err == nil {
		var answer webrtc.SessionDescription
		if answer, err = c.pc.CreateAnswer(nil); err == nil {
			var sdp string
			if sdp, err = c.t.negotiate(ctx, c.pc, answer); err == nil {
				err = c.t.sendSDP(ctx, signal.TypeAnswer, signal.KindMedia, c.id, c.remote, sdp)
			}
		}
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		c.shutdown(true)
		return fmt.Errorf("failed to answer call from %s: %w", c.remote, err)
	}
	return nil
}

func (c *mediaCall) applyAnswer(answer webrtc.SessionDescription) {
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		c.remoteClosed(fmt.Errorf("failed to apply answer: %w", err))
	}
}

func (c *mediaCall) handleRemoteTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	track, err := receiveTrack(remote, c.pc, c.t.logger)
	if err != nil {
		c.t.logger.Warnw("Ignoring remote track",
			"remote_peer", c.remote,
			"connection_id", c.id,
			"codec", remote.Codec().MimeType,
			"error", err,
		)
		return
	}
	go c.readReceiverRTCP(receiver)

	c.t.logger.Infow("Remote track started",
		"remote_peer", c.remote,
		"connection_id", c.id,
		"track_id", track.ID(),
		"kind", track.Kind(),
	)

	c.stream.AddTrack(track)
	c.t.emit(ports.TransportEvent{Kind: ports.EventCallStream, Call: c, Stream: c.stream})
}

// remoteClosed ends the call from the far side or on failure.
func (c *mediaCall) remoteClosed(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	connected := c.connected
	c.mu.Unlock()

	c.release()

	if cause != nil && !connected {
		c.t.emit(ports.TransportEvent{Kind: ports.EventCallError, Call: c, Err: cause})
		return
	}
	c.t.emit(ports.TransportEvent{Kind: ports.EventCallClose, Call: c})
}

func (c *mediaCall) shutdown(notify bool) {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return
	}
	c.release()
	if notify {
		c.t.sendHangup(signal.KindMedia, c.id, c.remote)
	}
}

// Close hangs up locally. No event is reported for a local close.
func (c *mediaCall) Close() error {
	c.shutdown(true)
	return nil
}

func (c *mediaCall) release() {
	c.t.forget(c.id)

	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	if err := c.pc.Close(); err != nil {
		c.t.logger.Debugw("Failed to close peer connection", "connection_id", c.id, "error", err)
	}
	c.stream.Stop()

	lost, jitter, nacks, plis := c.stats.summary()
	c.t.logger.Debugw("Media call released",
		"remote_peer", c.remote,
		"connection_id", c.id,
		"fraction_lost", lost,
		"jitter", jitter,
		"nacks", nacks,
		"plis", plis,
	)
}
