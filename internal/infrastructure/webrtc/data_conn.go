package webrtc

import (
	"errors"
	"fmt"
	"sync"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
	"instacast/internal/infrastructure/signal"

	"github.com/pion/webrtc/v3"
)

var errConnectionFailed = errors.New("peer connection failed")

// dataConn is a control channel carried by its own PeerConnection.
type dataConn struct {
	t      *Transport
	id     string
	remote domain.PeerID
	pc     *webrtc.PeerConnection

	mu     sync.Mutex
	dc     *webrtc.DataChannel
	open   bool
	closed bool
}

func newDataConn(t *Transport, id string, remote domain.PeerID, pc *webrtc.PeerConnection) *dataConn {
	c := &dataConn{t: t, id: id, remote: remote, pc: pc}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debugw("Data connection state changed",
			"remote_peer", remote,
			"connection_id", id,
			"state", state.String(),
		)
		if state == webrtc.PeerConnectionStateFailed {
			c.remoteClosed(errConnectionFailed)
		}
	})
	return c
}

func (c *dataConn) ID() string            { return c.id }
func (c *dataConn) PeerID() domain.PeerID { return c.remote }

func (c *dataConn) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.mu.Lock()
		if c.closed || c.open {
			c.mu.Unlock()
			return
		}
		c.open = true
		c.mu.Unlock()
		c.t.emit(ports.TransportEvent{Kind: ports.EventConnectionOpen, Conn: c})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		cm, err := domain.DecodeControlMessage(msg.Data)
		if err != nil {
			c.t.logger.Warnw("Dropping control message",
				"remote_peer", c.remote,
				"connection_id", c.id,
				"error", err,
			)
			return
		}
		c.t.emit(ports.TransportEvent{Kind: ports.EventConnectionMessage, Conn: c, Message: cm})
	})

	dc.OnClose(func() {
		c.remoteClosed(nil)
	})
}

func (c *dataConn) applyAnswer(answer webrtc.SessionDescription) {
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		c.remoteClosed(fmt.Errorf("failed to apply answer: %w", err))
	}
}

func (c *dataConn) Send(msg domain.ControlMessage) error {
	c.mu.Lock()
	dc, open, closed := c.dc, c.open, c.closed
	c.mu.Unlock()

	if closed {
		return domain.ErrTransportClosed
	}
	if !open || dc == nil {
		return domain.ErrNotConnected
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return dc.SendText(string(data))
}

// remoteClosed ends the connection from the far side or on failure. Before
// the channel opened it reports an error, afterwards a close.
func (c *dataConn) remoteClosed(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wasOpen := c.open
	c.mu.Unlock()

	c.release()

	if !wasOpen {
		if cause == nil {
			cause = errConnectionFailed
		}
		c.t.emit(ports.TransportEvent{Kind: ports.EventConnectionError, Conn: c, Err: cause})
		return
	}
	c.t.emit(ports.TransportEvent{Kind: ports.EventConnectionClose, Conn: c})
}

// shutdown releases a connection that failed during negotiation.
func (c *dataConn) shutdown(notify bool) {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return
	}
	c.release()
	if notify {
		c.t.sendHangup(signal.KindData, c.id, c.remote)
	}
}

// Close hangs up locally. No event is reported for a local close.
func (c *dataConn) Close() error {
	c.shutdown(true)
	return nil
}

func (c *dataConn) release() {
	c.t.forget(c.id)
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc != nil {
		dc.Close()
	}
	if err := c.pc.Close(); err != nil {
		c.t.logger.Debugw("Failed to close peer connection", "connection_id", c.id, "error", err)
	}
}
