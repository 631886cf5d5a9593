package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
	apperrors "instacast/pkg/errors"
	"instacast/pkg/tracing"
	"instacast/pkg/utils"
)

var errSuperseded = errors.New("superseded by a newer role change")

// ConnectionManager drives the peer session. Every transport callback enters
// through Dispatch, which applies the transition under one lock and runs the
// resulting side effects after the lock is released.
type ConnectionManager struct {
	transport   ports.PeerTransport
	capture     ports.MediaCapture
	metrics     ports.SessionMetrics
	logger      *zap.SugaredLogger
	callTimeout time.Duration

	openMu sync.Mutex

	mu    sync.Mutex
	state *SessionState

	notifyMu     sync.Mutex
	listeners    []func(domain.Session)
	lastReported domain.Session
}

// NewConnectionManager builds a manager over transport and capture. The
// transport is opened lazily by the first role start. callTimeout bounds the
// guest's outgoing media call.
func NewConnectionManager(
	transport ports.PeerTransport,
	capture ports.MediaCapture,
	metrics ports.SessionMetrics,
	logger *zap.SugaredLogger,
	callTimeout time.Duration,
) *ConnectionManager {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &ConnectionManager{
		transport:   transport,
		capture:     capture,
		metrics:     metrics,
		logger:      logger,
		callTimeout: callTimeout,
		state:       NewSessionState(),
		lastReported: domain.Session{
			Status: domain.StatusDisconnected,
		},
	}
}

// OnSessionChange adds fn to the listeners that receive a snapshot after
// every change, in registration order. fn must not call mutating methods of
// the manager.
func (m *ConnectionManager) OnSessionChange(fn func(domain.Session)) {
	m.notifyMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.notifyMu.Unlock()
}

// Open initializes the transport once and returns the local identity.
func (m *ConnectionManager) Open(ctx context.Context) (domain.PeerID, error) {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	if id := m.transport.ID(); id != "" {
		return id, nil
	}

	id, err := m.transport.Open(ctx, m.Dispatch)
	if err != nil {
		return "", apperrors.NewTransportInitError(err)
	}

	m.mu.Lock()
	m.state.SetLocalID(id)
	m.mu.Unlock()

	m.logger.Infow("Peer transport opened", "peer_id", id)
	m.publish()
	return id, nil
}

// StartAsHost acquires camera and microphone and starts accepting guests.
func (m *ConnectionManager) StartAsHost(ctx context.Context) (err error) {
	ctx, span := tracing.TraceSession(ctx, "start_as_host", string(domain.RoleHost))
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	gen := m.beginRole(domain.RoleHost, "")

	stream, err := m.capture.Acquire(ctx, domain.MediaConstraints{Audio: true, Video: true})
	if err != nil {
		return m.failRole(gen, apperrors.NewMediaAccessDeniedError(err))
	}

	// Guests may open data connections as soon as the transport is up, so
	// the stream has to be in place before Open returns.
	if !m.attachLocalStream(gen, stream) {
		return errSuperseded
	}

	if _, err := m.Open(ctx); err != nil {
		m.detachLocalStream(gen, stream)
		return m.failRole(gen, err)
	}

	m.mu.Lock()
	if m.state.Generation() != gen {
		m.mu.Unlock()
		return errSuperseded
	}
	m.state.SetStatus(domain.StatusConnected)
	id := m.state.LocalID()
	m.mu.Unlock()

	m.logger.Infow("Hosting session",
		"peer_id", id,
		"tracks", len(stream.Tracks()),
	)
	m.publish()
	return nil
}

// JoinAsGuest acquires the microphone and dials hostID. The session becomes
// connected when the transport reports the data connection open.
func (m *ConnectionManager) JoinAsGuest(ctx context.Context, hostID domain.PeerID) (err error) {
	if hostID == "" {
		return apperrors.NewInvalidInputError("host id is required")
	}

	ctx, span := tracing.TraceSession(ctx, "join_as_guest", string(domain.RoleGuest))
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	gen := m.beginRole(domain.RoleGuest, hostID)

	stream, err := m.capture.Acquire(ctx, domain.MediaConstraints{Audio: true})
	if err != nil {
		return m.failRole(gen, apperrors.NewMediaAccessDeniedError(err))
	}

	if _, err := m.Open(ctx); err != nil {
		stream.Stop()
		return m.failRole(gen, err)
	}

	if !m.attachLocalStream(gen, stream) {
		return errSuperseded
	}

	conn, err := m.transport.Connect(ctx, hostID)
	if err != nil {
		m.detachLocalStream(gen, stream)
		return m.failRole(gen, apperrors.NewConnectionError(string(hostID), err))
	}

	m.mu.Lock()
	if m.state.Generation() != gen {
		m.mu.Unlock()
		conn.Close()
		return errSuperseded
	}
	m.state.SetHost(hostID, conn)
	m.mu.Unlock()

	m.logger.Infow("Dialing host",
		"host_id", hostID,
		"connection_id", conn.ID(),
	)
	return nil
}

// beginRole clears whatever the previous role owned and enters connecting.
func (m *ConnectionManager) beginRole(role domain.Role, hostID domain.PeerID) uint64 {
	m.mu.Lock()
	rel := m.state.ResetRole(role)
	m.state.hostID = hostID
	m.state.SetStatus(domain.StatusConnecting)
	gen := m.state.Generation()
	m.mu.Unlock()

	if !rel.empty() {
		m.logger.Infow("Released previous session",
			"connections", len(rel.conns),
			"calls", len(rel.calls),
		)
	}
	m.release(rel)
	m.publish()
	return gen
}

// attachLocalStream stores stream for generation gen. A superseded start
// stops the stream and gets false.
func (m *ConnectionManager) attachLocalStream(gen uint64, stream ports.MediaStream) bool {
	m.mu.Lock()
	if m.state.Generation() != gen {
		m.mu.Unlock()
		stream.Stop()
		return false
	}
	m.state.SetLocalStream(stream)
	m.mu.Unlock()
	return true
}

// detachLocalStream undoes attachLocalStream after a failed start and stops
// the tracks. A newer generation has already released the stream itself.
func (m *ConnectionManager) detachLocalStream(gen uint64, stream ports.MediaStream) {
	m.mu.Lock()
	owned := m.state.Generation() == gen && m.state.LocalStream() == stream
	if owned {
		m.state.SetLocalStream(nil)
	}
	m.mu.Unlock()

	if owned {
		stream.Stop()
	}
}

// failRole records err for generation gen and reverts to disconnected.
func (m *ConnectionManager) failRole(gen uint64, err error) error {
	m.mu.Lock()
	if m.state.Generation() == gen {
		m.state.Fail(err)
	}
	m.mu.Unlock()

	m.logger.Warnw("Session start failed", "error", err)
	m.publish()
	return err
}

// ToggleGuestMute flips the guest's mute flag and sends it the new value.
// The local flag is kept even if the send fails.
func (m *ConnectionManager) ToggleGuestMute(guestID domain.PeerID) error {
	m.mu.Lock()
	if m.state.Role() != domain.RoleHost {
		m.mu.Unlock()
		return domain.ErrNotHost
	}
	g := m.state.Guest(guestID)
	if g == nil {
		m.mu.Unlock()
		return domain.ErrGuestNotFound
	}
	g.entry.Muted = !g.entry.Muted
	muted := g.entry.Muted
	conn := g.conn
	m.mu.Unlock()

	m.publish()

	if conn == nil {
		m.logger.Debugw("Guest not connected, mute kept locally", "guest_id", guestID)
		return nil
	}
	if err := conn.Send(domain.NewToggleMute(muted)); err != nil {
		m.logger.Warnw("Failed to send mute",
			"guest_id", guestID,
			"error", err,
		)
		return apperrors.NewConnectionError(string(guestID), err)
	}
	m.metrics.ControlMessageSent()
	return nil
}

// ToggleMute sets the local mute state. Local audio tracks follow it and a
// connected guest also tells its host.
func (m *ConnectionManager) ToggleMute(muted bool) error {
	m.mu.Lock()
	m.state.SetMuted(muted)
	stream := m.state.LocalStream()
	var conn ports.DataConnection
	var hostID domain.PeerID
	if m.state.Role() == domain.RoleGuest {
		if h := m.state.Host(); h != nil && h.entry.Connected {
			conn = h.conn
			hostID = h.entry.ID
		}
	}
	m.mu.Unlock()

	setAudioEnabled(stream, !muted)
	m.publish()

	if conn == nil {
		return nil
	}
	if err := conn.Send(domain.NewToggleMute(muted)); err != nil {
		return apperrors.NewConnectionError(string(hostID), err)
	}
	m.metrics.ControlMessageSent()
	return nil
}

// Dispatch is the single intake for transport events.
func (m *ConnectionManager) Dispatch(ev ports.TransportEvent) {
	m.mu.Lock()
	effects, changed := m.apply(ev)
	m.mu.Unlock()

	for _, fx := range effects {
		fx()
	}
	if changed {
		m.publish()
	}
}

func (m *ConnectionManager) apply(ev ports.TransportEvent) ([]func(), bool) {
	if m.state.Closed() {
		return m.reject(ev), false
	}

	switch ev.Kind {
	case ports.EventConnectionOpen:
		return m.onConnectionOpen(ev.Conn)
	case ports.EventConnectionMessage:
		return m.onConnectionMessage(ev.Conn, ev.Message)
	case ports.EventConnectionClose:
		return m.onConnectionClosed(ev.Conn, nil)
	case ports.EventConnectionError:
		return m.onConnectionClosed(ev.Conn, ev.Err)
	case ports.EventIncomingCall:
		return m.onIncomingCall(ev.Call)
	case ports.EventCallStream:
		return m.onCallStream(ev.Call, ev.Stream)
	case ports.EventCallClose, ports.EventCallError:
		return m.onCallEnded(ev.Call, ev.Err)
	}
	return nil, false
}

// reject closes unsolicited inbound resources.
func (m *ConnectionManager) reject(ev ports.TransportEvent) []func() {
	switch ev.Kind {
	case ports.EventConnectionOpen:
		if ev.Conn != nil {
			conn := ev.Conn
			return []func(){func() { conn.Close() }}
		}
	case ports.EventIncomingCall:
		if ev.Call != nil {
			call := ev.Call
			return []func(){func() { call.Close() }}
		}
	}
	return nil
}

func (m *ConnectionManager) onConnectionOpen(conn ports.DataConnection) ([]func(), bool) {
	if conn == nil {
		return nil, false
	}

	switch m.state.Role() {
	case domain.RoleHost:
		if m.state.Status() == domain.StatusDisconnected {
			return m.reject(ports.TransportEvent{Kind: ports.EventConnectionOpen, Conn: conn}), false
		}
		_, rel := m.state.UpsertGuest(conn, utils.Now())
		m.logger.Infow("Guest connected",
			"guest_id", conn.PeerID(),
			"connection_id", conn.ID(),
		)
		return []func(){
			func() { m.release(rel) },
			m.metrics.GuestConnected,
		}, true

	case domain.RoleGuest:
		h := m.state.HostByConn(conn)
		if h == nil {
			m.logger.Debugw("Ignoring connection open from non-host peer", "peer_id", conn.PeerID())
			return m.reject(ports.TransportEvent{Kind: ports.EventConnectionOpen, Conn: conn}), false
		}
		h.entry.Connected = true
		m.state.SetStatus(domain.StatusConnected)

		gen := m.state.Generation()
		hostID := h.entry.ID
		stream := m.state.LocalStream()
		m.logger.Infow("Connected to host", "host_id", hostID)
		return []func(){func() { m.placeHostCall(gen, hostID, stream) }}, true
	}

	return m.reject(ports.TransportEvent{Kind: ports.EventConnectionOpen, Conn: conn}), false
}

// placeHostCall sends the guest's microphone to the host once the data
// connection is open. The call is dropped if the role changed meanwhile.
func (m *ConnectionManager) placeHostCall(gen uint64, hostID domain.PeerID, stream ports.MediaStream) {
	if stream == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.callTimeout)
	defer cancel()

	call, err := m.transport.Call(ctx, hostID, stream)
	if err != nil {
		m.logger.Warnw("Failed to call host",
			"host_id", hostID,
			"error", err,
		)
		m.mu.Lock()
		if m.state.Generation() == gen {
			m.state.lastErr = apperrors.NewConnectionError(string(hostID), err)
		}
		m.mu.Unlock()
		m.publish()
		return
	}

	m.mu.Lock()
	h := m.state.Host()
	// stale
	if m.state.Generation() != gen || h == nil || !h.entry.Connected {
		m.mu.Unlock()
		call.Close()
		return
	}
	if h.call != nil && h.call.ID() != call.ID() {
		old := h.call
		defer old.Close()
	}
	h.call = call
	h.entry.CallConnectionID = call.ID()
	m.mu.Unlock()

	m.publish()
}

func (m *ConnectionManager) onConnectionMessage(conn ports.DataConnection, msg domain.ControlMessage) ([]func(), bool) {
	if msg.Type != domain.ControlTypeToggleMute {
		return nil, false
	}

	switch m.state.Role() {
	case domain.RoleHost:
		g := m.state.GuestByConn(conn)
		if g == nil {
			return nil, false
		}
		g.entry.Muted = msg.Muted
		g.entry.LastSeen = utils.Now()
		return []func(){m.metrics.ControlMessageReceived}, true

	case domain.RoleGuest:
		h := m.state.HostByConn(conn)
		if h == nil {
			return nil, false
		}
		h.entry.Muted = msg.Muted
		m.state.SetMuted(msg.Muted)
		stream := m.state.LocalStream()
		m.logger.Infow("Mute set by host", "muted", msg.Muted)
		return []func(){
			func() { setAudioEnabled(stream, !msg.Muted) },
			m.metrics.ControlMessageReceived,
		}, true
	}
	return nil, false
}

func (m *ConnectionManager) onConnectionClosed(conn ports.DataConnection, cause error) ([]func(), bool) {
	switch m.state.Role() {
	case domain.RoleHost:
		g := m.state.GuestByConn(conn)
		if g == nil {
			return nil, false
		}
		// The row stays in the roster so a reconnect reuses it.
		m.state.MarkGuestDisconnected(g, utils.Now())
		if cause != nil {
			m.logger.Warnw("Guest connection failed",
				"guest_id", g.entry.ID,
				"error", cause,
			)
		} else {
			m.logger.Infow("Guest disconnected", "guest_id", g.entry.ID)
		}
		return []func(){m.metrics.GuestDisconnected}, true

	case domain.RoleGuest:
		h := m.state.HostByConn(conn)
		if h == nil {
			return nil, false
		}
		// Drop the host link but keep the local stream until the next role.
		wasConnected := h.entry.Connected
		h.entry.Connected = false
		h.conn = nil
		call := h.call
		h.call = nil
		h.stream = nil
		h.entry.CallConnectionID = ""

		if cause != nil {
			m.state.Fail(apperrors.NewConnectionError(string(h.entry.ID), cause))
		} else {
			m.state.SetStatus(domain.StatusDisconnected)
		}
		m.logger.Infow("Host connection ended",
			"host_id", h.entry.ID,
			"was_connected", wasConnected,
			"error", cause,
		)

		var effects []func()
		if cause != nil {
			effects = append(effects, func() { conn.Close() })
		}
		if call != nil {
			effects = append(effects, func() { call.Close() })
		}
		return effects, true
	}
	return nil, false
}

func (m *ConnectionManager) onIncomingCall(call ports.MediaCall) ([]func(), bool) {
	if call == nil {
		return nil, false
	}
	reject := m.reject(ports.TransportEvent{Kind: ports.EventIncomingCall, Call: call})

	if m.state.Role() != domain.RoleHost {
		return reject, false
	}
	g := m.state.Guest(call.PeerID())
	if g == nil || !g.entry.Connected {
		m.logger.Debugw("Rejecting call from unknown peer", "peer_id", call.PeerID())
		return reject, false
	}

	// A new call from the same guest replaces the old one.
	var effects []func()
	if g.call != nil && g.call.ID() != call.ID() {
		old := g.call
		effects = append(effects, func() { old.Close() })
	}
	g.call = call
	g.stream = nil
	g.entry.CallConnectionID = call.ID()
	g.entry.HasAudio = false

	// Answer outside the lock; a failed answer comes back as a call error.
	stream := m.state.LocalStream()
	effects = append(effects, func() {
		if err := call.Answer(stream); err != nil {
			m.Dispatch(ports.TransportEvent{Kind: ports.EventCallError, Call: call, Err: err})
		}
	})
	return effects, true
}

func (m *ConnectionManager) onCallStream(call ports.MediaCall, stream ports.MediaStream) ([]func(), bool) {
	switch m.state.Role() {
	case domain.RoleHost:
		g := m.state.GuestByCall(call)
		if g == nil {
			return nil, false
		}
		g.stream = stream
		g.entry.HasAudio = len(ports.TracksOfKind(stream, domain.TrackKindAudio)) > 0
		m.logger.Infow("Guest stream arrived",
			"guest_id", g.entry.ID,
			"has_audio", g.entry.HasAudio,
		)
		return nil, true

	case domain.RoleGuest:
		h := m.state.HostByCall(call)
		if h == nil {
			return nil, false
		}
		h.stream = stream
		return nil, true
	}
	return nil, false
}

func (m *ConnectionManager) onCallEnded(call ports.MediaCall, cause error) ([]func(), bool) {
	if cause != nil {
		m.logger.Warnw("Media call failed",
			"peer_id", peerOf(call),
			"error", cause,
		)
	}

	switch m.state.Role() {
	case domain.RoleHost:
		g := m.state.GuestByCall(call)
		if g == nil {
			return nil, false
		}
		g.call = nil
		g.stream = nil
		g.entry.CallConnectionID = ""
		g.entry.HasAudio = false
		return []func(){func() { call.Close() }}, true

	case domain.RoleGuest:
		h := m.state.HostByCall(call)
		if h == nil {
			return nil, false
		}
		h.call = nil
		h.stream = nil
		h.entry.CallConnectionID = ""
		return []func(){func() { call.Close() }}, true
	}
	return nil, false
}

// Snapshot returns a copy of the current session.
func (m *ConnectionManager) Snapshot() domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Snapshot()
}

// Role returns the role the session currently plays.
func (m *ConnectionManager) Role() domain.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Role()
}

// LocalID returns the identity assigned by the transport, empty until Open.
func (m *ConnectionManager) LocalID() domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LocalID()
}

// LocalStream returns the captured camera or microphone stream of the
// current role, or nil.
func (m *ConnectionManager) LocalStream() ports.MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LocalStream()
}

// AudioTrackSet returns the remote audio of every connected guest.
func (m *ConnectionManager) AudioTrackSet() []GuestAudio {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Role() != domain.RoleHost {
		return nil
	}
	return m.state.AudioTrackSet()
}

// ShouldPollDiscovery reports whether a guest-side directory refresh is
// useful right now.
func (m *ConnectionManager) ShouldPollDiscovery() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.state.Closed() &&
		m.state.Role() != domain.RoleHost &&
		m.state.Status() == domain.StatusDisconnected
}

// Shutdown stops local tracks, closes every connection and call, then
// releases the transport. Events arriving afterwards are ignored.
func (m *ConnectionManager) Shutdown() error {
	m.mu.Lock()
	if m.state.Closed() {
		m.mu.Unlock()
		return nil
	}
	rel := m.state.Close()
	m.mu.Unlock()

	m.release(rel)

	var err error
	if m.transport.ID() != "" {
		if cerr := m.transport.Close(); cerr != nil {
			err = fmt.Errorf("failed to close transport: %w", cerr)
		}
	}

	m.logger.Infow("Session closed",
		"connections", len(rel.conns),
		"calls", len(rel.calls),
	)
	m.publish()
	return err
}

// release stops the local stream first, then closes connections and calls.
func (m *ConnectionManager) release(rel releaseSet) {
	if rel.stream != nil {
		rel.stream.Stop()
	}
	for _, c := range rel.conns {
		if err := c.Close(); err != nil {
			m.logger.Debugw("Close connection", "connection_id", c.ID(), "error", err)
		}
	}
	for _, c := range rel.calls {
		if err := c.Close(); err != nil {
			m.logger.Debugw("Close call", "call_id", c.ID(), "error", err)
		}
	}
}

func (m *ConnectionManager) publish() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	snap := m.Snapshot()
	if snap.Role != m.lastReported.Role || snap.Status != m.lastReported.Status {
		m.metrics.StatusChanged(snap.Role, snap.Status)
	}
	m.lastReported = snap

	for _, fn := range m.listeners {
		fn(snap)
	}
}

func setAudioEnabled(stream ports.MediaStream, enabled bool) {
	for _, t := range ports.TracksOfKind(stream, domain.TrackKindAudio) {
		t.SetEnabled(enabled)
	}
}

func peerOf(call ports.MediaCall) domain.PeerID {
	if call == nil {
		return ""
	}
	return call.PeerID()
}
