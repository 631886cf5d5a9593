package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
	"instacast/internal/infrastructure/signal"
	apperrors "instacast/pkg/errors"
	"instacast/pkg/retry"
	"instacast/pkg/tracing"
	"instacast/pkg/utils"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Signaler carries registration and negotiation messages to the rendezvous
// server. *signal.Client implements it.
type Signaler interface {
	Register(ctx context.Context, id domain.PeerID, name string, host bool) error
	Send(ctx context.Context, msg signal.Message) error
	OnMessage(fn func(signal.Message))
	Close() error
}

// Config configures the peer transport.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// Name and Announce are sent on registration; announced peers are listed
	// in the host directory.
	Name     string
	Announce bool

	// IncludeLoopback gathers loopback candidates, for peers on one host.
	IncludeLoopback bool

	NegotiationTimeout time.Duration
	RegisterAttempts   int
	// NewPeerID generates candidate identities. Defaults to
	// utils.GeneratePeerID.
	NewPeerID func() string
}

func (c *Config) setDefaults() {
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = 10 * time.Second
	}
	if c.RegisterAttempts <= 0 {
		c.RegisterAttempts = 5
	}
	if c.NewPeerID == nil {
		c.NewPeerID = utils.GeneratePeerID
	}
}

// Transport implements ports.PeerTransport on pion. Every data connection
// and every media call is a separate PeerConnection negotiated through the
// signaler with non-trickle ICE.
type Transport struct {
	cfg      Config
	api      *webrtc.API
	signaler Signaler

	openMu sync.Mutex

	mu     sync.RWMutex
	id     domain.PeerID
	conns  map[string]*dataConn
	calls  map[string]*mediaCall
	closed bool

	events   chan ports.TransportEvent
	sink     ports.EventSink
	stopOnce sync.Once
	stopped  chan struct{}

	logger *zap.SugaredLogger
}

func NewTransport(signaler Signaler, cfg Config, logger *zap.SugaredLogger) (*Transport, error) {
	cfg.setDefaults()

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &Transport{
		cfg:      cfg,
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry), webrtc.WithSettingEngine(settingEngine)),
		signaler: signaler,
		conns:    make(map[string]*dataConn),
		calls:    make(map[string]*mediaCall),
		events:   make(chan ports.TransportEvent, 256),
		stopped:  make(chan struct{}),
		logger:   logger,
	}, nil
}

func (t *Transport) ID() domain.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.id
}

// Open registers a fresh identity, retrying when the server reports it as
// taken, and starts delivering events to sink in order.
func (t *Transport) Open(ctx context.Context, sink ports.EventSink) (domain.PeerID, error) {
	t.openMu.Lock()
	defer t.openMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", domain.ErrTransportClosed
	}
	if t.id != "" {
		id := t.id
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	t.signaler.OnMessage(t.handleSignal)

	var id domain.PeerID
	err := retry.Do(ctx, retry.Policy{Attempts: t.cfg.RegisterAttempts}, func(attempt int) error {
		id = domain.PeerID(t.cfg.NewPeerID())
		err := t.signaler.Register(ctx, id, t.cfg.Name, t.cfg.Announce)
		if errors.Is(err, domain.ErrPeerIDTaken) {
			t.logger.Debugw("Peer id taken, retrying", "peer_id", id, "attempt", attempt+1)
			return err
		}
		return retry.Permanent(err)
	})
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.id = id
	t.sink = sink
	t.mu.Unlock()
	go t.deliver()

	t.logger.Infow("Peer transport open", "peer_id", id, "announce", t.cfg.Announce)
	return id, nil
}

func (t *Transport) deliver() {
	for {
		select {
		case ev := <-t.events:
			t.sink(ev)
		case <-t.stopped:
			return
		}
	}
}

func (t *Transport) emit(ev ports.TransportEvent) {
	select {
	case <-t.stopped:
		return
	default:
	}
	select {
	case t.events <- ev:
	case <-t.stopped:
	}
}

func (t *Transport) newPeerConnection() (*webrtc.PeerConnection, error) {
	return t.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   t.cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
}

// negotiate applies desc locally and waits for ICE gathering, returning the
// description to send.
func (t *Transport) negotiate(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", fmt.Errorf("ICE gathering: %w", ctx.Err())
	}
	return pc.LocalDescription().SDP, nil
}

func (t *Transport) sendSDP(ctx context.Context, msgType, kind, connID string, to domain.PeerID, sdp string) error {
	msg, err := signal.NewMessage(msgType, signal.SDPPayload{SDP: sdp})
	if err != nil {
		return err
	}
	msg.To = to
	msg.Kind = kind
	msg.ConnectionID = connID
	return t.signaler.Send(ctx, msg)
}

func (t *Transport) sendHangup(kind, connID string, to domain.PeerID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg := signal.Message{Type: signal.TypeHangup, To: to, Kind: kind, ConnectionID: connID}
	if err := t.signaler.Send(ctx, msg); err != nil {
		t.logger.Debugw("Failed to send hangup", "connection_id", connID, "error", err)
	}
}

// Connect dials a data connection to remote. The returned connection opens
// asynchronously.
func (t *Transport) Connect(ctx context.Context, remote domain.PeerID) (ports.DataConnection, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}

	connID := utils.GenerateConnectionID()
	ctx, span := tracing.TraceWebRTC(ctx, "connect", string(remote), connID, signal.KindData)
	defer span.End()

	pc, err := t.newPeerConnection()
	if err != nil {
		return nil, apperrors.NewTransportInitError(err)
	}
	c := newDataConn(t, connID, remote, pc)

	dc, err := pc.CreateDataChannel("control", nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	c.attach(dc)

	if !t.track(c, nil) {
		pc.Close()
		return nil, domain.ErrTransportClosed
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.NegotiationTimeout)
	defer cancel()

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		var sdp string
		if sdp, err = t.negotiate(ctx, pc, offer); err == nil {
			err = t.sendSDP(ctx, signal.TypeOffer, signal.KindData, connID, remote, sdp)
		}
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		c.shutdown(false)
		return nil, err
	}

	t.logger.Debugw("Data connection offered", "remote_peer", remote, "connection_id", connID)
	return c, nil
}

// Call places a media call to remote carrying stream.
func (t *Transport) Call(ctx context.Context, remote domain.PeerID, stream ports.MediaStream) (ports.MediaCall, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}

	connID := utils.GenerateConnectionID()
	ctx, span := tracing.TraceWebRTC(ctx, "call", string(remote), connID, signal.KindMedia)
	defer span.End()

	pc, err := t.newPeerConnection()
	if err != nil {
		return nil, apperrors.NewTransportInitError(err)
	}
	call := newMediaCall(t, connID, remote, pc)
	call.watch()

	if err := call.publish(stream); err != nil {
		call.shutdown(false)
		return nil, err
	}
	if len(ports.TracksOfKind(stream, domain.TrackKindVideo)) == 0 {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			call.shutdown(false)
			return nil, fmt.Errorf("failed to add video transceiver: %w", err)
		}
	}

	if !t.track(nil, call) {
		call.shutdown(false)
		return nil, domain.ErrTransportClosed
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.NegotiationTimeout)
	defer cancel()

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		var sdp string
		if sdp, err = t.negotiate(ctx, pc, offer); err == nil {
			err = t.sendSDP(ctx, signal.TypeOffer, signal.KindMedia, connID, remote, sdp)
		}
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		call.shutdown(false)
		return nil, err
	}

	t.logger.Debugw("Media call offered", "remote_peer", remote, "connection_id", connID)
	return call, nil
}

func (t *Transport) ready() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return domain.ErrTransportClosed
	}
	if t.id == "" {
		return domain.ErrNotConnected
	}
	return nil
}

func (t *Transport) track(c *dataConn, call *mediaCall) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if c != nil {
		t.conns[c.id] = c
	}
	if call != nil {
		t.calls[call.id] = call
	}
	return true
}

func (t *Transport) forget(connID string) {
	t.mu.Lock()
	delete(t.conns, connID)
	delete(t.calls, connID)
	t.mu.Unlock()
}

func (t *Transport) lookup(connID string, from domain.PeerID) (*dataConn, *mediaCall) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.conns[connID]; ok && c.remote == from {
		return c, nil
	}
	if call, ok := t.calls[connID]; ok && call.remote == from {
		return nil, call
	}
	return nil, nil
}

// handleSignal runs on the signaler's read loop; anything that may block is
// moved to its own goroutine.
func (t *Transport) handleSignal(msg signal.Message) {
	switch msg.Type {
	case signal.TypeOffer:
		switch msg.Kind {
		case signal.KindData:
			go t.acceptData(msg)
		case signal.KindMedia:
			go t.acceptCall(msg)
		default:
			t.logger.Warnw("Dropping offer of unknown kind", "kind", msg.Kind, "from", msg.From)
		}

	case signal.TypeAnswer:
		var payload signal.SDPPayload
		if err := msg.Decode(&payload); err != nil {
			t.logger.Warnw("Dropping malformed answer", "from", msg.From, "error", err)
			return
		}
		c, call := t.lookup(msg.ConnectionID, msg.From)
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
		switch {
		case c != nil:
			go c.applyAnswer(answer)
		case call != nil:
			go call.applyAnswer(answer)
		default:
			t.logger.Debugw("Answer for unknown connection", "connection_id", msg.ConnectionID)
		}

	case signal.TypeHangup:
		c, call := t.lookup(msg.ConnectionID, msg.From)
		if c != nil {
			go c.remoteClosed(nil)
		}
		if call != nil {
			go call.remoteClosed(nil)
		}

	case signal.TypeError:
		err := msg.Err()
		if msg.ConnectionID == "" {
			t.logger.Warnw("Rendezvous server error", "error", err)
			return
		}
		c, call := t.lookup(msg.ConnectionID, msg.From)
		if c != nil {
			go c.remoteClosed(err)
		}
		if call != nil {
			go call.remoteClosed(err)
		}

	case signal.TypePong:
	default:
		t.logger.Debugw("Ignoring signal message", "type", msg.Type)
	}
}

func (t *Transport) acceptData(msg signal.Message) {
	var payload signal.SDPPayload
	if err := msg.Decode(&payload); err != nil {
		t.logger.Warnw("Dropping malformed offer", "from", msg.From, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.NegotiationTimeout)
	defer cancel()
	ctx, span := tracing.TraceWebRTC(ctx, "accept_data", string(msg.From), msg.ConnectionID, signal.KindData)
	defer span.End()

	pc, err := t.newPeerConnection()
	if err != nil {
		t.logger.Errorw("Failed to create peer connection", "error", err)
		return
	}
	c := newDataConn(t, msg.ConnectionID, msg.From, pc)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.attach(dc)
	})
	if !t.track(c, nil) {
		pc.Close()
		return
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
	if err = pc.SetRemoteDescription(offer); err == nil {
		var answer webrtc.SessionDescription
		if answer, err = pc.CreateAnswer(nil); err == nil {
			var sdp string
			if sdp, err = t.negotiate(ctx, pc, answer); err == nil {
				err = t.sendSDP(ctx, signal.TypeAnswer, signal.KindData, c.id, c.remote, sdp)
			}
		}
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		t.logger.Warnw("Failed to accept data connection",
			"remote_peer", msg.From,
			"connection_id", msg.ConnectionID,
			"error", err,
		)
		c.shutdown(true)
	}
}

func (t *Transport) acceptCall(msg signal.Message) {
	var payload signal.SDPPayload
	if err := msg.Decode(&payload); err != nil {
		t.logger.Warnw("Dropping malformed offer", "from", msg.From, "error", err)
		return
	}

	pc, err := t.newPeerConnection()
	if err != nil {
		t.logger.Errorw("Failed to create peer connection", "error", err)
		return
	}
	call := newMediaCall(t, msg.ConnectionID, msg.From, pc)
	call.offer = payload.SDP
	call.watch()
	if !t.track(nil, call) {
		pc.Close()
		return
	}

	t.emit(ports.TransportEvent{Kind: ports.EventIncomingCall, Call: call})
}

// Close tears down every connection and call, then the signaler. Events
// stop being delivered once Close starts.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*dataConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	calls := make([]*mediaCall, 0, len(t.calls))
	for _, c := range t.calls {
		calls = append(calls, c)
	}
	t.mu.Unlock()

	t.stopOnce.Do(func() { close(t.stopped) })

	for _, c := range conns {
		c.Close()
	}
	for _, c := range calls {
		c.Close()
	}

	err := t.signaler.Close()
	t.logger.Infow("Peer transport closed", "connections", len(conns), "calls", len(calls))
	return err
}
