package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
	rlog "instacast/pkg/logger"
	"instacast/pkg/tracing"
	"instacast/pkg/utils"
	"instacast/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Metrics receives rendezvous server measurements.
type Metrics interface {
	PeerRegistered(host bool)
	PeerUnregistered(host bool)
	MessageRelayed(msgType, kind string)
	MessageRejected(code string)
}

type nopMetrics struct{}

func (nopMetrics) PeerRegistered(bool)           {}
func (nopMetrics) PeerUnregistered(bool)         {}
func (nopMetrics) MessageRelayed(string, string) {}
func (nopMetrics) MessageRejected(string)        {}

type ServerOptions struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	HostTTL           time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		HostTTL:        2 * time.Minute,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

// Server relays negotiation messages between registered peers and keeps the
// host directory in sync with connected hosts.
type Server struct {
	hosts   ports.HostRepository
	metrics Metrics
	opts    ServerOptions

	upgrader websocket.Upgrader

	peers map[domain.PeerID]*peerConn
	mu    sync.RWMutex

	logger    *zap.SugaredLogger
	ctxLogger *rlog.ContextLogger
}

type peerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	timeout time.Duration
	limiter *rate.Limiter

	id   domain.PeerID
	name string
	host bool
}

func (p *peerConn) send(msg Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(p.timeout))
	return p.conn.WriteJSON(msg)
}

func (p *peerConn) ping() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.timeout))
}

func NewServer(hosts ports.HostRepository, opts ServerOptions, metrics Metrics, logger *zap.SugaredLogger) *Server {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	s := &Server{
		hosts:     hosts,
		metrics:   metrics,
		opts:      opts,
		peers:     make(map[domain.PeerID]*peerConn),
		logger:    logger,
		ctxLogger: rlog.NewContextLogger(logger),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(s.opts.MaxMessageSize)
	}

	pc := &peerConn{conn: conn, timeout: s.opts.WriteTimeout}
	if s.opts.MessagesPerSecond > 0 {
		pc.limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}

	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Message, 16)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
			messageChan <- msg
		}
	}()

	ctx := r.Context()
	for {
		select {
		case msg := <-messageChan:
			if pc.limiter != nil && !pc.limiter.Allow() {
				s.metrics.MessageRejected(CodeRateLimited)
				s.sendError(pc, msg, CodeRateLimited, "too many messages")
				continue
			}
			if err := s.handleMessage(ctx, pc, msg); err != nil {
				code, text := CodeInvalidMessage, err.Error()
				var se *Error
				if errors.As(err, &se) {
					code, text = se.Code, se.Message
				}
				s.metrics.MessageRejected(code)
				s.logger.Infow("error handling message from peer", "peer_id", pc.id, "type", msg.Type, "error", err)
				s.sendError(pc, msg, code, text)
			}

		case <-pingTicker.C:
			if err := pc.ping(); err != nil {
				s.logger.Infow("error sending ping", "peer_id", pc.id, "error", err)
				s.cleanup(pc)
				return
			}
			if pc.host {
				if err := s.hosts.Touch(ctx, pc.id, s.opts.HostTTL); err != nil {
					s.logger.Warnw("failed to refresh host announcement", "peer_id", pc.id, "error", err)
				}
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", pc.id, "error", err)
			}
			s.cleanup(pc)
			return
		}
	}
}

func (s *Server) cleanup(pc *peerConn) {
	if pc.id == "" {
		return
	}

	s.mu.Lock()
	if s.peers[pc.id] == pc {
		delete(s.peers, pc.id)
	}
	s.mu.Unlock()

	if pc.host {
		// the request context is gone by now
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.hosts.Remove(ctx, pc.id); err != nil && !errors.Is(err, domain.ErrHostNotFound) {
			s.logger.Warnw("failed to remove host announcement", "peer_id", pc.id, "error", err)
		}
	}
	s.metrics.PeerUnregistered(pc.host)
	s.logger.Infow("peer disconnected", "peer_id", pc.id, "host", pc.host)
}

func (s *Server) handleMessage(ctx context.Context, pc *peerConn, msg Message) error {
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}

	ctx, span := tracing.TraceWebSocketMessage(ctx, msg.Type, string(pc.id))
	defer span.End()
	ctx = rlog.WithPeerID(ctx, string(pc.id))
	if msg.RequestID != "" {
		ctx = rlog.WithRequestID(ctx, msg.RequestID)
	}

	var err error
	switch msg.Type {
	case TypeRegister:
		err = s.handleRegister(ctx, pc, msg)
	case TypeOffer, TypeAnswer, TypeHangup:
		err = s.handleRelay(ctx, pc, msg)
	case TypeListHosts:
		err = s.handleListHosts(ctx, pc, msg)
	case TypePing:
		err = pc.send(Message{Type: TypePong, RequestID: msg.RequestID})
	default:
		err = fmt.Errorf("unknown message type: %s", msg.Type)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (s *Server) handleRegister(ctx context.Context, pc *peerConn, msg Message) error {
	if pc.id != "" {
		return &Error{Code: CodeInvalidMessage, Message: "already registered as " + string(pc.id)}
	}

	var payload RegisterPayload
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	if err := validation.ValidatePeerID(string(payload.PeerID)); err != nil {
		return err
	}
	if err := validation.ValidateDisplayName(payload.Name); err != nil {
		return err
	}

	s.mu.Lock()
	if _, taken := s.peers[payload.PeerID]; taken {
		s.mu.Unlock()
		return &Error{Code: CodeIDTaken, Message: "peer id already registered"}
	}
	pc.id = payload.PeerID
	pc.name = utils.SanitizeDisplayName(payload.Name, validation.MaxDisplayNameLength)
	pc.host = payload.Host
	s.peers[pc.id] = pc
	s.mu.Unlock()

	if pc.host {
		announcement := &domain.HostAnnouncement{ID: pc.id, Name: pc.name}
		if err := s.hosts.Announce(ctx, announcement, s.opts.HostTTL); err != nil {
			s.ctxLogger.LogWarn(ctx, "failed to announce host", "error", err)
		}
	}

	s.metrics.PeerRegistered(pc.host)
	s.ctxLogger.LogInfo(ctx, "peer registered", "host", pc.host)

	reply, err := NewMessage(TypeRegistered, RegisterPayload{PeerID: pc.id, Name: pc.name, Host: pc.host})
	if err != nil {
		return err
	}
	reply.RequestID = msg.RequestID
	return pc.send(reply)
}

func (s *Server) handleRelay(ctx context.Context, pc *peerConn, msg Message) error {
	if pc.id == "" {
		return &Error{Code: CodeNotRegistered, Message: "register before sending " + msg.Type}
	}
	if err := validation.ValidatePeerID(string(msg.To)); err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	if msg.ConnectionID == "" {
		return fmt.Errorf("connection_id is required")
	}
	if msg.Kind != KindData && msg.Kind != KindMedia {
		return fmt.Errorf("kind must be %q or %q", KindData, KindMedia)
	}

	if msg.Type != TypeHangup {
		var payload SDPPayload
		if err := msg.Decode(&payload); err != nil {
			return err
		}
		if err := validation.ValidateSDP(payload.SDP); err != nil {
			return fmt.Errorf("invalid SDP in %s: %w", msg.Type, err)
		}
	}

	s.mu.RLock()
	target, ok := s.peers[msg.To]
	s.mu.RUnlock()
	if !ok {
		return &Error{Code: CodePeerUnavailable, Message: fmt.Sprintf("peer %s is not connected", msg.To)}
	}

	msg.From = pc.id
	s.ctxLogger.LogDebug(ctx, "routing message",
		"type", msg.Type,
		"to_peer", msg.To,
		"kind", msg.Kind,
		"connection_id", msg.ConnectionID,
	)
	if err := target.send(msg); err != nil {
		return &Error{Code: CodePeerUnavailable, Message: fmt.Sprintf("failed to reach peer %s: %v", msg.To, err)}
	}
	s.metrics.MessageRelayed(msg.Type, msg.Kind)
	return nil
}

func (s *Server) handleListHosts(ctx context.Context, pc *peerConn, msg Message) error {
	hosts, err := s.ListHosts(ctx)
	if err != nil {
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
	reply, err := NewMessage(TypeHosts, HostsPayload{Hosts: hosts})
	if err != nil {
		return err
	}
	reply.RequestID = msg.RequestID
	return pc.send(reply)
}

// ListHosts returns the announced hosts that are still connected here.
func (s *Server) ListHosts(ctx context.Context) ([]domain.HostInfo, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "list", "hosts")
	defer span.End()

	announced, err := s.hosts.List(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	hosts := make([]domain.HostInfo, 0, len(announced))
	for _, a := range announced {
		hosts = append(hosts, a.Info())
	}
	return hosts, nil
}

func (s *Server) sendError(pc *peerConn, msg Message, code, message string) {
	reply, err := NewMessage(TypeError, ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	reply.RequestID = msg.RequestID
	reply.ConnectionID = msg.ConnectionID
	reply.Kind = msg.Kind
	reply.From = msg.To
	pc.send(reply)
}

func (s *Server) ConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.peers))
	for id := range s.peers {
		peers = append(peers, id)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

func (s *Server) IsPeerConnected(peerID domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[peerID]
	return ok
}

func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// CloseAll sends a going-away close to every registered peer. Their
// handlers then clean up as on any disconnect.
func (s *Server) CloseAll() {
	s.mu.RLock()
	peers := make([]*peerConn, 0, len(s.peers))
	for _, pc := range s.peers {
		peers = append(peers, pc)
	}
	s.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, pc := range peers {
		pc.writeMu.Lock()
		pc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(pc.timeout))
		pc.writeMu.Unlock()
		pc.conn.Close()
	}
	s.logger.Infow("closed peer connections", "count", len(peers))
}
