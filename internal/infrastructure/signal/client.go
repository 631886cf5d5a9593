package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"instacast/internal/core/domain"
	"instacast/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrClientClosed = errors.New("signal client closed")

// Client is one websocket session with the rendezvous server. Requests that
// expect a reply carry a request id; everything else is handed to the
// message handler in arrival order.
type Client struct {
	url          string
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	logger       *zap.SugaredLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	id      domain.PeerID
	handler func(Message)
	pending map[string]chan Message
	closed  bool
	done    chan struct{}

	writeMu sync.Mutex
}

func NewClient(url string, logger *zap.SugaredLogger) *Client {
	return &Client{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		writeTimeout: 10 * time.Second,
		logger:       logger,
		pending:      make(map[string]chan Message),
		done:         make(chan struct{}),
	}
}

// OnMessage sets the handler for unsolicited messages. It is called from the
// read loop and must not block for long.
func (c *Client) OnMessage(fn func(Message)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

func (c *Client) ID() domain.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Done is closed when the connection to the server is lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.url, err)
	}
	conn.SetPingHandler(func(data string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.writeTimeout))
	})
	c.conn = conn
	go c.readLoop(conn)

	c.logger.Debugw("Connected to rendezvous server", "url", c.url)
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.shutdown()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Infow("Rendezvous connection lost", "error", err)
			}
			return
		}

		c.mu.Lock()
		reply, waiting := c.pending[msg.RequestID]
		if waiting && msg.RequestID != "" {
			delete(c.pending, msg.RequestID)
		}
		handler := c.handler
		c.mu.Unlock()

		if waiting && msg.RequestID != "" {
			reply <- msg
			continue
		}
		if handler != nil {
			handler(msg)
		}
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// Send writes msg, dialing first if needed. The sender's id is filled in.
func (c *Client) Send(ctx context.Context, msg Message) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if msg.From == "" {
		msg.From = c.ID()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

// request sends msg and waits for the reply carrying the same request id.
func (c *Client) request(ctx context.Context, msg Message) (Message, error) {
	msg.RequestID = utils.GenerateConnectionID()
	reply := make(chan Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Message{}, ErrClientClosed
	}
	c.pending[msg.RequestID] = reply
	c.mu.Unlock()

	if err := c.Send(ctx, msg); err != nil {
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
		return Message{}, err
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return Message{}, ErrClientClosed
		}
		if err := resp.Err(); err != nil {
			return Message{}, err
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
		return Message{}, ctx.Err()
	}
}

// Register claims id on the server. It returns domain.ErrPeerIDTaken when
// another peer already holds it.
func (c *Client) Register(ctx context.Context, id domain.PeerID, name string, host bool) error {
	msg, err := NewMessage(TypeRegister, RegisterPayload{PeerID: id, Name: name, Host: host})
	if err != nil {
		return err
	}
	if _, err := c.request(ctx, msg); err != nil {
		var se *Error
		if errors.As(err, &se) && se.Code == CodeIDTaken {
			return fmt.Errorf("%s: %w", id, domain.ErrPeerIDTaken)
		}
		return fmt.Errorf("failed to register: %w", err)
	}

	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
	return nil
}

// ListHosts asks the server for announced hosts. It does not require the
// client to be registered.
func (c *Client) ListHosts(ctx context.Context) ([]domain.HostInfo, error) {
	resp, err := c.request(ctx, Message{Type: TypeListHosts})
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	var payload HostsPayload
	if err := resp.Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Hosts, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
	}
	c.shutdown()
	return nil
}

// Directory answers discovery queries with a short-lived connection per
// query, so a restarted server does not leave discovery stuck.
type Directory struct {
	url    string
	logger *zap.SugaredLogger
}

func NewDirectory(url string, logger *zap.SugaredLogger) *Directory {
	return &Directory{url: url, logger: logger}
}

func (d *Directory) ListHosts(ctx context.Context) ([]domain.HostInfo, error) {
	c := NewClient(d.url, d.logger)
	defer c.Close()
	return c.ListHosts(ctx)
}
