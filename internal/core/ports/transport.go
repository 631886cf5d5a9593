package ports

import (
	"context"

	"instacast/internal/core/domain"
)

type TransportEventKind int

const (
	EventConnectionOpen TransportEventKind = iota
	EventConnectionMessage
	EventConnectionClose
	EventConnectionError
	EventIncomingCall
	EventCallStream
	EventCallClose
	EventCallError
)

func (k TransportEventKind) String() string {
	switch k {
	case EventConnectionOpen:
		return "connection_open"
	case EventConnectionMessage:
		return "connection_message"
	case EventConnectionClose:
		return "connection_close"
	case EventConnectionError:
		return "connection_error"
	case EventIncomingCall:
		return "incoming_call"
	case EventCallStream:
		return "call_stream"
	case EventCallClose:
		return "call_close"
	case EventCallError:
		return "call_error"
	default:
		return "unknown"
	}
}

// TransportEvent is everything a transport reports about its connections and
// calls. Exactly one of Conn or Call is set.
type TransportEvent struct {
	Kind    TransportEventKind
	Conn    DataConnection
	Call    MediaCall
	Stream  MediaStream
	Message domain.ControlMessage
	Err     error
}

// Peer returns the remote identity of the connection or call.
func (e TransportEvent) Peer() domain.PeerID {
	if e.Conn != nil {
		return e.Conn.PeerID()
	}
	if e.Call != nil {
		return e.Call.PeerID()
	}
	return ""
}

// EventSink receives transport events. Implementations may be called from
// any goroutine.
type EventSink func(TransportEvent)

// PeerTransport establishes data connections and media calls between
// identified peers.
type PeerTransport interface {
	// Open allocates the local identity and starts delivering events to sink.
	Open(ctx context.Context, sink EventSink) (domain.PeerID, error)
	ID() domain.PeerID
	// Connect dials a data connection. The connection is usable once an
	// EventConnectionOpen for it is delivered.
	Connect(ctx context.Context, remote domain.PeerID) (DataConnection, error)
	// Call places a media call carrying stream.
	Call(ctx context.Context, remote domain.PeerID, stream MediaStream) (MediaCall, error)
	Close() error
}

type DataConnection interface {
	ID() string
	PeerID() domain.PeerID
	Send(msg domain.ControlMessage) error
	Close() error
}

type MediaCall interface {
	ID() string
	PeerID() domain.PeerID
	Answer(stream MediaStream) error
	Close() error
}
