package services

import (
	"sort"
	"time"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
)

type guestRecord struct {
	entry  domain.GuestEntry
	conn   ports.DataConnection
	call   ports.MediaCall
	stream ports.MediaStream
}

type hostRecord struct {
	entry  domain.HostEntry
	conn   ports.DataConnection
	call   ports.MediaCall
	stream ports.MediaStream
}

// GuestAudio is one roster member's contribution to the audio track set.
type GuestAudio struct {
	Peer   domain.PeerID
	Tracks []ports.MediaTrack
}

// releaseSet collects transport and media resources detached from the state
// so they can be closed after the lock is dropped.
type releaseSet struct {
	stream ports.MediaStream
	conns  []ports.DataConnection
	calls  []ports.MediaCall
}

func (r releaseSet) empty() bool {
	return r.stream == nil && len(r.conns) == 0 && len(r.calls) == 0
}

// SessionState is the single owner of the client's mutable session data:
// role, status, local media, the guest roster and the host view. It is not
// safe for concurrent use; ConnectionManager serializes access.
type SessionState struct {
	localID    domain.PeerID
	role       domain.Role
	status     domain.Status
	hostID     domain.PeerID
	lastErr    error
	muted      bool
	generation uint64
	closed     bool

	localStream ports.MediaStream
	guests      map[domain.PeerID]*guestRecord
	host        *hostRecord
}

func NewSessionState() *SessionState {
	return &SessionState{
		status: domain.StatusDisconnected,
		guests: make(map[domain.PeerID]*guestRecord),
	}
}

func (s *SessionState) Role() domain.Role                   { return s.role }
func (s *SessionState) Status() domain.Status               { return s.status }
func (s *SessionState) Generation() uint64                  { return s.generation }
func (s *SessionState) Closed() bool                        { return s.closed }
func (s *SessionState) LocalStream() ports.MediaStream      { return s.localStream }
func (s *SessionState) SetLocalID(id domain.PeerID)         { s.localID = id }
func (s *SessionState) LocalID() domain.PeerID              { return s.localID }
func (s *SessionState) SetStatus(status domain.Status)      { s.status = status }
func (s *SessionState) SetLocalStream(st ports.MediaStream) { s.localStream = st }

// Fail records err and drops back to disconnected.
func (s *SessionState) Fail(err error) {
	s.lastErr = err
	s.status = domain.StatusDisconnected
}

// ResetRole detaches everything owned by the current role and starts a new
// generation with the given role. The returned set must be released by the
// caller.
func (s *SessionState) ResetRole(role domain.Role) releaseSet {
	rel := s.detachAll()
	s.generation++
	s.role = role
	s.status = domain.StatusDisconnected
	s.hostID = ""
	s.lastErr = nil
	s.muted = false
	return rel
}

// Close marks the state terminal. Later events are ignored.
func (s *SessionState) Close() releaseSet {
	rel := s.detachAll()
	s.generation++
	s.closed = true
	s.status = domain.StatusDisconnected
	return rel
}

func (s *SessionState) detachAll() releaseSet {
	var rel releaseSet
	rel.stream = s.localStream
	s.localStream = nil

	for _, g := range s.guests {
		if g.conn != nil {
			rel.conns = append(rel.conns, g.conn)
		}
		if g.call != nil {
			rel.calls = append(rel.calls, g.call)
		}
	}
	s.guests = make(map[domain.PeerID]*guestRecord)

	if s.host != nil {
		if s.host.conn != nil {
			rel.conns = append(rel.conns, s.host.conn)
		}
		if s.host.call != nil {
			rel.calls = append(rel.calls, s.host.call)
		}
		s.host = nil
	}
	return rel
}

// UpsertGuest creates the roster row for conn's peer or refreshes the
// existing one. The previous connection and call, if any, are returned for
// release.
func (s *SessionState) UpsertGuest(conn ports.DataConnection, now time.Time) (*guestRecord, releaseSet) {
	var rel releaseSet
	id := conn.PeerID()

	g, ok := s.guests[id]
	if !ok {
		g = &guestRecord{entry: domain.GuestEntry{ID: id, JoinedAt: now}}
		s.guests[id] = g
	} else {
		if g.conn != nil && g.conn.ID() != conn.ID() {
			rel.conns = append(rel.conns, g.conn)
		}
		if g.call != nil {
			rel.calls = append(rel.calls, g.call)
		}
	}

	g.conn = conn
	g.call = nil
	g.stream = nil
	g.entry.DataConnectionID = conn.ID()
	g.entry.CallConnectionID = ""
	g.entry.Connected = true
	g.entry.Muted = false
	g.entry.HasAudio = false
	g.entry.LastSeen = now
	return g, rel
}

func (s *SessionState) Guest(id domain.PeerID) *guestRecord {
	return s.guests[id]
}

// GuestByConn returns the roster row currently bound to conn.
func (s *SessionState) GuestByConn(conn ports.DataConnection) *guestRecord {
	if conn == nil {
		return nil
	}
	g := s.guests[conn.PeerID()]
	if g == nil || g.conn == nil || g.conn.ID() != conn.ID() {
		return nil
	}
	return g
}

// GuestByCall returns the roster row currently bound to call.
func (s *SessionState) GuestByCall(call ports.MediaCall) *guestRecord {
	if call == nil {
		return nil
	}
	g := s.guests[call.PeerID()]
	if g == nil || g.call == nil || g.call.ID() != call.ID() {
		return nil
	}
	return g
}

// MarkGuestDisconnected keeps the row but drops its data connection.
func (s *SessionState) MarkGuestDisconnected(g *guestRecord, now time.Time) {
	g.conn = nil
	g.entry.Connected = false
	g.entry.LastSeen = now
}

func (s *SessionState) SetHost(id domain.PeerID, conn ports.DataConnection) *hostRecord {
	s.hostID = id
	s.host = &hostRecord{
		entry: domain.HostEntry{ID: id, DataConnectionID: conn.ID()},
		conn:  conn,
	}
	return s.host
}

func (s *SessionState) Host() *hostRecord { return s.host }

// HostByConn returns the host record if conn is its data connection.
func (s *SessionState) HostByConn(conn ports.DataConnection) *hostRecord {
	if s.host == nil || conn == nil || s.host.conn == nil || s.host.conn.ID() != conn.ID() {
		return nil
	}
	return s.host
}

// HostByCall returns the host record if call is its media call.
func (s *SessionState) HostByCall(call ports.MediaCall) *hostRecord {
	if s.host == nil || call == nil || s.host.call == nil || s.host.call.ID() != call.ID() {
		return nil
	}
	return s.host
}

func (s *SessionState) SetMuted(muted bool) { s.muted = muted }
func (s *SessionState) Muted() bool         { return s.muted }

// AudioTrackSet lists connected guests that delivered audio, ordered by id.
func (s *SessionState) AudioTrackSet() []GuestAudio {
	ids := make([]string, 0, len(s.guests))
	for id, g := range s.guests {
		if g.entry.Connected && g.entry.HasAudio && g.stream != nil {
			ids = append(ids, string(id))
		}
	}
	sort.Strings(ids)

	out := make([]GuestAudio, 0, len(ids))
	for _, id := range ids {
		g := s.guests[domain.PeerID(id)]
		tracks := ports.TracksOfKind(g.stream, domain.TrackKindAudio)
		if len(tracks) == 0 {
			continue
		}
		out = append(out, GuestAudio{Peer: g.entry.ID, Tracks: tracks})
	}
	return out
}

// Snapshot copies the state for callers outside the lock.
func (s *SessionState) Snapshot() domain.Session {
	snap := domain.Session{
		LocalID: s.localID,
		Role:    s.role,
		Status:  s.status,
		HostID:  s.hostID,
		Muted:   s.muted,
		Err:     s.lastErr,
	}

	ids := make([]string, 0, len(s.guests))
	for id := range s.guests {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.Guests = append(snap.Guests, s.guests[domain.PeerID(id)].entry)
	}

	if s.host != nil {
		h := s.host.entry
		snap.Host = &h
	}
	return snap
}
