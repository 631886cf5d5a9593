package domain

import "time"

// PeerID is the opaque identity a transport assigns once at startup. A host's
// PeerID doubles as the shareable session identifier.
type PeerID string

type Role string

const (
	RoleUnset Role = ""
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// GuestEntry is one row of the host's roster. Rows are never removed while
// the session lives; a closed guest keeps its row with Connected=false.
type GuestEntry struct {
	ID               PeerID
	DataConnectionID string
	CallConnectionID string
	Muted            bool
	Connected        bool
	HasAudio         bool
	JoinedAt         time.Time
	LastSeen         time.Time
}

// HostEntry is the guest-side view of the one host it joined.
type HostEntry struct {
	ID               PeerID
	DataConnectionID string
	CallConnectionID string
	Muted            bool
	Connected        bool
}

// HostInfo is one entry of the discovery directory.
type HostInfo struct {
	ID   PeerID `json:"id"`
	Name string `json:"name,omitempty"`
}

// DisplayName falls back to the id when no name was announced.
func (h HostInfo) DisplayName() string {
	if h.Name != "" {
		return h.Name
	}
	return string(h.ID)
}

// HostAnnouncement is what the rendezvous server keeps for a registered host.
type HostAnnouncement struct {
	ID          PeerID    `json:"id"`
	Name        string    `json:"name,omitempty"`
	AnnouncedAt time.Time `json:"announced_at"`
	LastSeen    time.Time `json:"last_seen"`
}

func (a HostAnnouncement) Info() HostInfo {
	return HostInfo{ID: a.ID, Name: a.Name}
}
