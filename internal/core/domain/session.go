package domain

// Session is a read-only snapshot of the client's session state.
type Session struct {
	LocalID PeerID
	Role    Role
	Status  Status
	HostID  PeerID
	Muted   bool
	Err     error
	Guests  []GuestEntry
	Host    *HostEntry
}

func (s Session) IsHost() bool  { return s.Role == RoleHost }
func (s Session) IsGuest() bool { return s.Role == RoleGuest }

// ConnectedGuests counts roster rows that are currently connected.
func (s Session) ConnectedGuests() int {
	n := 0
	for _, g := range s.Guests {
		if g.Connected {
			n++
		}
	}
	return n
}
