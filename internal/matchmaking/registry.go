package matchmaking

import (
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

// ConnectionID identifies one live duplex connection.
type ConnectionID string

// Connection is the send side of a duplex connection.
type Connection interface {
	Send(message Outbound) error
	Close() error
	IsOpen() bool
}

// Participant binds a connection to an optional identity. A zero UserID is a guest.
type Participant struct {
	ConnectionID ConnectionID
	UserID       ledger.UserID
	Conn         Connection
}

// Authenticated reports whether the participant may wager.
func (participant *Participant) Authenticated() bool {
	return !participant.UserID.IsZero()
}

// Send delivers a message to the participant's connection.
func (participant *Participant) Send(message Outbound) error {
	return participant.Conn.Send(message)
}

// IsOpen reports whether the connection can still receive messages.
func (participant *Participant) IsOpen() bool {
	return participant.Conn != nil && participant.Conn.IsOpen()
}

func sameIdentity(left *Participant, right *Participant) bool {
	if left.ConnectionID == right.ConnectionID {
		return true
	}
	return left.Authenticated() && right.Authenticated() && left.UserID == right.UserID
}

// Registry maps live connections to participants. It is owned by the event loop
// and is not safe for concurrent use.
type Registry struct {
	participants map[ConnectionID]*Participant
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{participants: make(map[ConnectionID]*Participant)}
}

// Register adds or replaces the participant for its connection.
func (registry *Registry) Register(participant *Participant) {
	registry.participants[participant.ConnectionID] = participant
}

// Unregister forgets a connection.
func (registry *Registry) Unregister(connectionID ConnectionID) {
	delete(registry.participants, connectionID)
}

// Get returns the participant bound to connectionID.
func (registry *Registry) Get(connectionID ConnectionID) (*Participant, bool) {
	participant, ok := registry.participants[connectionID]
	return participant, ok
}

// ByUser returns every open connection of an authenticated user.
func (registry *Registry) ByUser(userID ledger.UserID) []*Participant {
	if userID.IsZero() {
		return nil
	}
	var matches []*Participant
	for _, participant := range registry.participants {
		if participant.UserID == userID && participant.IsOpen() {
			matches = append(matches, participant)
		}
	}
	return matches
}

// Len returns the number of registered connections.
func (registry *Registry) Len() int {
	return len(registry.participants)
}
