// Package session tracks the players attached to active client sessions.
package session

import (
	"time"

	"github.com/cory-johannsen/tickserver/internal/game/world"
	"github.com/cory-johannsen/tickserver/internal/protocol"
)

// Player is the server-side state of one connected client.
type Player struct {
	// ID is the session id, also used as the public player id.
	ID protocol.SessionID
	// Position is the last position reported by the client.
	Position world.Coordinate
	// LastActivity is the time of the last Move, or of creation.
	LastActivity time.Time
}

// Registry maps session ids to players.
//
// Invariant: at most one Player per SessionID.
// Registry is not safe for concurrent use; it is owned by the tick loop.
type Registry struct {
	players map[protocol.SessionID]*Player
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{players: make(map[protocol.SessionID]*Player)}
}

// Insert creates a player at the default position, replacing any existing
// entry for id.
//
// Postcondition: Get(id) returns the new player with LastActivity == now.
func (r *Registry) Insert(id protocol.SessionID, now time.Time) *Player {
	p := &Player{ID: id, LastActivity: now}
	r.players[id] = p
	return p
}

// Remove deletes the player for id.
//
// Postcondition: Returns the removed player and true, or (nil, false) if absent.
func (r *Registry) Remove(id protocol.SessionID) (*Player, bool) {
	p, ok := r.players[id]
	if !ok {
		return nil, false
	}
	delete(r.players, id)
	return p, true
}

// Get returns the player for id.
//
// Postcondition: Returns (player, true) if found, or (nil, false) otherwise.
func (r *Registry) Get(id protocol.SessionID) (*Player, bool) {
	p, ok := r.players[id]
	return p, ok
}

// Contains reports whether id has a player.
func (r *Registry) Contains(id protocol.SessionID) bool {
	_, ok := r.players[id]
	return ok
}

// Touch records a move for id.
//
// Postcondition: Returns false if id is absent. Otherwise Position == pos and
// LastActivity never decreases.
func (r *Registry) Touch(id protocol.SessionID, pos world.Coordinate, now time.Time) bool {
	p, ok := r.players[id]
	if !ok {
		return false
	}
	p.Position = pos
	if now.After(p.LastActivity) {
		p.LastActivity = now
	}
	return true
}

// Len returns the number of players.
func (r *Registry) Len() int { return len(r.players) }

// IDs returns every registered session id in unspecified order.
func (r *Registry) IDs() []protocol.SessionID {
	ids := make([]protocol.SessionID, 0, len(r.players))
	for id := range r.players {
		ids = append(ids, id)
	}
	return ids
}

// Positions returns the position of every player in unspecified order.
func (r *Registry) Positions() []world.Coordinate {
	out := make([]world.Coordinate, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, p.Position)
	}
	return out
}

// SweepInactive returns the ids of players silent for at least threshold.
// Players are not removed; the caller disconnects them.
//
// Precondition: threshold > 0.
func (r *Registry) SweepInactive(now time.Time, threshold time.Duration) []protocol.SessionID {
	var stale []protocol.SessionID
	for id, p := range r.players {
		if now.Sub(p.LastActivity) >= threshold {
			stale = append(stale, id)
		}
	}
	return stale
}
