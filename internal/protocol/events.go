// Package protocol defines the datagram events exchanged between clients and
// the tick server and their binary encoding.
package protocol

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/cory-johannsen/tickserver/internal/game/world"
)

// MaxDatagramSize is the largest payload a single event may occupy.
const MaxDatagramSize = 65535

// SessionID identifies a client session and doubles as its public player id.
type SessionID = uuid.UUID

// NewSessionID returns a random 128-bit session id.
//
// Postcondition: Returns a version 4 UUID.
func NewSessionID() SessionID {
	return uuid.New()
}

// ClientKind tags a ClientEvent.
type ClientKind uint8

const (
	ClientConnect ClientKind = iota + 1
	ClientDisconnect
	ClientMove
)

// String returns the lower-case name of the kind.
func (k ClientKind) String() string {
	switch k {
	case ClientConnect:
		return "connect"
	case ClientDisconnect:
		return "disconnect"
	case ClientMove:
		return "move"
	default:
		return fmt.Sprintf("client_kind(%d)", uint8(k))
	}
}

// ClientEvent is an inbound event. Position is meaningful only for ClientMove.
type ClientEvent struct {
	Kind     ClientKind
	Position world.Coordinate
}

// Connect returns a connect event.
func Connect() ClientEvent { return ClientEvent{Kind: ClientConnect} }

// Disconnect returns a disconnect event.
func Disconnect() ClientEvent { return ClientEvent{Kind: ClientDisconnect} }

// Move returns a move event to pos.
func Move(pos world.Coordinate) ClientEvent {
	return ClientEvent{Kind: ClientMove, Position: pos}
}

// ServerKind tags a ServerEvent.
type ServerKind uint8

const (
	ServerSessionInfo ServerKind = iota + 1
	ServerPlayerConnected
	ServerPlayerDisconnected
	ServerPlayerMoved
)

// String returns the lower-case name of the kind.
func (k ServerKind) String() string {
	switch k {
	case ServerSessionInfo:
		return "session_info"
	case ServerPlayerConnected:
		return "player_connected"
	case ServerPlayerDisconnected:
		return "player_disconnected"
	case ServerPlayerMoved:
		return "player_moved"
	default:
		return fmt.Sprintf("server_kind(%d)", uint8(k))
	}
}

// ServerEvent is an outbound event.
//
// Field use by kind:
//   - ServerSessionInfo: Seed, KnownIDs
//   - ServerPlayerConnected, ServerPlayerDisconnected: ID
//   - ServerPlayerMoved: ID, Position
type ServerEvent struct {
	Kind     ServerKind
	ID       SessionID
	Position world.Coordinate
	Seed     world.Seed
	KnownIDs []SessionID
}

// SessionInfo returns the snapshot sent to a connecting session.
func SessionInfo(seed world.Seed, known []SessionID) ServerEvent {
	return ServerEvent{Kind: ServerSessionInfo, Seed: seed, KnownIDs: known}
}

// PlayerConnected announces a new player.
func PlayerConnected(id SessionID) ServerEvent {
	return ServerEvent{Kind: ServerPlayerConnected, ID: id}
}

// PlayerDisconnected announces a removed player.
func PlayerDisconnected(id SessionID) ServerEvent {
	return ServerEvent{Kind: ServerPlayerDisconnected, ID: id}
}

// PlayerMoved announces a position change.
func PlayerMoved(id SessionID, pos world.Coordinate) ServerEvent {
	return ServerEvent{Kind: ServerPlayerMoved, ID: id, Position: pos}
}
