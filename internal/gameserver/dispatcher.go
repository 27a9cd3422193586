package gameserver

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/tickserver/internal/game/session"
	"github.com/cory-johannsen/tickserver/internal/game/world"
	"github.com/cory-johannsen/tickserver/internal/protocol"
)

// Outbox is the sending half of the transport.
type Outbox interface {
	Send(id protocol.SessionID, ev protocol.ServerEvent)
	Broadcast(ev protocol.ServerEvent)
	BroadcastExcept(skip protocol.SessionID, ev protocol.ServerEvent)
	// Evict drops the session mapping of a removed player.
	Evict(id protocol.SessionID)
}

// Outcome describes what Handle did with an event.
type Outcome uint8

const (
	OutcomeIgnored Outcome = iota
	OutcomeConnected
	OutcomeReconnected
	OutcomeDisconnected
	OutcomeMoved
)

// String returns the lower-case name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeConnected:
		return "connected"
	case OutcomeReconnected:
		return "reconnected"
	case OutcomeDisconnected:
		return "disconnected"
	case OutcomeMoved:
		return "moved"
	default:
		return "ignored"
	}
}

// DispatchCounts tallies Handle outcomes and sweep removals.
type DispatchCounts struct {
	Connected    int64
	Reconnected  int64
	Disconnected int64
	Moved        int64
	Ignored      int64
	TimedOut     int64
}

// Dispatcher turns client events into registry mutations and outbound events.
//
// Invariant: every id in the registry was assigned by the transport, and a
// removed player is announced before its session mapping is evicted.
type Dispatcher struct {
	registry *session.Registry
	world    world.Gateway
	out      Outbox
	clock    Clock
	logger   *zap.Logger

	counts [OutcomeMoved + 1]atomic.Int64
	timed  atomic.Int64
}

// NewDispatcher creates a Dispatcher.
//
// Precondition: all arguments must be non-nil.
func NewDispatcher(registry *session.Registry, gw world.Gateway, out Outbox, clock Clock, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		world:    gw,
		out:      out,
		clock:    clock,
		logger:   logger,
	}
}

// Handle applies one client event from id.
//
// Postcondition:
//   - Connect from an unknown session inserts a player, sends it SessionInfo
//     (known ids exclude itself) and announces PlayerConnected to all others.
//   - Connect from a connected session only resends SessionInfo.
//   - Disconnect removes the player and broadcasts PlayerDisconnected to all.
//   - Move updates position and activity and broadcasts PlayerMoved to all.
//   - Disconnect and Move from unknown sessions do nothing.
func (d *Dispatcher) Handle(id protocol.SessionID, ev protocol.ClientEvent) Outcome {
	var out Outcome
	switch ev.Kind {
	case protocol.ClientConnect:
		out = d.connect(id)
	case protocol.ClientDisconnect:
		if d.registry.Contains(id) {
			d.disconnect(id, "client request")
			out = OutcomeDisconnected
		}
	case protocol.ClientMove:
		if d.registry.Touch(id, ev.Position, d.clock.Now()) {
			d.out.Broadcast(protocol.PlayerMoved(id, ev.Position))
			out = OutcomeMoved
		}
	}
	if out == OutcomeIgnored {
		d.logger.Debug("ignoring event",
			zap.Stringer("session", id),
			zap.Stringer("kind", ev.Kind),
		)
	}
	d.counts[out].Add(1)
	return out
}

func (d *Dispatcher) connect(id protocol.SessionID) Outcome {
	if d.registry.Contains(id) {
		d.out.Send(id, protocol.SessionInfo(d.world.Seed(), d.knownExcept(id)))
		return OutcomeReconnected
	}

	// snapshot is taken before insertion, so it never lists the newcomer
	d.out.Send(id, protocol.SessionInfo(d.world.Seed(), d.registry.IDs()))
	d.registry.Insert(id, d.clock.Now())
	d.out.BroadcastExcept(id, protocol.PlayerConnected(id))

	d.logger.Info("player connected",
		zap.Stringer("session", id),
		zap.Int("players", d.registry.Len()),
	)
	return OutcomeConnected
}

func (d *Dispatcher) knownExcept(id protocol.SessionID) []protocol.SessionID {
	ids := d.registry.IDs()
	known := ids[:0]
	for _, other := range ids {
		if other != id {
			known = append(known, other)
		}
	}
	return known
}

// disconnect removes a registered player, announces it, then evicts the session.
func (d *Dispatcher) disconnect(id protocol.SessionID, reason string) {
	d.registry.Remove(id)
	d.out.Broadcast(protocol.PlayerDisconnected(id))
	d.out.Evict(id)

	d.logger.Info("player disconnected",
		zap.Stringer("session", id),
		zap.String("reason", reason),
		zap.Int("players", d.registry.Len()),
	)
}

// Sweep disconnects every player silent for at least threshold.
//
// Precondition: threshold > 0.
// Postcondition: Each returned id was removed and announced exactly once.
func (d *Dispatcher) Sweep(threshold time.Duration) []protocol.SessionID {
	stale := d.registry.SweepInactive(d.clock.Now(), threshold)
	for _, id := range stale {
		d.disconnect(id, "inactive")
	}
	d.timed.Add(int64(len(stale)))
	return stale
}

// Counts returns the outcome tallies.
func (d *Dispatcher) Counts() DispatchCounts {
	return DispatchCounts{
		Connected:    d.counts[OutcomeConnected].Load(),
		Reconnected:  d.counts[OutcomeReconnected].Load(),
		Disconnected: d.counts[OutcomeDisconnected].Load(),
		Moved:        d.counts[OutcomeMoved].Load(),
		Ignored:      d.counts[OutcomeIgnored].Load(),
		TimedOut:     d.timed.Load(),
	}
}
