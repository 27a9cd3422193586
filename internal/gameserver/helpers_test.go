package gameserver_test

import (
	"time"

	"github.com/cory-johannsen/tickserver/internal/game/world"
	"github.com/cory-johannsen/tickserver/internal/protocol"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// manualClock only moves when told to or when slept on.
type manualClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newManualClock() *manualClock { return &manualClock{now: epoch} }

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// recordingOutbox stands in for the transport: it keeps a session table and
// records every delivery per recipient.
type recordingOutbox struct {
	sessions map[protocol.SessionID]bool
	got      map[protocol.SessionID][]protocol.ServerEvent
	evicted  []protocol.SessionID
}

func newRecordingOutbox() *recordingOutbox {
	return &recordingOutbox{
		sessions: make(map[protocol.SessionID]bool),
		got:      make(map[protocol.SessionID][]protocol.ServerEvent),
	}
}

// session registers a new address and returns its id.
func (o *recordingOutbox) session() protocol.SessionID {
	id := protocol.NewSessionID()
	o.sessions[id] = true
	return id
}

func (o *recordingOutbox) Send(id protocol.SessionID, ev protocol.ServerEvent) {
	if o.sessions[id] {
		o.got[id] = append(o.got[id], ev)
	}
}

func (o *recordingOutbox) Broadcast(ev protocol.ServerEvent) {
	for id := range o.sessions {
		o.got[id] = append(o.got[id], ev)
	}
}

func (o *recordingOutbox) BroadcastExcept(skip protocol.SessionID, ev protocol.ServerEvent) {
	for id := range o.sessions {
		if id != skip {
			o.got[id] = append(o.got[id], ev)
		}
	}
}

func (o *recordingOutbox) Evict(id protocol.SessionID) {
	delete(o.sessions, id)
	o.evicted = append(o.evicted, id)
}

// take returns and clears the events delivered to id.
func (o *recordingOutbox) take(id protocol.SessionID) []protocol.ServerEvent {
	evs := o.got[id]
	delete(o.got, id)
	return evs
}

func (o *recordingOutbox) reset() {
	o.got = make(map[protocol.SessionID][]protocol.ServerEvent)
}

// fakeWorld records LoadAround calls and can burn manual-clock time.
type fakeWorld struct {
	seed   world.Seed
	calls  [][]world.Coordinate
	onLoad func()
}

func (w *fakeWorld) Seed() world.Seed { return w.seed }

func (w *fakeWorld) LoadAround(positions []world.Coordinate) {
	w.calls = append(w.calls, positions)
	if w.onLoad != nil {
		w.onLoad()
	}
}

type inboundEvent struct {
	id protocol.SessionID
	ev protocol.ClientEvent
}

// queueInbox hands out queued events; each Poll costs pollCost on the clock.
type queueInbox struct {
	clock    *manualClock
	pollCost time.Duration
	queue    []inboundEvent
	polls    int
}

func (q *queueInbox) push(id protocol.SessionID, ev protocol.ClientEvent) {
	q.queue = append(q.queue, inboundEvent{id: id, ev: ev})
}

func (q *queueInbox) Poll() (protocol.SessionID, protocol.ClientEvent, bool) {
	q.polls++
	if q.clock != nil {
		q.clock.Advance(q.pollCost)
	}
	if len(q.queue) == 0 {
		return protocol.SessionID{}, protocol.ClientEvent{}, false
	}
	next := q.queue[0]
	q.queue = q.queue[1:]
	return next.id, next.ev, true
}
