// Package udp implements the datagram transport: it owns the socket, maps
// remote addresses to session ids and encodes and decodes events.
package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/tickserver/internal/config"
	"github.com/cory-johannsen/tickserver/internal/protocol"
)

var (
	// ErrNoData means no datagram was waiting.
	ErrNoData = errors.New("no datagram pending")
	// ErrUnknownSession means the destination id has no address.
	ErrUnknownSession = errors.New("unknown session")
)

// Stats is a snapshot of transport counters.
type Stats struct {
	Received       uint64 // datagrams read from the socket
	Dropped        uint64 // datagrams discarded because the inbox was full
	DecodeFailures uint64
	Sent           uint64
	SendFailures   uint64
	UnknownSession uint64 // sends addressed to an id with no address
	Sessions       int64
}

type datagram struct {
	addr    net.Addr
	payload []byte
}

// Transport is a non-blocking UDP endpoint with a session table.
//
// Poll, Send, Broadcast, BroadcastExcept and Evict must be called from a
// single goroutine. Stats and Close may be called from any goroutine.
type Transport struct {
	conn   net.PacketConn
	logger *zap.Logger

	inbox     chan datagram
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	// session table; both directions are always written together
	byAddr map[string]protocol.SessionID
	byID   map[protocol.SessionID]net.Addr

	received       atomic.Uint64
	dropped        atomic.Uint64
	decodeFailures atomic.Uint64
	sent           atomic.Uint64
	sendFailures   atomic.Uint64
	unknown        atomic.Uint64
	sessions       atomic.Int64
}

// Listen binds a UDP socket on cfg.Addr() and starts the transport.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a running Transport, or an error if the bind fails.
func Listen(cfg config.ServerConfig, logger *zap.Logger) (*Transport, error) {
	start := time.Now()
	conn, err := net.ListenPacket("udp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Addr(), err)
	}
	t := New(conn, cfg.InboxSize, logger)
	logger.Info("udp transport listening",
		zap.String("addr", conn.LocalAddr().String()),
		zap.Duration("startup", time.Since(start)),
	)
	return t, nil
}

// New wraps conn and starts the background reader.
//
// Precondition: conn must be open; inboxSize > 0; logger must be non-nil.
// Postcondition: Returns a Transport that owns conn.
func New(conn net.PacketConn, inboxSize int, logger *zap.Logger) *Transport {
	t := &Transport{
		conn:   conn,
		logger: logger,
		inbox:  make(chan datagram, inboxSize),
		done:   make(chan struct{}),
		byAddr: make(map[string]protocol.SessionID),
		byID:   make(map[protocol.SessionID]net.Addr),
	}
	t.wg.Add(1)
	go t.readLoop()
	return t
}

// LocalAddr returns the bound socket address.
func (t *Transport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// readLoop blocks on the socket and hands datagrams to Poll through the inbox.
func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Debug("udp read failed", zap.Error(err))
			continue
		}
		t.received.Add(1)

		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case t.inbox <- datagram{addr: addr, payload: payload}:
		default:
			t.dropped.Add(1)
		}
	}
}

// Poll takes at most one pending datagram without blocking.
//
// Postcondition: Returns ok == false when nothing is pending or the datagram
// does not decode. On any received datagram the sender has a session id.
func (t *Transport) Poll() (protocol.SessionID, protocol.ClientEvent, bool) {
	id, ev, err := t.receive()
	if err != nil {
		return protocol.SessionID{}, protocol.ClientEvent{}, false
	}
	return id, ev, true
}

func (t *Transport) receive() (protocol.SessionID, protocol.ClientEvent, error) {
	var d datagram
	select {
	case d = <-t.inbox:
	default:
		return protocol.SessionID{}, protocol.ClientEvent{}, ErrNoData
	}

	id := t.resolve(d.addr)
	ev, err := protocol.DecodeClient(d.payload)
	if err != nil {
		t.decodeFailures.Add(1)
		t.logger.Debug("dropping undecodable datagram",
			zap.Stringer("session", id),
			zap.Int("bytes", len(d.payload)),
			zap.Error(err),
		)
		return id, protocol.ClientEvent{}, err
	}
	return id, ev, nil
}

// resolve returns the session id for addr, creating one on first contact.
func (t *Transport) resolve(addr net.Addr) protocol.SessionID {
	key := addr.String()
	if id, ok := t.byAddr[key]; ok {
		return id
	}
	id := protocol.NewSessionID()
	t.byAddr[key] = id
	t.byID[id] = addr
	t.sessions.Add(1)
	t.logger.Debug("new session",
		zap.Stringer("session", id),
		zap.String("remote_addr", key),
	)
	return id
}

// Evict forgets both directions of the mapping for id. A later datagram
// from the same address is assigned a fresh id.
func (t *Transport) Evict(id protocol.SessionID) {
	addr, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	delete(t.byAddr, addr.String())
	t.sessions.Add(-1)
}

// Addr returns the remote address of id.
func (t *Transport) Addr(id protocol.SessionID) (net.Addr, bool) {
	addr, ok := t.byID[id]
	return addr, ok
}

// Send delivers ev to id, best effort. Unknown ids and write errors are
// counted and otherwise ignored.
func (t *Transport) Send(id protocol.SessionID, ev protocol.ServerEvent) {
	b, err := t.encode(ev)
	if err != nil {
		return
	}
	_ = t.deliver(id, b)
}

// Broadcast delivers ev to every known session.
func (t *Transport) Broadcast(ev protocol.ServerEvent) {
	b, err := t.encode(ev)
	if err != nil {
		return
	}
	for id := range t.byID {
		_ = t.deliver(id, b)
	}
}

// BroadcastExcept delivers ev to every known session other than skip.
func (t *Transport) BroadcastExcept(skip protocol.SessionID, ev protocol.ServerEvent) {
	b, err := t.encode(ev)
	if err != nil {
		return
	}
	for id := range t.byID {
		if id == skip {
			continue
		}
		_ = t.deliver(id, b)
	}
}

func (t *Transport) encode(ev protocol.ServerEvent) ([]byte, error) {
	b, err := protocol.EncodeServer(ev)
	if err != nil {
		t.sendFailures.Add(1)
		t.logger.Warn("encoding server event", zap.Stringer("kind", ev.Kind), zap.Error(err))
		return nil, err
	}
	return b, nil
}

func (t *Transport) deliver(id protocol.SessionID, b []byte) error {
	addr, ok := t.byID[id]
	if !ok {
		t.unknown.Add(1)
		return fmt.Errorf("sending to %s: %w", id, ErrUnknownSession)
	}
	if _, err := t.conn.WriteTo(b, addr); err != nil {
		t.sendFailures.Add(1)
		t.logger.Debug("udp write failed",
			zap.Stringer("session", id),
			zap.String("remote_addr", addr.String()),
			zap.Error(err),
		)
		return fmt.Errorf("sending to %s: %w", id, err)
	}
	t.sent.Add(1)
	return nil
}

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		Received:       t.received.Load(),
		Dropped:        t.dropped.Load(),
		DecodeFailures: t.decodeFailures.Load(),
		Sent:           t.sent.Load(),
		SendFailures:   t.sendFailures.Load(),
		UnknownSession: t.unknown.Load(),
		Sessions:       t.sessions.Load(),
	}
}

// Close stops the reader and closes the socket. Calling Close more than once
// is safe.
//
// Postcondition: The reader goroutine has exited.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}
