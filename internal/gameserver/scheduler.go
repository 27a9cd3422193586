package gameserver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/tickserver/internal/game/session"
	"github.com/cory-johannsen/tickserver/internal/game/world"
	"github.com/cory-johannsen/tickserver/internal/protocol"
)

// Inbox is the receiving half of the transport.
type Inbox interface {
	// Poll returns at most one event without blocking.
	Poll() (protocol.SessionID, protocol.ClientEvent, bool)
}

// SchedulerConfig tunes the tick loop.
type SchedulerConfig struct {
	// Period is the tick budget.
	Period time.Duration
	// InactivityTimeout disconnects silent players; zero disables the sweep.
	InactivityTimeout time.Duration
	// ReportInterval is how often an aggregated summary is logged; zero disables it.
	ReportInterval time.Duration
	// ReportFields adds fields from other components to the summary.
	ReportFields func() []zap.Field
}

// TickStats describes one completed tick.
type TickStats struct {
	Seq     uint64
	Busy    time.Duration // maintenance and drain, before sleeping
	Total   time.Duration // full iteration including the sleep
	MSPT    float64       // Busy in milliseconds
	TPS     float64       // 1 / Total
	Events  int
	Players int
	Overrun bool
}

// Scheduler drives maintenance and event processing at a fixed cadence.
// All game state is mutated on the goroutine calling Tick or Run.
type Scheduler struct {
	cfg        SchedulerConfig
	clock      Clock
	inbox      Inbox
	dispatcher *Dispatcher
	registry   *session.Registry
	world      world.Gateway
	logger     *zap.Logger
	metrics    *Metrics

	seq        uint64
	lastReport time.Time
}

// NewScheduler creates a Scheduler.
//
// Precondition: cfg.Period > 0; all other arguments must be non-nil.
// Postcondition: Returns a Scheduler ready to Run.
func NewScheduler(cfg SchedulerConfig, clock Clock, inbox Inbox, dispatcher *Dispatcher, registry *session.Registry, gw world.Gateway, logger *zap.Logger) *Scheduler {
	if cfg.Period <= 0 {
		panic("gameserver.NewScheduler: period must be > 0")
	}
	return &Scheduler{
		cfg:        cfg,
		clock:      clock,
		inbox:      inbox,
		dispatcher: dispatcher,
		registry:   registry,
		world:      gw,
		logger:     logger,
		metrics:    &Metrics{},
	}
}

// Metrics returns the loop's counters.
func (s *Scheduler) Metrics() *Metrics { return s.metrics }

// Run ticks until ctx is cancelled. Cancellation is observed between ticks.
//
// Postcondition: Returns nil once ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("tick loop started",
		zap.Duration("period", s.cfg.Period),
		zap.Duration("inactivity_timeout", s.cfg.InactivityTimeout),
	)
	s.lastReport = s.clock.Now()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("tick loop stopped", zap.Uint64("ticks", s.seq))
			return nil
		default:
		}
		s.Tick()
	}
}

// Tick runs one iteration: maintenance, a drain bounded by the remaining
// budget, then a sleep for whatever budget is left.
//
// Postcondition: when maintenance alone exhausts the budget, no event is
// polled and no sleep occurs.
func (s *Scheduler) Tick() TickStats {
	start := s.clock.Now()
	s.maintain()

	events := 0
	for s.clock.Now().Sub(start) < s.cfg.Period {
		id, ev, ok := s.inbox.Poll()
		if !ok {
			break
		}
		s.dispatcher.Handle(id, ev)
		events++
	}

	busy := s.clock.Now().Sub(start)
	overrun := busy > s.cfg.Period
	if busy < s.cfg.Period {
		s.clock.Sleep(s.cfg.Period - busy)
	}
	end := s.clock.Now()
	total := end.Sub(start)

	s.seq++
	st := TickStats{
		Seq:     s.seq,
		Busy:    busy,
		Total:   total,
		MSPT:    float64(busy) / float64(time.Millisecond),
		Events:  events,
		Players: s.registry.Len(),
		Overrun: overrun,
	}
	if total > 0 {
		st.TPS = 1 / total.Seconds()
	}
	s.metrics.Record(st)

	if overrun {
		s.logger.Warn("tick overran budget",
			zap.Uint64("tick", st.Seq),
			zap.Duration("busy", busy),
			zap.Duration("budget", s.cfg.Period),
		)
	}
	s.logger.Debug("tick",
		zap.Uint64("tick", st.Seq),
		zap.Float64("mspt", st.MSPT),
		zap.Float64("tps", st.TPS),
		zap.Int("events", events),
		zap.Int("players", st.Players),
	)
	s.report(end)
	return st
}

// maintain runs the inactivity sweep and the world update. Neither is bounded
// by the tick budget.
func (s *Scheduler) maintain() {
	if s.cfg.InactivityTimeout > 0 {
		s.dispatcher.Sweep(s.cfg.InactivityTimeout)
	}
	s.world.LoadAround(s.registry.Positions())
}

func (s *Scheduler) report(now time.Time) {
	if s.cfg.ReportInterval <= 0 || now.Sub(s.lastReport) < s.cfg.ReportInterval {
		return
	}
	s.lastReport = now

	m := s.metrics.Snapshot()
	c := s.dispatcher.Counts()
	fields := []zap.Field{
		zap.Int64("ticks", m.Ticks),
		zap.Int64("events", m.Events),
		zap.Int64("overruns", m.Overruns),
		zap.Float64("avg_tick_ms", m.AvgTickMs),
		zap.Float64("mspt", m.LastMSPT),
		zap.Float64("tps", m.LastTPS),
		zap.Int64("players", m.Players),
		zap.Int64("connected", c.Connected),
		zap.Int64("disconnected", c.Disconnected),
		zap.Int64("timed_out", c.TimedOut),
		zap.Int64("ignored", c.Ignored),
	}
	if s.cfg.ReportFields != nil {
		fields = append(fields, s.cfg.ReportFields()...)
	}
	s.logger.Info("tick stats", fields...)
}
