package gameserver_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/tickserver/internal/game/session"
	"github.com/cory-johannsen/tickserver/internal/game/world"
	"github.com/cory-johannsen/tickserver/internal/gameserver"
	"github.com/cory-johannsen/tickserver/internal/protocol"
)

const period = 50 * time.Millisecond

type loopFixture struct {
	clock    *manualClock
	out      *recordingOutbox
	inbox    *queueInbox
	registry *session.Registry
	world    *fakeWorld
	sched    *gameserver.Scheduler
}

func newLoopFixture(t *testing.T, cfg gameserver.SchedulerConfig, logger *zap.Logger) *loopFixture {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	if cfg.Period == 0 {
		cfg.Period = period
	}
	clock := newManualClock()
	f := &loopFixture{
		clock:    clock,
		out:      newRecordingOutbox(),
		inbox:    &queueInbox{clock: clock},
		registry: session.NewRegistry(),
		world:    &fakeWorld{seed: 7},
	}
	d := gameserver.NewDispatcher(f.registry, f.world, f.out, clock, logger)
	f.sched = gameserver.NewScheduler(cfg, clock, f.inbox, d, f.registry, f.world, logger)
	return f
}

func TestNewScheduler_RejectsNonPositivePeriod(t *testing.T) {
	assert.Panics(t, func() {
		gameserver.NewScheduler(gameserver.SchedulerConfig{}, newManualClock(), &queueInbox{}, nil, session.NewRegistry(), &fakeWorld{}, zap.NewNop())
	})
}

func TestTick_IdleSleepsWholePeriod(t *testing.T) {
	f := newLoopFixture(t, gameserver.SchedulerConfig{}, nil)

	st := f.sched.Tick()

	assert.Equal(t, uint64(1), st.Seq)
	assert.Equal(t, time.Duration(0), st.Busy)
	assert.Equal(t, period, st.Total)
	assert.Equal(t, []time.Duration{period}, f.clock.sleeps)
	assert.InDelta(t, 20.0, st.TPS, 1e-9)
	assert.Zero(t, st.MSPT)
	assert.False(t, st.Overrun)
}

func TestTick_DrainStopsWhenBudgetSpent(t *testing.T) {
	f := newLoopFixture(t, gameserver.SchedulerConfig{}, nil)
	f.inbox.pollCost = 10 * time.Millisecond
	for i := 0; i < 100; i++ {
		f.inbox.push(f.out.session(), protocol.Connect())
	}

	st := f.sched.Tick()

	assert.Equal(t, 5, st.Events)
	assert.Equal(t, period, st.Busy)
	assert.Empty(t, f.clock.sleeps, "no budget left to sleep")
	assert.False(t, st.Overrun)
	assert.Len(t, f.inbox.queue, 95)
	assert.Equal(t, 5, f.registry.Len())

	st = f.sched.Tick()
	assert.Equal(t, 5, st.Events)
	assert.Equal(t, 10, f.registry.Len(), "leftovers are picked up next tick")
}

func TestTick_SlowMaintenanceSkipsDrainAndSleep(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := newLoopFixture(t, gameserver.SchedulerConfig{}, zap.New(core))
	f.world.onLoad = func() { f.clock.Advance(80 * time.Millisecond) }
	f.inbox.push(f.out.session(), protocol.Connect())

	st := f.sched.Tick()

	assert.Zero(t, f.inbox.polls)
	assert.Empty(t, f.clock.sleeps)
	assert.True(t, st.Overrun)
	assert.Equal(t, 80*time.Millisecond, st.Busy)
	assert.InDelta(t, 12.5, st.TPS, 1e-9)
	assert.InDelta(t, 80.0, st.MSPT, 1e-9)
	assert.Equal(t, int64(1), f.sched.Metrics().Snapshot().Overruns)
	assert.Equal(t, 1, logs.FilterMessage("tick overran budget").Len())
}

func TestTick_CadenceMatchesPeriod(t *testing.T) {
	f := newLoopFixture(t, gameserver.SchedulerConfig{}, nil)
	var starts []time.Time
	f.world.onLoad = func() {
		starts = append(starts, f.clock.Now())
		f.clock.Advance(20 * time.Millisecond)
	}

	for i := 0; i < 10; i++ {
		f.sched.Tick()
	}

	require.Len(t, starts, 10)
	for i := 1; i < len(starts); i++ {
		assert.Equal(t, period, starts[i].Sub(starts[i-1]), "tick %d", i)
	}
	for _, d := range f.clock.sleeps {
		assert.Equal(t, 30*time.Millisecond, d)
	}
}

func TestTick_WorldSeesPositionsFromPreviousTick(t *testing.T) {
	f := newLoopFixture(t, gameserver.SchedulerConfig{}, nil)
	a := f.out.session()
	f.inbox.push(a, protocol.Connect())
	f.inbox.push(a, protocol.Move(world.Coordinate{X: 1, Y: 2, Z: 3}))

	f.sched.Tick()
	f.sched.Tick()

	require.Len(t, f.world.calls, 2)
	assert.Empty(t, f.world.calls[0], "maintenance runs before the drain")
	assert.Equal(t, []world.Coordinate{{X: 1, Y: 2, Z: 3}}, f.world.calls[1])
}

func TestTick_SweepRemovesSilentPlayerOnce(t *testing.T) {
	f := newLoopFixture(t, gameserver.SchedulerConfig{InactivityTimeout: 2 * time.Second}, nil)
	a, b := f.out.session(), f.out.session()
	f.inbox.push(a, protocol.Connect())
	f.inbox.push(b, protocol.Connect())

	for i := 0; i < 60; i++ {
		f.sched.Tick()
		f.inbox.push(b, protocol.Move(world.Coordinate{X: float64(i)}))
	}

	assert.False(t, f.registry.Contains(a))
	assert.True(t, f.registry.Contains(b))
	disconnects := 0
	for _, ev := range f.out.got[b] {
		if ev.Kind == protocol.ServerPlayerDisconnected {
			assert.Equal(t, a, ev.ID)
			disconnects++
		}
	}
	assert.Equal(t, 1, disconnects)
}

func TestTick_ZeroTimeoutDisablesSweep(t *testing.T) {
	f := newLoopFixture(t, gameserver.SchedulerConfig{}, nil)
	a := f.out.session()
	f.inbox.push(a, protocol.Connect())

	for i := 0; i < 100; i++ {
		f.sched.Tick()
	}

	assert.True(t, f.registry.Contains(a))
}

func TestTick_ReportsOnInterval(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cfg := gameserver.SchedulerConfig{
		ReportInterval: 100 * time.Millisecond,
		ReportFields: func() []zap.Field {
			return []zap.Field{zap.String("transport", "fake")}
		},
	}
	f := newLoopFixture(t, cfg, zap.New(core))

	for i := 0; i < 5; i++ {
		f.sched.Tick()
	}

	reports := logs.FilterMessage("tick stats").All()
	require.Len(t, reports, 3)
	fields := reports[0].ContextMap()
	assert.Equal(t, "fake", fields["transport"])
	assert.Contains(t, fields, "tps")
	assert.Contains(t, fields, "timed_out")
}

func TestMetrics_Accumulate(t *testing.T) {
	f := newLoopFixture(t, gameserver.SchedulerConfig{}, nil)
	f.inbox.pollCost = 10 * time.Millisecond
	for i := 0; i < 3; i++ {
		f.inbox.push(f.out.session(), protocol.Connect())
	}

	f.sched.Tick()
	f.sched.Tick()

	m := f.sched.Metrics().Snapshot()
	assert.Equal(t, int64(2), m.Ticks)
	assert.Equal(t, int64(3), m.Events)
	assert.Equal(t, int64(3), m.Players)
	assert.Zero(t, m.Overruns)
	// 4 polls in the first tick (3 events plus the empty one), 1 in the second
	assert.InDelta(t, 25.0, m.AvgTickMs, 1e-9)
	assert.InDelta(t, 20.0, m.LastTPS, 1e-9)
}

func TestRun_StopsWhenCancelled(t *testing.T) {
	f := newLoopFixture(t, gameserver.SchedulerConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.world.onLoad = func() {
		if len(f.world.calls) == 5 {
			cancel()
		}
	}

	require.NoError(t, f.sched.Run(ctx))
	assert.Equal(t, int64(5), f.sched.Metrics().Snapshot().Ticks)
}

func TestRun_WallClockCadence(t *testing.T) {
	if testing.Short() {
		t.Skip("uses real sleeps")
	}
	const p = 10 * time.Millisecond
	registry := session.NewRegistry()
	w := &fakeWorld{}
	d := gameserver.NewDispatcher(registry, w, newRecordingOutbox(), gameserver.SystemClock{}, zap.NewNop())
	s := gameserver.NewScheduler(gameserver.SchedulerConfig{Period: p}, gameserver.SystemClock{}, &queueInbox{}, d, registry, w, zap.NewNop())

	start := time.Now()
	for i := 0; i < 10; i++ {
		st := s.Tick()
		assert.GreaterOrEqual(t, st.Total, p)
	}
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 10*p)
	assert.Less(t, elapsed, 100*p)
}
