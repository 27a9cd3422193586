package gameserver

import (
	"math"
	"sync/atomic"
)

// Metrics accumulates tick loop counters. It is written by the loop and may
// be read from any goroutine.
type Metrics struct {
	ticks    atomic.Int64
	events   atomic.Int64
	overruns atomic.Int64
	busyNs   atomic.Int64
	players  atomic.Int64
	lastMSPT atomic.Uint64 // float64 bits
	lastTPS  atomic.Uint64 // float64 bits
}

// MetricsSnapshot is a read-only copy of Metrics.
type MetricsSnapshot struct {
	Ticks     int64
	Events    int64
	Overruns  int64
	Players   int64
	AvgTickMs float64
	LastMSPT  float64
	LastTPS   float64
}

// Record adds one completed tick.
func (m *Metrics) Record(st TickStats) {
	m.ticks.Add(1)
	m.events.Add(int64(st.Events))
	m.busyNs.Add(st.Busy.Nanoseconds())
	m.players.Store(int64(st.Players))
	if st.Overrun {
		m.overruns.Add(1)
	}
	m.lastMSPT.Store(math.Float64bits(st.MSPT))
	m.lastTPS.Store(math.Float64bits(st.TPS))
}

// Snapshot returns the current values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	ticks := m.ticks.Load()
	var avg float64
	if ticks > 0 {
		avg = float64(m.busyNs.Load()) / float64(ticks) / 1e6
	}
	return MetricsSnapshot{
		Ticks:     ticks,
		Events:    m.events.Load(),
		Overruns:  m.overruns.Load(),
		Players:   m.players.Load(),
		AvgTickMs: avg,
		LastMSPT:  math.Float64frombits(m.lastMSPT.Load()),
		LastTPS:   math.Float64frombits(m.lastTPS.Load()),
	}
}
