package world

import (
	"go.uber.org/zap"
)

// ChunkWindow is a Gateway that keeps every chunk column within a square
// radius of a player loaded and unloads the rest.
//
// Invariant: after LoadAround(ps), Loaded() equals the union of the windows
// around ps.
// ChunkWindow is not safe for concurrent use.
type ChunkWindow struct {
	seed      Seed
	chunkSize int
	radius    int
	logger    *zap.Logger

	loaded  map[ChunkCoord]struct{}
	loads   uint64
	unloads uint64
}

// NewChunkWindow creates an empty window.
//
// Precondition: chunkSize > 0; radius >= 0; logger must be non-nil.
// Postcondition: Returns a ChunkWindow with no loaded chunks.
func NewChunkWindow(seed Seed, chunkSize, radius int, logger *zap.Logger) *ChunkWindow {
	if chunkSize <= 0 {
		panic("world.NewChunkWindow: chunkSize must be > 0")
	}
	if radius < 0 {
		panic("world.NewChunkWindow: radius must be >= 0")
	}
	return &ChunkWindow{
		seed:      seed,
		chunkSize: chunkSize,
		radius:    radius,
		logger:    logger,
		loaded:    make(map[ChunkCoord]struct{}, 256),
	}
}

// Seed returns the world seed.
func (w *ChunkWindow) Seed() Seed { return w.seed }

// LoadAround recomputes the loaded set from the given positions.
//
// Postcondition: Chunks newly in range are counted as loads, chunks no longer
// in range as unloads.
func (w *ChunkWindow) LoadAround(positions []Coordinate) {
	want := make(map[ChunkCoord]struct{}, len(w.loaded))
	for _, p := range positions {
		center := ChunkOf(p, w.chunkSize)
		for dx := -w.radius; dx <= w.radius; dx++ {
			for dz := -w.radius; dz <= w.radius; dz++ {
				want[ChunkCoord{X: center.X + int64(dx), Z: center.Z + int64(dz)}] = struct{}{}
			}
		}
	}

	var loaded, unloaded int
	for c := range want {
		if _, ok := w.loaded[c]; !ok {
			loaded++
		}
	}
	for c := range w.loaded {
		if _, ok := want[c]; !ok {
			unloaded++
		}
	}
	w.loaded = want
	w.loads += uint64(loaded)
	w.unloads += uint64(unloaded)

	if loaded > 0 || unloaded > 0 {
		w.logger.Debug("chunk window changed",
			zap.Int("loaded", loaded),
			zap.Int("unloaded", unloaded),
			zap.Int("resident", len(w.loaded)),
		)
	}
}

// IsLoaded reports whether the column c is resident.
func (w *ChunkWindow) IsLoaded(c ChunkCoord) bool {
	_, ok := w.loaded[c]
	return ok
}

// Loaded returns the number of resident chunk columns.
func (w *ChunkWindow) Loaded() int { return len(w.loaded) }

// Totals returns the cumulative number of loads and unloads.
func (w *ChunkWindow) Totals() (loads, unloads uint64) {
	return w.loads, w.unloads
}
