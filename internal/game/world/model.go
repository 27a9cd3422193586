// Package world defines the world gateway consumed by the tick loop and a
// default implementation that tracks which chunk columns players can see.
package world

import (
	"fmt"
	"math"
)

// Seed identifies a generated world. Clients receive it on connect.
type Seed uint64

// Coordinate is a position in world space.
type Coordinate struct {
	X float64
	Y float64
	Z float64
}

// String returns the coordinate as "(x, y, z)".
func (c Coordinate) String() string {
	return fmt.Sprintf("(%g, %g, %g)", c.X, c.Y, c.Z)
}

// ChunkCoord addresses a vertical chunk column.
type ChunkCoord struct {
	X int64
	Z int64
}

// ChunkOf returns the column containing c for the given chunk edge length.
//
// Precondition: size > 0.
// Postcondition: c lies in [X*size, (X+1)*size) x [Z*size, (Z+1)*size).
func ChunkOf(c Coordinate, size int) ChunkCoord {
	s := float64(size)
	return ChunkCoord{
		X: int64(math.Floor(c.X / s)),
		Z: int64(math.Floor(c.Z / s)),
	}
}

// Gateway is the world subsystem as seen by the tick loop.
type Gateway interface {
	// LoadAround ensures world data near every given position is available.
	// It is called once per tick with the positions of all registered players.
	LoadAround(positions []Coordinate)
	// Seed returns the world seed sent to connecting clients.
	Seed() Seed
}
