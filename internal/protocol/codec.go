package protocol

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cory-johannsen/tickserver/internal/game/world"
)

// ErrMalformed is wrapped by every decode error.
var ErrMalformed = errors.New("malformed event")

// ErrTooLarge is returned when an encoded event exceeds MaxDatagramSize.
var ErrTooLarge = errors.New("event exceeds maximum datagram size")

const idLen = 16

// Field numbers. ClientEvent uses kind and position; ServerEvent uses all.
const (
	fieldKind     protowire.Number = 1
	fieldID       protowire.Number = 2
	fieldPosition protowire.Number = 3
	fieldSeed     protowire.Number = 4
	fieldKnownIDs protowire.Number = 5
)

// Position message field numbers.
const (
	fieldX protowire.Number = 1
	fieldY protowire.Number = 2
	fieldZ protowire.Number = 3
)

type fieldSet uint8

func bit(n protowire.Number) fieldSet { return 1 << fieldSet(n) }

func (s fieldSet) has(n protowire.Number) bool { return s&bit(n) != 0 }

var clientFields = map[ClientKind]fieldSet{
	ClientConnect:    bit(fieldKind),
	ClientDisconnect: bit(fieldKind),
	ClientMove:       bit(fieldKind) | bit(fieldPosition),
}

var serverFields = map[ServerKind]fieldSet{
	ServerSessionInfo:        bit(fieldKind) | bit(fieldSeed) | bit(fieldKnownIDs),
	ServerPlayerConnected:    bit(fieldKind) | bit(fieldID),
	ServerPlayerDisconnected: bit(fieldKind) | bit(fieldID),
	ServerPlayerMoved:        bit(fieldKind) | bit(fieldID) | bit(fieldPosition),
}

// EncodeClient serialises a client event.
//
// Postcondition: Returns bytes accepted by DecodeClient, or an error for an
// unknown kind.
func EncodeClient(ev ClientEvent) ([]byte, error) {
	if _, ok := clientFields[ev.Kind]; !ok {
		return nil, fmt.Errorf("encoding client event: unknown kind %s", ev.Kind)
	}
	b := make([]byte, 0, 32)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ev.Kind))
	if ev.Kind == ClientMove {
		b = appendPosition(b, fieldPosition, ev.Position)
	}
	return b, nil
}

// EncodeServer serialises a server event.
//
// Postcondition: Returns bytes accepted by DecodeServer, or ErrTooLarge when
// the encoding would not fit in one datagram.
func EncodeServer(ev ServerEvent) ([]byte, error) {
	fields, ok := serverFields[ev.Kind]
	if !ok {
		return nil, fmt.Errorf("encoding server event: unknown kind %s", ev.Kind)
	}
	b := make([]byte, 0, 48+idLen*len(ev.KnownIDs))
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ev.Kind))
	if fields.has(fieldID) {
		b = protowire.AppendTag(b, fieldID, protowire.BytesType)
		b = protowire.AppendBytes(b, ev.ID[:])
	}
	if fields.has(fieldPosition) {
		b = appendPosition(b, fieldPosition, ev.Position)
	}
	if fields.has(fieldSeed) {
		b = protowire.AppendTag(b, fieldSeed, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ev.Seed))
	}
	if fields.has(fieldKnownIDs) {
		packed := make([]byte, 0, idLen*len(ev.KnownIDs))
		for _, id := range ev.KnownIDs {
			packed = append(packed, id[:]...)
		}
		b = protowire.AppendTag(b, fieldKnownIDs, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(b) > MaxDatagramSize {
		return nil, fmt.Errorf("encoding %s with %d ids: %w", ev.Kind, len(ev.KnownIDs), ErrTooLarge)
	}
	return b, nil
}

// DecodeClient parses a client event.
//
// Postcondition: Returns the event, or an error wrapping ErrMalformed. Never panics.
func DecodeClient(b []byte) (ClientEvent, error) {
	var ev ClientEvent
	seen, err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldKind:
			k, n, err := consumeKind(typ, v)
			ev.Kind = ClientKind(k)
			return n, err
		case fieldPosition:
			pos, n, err := consumePosition(typ, v)
			ev.Position = pos
			return n, err
		}
		return 0, fmt.Errorf("unknown field %d", num)
	})
	if err != nil {
		return ClientEvent{}, err
	}
	want, ok := clientFields[ev.Kind]
	if !ok {
		return ClientEvent{}, fmt.Errorf("%w: unknown client kind %d", ErrMalformed, uint8(ev.Kind))
	}
	if seen != want {
		return ClientEvent{}, fmt.Errorf("%w: %s has fields %08b, want %08b", ErrMalformed, ev.Kind, seen, want)
	}
	return ev, nil
}

// DecodeServer parses a server event.
//
// Postcondition: Returns the event, or an error wrapping ErrMalformed. Never panics.
func DecodeServer(b []byte) (ServerEvent, error) {
	var ev ServerEvent
	seen, err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldKind:
			k, n, err := consumeKind(typ, v)
			ev.Kind = ServerKind(k)
			return n, err
		case fieldID:
			raw, n, err := consumeBytes(typ, v)
			if err != nil {
				return n, err
			}
			if len(raw) != idLen {
				return n, fmt.Errorf("id has %d bytes", len(raw))
			}
			copy(ev.ID[:], raw)
			return n, nil
		case fieldPosition:
			pos, n, err := consumePosition(typ, v)
			ev.Position = pos
			return n, err
		case fieldSeed:
			if typ != protowire.VarintType {
				return 0, fmt.Errorf("seed has wire type %d", typ)
			}
			s, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return n, protowire.ParseError(n)
			}
			ev.Seed = world.Seed(s)
			return n, nil
		case fieldKnownIDs:
			raw, n, err := consumeBytes(typ, v)
			if err != nil {
				return n, err
			}
			if len(raw)%idLen != 0 {
				return n, fmt.Errorf("known ids has %d bytes", len(raw))
			}
			for i := 0; i < len(raw); i += idLen {
				var id SessionID
				copy(id[:], raw[i:i+idLen])
				ev.KnownIDs = append(ev.KnownIDs, id)
			}
			return n, nil
		}
		return 0, fmt.Errorf("unknown field %d", num)
	})
	if err != nil {
		return ServerEvent{}, err
	}
	want, ok := serverFields[ev.Kind]
	if !ok {
		return ServerEvent{}, fmt.Errorf("%w: unknown server kind %d", ErrMalformed, uint8(ev.Kind))
	}
	if seen != want {
		return ServerEvent{}, fmt.Errorf("%w: %s has fields %08b, want %08b", ErrMalformed, ev.Kind, seen, want)
	}
	return ev, nil
}

// walk iterates the top-level fields of b, rejecting duplicates. fn consumes
// the value following the tag and returns the number of bytes used.
func walk(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) (fieldSet, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty datagram", ErrMalformed)
	}
	if len(b) > MaxDatagramSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	var seen fieldSet
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if num > fieldKnownIDs {
			return 0, fmt.Errorf("%w: unknown field %d", ErrMalformed, num)
		}
		if seen.has(num) {
			return 0, fmt.Errorf("%w: duplicate field %d", ErrMalformed, num)
		}
		seen |= bit(num)
		m, err := fn(num, typ, b)
		if err != nil {
			return 0, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, err)
		}
		b = b[m:]
	}
	return seen, nil
}

func consumeKind(typ protowire.Type, b []byte) (uint8, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("kind has wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, n, protowire.ParseError(n)
	}
	if v == 0 || v > math.MaxUint8 {
		return 0, n, fmt.Errorf("kind %d out of range", v)
	}
	return uint8(v), n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, n, protowire.ParseError(n)
	}
	return v, n, nil
}

func appendPosition(b []byte, num protowire.Number, c world.Coordinate) []byte {
	var p []byte
	p = protowire.AppendTag(p, fieldX, protowire.Fixed64Type)
	p = protowire.AppendFixed64(p, math.Float64bits(c.X))
	p = protowire.AppendTag(p, fieldY, protowire.Fixed64Type)
	p = protowire.AppendFixed64(p, math.Float64bits(c.Y))
	p = protowire.AppendTag(p, fieldZ, protowire.Fixed64Type)
	p = protowire.AppendFixed64(p, math.Float64bits(c.Z))
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, p)
}

// consumePosition parses an embedded position message; all three axes are required.
func consumePosition(typ protowire.Type, b []byte) (world.Coordinate, int, error) {
	raw, n, err := consumeBytes(typ, b)
	if err != nil {
		return world.Coordinate{}, n, err
	}
	var c world.Coordinate
	var seen fieldSet
	for len(raw) > 0 {
		num, ft, m := protowire.ConsumeTag(raw)
		if m < 0 {
			return world.Coordinate{}, n, protowire.ParseError(m)
		}
		raw = raw[m:]
		if ft != protowire.Fixed64Type || num < fieldX || num > fieldZ {
			return world.Coordinate{}, n, fmt.Errorf("position field %d type %d", num, ft)
		}
		if seen.has(num) {
			return world.Coordinate{}, n, fmt.Errorf("duplicate position field %d", num)
		}
		seen |= bit(num)
		v, m := protowire.ConsumeFixed64(raw)
		if m < 0 {
			return world.Coordinate{}, n, protowire.ParseError(m)
		}
		raw = raw[m:]
		switch num {
		case fieldX:
			c.X = math.Float64frombits(v)
		case fieldY:
			c.Y = math.Float64frombits(v)
		case fieldZ:
			c.Z = math.Float64frombits(v)
		}
	}
	if seen != bit(fieldX)|bit(fieldY)|bit(fieldZ) {
		return world.Coordinate{}, n, errors.New("position is missing an axis")
	}
	return c, n, nil
}
