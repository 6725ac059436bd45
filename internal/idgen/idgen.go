// Package idgen mints time-ordered 64-bit identifiers without coordination
// between processes.
//
// An identifier is laid out as
//
//	| 41 bits ms since epoch | 10 bits machine id | 12 bits sequence |
//
// so identifiers minted later always compare greater than earlier ones from
// the same process.
package idgen

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	machineBits  = 10
	sequenceBits = 12

	MaxMachineID = 1<<machineBits - 1
	sequenceMask = 1<<sequenceBits - 1

	machineShift   = sequenceBits
	timestampShift = sequenceBits + machineBits
)

// DefaultEpoch is the custom epoch identifiers are measured from.
var DefaultEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

var (
	// ErrClockMovedBackwards is returned while the wall clock reads earlier
	// than the last timestamp an identifier was minted for.
	ErrClockMovedBackwards = errors.New("clock moved backwards")
	ErrInvalidMachineID    = errors.New("invalid machine id")
	ErrBeforeEpoch         = errors.New("clock is before generator epoch")
)

// Generator is the single per-process identifier source. Its state is guarded
// by one mutex and it must not be copied.
type Generator struct {
	mu            sync.Mutex
	epoch         int64
	machineID     int64
	lastTimestamp int64
	sequence      int64
	now           func() int64
}

// Option customizes a Generator.
type Option func(*Generator)

// WithEpoch sets the custom epoch.
func WithEpoch(epoch time.Time) Option {
	return func(g *Generator) { g.epoch = epoch.UnixMilli() }
}

// WithClock replaces the millisecond wall clock. Used by tests.
func WithClock(now func() int64) Option {
	return func(g *Generator) { g.now = now }
}

// New creates a generator for the given machine id.
func New(machineID int64, opts ...Option) (*Generator, error) {
	if machineID < 0 || machineID > MaxMachineID {
		return nil, fmt.Errorf("%w: %d not in [0,%d]", ErrInvalidMachineID, machineID, MaxMachineID)
	}
	g := &Generator{
		epoch:         DefaultEpoch.UnixMilli(),
		machineID:     machineID,
		lastTimestamp: -1,
		now:           func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// NextID returns the next identifier. Calls within one millisecond bump the
// sequence; when the sequence wraps the call spins until the next
// millisecond. A clock that reads earlier than the last minted timestamp
// makes every call fail until it catches up.
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now()
	if ts < g.lastTimestamp {
		return 0, fmt.Errorf("%w: refusing to mint ids for %dms", ErrClockMovedBackwards, g.lastTimestamp-ts)
	}
	if ts < g.epoch {
		return 0, ErrBeforeEpoch
	}
	if ts == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			ts = g.waitNextMillis(g.lastTimestamp)
		}
	} else {
		g.sequence = 0
	}
	g.lastTimestamp = ts

	return (ts-g.epoch)<<timestampShift | g.machineID<<machineShift | g.sequence, nil
}

func (g *Generator) waitNextMillis(last int64) int64 {
	ts := g.now()
	for ts <= last {
		ts = g.now()
	}
	return ts
}

// MachineID reports the machine id embedded in every identifier.
func (g *Generator) MachineID() int64 { return g.machineID }

// Parts is the decomposed form of an identifier.
type Parts struct {
	Time      time.Time
	MachineID int64
	Sequence  int64
}

// Decompose splits an identifier minted with the given epoch.
func Decompose(id int64, epoch time.Time) Parts {
	ms := id>>timestampShift + epoch.UnixMilli()
	return Parts{
		Time:      time.UnixMilli(ms).UTC(),
		MachineID: (id >> machineShift) & MaxMachineID,
		Sequence:  id & sequenceMask,
	}
}
