// Package snowflake generates time-ordered 63-bit message ids.
//
// Layout, high to low: 41 bits of milliseconds since Epoch, 5 bits of
// datacenter id, 5 bits of worker id, 12 bits of per-millisecond sequence.
// The sign bit is never set.
package snowflake

import (
	"errors"
	"sync"
	"time"
)

// Epoch is the custom epoch (January 1, 2024 00:00:00 UTC) in milliseconds.
const Epoch int64 = 1704067200000

const (
	datacenterBits = 5
	workerBits     = 5
	sequenceBits   = 12

	// MaxDatacenterID is the largest accepted datacenter id.
	MaxDatacenterID = 1<<datacenterBits - 1
	// MaxWorkerID is the largest accepted worker id.
	MaxWorkerID = 1<<workerBits - 1

	sequenceMask    = 1<<sequenceBits - 1
	workerShift     = sequenceBits
	datacenterShift = sequenceBits + workerBits
	timestampShift  = sequenceBits + workerBits + datacenterBits
)

var (
	ErrInvalidWorkerID     = errors.New("snowflake: worker id out of range")
	ErrInvalidDatacenterID = errors.New("snowflake: datacenter id out of range")
	ErrClockMovedBackwards = errors.New("snowflake: clock moved backwards")
)

// Config identifies the generating node.
type Config struct {
	DatacenterID int64
	WorkerID     int64

	// Now returns the current time. Default: time.Now
	Now func() time.Time
}

// Generator hands out unique ids. It is safe for concurrent use.
type Generator struct {
	mu sync.Mutex

	node int64
	now  func() time.Time

	lastMillis int64
	sequence   int64
}

// New creates a Generator for the given node.
func New(cfg Config) (*Generator, error) {
	if cfg.WorkerID < 0 || cfg.WorkerID > MaxWorkerID {
		return nil, ErrInvalidWorkerID
	}
	if cfg.DatacenterID < 0 || cfg.DatacenterID > MaxDatacenterID {
		return nil, ErrInvalidDatacenterID
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{
		node: cfg.DatacenterID<<datacenterShift | cfg.WorkerID<<workerShift,
		now:  cfg.Now,
	}, nil
}

// NextID returns the next id. Within one millisecond ids increase by
// sequence; when the sequence is exhausted it waits for the next tick.
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	millis := g.millis()
	if millis < g.lastMillis {
		return 0, ErrClockMovedBackwards
	}

	if millis == g.lastMillis {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			for millis <= g.lastMillis {
				millis = g.millis()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMillis = millis

	return (millis-Epoch)<<timestampShift | g.node | g.sequence, nil
}

func (g *Generator) millis() int64 {
	return g.now().UnixMilli()
}

// Parts splits an id into its creation time, datacenter, worker and sequence.
type Parts struct {
	Time         time.Time
	DatacenterID int64
	WorkerID     int64
	Sequence     int64
}

// Parse decodes an id produced by any Generator.
func Parse(id int64) Parts {
	return Parts{
		Time:         time.UnixMilli(id>>timestampShift + Epoch).UTC(),
		DatacenterID: id >> datacenterShift & MaxDatacenterID,
		WorkerID:     id >> workerShift & MaxWorkerID,
		Sequence:     id & sequenceMask,
	}
}
