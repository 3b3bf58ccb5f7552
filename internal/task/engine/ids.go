package engine

import (
	"sync"
	"time"
)

// Snowflake layout: 41 bits of milliseconds since idEpoch, 10 bits of
// instance id, 12 bits of per-millisecond sequence.
const (
	idInstanceBits = 10
	idSequenceBits = 12

	idMaxInstance = 1<<idInstanceBits - 1
	idMaxSequence = 1<<idSequenceBits - 1
)

// idEpoch is 2024-01-01T00:00:00Z in unix milliseconds.
const idEpoch int64 = 1704067200000

// IDGenerator issues unique, monotonically increasing 64-bit ids.
// It is safe for concurrent use.
type IDGenerator struct {
	mu       sync.Mutex
	instance int64
	lastMS   int64
	seq      int64

	now func() time.Time
}

// NewIDGenerator returns a generator for instance (masked to 10 bits).
func NewIDGenerator(instance int) *IDGenerator {
	return &IDGenerator{instance: int64(instance) & idMaxInstance, now: time.Now}
}

// Generate returns the next id.
//
// When the clock goes backwards, or the sequence for a millisecond is
// exhausted, the generator keeps counting from the last issued millisecond
// instead of blocking.
func (g *IDGenerator) Generate() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli() - idEpoch
	if ms < g.lastMS {
		ms = g.lastMS
	}
	if ms == g.lastMS {
		g.seq = (g.seq + 1) & idMaxSequence
		if g.seq == 0 {
			ms++
		}
	} else {
		g.seq = 0
	}
	g.lastMS = ms

	return ms<<(idInstanceBits+idSequenceBits) | g.instance<<idSequenceBits | g.seq
}

// DecomposeID splits id into its timestamp, instance and sequence parts.
func DecomposeID(id int64) (at time.Time, instance int, seq int) {
	ms := id >> (idInstanceBits + idSequenceBits)
	instance = int(id>>idSequenceBits) & idMaxInstance
	seq = int(id & idMaxSequence)
	return time.UnixMilli(ms + idEpoch), instance, seq
}
