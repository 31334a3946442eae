package id

import "sync/atomic"

// Generator provides unique IDs for rows handed to the producer.
type Generator interface {
	NextID() uint64
}

// SequenceGenerator hands out strictly increasing IDs starting at 1.
// Thread-safe; zero value is ready to use.
type SequenceGenerator struct {
	last atomic.Uint64
}

// NewSequenceGenerator creates a generator whose first ID is start+1.
func NewSequenceGenerator(start uint64) *SequenceGenerator {
	g := &SequenceGenerator{}
	g.last.Store(start)
	return g
}

// NextID returns the next ID in sequence.
func (g *SequenceGenerator) NextID() uint64 {
	return g.last.Add(1)
}

// Last returns the most recently issued ID, or the start value if none.
func (g *SequenceGenerator) Last() uint64 {
	return g.last.Load()
}
