// Package idgenerator hands out connection ids and request correlation ids.
package idgenerator

import (
	"strconv"
	"sync/atomic"
)

// IdGenerator generates monotonically increasing uint32 IDs in a concurrency-safe
// manner. The first Id() returns startValue+1, so 0 can be reserved to mean
// "unassigned". The counter wraps after math.MaxUint32.
type IdGenerator struct {
	prefix string
	id     atomic.Uint32
}

// NewIdGenerator creates an IdGenerator whose first Id() is startValue+1.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// NewPrefixedIdGenerator creates a generator whose string ids carry prefix,
// e.g. "c1-" yields "c1-1", "c1-2", ... Client correlators use a per-process
// prefix so ids remain readable in server logs.
//
// Parameters:
//   - prefix: Text prepended to every NextString value
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewPrefixedIdGenerator(prefix string, startValue uint32) *IdGenerator {
	gen := NewIdGenerator(startValue)
	gen.prefix = prefix
	return gen
}

// Id returns the next unique ID by atomically incrementing the internal counter.
func (l *IdGenerator) Id() uint32 {
	return l.id.Add(1)
}

// NextString returns the next id rendered as prefix + decimal counter.
func (l *IdGenerator) NextString() string {
	return l.prefix + strconv.FormatUint(uint64(l.Id()), 10)
}
