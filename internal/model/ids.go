package model

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TokenGenerator produces unique ids and tokens.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type TokenGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 tokens.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns a prefix followed by an increasing counter.
// Deterministic output makes golden traces reproducible.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewFixedGenerator creates a generator producing prefix-1, prefix-2, ...
func NewFixedGenerator(prefix string) *FixedGenerator {
	return &FixedGenerator{prefix: prefix}
}

// Generate returns the next deterministic token.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return g.prefix + "-" + strconv.Itoa(g.n)
}

// Sequence is a monotonic logical counter stamped on messages and events.
//
// Thread-safety: safe for concurrent use (atomic operations).
type Sequence struct {
	seq atomic.Int64
}

// Next returns the next sequence number. The first call returns 1.
func (s *Sequence) Next() int64 { return s.seq.Add(1) }

// Current returns the last issued sequence number.
func (s *Sequence) Current() int64 { return s.seq.Load() }

// Clock supplies wall time. Strength decay and activity windows read time
// only through a Clock so tests can move it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
