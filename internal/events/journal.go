// Package events keeps the journal of state-change events.
//
// Components append events as they detect state changes. The dispatcher
// reads the unprocessed ones in FIFO order and flags each exactly once.
// Processed events stay in the journal (and in the audit sink) until the
// in-memory retention limit pushes them out.
package events

import (
	"context"
	"maps"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/eldertree/internal/metrics"
	"github.com/roach88/eldertree/internal/model"
)

// DefaultRetention is the number of processed events kept in memory.
const DefaultRetention = 10000

// Sink persists journal entries for audit.
type Sink interface {
	RecordEvent(ctx context.Context, ev model.Event) error
	MarkEventProcessed(ctx context.Context, id string) error
}

// Journal is an append-only event log with a processed flag per entry.
//
// Thread-safety: All methods are safe for concurrent use.
type Journal struct {
	mu     sync.Mutex
	order  []string
	byID   map[string]*model.Event
	unproc int // unprocessed entries in order

	seq       model.Sequence
	clock     model.Clock
	tokens    model.TokenGenerator
	metrics   *metrics.Registry
	sink      Sink
	retention int
	logger    *zap.Logger
}

// Option configures a Journal.
type Option func(*Journal)

func WithClock(c model.Clock) Option { return func(j *Journal) { j.clock = c } }

func WithTokenGenerator(g model.TokenGenerator) Option {
	return func(j *Journal) { j.tokens = g }
}

func WithMetrics(m *metrics.Registry) Option { return func(j *Journal) { j.metrics = m } }

// WithSink mirrors every append and processed flag to s.
func WithSink(s Sink) Option { return func(j *Journal) { j.sink = s } }

// WithRetention caps the number of processed events kept in memory.
// Unprocessed events are never trimmed.
func WithRetention(n int) Option { return func(j *Journal) { j.retention = n } }

// New creates an empty journal.
func New(logger *zap.Logger, opts ...Option) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &Journal{
		byID:      make(map[string]*model.Event),
		clock:     model.SystemClock{},
		tokens:    model.UUIDv7Generator{},
		retention: DefaultRetention,
		logger:    logger.Named("events"),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Emit appends a new unprocessed event and returns it.
func (j *Journal) Emit(ctx context.Context, typ model.EventType, bindingID, nodeID string, data map[string]any) model.Event {
	ev := model.Event{
		ID:        j.tokens.Generate(),
		Type:      typ,
		BindingID: bindingID,
		NodeID:    nodeID,
		Data:      maps.Clone(data),
		Timestamp: j.clock.Now(),
	}
	if ev.Data == nil {
		ev.Data = make(map[string]any)
	}

	// Seq is taken under the lock so it always follows append order.
	j.mu.Lock()
	ev.Seq = j.seq.Next()
	stored := ev.Clone()
	j.byID[ev.ID] = &stored
	j.order = append(j.order, ev.ID)
	j.unproc++
	j.mu.Unlock()

	j.metrics.RecordEvent(typ)
	if j.sink != nil {
		if err := j.sink.RecordEvent(ctx, ev); err != nil {
			j.logger.Warn("audit append failed", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}
	j.logger.Debug("event emitted",
		zap.String("event_id", ev.ID),
		zap.Stringer("type", typ),
		zap.String("binding_id", bindingID),
		zap.String("node_id", nodeID))
	return ev
}

// Pending returns copies of the unprocessed events in append order.
func (j *Journal) Pending() []model.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]model.Event, 0, j.unproc)
	for _, id := range j.order {
		if ev := j.byID[id]; !ev.Processed {
			out = append(out, ev.Clone())
		}
	}
	return out
}

// All returns copies of every retained event in append order.
func (j *Journal) All() []model.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]model.Event, 0, len(j.order))
	for _, id := range j.order {
		out = append(out, j.byID[id].Clone())
	}
	return out
}

// MarkProcessed flags the event as handled. It returns false when the event
// is unknown or was already flagged, so each event is processed once.
func (j *Journal) MarkProcessed(ctx context.Context, id string) bool {
	j.mu.Lock()
	ev, ok := j.byID[id]
	if !ok || ev.Processed {
		j.mu.Unlock()
		return false
	}
	ev.Processed = true
	j.unproc--
	j.trimLocked()
	j.mu.Unlock()

	if j.sink != nil {
		if err := j.sink.MarkEventProcessed(ctx, id); err != nil {
			j.logger.Warn("audit update failed", zap.String("event_id", id), zap.Error(err))
		}
	}
	return true
}

// trimLocked drops the oldest processed events beyond the retention limit.
func (j *Journal) trimLocked() {
	excess := len(j.order) - j.unproc - j.retention
	if excess <= 0 {
		return
	}
	kept := j.order[:0]
	for _, id := range j.order {
		if excess > 0 && j.byID[id].Processed {
			delete(j.byID, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	clear(j.order[len(kept):])
	j.order = kept
}

// Counts returns the number of retained and unprocessed events.
func (j *Journal) Counts() (total, pending int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.order), j.unproc
}
