package router

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/eldertree/internal/hierarchy"
	"github.com/roach88/eldertree/internal/metrics"
	"github.com/roach88/eldertree/internal/model"
)

// ErrClosed is returned when sending on a closed router.
var ErrClosed = errors.New("router: closed")

// Delivery outcomes reported to metrics and the Recorder.
const (
	OutcomeQueued    = "queued"
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeDropped   = "dropped"
)

// Directory is the read side of the node table the router needs.
// *hierarchy.Registry implements it.
type Directory interface {
	Node(id string) (model.Node, error)
	Lineage(id string) ([]string, error)
	Touch(id string) error
	Status() hierarchy.Status
}

// Handler processes one delivered message. A returned error leaves the
// message queued for the next drain.
type Handler func(ctx context.Context, msg model.Message) error

// Recorder receives every delivery attempt outcome (audit trail).
type Recorder interface {
	RecordMessage(ctx context.Context, msg model.Message, outcome string) error
}

// Router validates, queues and delivers messages.
//
// Thread-safety: All methods are safe for concurrent use.
type Router struct {
	dir   Directory
	queue *messageQueue

	drainMu sync.Mutex // serializes drains

	mu       sync.Mutex
	handlers map[string]Handler
	waiters  map[string]chan error

	seq           model.Sequence
	clock         model.Clock
	tokens        model.TokenGenerator
	metrics       *metrics.Registry
	recorder      Recorder
	retryInterval time.Duration
	logger        *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithClock sets the clock used for message timestamps.
func WithClock(c model.Clock) Option { return func(r *Router) { r.clock = c } }

// WithTokenGenerator sets the generator for message ids and tokens.
func WithTokenGenerator(g model.TokenGenerator) Option {
	return func(r *Router) { r.tokens = g }
}

// WithMetrics publishes message counters to m.
func WithMetrics(m *metrics.Registry) Option { return func(r *Router) { r.metrics = m } }

// WithRecorder sends delivery outcomes to rec.
func WithRecorder(rec Recorder) Option { return func(r *Router) { r.recorder = rec } }

// WithRetryInterval sets how often Run retries failed messages when no new
// message arrives. Defaults to one second.
func WithRetryInterval(d time.Duration) Option {
	return func(r *Router) { r.retryInterval = d }
}

// WithHandler registers h for msgType, replacing any default.
func WithHandler(msgType string, h Handler) Option {
	return func(r *Router) { r.handlers[msgType] = h }
}

// New creates a router over dir with the default handlers installed.
func New(dir Directory, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		dir:           dir,
		queue:         newMessageQueue(),
		handlers:      make(map[string]Handler),
		waiters:       make(map[string]chan error),
		clock:         model.SystemClock{},
		tokens:        model.UUIDv7Generator{},
		retryInterval: time.Second,
		logger:        logger.Named("router"),
	}
	r.installDefaultHandlers()
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle registers h for msgType, replacing any existing handler.
func (r *Router) Handle(msgType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = h
}

// Authorize reports whether sender may address receiver: same rank, a
// senior sender, or a receiver that is the sender's direct parent.
func Authorize(sender, receiver model.Node) error {
	switch {
	case sender.Rank == receiver.Rank:
		return nil
	case sender.Rank.Level() < receiver.Rank.Level():
		return nil
	case sender.ParentID != "" && receiver.ID == sender.ParentID:
		return nil
	}
	return &model.Error{
		Code:    model.ErrCodeAuthorization,
		NodeID:  sender.ID,
		Message: fmt.Sprintf("%s may not address %s (%s)", sender.Rank, receiver.ID, receiver.Rank),
	}
}

// Send validates msg and appends it to the queue. The returned copy carries
// the assigned id, ranks, token, timestamp and hierarchy path.
func (r *Router) Send(ctx context.Context, msg model.Message) (model.Message, error) {
	out, err := r.prepare(msg, true)
	if err != nil {
		r.metrics.RecordMessage(msg.MessageType, OutcomeRejected)
		return model.Message{}, err
	}
	if err := r.enqueue(ctx, out); err != nil {
		return model.Message{}, err
	}
	return out, nil
}

// Notify enqueues a system notification or reply. Both endpoints must exist;
// rank authorization and bound checks are skipped.
// Implements hierarchy.Notifier.
func (r *Router) Notify(ctx context.Context, msg model.Message) error {
	out, err := r.prepare(msg, false)
	if err != nil {
		return err
	}
	return r.enqueue(ctx, out)
}

func (r *Router) prepare(msg model.Message, check bool) (model.Message, error) {
	sender, err := r.dir.Node(msg.SenderID)
	if err != nil {
		return model.Message{}, err
	}
	receiver, err := r.dir.Node(msg.ReceiverID)
	if err != nil {
		return model.Message{}, err
	}
	if check {
		if err := Authorize(sender, receiver); err != nil {
			return model.Message{}, err
		}
		for _, n := range []model.Node{sender, receiver} {
			if !n.SoulBound {
				return model.Message{}, model.NewNodeError(model.ErrCodeUnboundSoul, n.ID, "soul is not bound")
			}
		}
	}

	path, err := r.HierarchyPath(sender.ID, receiver.ID)
	if err != nil {
		return model.Message{}, err
	}

	out := msg
	if out.ID == "" {
		out.ID = r.tokens.Generate()
	}
	out.Seq = r.seq.Next()
	out.SenderRank = sender.Rank
	out.ReceiverRank = receiver.Rank
	out.BindingToken = r.tokens.Generate()
	out.Timestamp = r.clock.Now()
	out.HierarchyPath = path
	if out.Content == nil {
		out.Content = make(map[string]any)
	}
	return out, nil
}

func (r *Router) enqueue(ctx context.Context, msg model.Message) error {
	if !r.queue.Enqueue(msg) {
		return ErrClosed
	}
	r.metrics.RecordMessage(msg.MessageType, OutcomeQueued)
	r.record(ctx, msg, OutcomeQueued)
	r.logger.Debug("message queued",
		zap.String("message_id", msg.ID),
		zap.String("type", msg.MessageType),
		zap.String("sender_id", msg.SenderID),
		zap.String("receiver_id", msg.ReceiverID),
		zap.Strings("path", msg.HierarchyPath))
	return nil
}

// HierarchyPath returns the node ids from sender up to the lowest common
// ancestor and back down to receiver. When the two share no ancestor the
// path is the sender's lineage followed by the receiver's reversed.
func (r *Router) HierarchyPath(senderID, receiverID string) ([]string, error) {
	up, err := r.dir.Lineage(senderID)
	if err != nil {
		return nil, err
	}
	down, err := r.dir.Lineage(receiverID)
	if err != nil {
		return nil, err
	}

	pos := make(map[string]int, len(down))
	for i, id := range down {
		pos[id] = i
	}
	for i, id := range up {
		if j, ok := pos[id]; ok {
			path := slices.Clone(up[:i+1])
			tail := slices.Clone(down[:j])
			slices.Reverse(tail)
			return append(path, tail...), nil
		}
	}

	tail := slices.Clone(down)
	slices.Reverse(tail)
	return append(slices.Clone(up), tail...), nil
}

// DrainQueue delivers the messages queued at entry and returns how many
// were delivered. Failed messages return to the front of the queue.
func (r *Router) DrainQueue(ctx context.Context) int {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	batch := r.queue.TakeAll()
	if len(batch) == 0 {
		return 0
	}

	var failed []model.Message
	delivered := 0
	for _, msg := range batch {
		// A failed round-trip message is reported to its waiter and never
		// retried.
		if ctx.Err() != nil {
			if !r.resolve(msg.ID, ctx.Err()) {
				failed = append(failed, msg)
			}
			continue
		}
		switch outcome, err := r.deliver(ctx, msg); outcome {
		case OutcomeDelivered:
			delivered++
			r.resolve(msg.ID, nil)
		case OutcomeFailed:
			if !r.resolve(msg.ID, err) {
				failed = append(failed, msg)
			}
		default:
			r.resolve(msg.ID, err)
		}
	}
	r.queue.RequeueFront(failed)
	return delivered
}

func (r *Router) deliver(ctx context.Context, msg model.Message) (string, error) {
	log := r.logger.With(
		zap.String("message_id", msg.ID),
		zap.String("type", msg.MessageType),
		zap.String("receiver_id", msg.ReceiverID))

	if err := r.dir.Touch(msg.ReceiverID); err != nil {
		log.Warn("dropping message for unknown receiver", zap.Error(err))
		r.finish(ctx, msg, OutcomeDropped)
		return OutcomeDropped, err
	}

	r.mu.Lock()
	h, ok := r.handlers[msg.MessageType]
	r.mu.Unlock()
	if !ok {
		log.Warn("dropping message of unknown type")
		r.finish(ctx, msg, OutcomeDropped)
		return OutcomeDropped, fmt.Errorf("no handler for message type %q", msg.MessageType)
	}

	if err := invoke(ctx, h, msg); err != nil {
		log.Error("message handler failed, will retry", zap.Error(err))
		r.finish(ctx, msg, OutcomeFailed)
		return OutcomeFailed, err
	}
	r.finish(ctx, msg, OutcomeDelivered)
	return OutcomeDelivered, nil
}

// invoke runs h, turning a panic into an error so one bad handler cannot
// take down the drain.
func invoke(ctx context.Context, h Handler, msg model.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, msg)
}

func (r *Router) finish(ctx context.Context, msg model.Message, outcome string) {
	r.metrics.RecordMessage(msg.MessageType, outcome)
	r.record(ctx, msg, outcome)
}

func (r *Router) record(ctx context.Context, msg model.Message, outcome string) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordMessage(ctx, msg, outcome); err != nil {
		r.logger.Warn("audit record failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// RoundTrip sends msg, drains, and waits until that message has been
// handled or timeout elapses. Any failure is reported as ErrHandshake.
func (r *Router) RoundTrip(ctx context.Context, msg model.Message, timeout time.Duration) (model.Message, error) {
	out, err := r.prepare(msg, true)
	if err != nil {
		return model.Message{}, err
	}

	done := make(chan error, 1)
	r.mu.Lock()
	r.waiters[out.ID] = done
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, out.ID)
		r.mu.Unlock()
	}()

	if err := r.enqueue(ctx, out); err != nil {
		return model.Message{}, err
	}
	r.DrainQueue(ctx)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return out, &model.Error{Code: model.ErrCodeHandshake, Message: "round trip " + out.ID, Err: err}
		}
		return out, nil
	case <-timer.C:
		r.queue.Remove(out.ID)
		return out, &model.Error{Code: model.ErrCodeHandshake, Message: fmt.Sprintf("round trip %s timed out after %s", out.ID, timeout)}
	case <-ctx.Done():
		r.queue.Remove(out.ID)
		return out, &model.Error{Code: model.ErrCodeHandshake, Message: "round trip " + out.ID, Err: ctx.Err()}
	}
}

// resolve hands err to the RoundTrip waiting on id and reports whether
// there was one.
func (r *Router) resolve(id string, err error) bool {
	r.mu.Lock()
	ch, ok := r.waiters[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- err:
	default:
	}
	return true
}

// Pending returns a copy of the queued messages in delivery order.
func (r *Router) Pending() []model.Message {
	return r.queue.Snapshot()
}

// Len returns the number of queued messages.
func (r *Router) Len() int {
	return r.queue.Len()
}

// Run drains the queue whenever messages arrive, and retries failed ones
// every retry interval, until ctx is cancelled or Close is called.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("router starting")
	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("router stopping: context cancelled")
			return ctx.Err()

		case _, ok := <-r.queue.Wait():
			if !ok {
				r.logger.Info("router stopping: queue closed")
				return nil
			}
			r.DrainQueue(ctx)

		case <-ticker.C:
			if r.queue.Len() > 0 {
				r.DrainQueue(ctx)
			}
		}
	}
}

// Close stops accepting messages and makes Run return.
func (r *Router) Close() {
	r.queue.Close()
}
