package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/eldertree/internal/model"
	"github.com/roach88/eldertree/internal/soul"
)

// Journal is the event source the dispatcher drains. *events.Journal
// implements it.
type Journal interface {
	Pending() []model.Event
	MarkProcessed(ctx context.Context, id string) bool
}

// Binder is the part of the connection manager the dispatcher drives.
// *soul.Manager implements it.
type Binder interface {
	EmergencyBind(ctx context.Context, a, b string) (model.Binding, error)
	AttemptRecovery(ctx context.Context, id string) (soul.RecoveryResult, error)
}

// EventHook receives an event after the dispatcher handled it.
type EventHook func(ctx context.Context, ev model.Event)

// Dispatcher reacts to journal events.
//
// Thread-safety: DispatchPending calls are serialized.
type Dispatcher struct {
	mu       sync.Mutex
	journal  Journal
	binder   Binder
	interval time.Duration
	onAlert  EventHook
	onLost   EventHook
	logger   *zap.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchInterval sets the Run period.
func WithDispatchInterval(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) {
		if d > 0 {
			x.interval = d
		}
	}
}

// OnAlert forwards every EmergencyAlert to h. This is the egress point for
// external alerting.
func OnAlert(h EventHook) DispatcherOption { return func(x *Dispatcher) { x.onAlert = h } }

// OnLost hands every ConnectionLost event to h instead of logging it.
func OnLost(h EventHook) DispatcherOption { return func(x *Dispatcher) { x.onLost = h } }

// NewDispatcher creates a dispatcher over journal and binder.
func NewDispatcher(journal Journal, binder Binder, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		journal:  journal,
		binder:   binder,
		interval: time.Second,
		logger:   logger.Named("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchPending handles every event pending at entry, oldest first, and
// returns how many it handled. Events emitted while handling wait for the
// next call.
func (d *Dispatcher) DispatchPending(ctx context.Context) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	handled := 0
	for _, ev := range d.journal.Pending() {
		if ctx.Err() != nil {
			break
		}
		if err := d.handle(ctx, ev); err != nil {
			d.logger.Warn("event handling failed",
				zap.String("event_id", ev.ID),
				zap.Stringer("type", ev.Type),
				zap.String("binding_id", ev.BindingID),
				zap.Error(err))
		}
		d.journal.MarkProcessed(ctx, ev.ID)
		handled++
	}
	return handled
}

func (d *Dispatcher) handle(ctx context.Context, ev model.Event) error {
	switch ev.Type {
	case model.EventEmergencyAlert:
		return d.handleAlert(ctx, ev)

	case model.EventWeakeningDetected:
		res, err := d.binder.AttemptRecovery(ctx, ev.BindingID)
		if err != nil {
			return fmt.Errorf("recover %s: %w", ev.BindingID, err)
		}
		d.logger.Debug("recovery attempted",
			zap.String("binding_id", ev.BindingID),
			zap.Bool("improved", res.Improved),
			zap.Bool("restored", res.Restored),
			zap.Float64("strength", res.Strength))
		return nil

	case model.EventConnectionLost:
		if d.onLost != nil {
			d.onLost(ctx, ev)
			return nil
		}
		d.logger.Info("connection lost",
			zap.String("binding_id", ev.BindingID),
			zap.String("node_id", ev.NodeID))
		return nil
	}
	return nil
}

// handleAlert opens an emergency binding when the alert names a target,
// then forwards the alert. Alerts raised by EmergencyBind itself carry no
// target, so they are only forwarded.
func (d *Dispatcher) handleAlert(ctx context.Context, ev model.Event) error {
	var err error
	target, _ := ev.Data["target"].(string)
	source, _ := ev.Data["source"].(string)
	if source == "" {
		source = ev.NodeID
	}
	if target != "" && target != source {
		var b model.Binding
		if b, err = d.binder.EmergencyBind(ctx, source, target); err != nil {
			err = fmt.Errorf("emergency bind %s-%s: %w", source, target, err)
		} else {
			d.logger.Warn("emergency binding opened for alert",
				zap.String("event_id", ev.ID),
				zap.String("binding_id", b.ID))
		}
	}
	if d.onAlert != nil {
		d.onAlert(ctx, ev)
	}
	return err
}

// Run dispatches every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting", zap.Duration("interval", d.interval))
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
			d.DispatchPending(ctx)
		}
	}
}
