package soul

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/eldertree/internal/model"
)

// tickInterval converts a sync frequency into the pause between ticks.
func tickInterval(hz float64) time.Duration {
	if hz <= 0 {
		hz = 1
	}
	return time.Duration(float64(time.Second) / hz)
}

// startTaskLocked launches e's decay goroutine unless one is already
// running or the manager is stopped.
func (m *Manager) startTaskLocked(e *entry) {
	if m.closed || e.running() {
		return
	}
	ctx, cancel := context.WithCancel(m.base)
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done

	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		defer close(done)
		defer cancel()
		m.runDecay(ctx, e.b.ID, tickInterval(e.b.SyncFrequencyHz))
	}()
}

// runDecay ticks one binding until it breaks, disappears, or ctx ends.
func (m *Manager) runDecay(ctx context.Context, id string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
		live, err := m.decayOnce(ctx, id)
		if err != nil {
			m.logger.Debug("decay task exiting", zap.String("binding_id", id), zap.Error(err))
			return
		}
		if !live {
			return
		}
	}
}

// ApplyDecay performs one decay tick on a binding immediately. It reports
// whether the binding is still live afterwards.
func (m *Manager) ApplyDecay(ctx context.Context, id string) (bool, error) {
	return m.decayOnce(ctx, id)
}

// decayOnce applies one tick. Cancellation is checked again under the lock
// so no update starts after shutdown.
func (m *Manager) decayOnce(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return false, ctx.Err()
	}
	e, ok := m.bindings[id]
	if !ok {
		m.mu.Unlock()
		return false, model.NewBindingError(model.ErrCodeBindingNotFound, id, "binding not found")
	}
	if !e.b.State.Live() {
		m.mu.Unlock()
		return false, nil
	}

	now := m.clock.Now()
	elapsed := now.Sub(e.b.LastSync).Hours()
	if elapsed < 0 {
		elapsed = 0
	}
	rate := e.b.ConnectionType.DecayRate()
	e.b.Strength = model.ClampStrength(e.b.Strength - rate*elapsed)
	e.b.LastSync = now

	var evs []pendingEvent
	if e.b.Strength < WeakeningThreshold && (e.b.State == model.StateBound || e.b.State == model.StateRecovering) {
		m.transitionLocked(e, model.StateWeakening)
		evs = append(evs, pendingEvent{typ: model.EventWeakeningDetected, id: id, nodeID: e.b.NodeAID,
			data: map[string]any{"strength": e.b.Strength, "peer": e.b.NodeBID}})
	}
	if e.b.Strength <= 0 {
		m.transitionLocked(e, model.StateBroken)
		evs = append(evs, pendingEvent{typ: model.EventConnectionLost, id: id, nodeID: e.b.NodeAID,
			data: map[string]any{"peer": e.b.NodeBID, "connection_type": e.b.ConnectionType.String()}})
		if e.cancel != nil {
			e.cancel()
		}
	}
	live := e.b.State.Live()
	strength, state := e.b.Strength, e.b.State
	if len(evs) > 0 {
		m.publishLocked()
	}
	m.mu.Unlock()

	m.metrics.RecordDecayTick()
	// The task may have just cancelled its own context.
	m.emit(context.WithoutCancel(ctx), evs...)
	if len(evs) > 0 {
		m.logger.Info("binding decayed",
			zap.String("binding_id", id),
			zap.Float64("strength", strength),
			zap.Stringer("state", state))
	}
	return live, nil
}
