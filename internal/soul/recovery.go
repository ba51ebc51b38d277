package soul

import (
	"context"

	"go.uber.org/zap"

	"github.com/roach88/eldertree/internal/model"
)

// RecoveryResult reports what AttemptRecovery changed.
type RecoveryResult struct {
	Improved bool    // strength was raised
	Restored bool    // binding returned to Bound
	Strength float64 // strength after the attempt
}

func recoverable(s model.BindingState) bool {
	return s == model.StateWeakening || s == model.StateRecovering
}

// AttemptRecovery rescores a Weakening or Recovering binding from current
// node state. A higher score replaces the stored strength and moves the
// binding to Recovering; a score above the recovery threshold returns it to
// Bound. Bindings in any other state are left alone.
func (m *Manager) AttemptRecovery(ctx context.Context, id string) (RecoveryResult, error) {
	m.mu.Lock()
	e, ok := m.bindings[id]
	if !ok {
		m.mu.Unlock()
		return RecoveryResult{}, model.NewBindingError(model.ErrCodeBindingNotFound, id, "binding not found")
	}
	if !recoverable(e.b.State) {
		res := RecoveryResult{Strength: e.b.Strength}
		m.mu.Unlock()
		return res, nil
	}
	a, b := e.b.NodeAID, e.b.NodeBID
	m.mu.Unlock()

	na, err := m.dir.Node(a)
	if err != nil {
		return RecoveryResult{}, err
	}
	nb, err := m.dir.Node(b)
	if err != nil {
		return RecoveryResult{}, err
	}
	now := m.clock.Now()
	score := model.ClampStrength(m.resonance.Resonance(na, nb, now))

	m.mu.Lock()
	if m.bindings[id] != e || !recoverable(e.b.State) {
		res := RecoveryResult{Strength: e.b.Strength}
		m.mu.Unlock()
		return res, nil
	}
	var res RecoveryResult
	var evs []pendingEvent
	if score > e.b.Strength {
		res.Improved = true
		e.b.Strength = score
		if e.b.State == model.StateWeakening {
			m.transitionLocked(e, model.StateRecovering)
			evs = append(evs, pendingEvent{typ: model.EventRecoveryInitiated, id: id, nodeID: a,
				data: map[string]any{"peer": b, "strength": score}})
		}
	}
	if e.b.State == model.StateRecovering && e.b.Strength > m.settings.RecoveryThreshold {
		m.transitionLocked(e, model.StateBound)
		e.b.LastSync = now
		m.startTaskLocked(e)
		res.Restored = true
		evs = append(evs, pendingEvent{typ: model.EventSoulSync, id: id, nodeID: a,
			data: map[string]any{"peer": b, "strength": e.b.Strength}})
	}
	res.Strength = e.b.Strength
	if res.Improved || res.Restored {
		m.publishLocked()
	}
	m.mu.Unlock()

	m.emit(ctx, evs...)
	if res.Improved {
		m.metrics.ObserveStrength(res.Strength)
		m.logger.Info("binding recovering",
			zap.String("binding_id", id),
			zap.Float64("strength", res.Strength),
			zap.Bool("restored", res.Restored))
	}
	return res, nil
}

// RecoverWeakening runs AttemptRecovery over every Weakening or Recovering
// binding and returns how many improved. Failures are logged per binding.
func (m *Manager) RecoverWeakening(ctx context.Context) int {
	m.mu.Lock()
	var ids []string
	for _, id := range m.order {
		if recoverable(m.bindings[id].b.State) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	improved := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		res, err := m.AttemptRecovery(ctx, id)
		if err != nil {
			m.logger.Warn("recovery attempt failed", zap.String("binding_id", id), zap.Error(err))
			continue
		}
		if res.Improved {
			improved++
		}
	}
	m.metrics.RecordSweep("recovered", improved)
	return improved
}

// RetireBroken deletes every Broken binding, removing it from both
// endpoints' adjacency sets, and returns how many were retired.
func (m *Manager) RetireBroken(ctx context.Context) int {
	m.mu.Lock()
	var retired []*entry
	for _, id := range append([]string(nil), m.order...) {
		e := m.bindings[id]
		if e.b.State == model.StateBroken {
			m.removeLocked(e)
			retired = append(retired, e)
		}
	}
	if len(retired) > 0 {
		m.publishLocked()
	}
	m.mu.Unlock()

	for _, e := range retired {
		m.awaitStopped(e)
		m.logger.Info("binding retired",
			zap.String("binding_id", e.b.ID),
			zap.String("node_a", e.b.NodeAID),
			zap.String("node_b", e.b.NodeBID))
	}
	m.metrics.RecordSweep("retired", len(retired))
	return len(retired)
}
