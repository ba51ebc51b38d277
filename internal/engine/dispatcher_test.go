package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/eldertree/internal/events"
	"github.com/roach88/eldertree/internal/model"
	"github.com/roach88/eldertree/internal/soul"
	"github.com/roach88/eldertree/internal/testutil"
)

type fakeBinder struct {
	mu         sync.Mutex
	emergency  [][2]string
	recoveries []string
	bindErr    error
	recoverErr error
}

func (f *fakeBinder) EmergencyBind(_ context.Context, a, b string) (model.Binding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergency = append(f.emergency, [2]string{a, b})
	if f.bindErr != nil {
		return model.Binding{}, f.bindErr
	}
	return model.Binding{ID: "emergency-" + a + "-" + b, NodeAID: a, NodeBID: b}, nil
}

func (f *fakeBinder) AttemptRecovery(_ context.Context, id string) (soul.RecoveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveries = append(f.recoveries, id)
	return soul.RecoveryResult{Improved: true, Strength: 0.4}, f.recoverErr
}

type hookLog struct {
	mu  sync.Mutex
	evs []model.Event
}

func (h *hookLog) hook(_ context.Context, ev model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evs = append(h.evs, ev)
}

func (h *hookLog) ids() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, ev := range h.evs {
		out = append(out, ev.ID)
	}
	return out
}

func newJournal(t *testing.T) *events.Journal {
	return events.New(zaptest.NewLogger(t),
		events.WithClock(testutil.NewFakeClock(time.Time{})),
		events.WithTokenGenerator(model.NewFixedGenerator("ev")))
}

func TestDispatchPending_RoutesByType(t *testing.T) {
	ctx := context.Background()
	j := newJournal(t)
	binder := &fakeBinder{}
	alerts, lost := &hookLog{}, &hookLog{}
	d := NewDispatcher(j, binder, zaptest.NewLogger(t), OnAlert(alerts.hook), OnLost(lost.hook))

	j.Emit(ctx, model.EventEmergencyAlert, "", "worker_b", map[string]any{"source": "task_sage", "target": "worker_b"})
	j.Emit(ctx, model.EventEmergencyAlert, "b9", "knight", map[string]any{"source": "knight", "peer": "worker_a"})
	j.Emit(ctx, model.EventWeakeningDetected, "b1", "worker_a", nil)
	j.Emit(ctx, model.EventConnectionLost, "b2", "worker_a", nil)
	j.Emit(ctx, model.EventBindingAccepted, "b3", "worker_a", nil)

	assert.Equal(t, 5, d.DispatchPending(ctx))

	assert.Equal(t, [][2]string{{"task_sage", "worker_b"}}, binder.emergency, "only the alert with a target binds")
	assert.Equal(t, []string{"b1"}, binder.recoveries)
	assert.Equal(t, []string{"ev-1", "ev-2"}, alerts.ids())
	assert.Equal(t, []string{"ev-4"}, lost.ids())

	assert.Empty(t, j.Pending())
	assert.Equal(t, 0, d.DispatchPending(ctx))
}

func TestDispatchPending_SourceFallsBackToNode(t *testing.T) {
	ctx := context.Background()
	j := newJournal(t)
	binder := &fakeBinder{}
	d := NewDispatcher(j, binder, zaptest.NewLogger(t))

	j.Emit(ctx, model.EventEmergencyAlert, "", "knight", map[string]any{"target": "worker_a"})
	j.Emit(ctx, model.EventEmergencyAlert, "", "knight", map[string]any{"source": "knight", "target": "knight"})
	d.DispatchPending(ctx)

	assert.Equal(t, [][2]string{{"knight", "worker_a"}}, binder.emergency)
}

func TestDispatchPending_FailuresStillMarkProcessed(t *testing.T) {
	ctx := context.Background()
	j := newJournal(t)
	binder := &fakeBinder{
		bindErr:    model.NewNodeError(model.ErrCodeUnboundSoul, "worker_b", "not bound"),
		recoverErr: errors.New("boom"),
	}
	alerts := &hookLog{}
	d := NewDispatcher(j, binder, zaptest.NewLogger(t), OnAlert(alerts.hook))

	j.Emit(ctx, model.EventEmergencyAlert, "", "worker_b", map[string]any{"source": "task_sage", "target": "worker_b"})
	j.Emit(ctx, model.EventWeakeningDetected, "b1", "worker_a", nil)

	assert.Equal(t, 2, d.DispatchPending(ctx))
	assert.Empty(t, j.Pending())
	assert.Len(t, alerts.ids(), 1, "alert is forwarded even when the bind fails")

	total, pending := j.Counts()
	assert.Equal(t, 2, total)
	assert.Equal(t, 0, pending)
}

// emittingBinder raises a follow-up event from inside the handler.
type emittingBinder struct {
	fakeBinder
	j *events.Journal
}

func (b *emittingBinder) EmergencyBind(ctx context.Context, a, c string) (model.Binding, error) {
	b.j.Emit(ctx, model.EventEmergencyAlert, "eb", a, map[string]any{"source": a, "peer": c})
	return b.fakeBinder.EmergencyBind(ctx, a, c)
}

func TestDispatchPending_NewEventsWaitForNextPass(t *testing.T) {
	ctx := context.Background()
	j := newJournal(t)
	binder := &emittingBinder{j: j}
	d := NewDispatcher(j, binder, zaptest.NewLogger(t))

	j.Emit(ctx, model.EventEmergencyAlert, "", "worker_b", map[string]any{"source": "task_sage", "target": "worker_b"})

	assert.Equal(t, 1, d.DispatchPending(ctx))
	require.Len(t, j.Pending(), 1)
	assert.Equal(t, "eb", j.Pending()[0].BindingID)

	assert.Equal(t, 1, d.DispatchPending(ctx))
	assert.Empty(t, j.Pending())
}

func TestDispatcher_Run(t *testing.T) {
	defer goleak.VerifyNone(t)

	j := newJournal(t)
	binder := &fakeBinder{}
	d := NewDispatcher(j, binder, zaptest.NewLogger(t), WithDispatchInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	j.Emit(context.Background(), model.EventWeakeningDetected, "b1", "worker_a", nil)
	require.Eventually(t, func() bool { return len(j.Pending()) == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
