package soul

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/eldertree/internal/events"
	"github.com/roach88/eldertree/internal/hierarchy"
	"github.com/roach88/eldertree/internal/model"
	"github.com/roach88/eldertree/internal/router"
	"github.com/roach88/eldertree/internal/testutil"
)

// slowSync keeps restored decay tasks from ticking during a test so
// ApplyDecay drives every tick.
const slowSync = 0.001

type transition struct {
	id       string
	from, to model.BindingState
}

type transitionLog struct {
	mu  sync.Mutex
	log []transition
}

func (l *transitionLog) hook(id string, from, to model.BindingState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = append(l.log, transition{id, from, to})
}

func (l *transitionLog) states(id string) []model.BindingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.BindingState
	for _, tr := range l.log {
		if tr.id != id {
			continue
		}
		if len(out) == 0 {
			out = append(out, tr.from)
		}
		out = append(out, tr.to)
	}
	return out
}

type fixedResonance float64

func (f fixedResonance) Resonance(model.Node, model.Node, time.Time) float64 { return float64(f) }

type fixture struct {
	reg     *hierarchy.Registry
	router  *router.Router
	journal *events.Journal
	mgr     *Manager
	clock   *testutil.FakeClock
	trans   *transitionLog
}

type fixtureConfig struct {
	logger    *zap.Logger
	routerOpt []router.Option
	opts      []Option
}

// newFixture builds the standard tree with every soul bound. worker_a and
// worker_b share one of four capabilities (25% overlap).
func newFixture(t *testing.T, cfg fixtureConfig) *fixture {
	t.Helper()
	logger := cfg.logger
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	clock := testutil.NewFakeClock(time.Time{})
	reg := hierarchy.New(logger, hierarchy.WithClock(clock))
	for _, n := range testutil.Tree() {
		switch n.ID {
		case "worker_a":
			n.Capabilities = []string{"a", "b", "c"}
		case "worker_b":
			n.Capabilities = []string{"c", "d"}
		}
		require.NoError(t, reg.AddNode(n))
		require.NoError(t, reg.BindSoul(context.Background(), n.ID, false))
	}

	rt := router.New(reg, logger, append([]router.Option{router.WithClock(clock)}, cfg.routerOpt...)...)
	journal := events.New(logger, events.WithClock(clock), events.WithTokenGenerator(model.NewFixedGenerator("ev")))
	trans := &transitionLog{}
	opts := append([]Option{
		WithClock(clock),
		WithTokenGenerator(model.NewFixedGenerator("nonce")),
		WithTransitionHook(trans.hook),
	}, cfg.opts...)
	mgr := New(reg, rt, journal, logger, opts...)
	t.Cleanup(mgr.Stop)

	return &fixture{reg: reg, router: rt, journal: journal, mgr: mgr, clock: clock, trans: trans}
}

// restore installs a single binding directly.
func (f *fixture) restore(t *testing.T, b model.Binding) model.Binding {
	t.Helper()
	if b.ID == "" {
		b.ID = "bind-test"
	}
	if b.SyncFrequencyHz == 0 {
		b.SyncFrequencyHz = slowSync
	}
	if b.LastSync.IsZero() {
		b.LastSync = f.clock.Now()
		b.EstablishedAt = f.clock.Now()
	}
	require.NoError(t, f.mgr.Restore([]model.Binding{b}))
	return b
}

func eventTypes(evs []model.Event) []model.EventType {
	out := make([]model.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}
