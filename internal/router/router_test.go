package router

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

	"github.com/roach88/eldertree/internal/hierarchy"
	"github.com/roach88/eldertree/internal/model"
	"github.com/roach88/eldertree/internal/testutil"
)

type fixture struct {
	reg    *hierarchy.Registry
	router *Router
	clock  *testutil.FakeClock
}

// newFixture builds the standard tree with every soul bound.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	logger := zaptest.NewLogger(t)
	reg := hierarchy.New(logger, hierarchy.WithClock(clock))
	for _, n := range testutil.Tree() {
		require.NoError(t, reg.AddNode(n))
		require.NoError(t, reg.BindSoul(context.Background(), n.ID, false))
	}
	opts = append([]Option{WithClock(clock), WithTokenGenerator(model.NewFixedGenerator("msg"))}, opts...)
	return &fixture{reg: reg, router: New(reg, logger, opts...), clock: clock}
}

func msg(from, to, typ string) model.Message {
	return model.Message{SenderID: from, ReceiverID: to, MessageType: typ, Priority: model.PriorityNormal}
}

type recorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recorder) RecordMessage(_ context.Context, m model.Message, outcome string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, m.MessageType+":"+outcome)
	return nil
}

func TestAuthorize(t *testing.T) {
	nodes := map[string]model.Node{}
	for _, n := range testutil.Tree() {
		nodes[n.ID] = n
	}

	tests := []struct {
		from, to string
		allowed  bool
	}{
		{"worker_a", "worker_b", true},        // same rank
		{"knight", "worker_a", true},          // senior to junior
		{"grand_elder", "worker_b", true},     // senior to junior
		{"worker_a", "knowledge_sage", true},  // direct parent
		{"worker_a", "claude_elder", false},   // grandparent
		{"worker_a", "task_sage", false},      // senior, not parent
		{"servant", "task_sage", false},       // senior rank, different branch
		{"knowledge_sage", "task_sage", true}, // peers
	}
	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			err := Authorize(nodes[tt.from], nodes[tt.to])
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, model.ErrAuthorization)
			}
		})
	}
}

func TestSend_FillsMessage(t *testing.T) {
	f := newFixture(t)

	out, err := f.router.Send(context.Background(), msg("worker_a", "worker_b", model.MsgElderCommunication))
	require.NoError(t, err)

	assert.NotEmpty(t, out.ID)
	assert.NotEmpty(t, out.BindingToken)
	assert.Equal(t, int64(1), out.Seq)
	assert.Equal(t, model.RankWorkers, out.SenderRank)
	assert.Equal(t, model.RankWorkers, out.ReceiverRank)
	assert.Equal(t, f.clock.Now(), out.Timestamp)
	assert.Equal(t, []string{"worker_a", "knowledge_sage", "claude_elder", "task_sage", "worker_b"}, out.HierarchyPath)
	assert.NotNil(t, out.Content)
	assert.Equal(t, 1, f.router.Len())
}

func TestSend_ErrorOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.Send(ctx, msg("ghost", "worker_b", model.MsgElderCommunication))
	assert.ErrorIs(t, err, model.ErrUnknownNode)

	_, err = f.router.Send(ctx, msg("worker_a", "ghost", model.MsgElderCommunication))
	assert.ErrorIs(t, err, model.ErrUnknownNode)

	// Authorization is checked before bound state.
	require.NoError(t, f.reg.UnbindSoul(ctx, "claude_elder"))
	_, err = f.router.Send(ctx, msg("worker_a", "claude_elder", model.MsgElderCommunication))
	assert.ErrorIs(t, err, model.ErrAuthorization)

	_, err = f.router.Send(ctx, msg("grand_elder", "claude_elder", model.MsgElderCommunication))
	assert.ErrorIs(t, err, model.ErrUnboundSoul)

	assert.Equal(t, 0, f.router.Len())
}

func TestHierarchyPath(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		from, to string
		want     []string
	}{
		{"worker_a", "worker_a", []string{"worker_a"}},
		{"worker_a", "knowledge_sage", []string{"worker_a", "knowledge_sage"}},
		{"grand_elder", "knight", []string{"grand_elder", "claude_elder", "knowledge_sage", "knight"}},
		{"knight", "worker_a", []string{"knight", "knowledge_sage", "worker_a"}},
		{"servant", "worker_b", []string{"servant", "claude_elder", "task_sage", "worker_b"}},
	}
	for _, tt := range tests {
		got, err := f.router.HierarchyPath(tt.from, tt.to)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s -> %s", tt.from, tt.to)
	}
}

func TestHierarchyPath_SeparateTrees(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.AddNode(model.Node{ID: "other_root", Rank: model.RankGrandElder}))
	require.NoError(t, f.reg.AddNode(model.Node{ID: "other_elder", Rank: model.RankClaudeElder, ParentID: "other_root"}))

	got, err := f.router.HierarchyPath("claude_elder", "other_elder")
	require.NoError(t, err)
	assert.Equal(t, []string{"claude_elder", "grand_elder", "other_root", "other_elder"}, got)
}

func TestDrainQueue_FIFOAndTouch(t *testing.T) {
	var got []string
	f := newFixture(t, WithHandler(model.MsgElderCommunication, func(_ context.Context, m model.Message) error {
		got = append(got, m.Content["n"].(string))
		return nil
	}))
	ctx := context.Background()

	for _, n := range []string{"1", "2", "3"} {
		m := msg("worker_a", "worker_b", model.MsgElderCommunication)
		m.Content = map[string]any{"n": n}
		_, err := f.router.Send(ctx, m)
		require.NoError(t, err)
	}

	f.clock.Advance(time.Minute)
	assert.Equal(t, 3, f.router.DrainQueue(ctx))
	assert.Equal(t, []string{"1", "2", "3"}, got)
	assert.Equal(t, 0, f.router.Len())

	b, _ := f.reg.Node("worker_b")
	assert.Equal(t, f.clock.Now(), b.LastActivity)
}

func TestDrainQueue_FailedMessageStaysAtFront(t *testing.T) {
	fail := true
	var delivered []string
	f := newFixture(t, WithHandler(model.MsgElderCommunication, func(_ context.Context, m model.Message) error {
		n := m.Content["n"].(string)
		if n == "bad" && fail {
			return errors.New("transient")
		}
		delivered = append(delivered, n)
		return nil
	}))
	ctx := context.Background()

	for _, n := range []string{"ok1", "bad", "ok2"} {
		m := msg("worker_a", "worker_b", model.MsgElderCommunication)
		m.Content = map[string]any{"n": n}
		_, err := f.router.Send(ctx, m)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, f.router.DrainQueue(ctx))
	assert.Equal(t, []string{"ok1", "ok2"}, delivered)
	require.Equal(t, 1, f.router.Len())

	late := msg("worker_a", "worker_b", model.MsgElderCommunication)
	late.Content = map[string]any{"n": "late"}
	_, err := f.router.Send(ctx, late)
	require.NoError(t, err)

	fail = false
	assert.Equal(t, 2, f.router.DrainQueue(ctx))
	assert.Equal(t, []string{"ok1", "ok2", "bad", "late"}, delivered)
}

func TestDrainQueue_HandlerPanicIsRetried(t *testing.T) {
	calls := 0
	f := newFixture(t, WithHandler(model.MsgElderCommunication, func(context.Context, model.Message) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return nil
	}))
	ctx := context.Background()
	_, err := f.router.Send(ctx, msg("worker_a", "worker_b", model.MsgElderCommunication))
	require.NoError(t, err)

	assert.Equal(t, 0, f.router.DrainQueue(ctx))
	assert.Equal(t, 1, f.router.DrainQueue(ctx))
	assert.Equal(t, 2, calls)
}

func TestDrainQueue_UnknownTypeDropped(t *testing.T) {
	rec := &recorder{}
	f := newFixture(t, WithRecorder(rec))
	ctx := context.Background()

	_, err := f.router.Send(ctx, msg("worker_a", "worker_b", "gossip"))
	require.NoError(t, err)

	assert.Equal(t, 0, f.router.DrainQueue(ctx))
	assert.Equal(t, 0, f.router.Len())
	assert.Equal(t, []string{"gossip:queued", "gossip:dropped"}, rec.outcomes)
}

func TestDrainQueue_HierarchyQueryResponds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.Send(ctx, msg("worker_a", "knowledge_sage", model.MsgHierarchyQuery))
	require.NoError(t, err)

	assert.Equal(t, 1, f.router.DrainQueue(ctx))

	// The reply is queued but not delivered in the same drain.
	pending := f.router.Pending()
	require.Len(t, pending, 1)
	resp := pending[0]
	assert.Equal(t, model.MsgHierarchyResponse, resp.MessageType)
	assert.Equal(t, "knowledge_sage", resp.SenderID)
	assert.Equal(t, "worker_a", resp.ReceiverID)
	assert.Equal(t, []any{"knight", "worker_a"}, resp.Content["children"])
	assert.Equal(t, []any{"worker_a", "knowledge_sage"}, resp.Content["path"])
	status := resp.Content["status"].(map[string]any)
	assert.Equal(t, 8, status["total_nodes"])

	assert.Equal(t, 1, f.router.DrainQueue(ctx))
	assert.Equal(t, 0, f.router.Len())
}

func TestNotify_SkipsAuthorizationAndBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.UnbindSoul(ctx, "claude_elder"))

	require.NoError(t, f.router.Notify(ctx, msg("worker_a", "claude_elder", model.MsgSoulBindingNotification)))
	assert.Equal(t, 1, f.router.Len())

	assert.ErrorIs(t, f.router.Notify(ctx, msg("worker_a", "ghost", model.MsgSoulBindingNotification)), model.ErrUnknownNode)
}

func TestRegistryNotificationsFlowThroughRouter(t *testing.T) {
	f := newFixture(t)
	f.reg.SetNotifier(f.router)
	ctx := context.Background()

	require.NoError(t, f.reg.UnbindSoul(ctx, "knight"))
	require.NoError(t, f.reg.BindSoul(ctx, "knight", false))

	pending := f.router.Pending()
	require.Len(t, pending, 2)
	for _, m := range pending {
		assert.Equal(t, model.MsgSoulBindingNotification, m.MessageType)
		assert.Equal(t, "knowledge_sage", m.ReceiverID)
	}
	assert.Equal(t, 2, f.router.DrainQueue(ctx))
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t)

	out, err := f.router.RoundTrip(context.Background(), msg("knight", "worker_a", model.MsgSoulBindingTest), time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, 0, f.router.Len())
}

func TestRoundTrip_HandlerFailureIsHandshakeError(t *testing.T) {
	f := newFixture(t, WithHandler(model.MsgSoulBindingTest, func(context.Context, model.Message) error {
		return errors.New("receiver asleep")
	}))

	_, err := f.router.RoundTrip(context.Background(), msg("knight", "worker_a", model.MsgSoulBindingTest), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrHandshake)
}

func TestRoundTrip_FailedMessageIsNotRetried(t *testing.T) {
	calls := 0
	rec := &recorder{}
	f := newFixture(t, WithRecorder(rec), WithHandler(model.MsgSoulBindingTest, func(context.Context, model.Message) error {
		calls++
		return errors.New("receiver asleep")
	}))
	ctx := context.Background()

	_, err := f.router.RoundTrip(ctx, msg("knight", "worker_a", model.MsgSoulBindingTest), time.Second)
	assert.ErrorIs(t, err, model.ErrHandshake)
	assert.Equal(t, 0, f.router.Len())

	assert.Equal(t, 0, f.router.DrainQueue(ctx))
	assert.Equal(t, 1, calls)
	assert.NotContains(t, rec.outcomes, model.MsgSoulBindingTest+":"+OutcomeDelivered)
}

func TestRoundTrip_CancelledLeavesQueueEmpty(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.router.RoundTrip(ctx, msg("knight", "worker_a", model.MsgSoulBindingTest), time.Second)
	assert.ErrorIs(t, err, model.ErrHandshake)
	assert.Equal(t, 0, f.router.Len())
}

func TestRoundTrip_Unauthorized(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.RoundTrip(context.Background(), msg("worker_a", "grand_elder", model.MsgSoulBindingTest), time.Second)
	assert.ErrorIs(t, err, model.ErrAuthorization)
	assert.Equal(t, 0, f.router.Len())
}

func TestRun_DeliversAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mu sync.Mutex
	var seen []string
	f := newFixture(t, WithHandler(model.MsgElderCommunication, func(_ context.Context, m model.Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, m.ID)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.router.Run(ctx) }()

	_, err := f.router.Send(ctx, msg("worker_a", "worker_b", model.MsgElderCommunication))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_ReturnsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)

	done := make(chan error, 1)
	go func() { done <- f.router.Run(context.Background()) }()

	f.router.Close()
	assert.NoError(t, <-done)

	_, err := f.router.Send(context.Background(), msg("worker_a", "worker_b", model.MsgElderCommunication))
	assert.ErrorIs(t, err, ErrClosed)
}
