package hierarchy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/eldertree/internal/metrics"
	"github.com/roach88/eldertree/internal/model"
	"github.com/roach88/eldertree/internal/testutil"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []model.Message
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg model.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return n.err
}

func (n *recordingNotifier) messages() []model.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.Message(nil), n.msgs...)
}

func newTestRegistry(t *testing.T) (*Registry, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	r := New(zaptest.NewLogger(t),
		WithClock(clock),
		WithTokenGenerator(model.NewFixedGenerator("token")))
	return r, clock
}

func loadTree(t *testing.T, r *Registry) {
	t.Helper()
	for _, n := range testutil.Tree() {
		require.NoError(t, r.AddNode(n), "add %s", n.ID)
	}
}

func TestAddNode_ScenarioA(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.NoError(t, r.AddNode(model.Node{ID: "grand_elder", Rank: model.RankGrandElder}))
	require.NoError(t, r.AddNode(model.Node{ID: "claude_elder", Rank: model.RankClaudeElder, ParentID: "grand_elder"}))

	err := r.AddNode(model.Node{ID: "worker", Rank: model.RankWorkers, ParentID: "grand_elder"})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidHierarchy)

	root, err := r.Node("grand_elder")
	require.NoError(t, err)
	assert.Equal(t, []string{"claude_elder"}, root.ChildrenIDs)

	_, err = r.Node("worker")
	assert.ErrorIs(t, err, model.ErrUnknownNode)
}

func TestAddNode_FillsDefaults(t *testing.T) {
	r, clock := newTestRegistry(t)

	require.NoError(t, r.AddNode(model.Node{
		ID:           "root",
		Rank:         model.RankGrandElder,
		SoulBound:    true,
		ChildrenIDs:  []string{"ghost"},
		Capabilities: []string{"b", "a", "b", ""},
	}))

	n, err := r.Node("root")
	require.NoError(t, err)
	assert.Equal(t, "token-1", n.BindingToken)
	assert.Equal(t, clock.Now(), n.CreatedAt)
	assert.Equal(t, model.StatusActive, n.Status)
	assert.False(t, n.SoulBound, "souls are bound only through BindSoul")
	assert.Empty(t, n.ChildrenIDs)
	assert.Equal(t, []string{"a", "b"}, n.Capabilities)
	assert.NotNil(t, n.Metadata)
	assert.True(t, n.LastActivity.IsZero())
}

func TestAddNode_KeepsProvidedToken(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.AddNode(model.Node{ID: "root", Rank: model.RankGrandElder, BindingToken: "mine"}))

	n, err := r.Node("root")
	require.NoError(t, err)
	assert.Equal(t, "mine", n.BindingToken)
}

func TestAddNode_Errors(t *testing.T) {
	tests := []struct {
		name string
		node model.Node
		want error
	}{
		{"duplicate", model.Node{ID: "grand_elder", Rank: model.RankGrandElder}, model.ErrDuplicateNode},
		{"missing parent", model.Node{ID: "x", Rank: model.RankWorkers, ParentID: "nobody"}, model.ErrMissingParent},
		{"rank not allowed", model.Node{ID: "x", Rank: model.RankApprentice, ParentID: "task_sage"}, model.ErrInvalidHierarchy},
		{"workers have no children", model.Node{ID: "x", Rank: model.RankApprentice, ParentID: "worker_a"}, model.ErrInvalidHierarchy},
		{"empty id", model.Node{Rank: model.RankWorkers}, model.ErrInvalidHierarchy},
		{"invalid rank", model.Node{ID: "x", Rank: model.Rank(42)}, model.ErrInvalidHierarchy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRegistry(t)
			loadTree(t, r)
			before := r.Len()

			err := r.AddNode(tt.node)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, r.Len())
		})
	}
}

func TestAddNode_ApprenticeUnderKnight(t *testing.T) {
	r, _ := newTestRegistry(t)
	loadTree(t, r)

	require.NoError(t, r.AddNode(model.Node{ID: "squire", Rank: model.RankApprentice, ParentID: "knight"}))
	lineage, err := r.Lineage("squire")
	require.NoError(t, err)
	assert.Equal(t, []string{"squire", "knight", "knowledge_sage", "claude_elder", "grand_elder"}, lineage)
}

func TestBindSoul_NotifiesParent(t *testing.T) {
	r, clock := newTestRegistry(t)
	loadTree(t, r)
	notes := &recordingNotifier{}
	r.SetNotifier(notes)
	ctx := context.Background()

	clock.Advance(time.Minute)
	require.NoError(t, r.BindSoul(ctx, "worker_a", false))

	n, err := r.Node("worker_a")
	require.NoError(t, err)
	assert.True(t, n.SoulBound)
	assert.Equal(t, clock.Now(), n.LastActivity)

	msgs := notes.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "worker_a", msgs[0].SenderID)
	assert.Equal(t, "knowledge_sage", msgs[0].ReceiverID)
	assert.Equal(t, model.MsgSoulBindingNotification, msgs[0].MessageType)
	assert.Equal(t, "soul_bound", msgs[0].Content["event"])
}

func TestBindSoul_RootHasNoNotification(t *testing.T) {
	r, _ := newTestRegistry(t)
	loadTree(t, r)
	notes := &recordingNotifier{}
	r.SetNotifier(notes)

	require.NoError(t, r.BindSoul(context.Background(), "grand_elder", false))
	assert.Empty(t, notes.messages())
}

func TestBindSoul_AlreadyBound(t *testing.T) {
	r, _ := newTestRegistry(t)
	loadTree(t, r)
	ctx := context.Background()

	require.NoError(t, r.BindSoul(ctx, "knight", false))
	err := r.BindSoul(ctx, "knight", false)
	assert.ErrorIs(t, err, model.ErrAlreadyBound)

	assert.NoError(t, r.BindSoul(ctx, "knight", true), "force rebinds")
}

func TestBindSoul_NotifierFailureDoesNotFailBind(t *testing.T) {
	r, _ := newTestRegistry(t)
	loadTree(t, r)
	r.SetNotifier(&recordingNotifier{err: errors.New("queue closed")})

	require.NoError(t, r.BindSoul(context.Background(), "servant", false))
	n, _ := r.Node("servant")
	assert.True(t, n.SoulBound)
}

func TestUnbindSoul(t *testing.T) {
	r, _ := newTestRegistry(t)
	loadTree(t, r)
	notes := &recordingNotifier{}
	r.SetNotifier(notes)
	ctx := context.Background()

	assert.ErrorIs(t, r.UnbindSoul(ctx, "servant"), model.ErrUnboundSoul)
	assert.ErrorIs(t, r.UnbindSoul(ctx, "ghost"), model.ErrUnknownNode)

	require.NoError(t, r.BindSoul(ctx, "servant", false))
	require.NoError(t, r.UnbindSoul(ctx, "servant"))

	n, _ := r.Node("servant")
	assert.False(t, n.SoulBound)

	msgs := notes.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "soul_unbound", msgs[1].Content["event"])
}

func TestBindSoul_UnknownNode(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.ErrorIs(t, r.BindSoul(context.Background(), "ghost", false), model.ErrUnknownNode)
}

func TestStatus(t *testing.T) {
	r, clock := newTestRegistry(t)
	assert.Equal(t, Status{}, r.Status())

	loadTree(t, r)
	ctx := context.Background()
	require.NoError(t, r.BindSoul(ctx, "grand_elder", false))
	require.NoError(t, r.BindSoul(ctx, "claude_elder", false))

	st := r.Status()
	assert.Equal(t, 8, st.TotalNodes)
	assert.Equal(t, 2, st.BoundSouls)
	assert.InDelta(t, 0.25, st.BindingRate, 1e-9)
	// bound 0.25, consistent 1.0, active 0.25
	assert.InDelta(t, 0.5, st.HierarchyHealth, 1e-9)

	clock.Advance(2 * time.Hour)
	st = r.Status()
	// activity has aged out
	assert.InDelta(t, (0.25+1.0)/3, st.HierarchyHealth, 1e-9)
}

func TestTouchAndMarkStatus(t *testing.T) {
	r, clock := newTestRegistry(t)
	loadTree(t, r)

	clock.Advance(time.Hour)
	require.NoError(t, r.Touch("knight"))
	require.NoError(t, r.MarkStatus("knight", model.StatusInactive))

	n, _ := r.Node("knight")
	assert.Equal(t, clock.Now(), n.LastActivity)
	assert.Equal(t, model.StatusInactive, n.Status)

	assert.ErrorIs(t, r.Touch("ghost"), model.ErrUnknownNode)
	assert.ErrorIs(t, r.MarkStatus("ghost", "x"), model.ErrUnknownNode)
}

func TestSetPairMetadata_BothOrNeither(t *testing.T) {
	r, _ := newTestRegistry(t)
	loadTree(t, r)

	err := r.SetPairMetadata("worker_a", "ghost", "sig", "abc")
	assert.ErrorIs(t, err, model.ErrUnknownNode)
	a, _ := r.Node("worker_a")
	assert.NotContains(t, a.Metadata, "sig")

	require.NoError(t, r.SetPairMetadata("worker_a", "worker_b", "sig", "abc"))
	a, _ = r.Node("worker_a")
	b, _ := r.Node("worker_b")
	assert.Equal(t, "abc", a.Metadata["sig"])
	assert.Equal(t, "abc", b.Metadata["sig"])
}

func TestNode_ReturnsIsolatedCopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	loadTree(t, r)

	n, _ := r.Node("claude_elder")
	n.ChildrenIDs[0] = "mutated"
	n.Metadata["k"] = "v"

	again, _ := r.Node("claude_elder")
	assert.Equal(t, "knowledge_sage", again.ChildrenIDs[0])
	assert.NotContains(t, again.Metadata, "k")
}

func TestChildren(t *testing.T) {
	r, _ := newTestRegistry(t)
	loadTree(t, r)

	kids, err := r.Children("claude_elder")
	require.NoError(t, err)
	ids := make([]string, 0, len(kids))
	for _, k := range kids {
		ids = append(ids, k.ID)
	}
	assert.Equal(t, []string{"knowledge_sage", "task_sage", "servant"}, ids)

	_, err = r.Children("ghost")
	assert.ErrorIs(t, err, model.ErrUnknownNode)
}

func TestReplace_RoundTripsSnapshot(t *testing.T) {
	r, clock := newTestRegistry(t)
	loadTree(t, r)
	require.NoError(t, r.BindSoul(context.Background(), "knight", false))

	nodes, at := r.Snapshot()
	assert.Equal(t, clock.Now(), at)

	other, _ := newTestRegistry(t)
	require.NoError(t, other.Replace(nodes))
	assert.Equal(t, r.Nodes(), other.Nodes())
}

func TestReplace_InvalidLeavesTableUntouched(t *testing.T) {
	r, _ := newTestRegistry(t)
	loadTree(t, r)
	before := r.Nodes()

	tests := []struct {
		name  string
		nodes []model.Node
		want  error
	}{
		{
			name: "missing parent",
			nodes: []model.Node{
				{ID: "a", Rank: model.RankWorkers, ParentID: "nope"},
			},
			want: model.ErrMissingParent,
		},
		{
			name: "duplicate",
			nodes: []model.Node{
				{ID: "a", Rank: model.RankGrandElder},
				{ID: "a", Rank: model.RankGrandElder},
			},
			want: model.ErrDuplicateNode,
		},
		{
			name: "back reference missing",
			nodes: []model.Node{
				{ID: "root", Rank: model.RankGrandElder},
				{ID: "child", Rank: model.RankClaudeElder, ParentID: "root"},
			},
			want: model.ErrInvalidHierarchy,
		},
		{
			name: "cycle",
			nodes: []model.Node{
				{ID: "a", Rank: model.RankKnightOrder, ParentID: "b", ChildrenIDs: []string{"b"}},
				{ID: "b", Rank: model.RankKnightOrder, ParentID: "a", ChildrenIDs: []string{"a"}},
			},
			want: model.ErrInvalidHierarchy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Replace(tt.nodes)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, r.Nodes())
		})
	}
}

func TestMetrics_TrackNodeCounts(t *testing.T) {
	m := metrics.NewRegistry()
	r := New(zaptest.NewLogger(t), WithMetrics(m))
	loadTree(t, r)
	require.NoError(t, r.BindSoul(context.Background(), "grand_elder", false))

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, f := range families {
		if len(f.GetMetric()) == 1 && f.GetMetric()[0].GetGauge() != nil {
			got[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 8.0, got["eldertree_nodes_total"])
	assert.Equal(t, 1.0, got["eldertree_bound_souls"])
}
