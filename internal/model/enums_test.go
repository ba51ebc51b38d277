package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRank_TagRoundTrip(t *testing.T) {
	for _, r := range Ranks() {
		b, err := r.MarshalText()
		require.NoError(t, err)

		var got Rank
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, r, got)
	}
}

func TestRank_UnknownTag(t *testing.T) {
	_, err := ParseRank("HighPriest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown rank")
}

func TestRank_InvalidMarshal(t *testing.T) {
	_, err := Rank(42).MarshalText()
	assert.Error(t, err)
}

func TestRank_AllowedChildrenTable(t *testing.T) {
	assert.True(t, RankGrandElder.CanParent(RankClaudeElder))
	assert.False(t, RankGrandElder.CanParent(RankWorkers))
	assert.True(t, RankClaudeElder.CanParent(RankFourSages))
	assert.True(t, RankClaudeElder.CanParent(RankElderServants))
	assert.True(t, RankFourSages.CanParent(RankKnightOrder))
	assert.True(t, RankFourSages.CanParent(RankWizards))
	assert.True(t, RankFourSages.CanParent(RankWorkers))
	assert.True(t, RankElderServants.CanParent(RankWorkers))
	assert.True(t, RankKnightOrder.CanParent(RankApprentice))
	assert.True(t, RankWizards.CanParent(RankApprentice))
	assert.Empty(t, RankWorkers.AllowedChildren())
	assert.Empty(t, RankApprentice.AllowedChildren())
}

func TestRank_AllowedChildrenIsACopy(t *testing.T) {
	kids := RankClaudeElder.AllowedChildren()
	kids[0] = RankApprentice
	assert.True(t, RankClaudeElder.CanParent(RankFourSages))
}

func TestEnums_JSONUsesTags(t *testing.T) {
	type doc struct {
		Type  ConnectionType `json:"type"`
		State BindingState   `json:"state"`
		Event EventType      `json:"event"`
		Prio  Priority       `json:"prio"`
		Kind  NodeType       `json:"kind"`
	}
	in := doc{ConnQuantumEntangled, StateWeakening, EventEmergencyAlert, PriorityCritical, NodeProcess}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"QuantumEntangled","state":"Weakening","event":"EmergencyAlert","prio":"critical","kind":"Process"}`, string(data))

	var out doc
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestEnums_UnknownTagsRejected(t *testing.T) {
	var ct ConnectionType
	assert.Error(t, json.Unmarshal([]byte(`"Telepathic"`), &ct))

	var st BindingState
	assert.Error(t, json.Unmarshal([]byte(`"Dormant"`), &st))

	_, err := ParseSageType("ChaosSage")
	assert.Error(t, err)
}

func TestConnectionType_DecayRate(t *testing.T) {
	assert.InDelta(t, 0.001, ConnQuantumEntangled.DecayRate(), 1e-12)
	assert.InDelta(t, 0.003, ConnHierarchical.DecayRate(), 1e-12)
	assert.InDelta(t, 0.005, ConnDirect.DecayRate(), 1e-12)
	assert.InDelta(t, 0.007, ConnCollaborative.DecayRate(), 1e-12)
	assert.InDelta(t, 0.02, ConnEmergency.DecayRate(), 1e-12)
}

func TestCanTransition(t *testing.T) {
	legal := [][2]BindingState{
		{StateUnbound, StateBinding},
		{StateBinding, StateBound},
		{StateBound, StateWeakening},
		{StateWeakening, StateRecovering},
		{StateWeakening, StateBroken},
		{StateRecovering, StateBound},
		{StateRecovering, StateWeakening},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	assert.False(t, CanTransition(StateBound, StateBroken))
	assert.False(t, CanTransition(StateRecovering, StateBroken))
	assert.False(t, CanTransition(StateBroken, StateBound))
	assert.False(t, CanTransition(StateBound, StateRecovering))
	assert.False(t, CanTransition(StateUnbound, StateBound))
}

func TestBindingState_Live(t *testing.T) {
	assert.True(t, StateBound.Live())
	assert.True(t, StateWeakening.Live())
	assert.True(t, StateRecovering.Live())
	assert.False(t, StateBroken.Live())
	assert.False(t, StateBinding.Live())
}
