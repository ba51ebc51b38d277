package model

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNode_CloneIsIndependent(t *testing.T) {
	n := Node{
		ID:           "a",
		ChildrenIDs:  []string{"b"},
		Capabilities: []string{"x"},
		Metadata:     map[string]any{"k": "v"},
	}
	c := n.Clone()
	c.ChildrenIDs[0] = "z"
	c.Capabilities[0] = "z"
	c.Metadata["k"] = "z"

	assert.Equal(t, "b", n.ChildrenIDs[0])
	assert.Equal(t, "x", n.Capabilities[0])
	assert.Equal(t, "v", n.Metadata["k"])
}

func TestNode_ActiveWithin(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	n := Node{}
	assert.False(t, n.ActiveWithin(now, time.Hour), "never active")

	n.LastActivity = now.Add(-30 * time.Minute)
	assert.True(t, n.ActiveWithin(now, time.Hour))
	assert.False(t, n.ActiveWithin(now, 10*time.Minute))
}

func TestNormalizeCapabilities(t *testing.T) {
	got := NormalizeCapabilities([]string{"review", "", "code", "review"})
	assert.Equal(t, []string{"code", "review"}, got)
}

func TestBinding_ConnectsAndPeer(t *testing.T) {
	b := Binding{NodeAID: "a", NodeBID: "b"}
	assert.True(t, b.Connects("a", "b"))
	assert.True(t, b.Connects("b", "a"))
	assert.False(t, b.Connects("a", "c"))
	assert.Equal(t, "b", b.Peer("a"))
	assert.Equal(t, "a", b.Peer("b"))
}

func TestClampStrength(t *testing.T) {
	assert.Equal(t, 0.0, ClampStrength(-0.5))
	assert.Equal(t, 1.0, ClampStrength(1.5))
	assert.Equal(t, 0.42, ClampStrength(0.42))
	assert.Equal(t, 0.0, ClampStrength(math.NaN()))
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := NewNodeError(ErrCodeUnknownNode, "ghost", "node not registered")
	wrapped := fmt.Errorf("send: %w", err)

	assert.True(t, errors.Is(wrapped, ErrUnknownNode))
	assert.False(t, errors.Is(wrapped, ErrUnboundSoul))
	assert.Equal(t, ErrCodeUnknownNode, CodeOf(wrapped))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "node=ghost")
}

func TestError_PersistenceUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := NewPersistenceError("write", "/tmp/x.json", cause)

	assert.True(t, errors.Is(err, ErrPersistence))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "disk full")
}

func TestMarshalCanonical_SortsKeysAndRejectsFloats(t *testing.T) {
	data, err := MarshalCanonical(map[string]any{"b": 1, "a": []string{"x", "<y>"}, "c": true})
	require.NoError(t, err)
	assert.Equal(t, `{"a":["x","<y>"],"b":1,"c":true}`, string(data))

	_, err = MarshalCanonical(map[string]any{"f": 0.5})
	assert.Error(t, err)

	_, err = MarshalCanonical(nil)
	assert.Error(t, err)
}

func TestMarshalCanonical_LineSeparatorsLiteral(t *testing.T) {
	data, err := MarshalCanonical("a\u2028b")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(data))
}

func TestBindingID_OrderIndependent(t *testing.T) {
	id1, err := BindingID("a", "b", ConnDirect, "n1")
	require.NoError(t, err)
	id2, err := BindingID("b", "a", ConnDirect, "n1")
	require.NoError(t, err)
	id3, err := BindingID("a", "b", ConnDirect, "n2")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
	assert.Contains(t, id1, "bind-")
}

func TestEntanglementSignature_Deterministic(t *testing.T) {
	s1, err := EntanglementSignature("bind-1", "a", "b", "n")
	require.NoError(t, err)
	s2, err := EntanglementSignature("bind-1", "b", "a", "n")
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	assert.Len(t, s1, 64)
}

func TestFixedGenerator(t *testing.T) {
	g := NewFixedGenerator("tok")
	assert.Equal(t, "tok-1", g.Generate())
	assert.Equal(t, "tok-2", g.Generate())
}

func TestSequence(t *testing.T) {
	var s Sequence
	assert.Equal(t, int64(1), s.Next())
	assert.Equal(t, int64(2), s.Next())
	assert.Equal(t, int64(2), s.Current())
}
