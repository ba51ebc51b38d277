package soul

import (
	"time"

	"github.com/roach88/eldertree/internal/hierarchy"
	"github.com/roach88/eldertree/internal/model"
)

// ResonanceCalculator scores how well two nodes fit together, in [0, 1].
type ResonanceCalculator interface {
	Resonance(a, b model.Node, now time.Time) float64
}

// Resonance weights.
const (
	relationWeight   = 0.4
	activityWeight   = 0.3
	capabilityWeight = 0.3
)

// DefaultResonance combines relation, recent activity and capability
// overlap:
//
//	0.4*relation + 0.3*activity + 0.3*capabilityOverlap
type DefaultResonance struct{}

// Resonance implements ResonanceCalculator.
func (DefaultResonance) Resonance(a, b model.Node, now time.Time) float64 {
	return model.ClampStrength(relationWeight*RelationFactor(a, b) +
		activityWeight*ActivityFactor(a, b, now) +
		capabilityWeight*CapabilityOverlap(a.Capabilities, b.Capabilities))
}

// RelationFactor is 0.9 for parent and child, 0.7 for the same rank,
// and 0.5 otherwise.
func RelationFactor(a, b model.Node) float64 {
	switch {
	case a.ParentID == b.ID || b.ParentID == a.ID:
		return 0.9
	case a.Rank == b.Rank:
		return 0.7
	}
	return 0.5
}

// ActivityFactor is 0.9 when both nodes were active within the last hour,
// 0.7 within the last day, and 0.6 otherwise.
func ActivityFactor(a, b model.Node, now time.Time) float64 {
	switch {
	case a.ActiveWithin(now, hierarchy.ActivityWindow) && b.ActiveWithin(now, hierarchy.ActivityWindow):
		return 0.9
	case a.ActiveWithin(now, 24*time.Hour) && b.ActiveWithin(now, 24*time.Hour):
		return 0.7
	}
	return 0.6
}

// CapabilityOverlap scores the Jaccard index J of two capability sets.
// The score peaks at 1.0 for J=0.4, stays at or above 0.8 across
// 0.2 <= J <= 0.6, and falls off on either side (0.5 at J=0, 0.4 at J=1).
// Two empty sets score 0.5.
func CapabilityOverlap(a, b []string) float64 {
	union := make(map[string]struct{}, len(a)+len(b))
	inA := make(map[string]struct{}, len(a))
	for _, c := range a {
		inA[c] = struct{}{}
		union[c] = struct{}{}
	}
	shared := 0
	seen := make(map[string]struct{}, len(b))
	for _, c := range b {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		union[c] = struct{}{}
		if _, ok := inA[c]; ok {
			shared++
		}
	}
	if len(union) == 0 {
		return 0.5
	}

	j := float64(shared) / float64(len(union))
	switch {
	case j < 0.2:
		return 0.5 + 1.5*j
	case j <= 0.6:
		d := j - 0.4
		if d < 0 {
			d = -d
		}
		return 1.0 - d
	default:
		return 0.8 - (j - 0.6)
	}
}
