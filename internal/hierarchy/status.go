package hierarchy

import (
	"time"

	"github.com/roach88/eldertree/internal/model"
)

// ActivityWindow is how recently a node must have been active to count as
// active in Status and in resonance scoring.
const ActivityWindow = time.Hour

// Status summarizes the health of the tree.
type Status struct {
	TotalNodes int
	BoundSouls int

	// BindingRate is BoundSouls/TotalNodes, or 0 for an empty tree.
	BindingRate float64

	// HierarchyHealth is the mean of the binding rate, the fraction of nodes
	// with consistent parent/child back-references, and the fraction of
	// nodes active within ActivityWindow.
	HierarchyHealth float64
}

// Status computes the current tree summary.
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := len(r.nodes)
	if total == 0 {
		return Status{}
	}
	now := r.clock.Now()

	var bound, consistent, active int
	for _, n := range r.nodes {
		if n.SoulBound {
			bound++
		}
		if r.consistentLocked(n) {
			consistent++
		}
		if n.ActiveWithin(now, ActivityWindow) {
			active++
		}
	}

	t := float64(total)
	rate := float64(bound) / t
	return Status{
		TotalNodes:      total,
		BoundSouls:      bound,
		BindingRate:     rate,
		HierarchyHealth: (rate + float64(consistent)/t + float64(active)/t) / 3,
	}
}

// consistentLocked reports whether n's parent lists n and every child of n
// points back at n.
func (r *Registry) consistentLocked(n *model.Node) bool {
	if n.ParentID != "" {
		p, ok := r.nodes[n.ParentID]
		if !ok || !p.HasChild(n.ID) {
			return false
		}
	}
	for _, cid := range n.ChildrenIDs {
		c, ok := r.nodes[cid]
		if !ok || c.ParentID != n.ID {
			return false
		}
	}
	return true
}
