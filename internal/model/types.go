package model

import (
	"maps"
	"math"
	"slices"
	"time"
)

// Node status values.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Node is a registered participant in the hierarchy.
//
// ParentID is empty for roots. ChildrenIDs are back-references kept in
// insertion order; the parent owns the child only through ParentID.
type Node struct {
	ID           string
	Name         string
	Rank         Rank
	NodeType     NodeType
	SageType     SageType
	ParentID     string
	ChildrenIDs  []string
	SoulBound    bool
	BindingToken string
	Capabilities []string // sorted, unique
	Status       string
	Metadata     map[string]any
	CreatedAt    time.Time
	LastActivity time.Time // zero when the node has never been active
}

// Clone returns a copy that shares no slices or maps with n.
func (n Node) Clone() Node {
	n.ChildrenIDs = slices.Clone(n.ChildrenIDs)
	n.Capabilities = slices.Clone(n.Capabilities)
	n.Metadata = maps.Clone(n.Metadata)
	return n
}

// HasChild reports whether id is listed among n's children.
func (n Node) HasChild(id string) bool {
	return slices.Contains(n.ChildrenIDs, id)
}

// ActiveWithin reports whether the node was active within d of now.
func (n Node) ActiveWithin(now time.Time, d time.Duration) bool {
	if n.LastActivity.IsZero() {
		return false
	}
	return now.Sub(n.LastActivity) <= d
}

// NormalizeCapabilities returns caps sorted with duplicates and blanks removed.
func NormalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Message types routed by the MessageRouter.
const (
	MsgSoulBindingNotification = "soul_binding_notification"
	MsgHierarchyQuery          = "hierarchy_query"
	MsgHierarchyResponse       = "hierarchy_response"
	MsgElderCommunication      = "elder_communication"
	MsgSoulBindingTest         = "soul_binding_test"
	MsgCriticalSecurityBreach  = "critical_security_breach"
)

// Message is a unit of communication between two nodes.
type Message struct {
	ID               string
	Seq              int64
	SenderID         string
	SenderRank       Rank
	ReceiverID       string
	ReceiverRank     Rank
	MessageType      string
	Content          map[string]any
	Priority         Priority
	BindingToken     string
	Timestamp        time.Time
	ResponseRequired bool
	HierarchyPath    []string
}

// Binding is a maintained connection between two bound nodes.
type Binding struct {
	ID              string
	NodeAID         string
	NodeBID         string
	ConnectionType  ConnectionType
	State           BindingState
	Strength        float64
	EstablishedAt   time.Time
	LastSync        time.Time
	SyncFrequencyHz float64
	Signature       string
	Metadata        map[string]any
}

// Clone returns a copy that shares no maps with b.
func (b Binding) Clone() Binding {
	b.Metadata = maps.Clone(b.Metadata)
	return b
}

// Connects reports whether b joins the unordered pair {x, y}.
func (b Binding) Connects(x, y string) bool {
	return (b.NodeAID == x && b.NodeBID == y) || (b.NodeAID == y && b.NodeBID == x)
}

// Peer returns the endpoint of b opposite to id.
func (b Binding) Peer(id string) string {
	if b.NodeAID == id {
		return b.NodeBID
	}
	return b.NodeAID
}

// Event records a state change detected by any component.
type Event struct {
	ID        string
	Seq       int64
	Type      EventType
	BindingID string
	NodeID    string
	Data      map[string]any
	Timestamp time.Time
	Processed bool
}

// Clone returns a copy that shares no maps with e.
func (e Event) Clone() Event {
	e.Data = maps.Clone(e.Data)
	return e
}

// ClampStrength bounds s into [0, 1].
func ClampStrength(s float64) float64 {
	switch {
	case math.IsNaN(s), s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
