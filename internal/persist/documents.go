// Package persist saves and restores the node and binding tables as
// versioned JSON documents.
//
// Each document carries "version" and "kind" so future format changes can
// be migrated. Enum fields are written as their string tags and timestamps
// as RFC 3339 with nanoseconds. Writes go to a temporary file that is
// renamed over the target; loads decode and validate the whole document
// before touching memory.
package persist

import (
	"time"

	"github.com/roach88/eldertree/internal/model"
)

// Document kinds.
const (
	KindTree     = "tree_state"
	KindBindings = "binding_state"
)

// TreeDocument is the saved node table.
type TreeDocument struct {
	Version int                   `json:"version"`
	Kind    string                `json:"kind"`
	Nodes   map[string]NodeRecord `json:"nodes"`

	// SoulBindings maps each bound node to its binding token.
	SoulBindings map[string]string `json:"soulBindings"`

	// ActiveConnections maps each live binding to its establishment time.
	ActiveConnections map[string]time.Time `json:"activeConnections"`

	SavedAt time.Time `json:"savedAt"`
}

// NodeRecord is the wire form of model.Node.
type NodeRecord struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Rank         model.Rank     `json:"rank"`
	NodeType     model.NodeType `json:"nodeType"`
	SageType     model.SageType `json:"sageType,omitempty"`
	ParentID     *string        `json:"parentId"`
	ChildrenIDs  []string       `json:"childrenIds"`
	SoulBound    bool           `json:"soulBound"`
	BindingToken string         `json:"bindingToken"`
	Capabilities []string       `json:"capabilities"`
	Status       string         `json:"status"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity *time.Time     `json:"lastActivity,omitempty"`
}

// BindingDocument is the saved binding table.
type BindingDocument struct {
	Version    int                      `json:"version"`
	Kind       string                   `json:"kind"`
	Bindings   map[string]BindingRecord `json:"bindings"`
	Statistics StatisticsRecord         `json:"statistics"`
	SavedAt    time.Time                `json:"savedAt"`
}

// BindingRecord is the wire form of model.Binding.
type BindingRecord struct {
	ID              string               `json:"id"`
	NodeAID         string               `json:"nodeAId"`
	NodeBID         string               `json:"nodeBId"`
	ConnectionType  model.ConnectionType `json:"connectionType"`
	State           model.BindingState   `json:"state"`
	Strength        float64              `json:"strength"`
	EstablishedAt   *time.Time           `json:"establishedAt,omitempty"`
	LastSync        *time.Time           `json:"lastSync,omitempty"`
	SyncFrequencyHz float64              `json:"syncFrequencyHz"`
	Metadata        map[string]any       `json:"metadata"`
	Signature       string               `json:"signature"`
}

// StatisticsRecord summarizes the binding table at save time. It is
// informational and ignored on load.
type StatisticsRecord struct {
	Total           int            `json:"total"`
	Live            int            `json:"live"`
	ByState         map[string]int `json:"byState"`
	ByType          map[string]int `json:"byType"`
	AverageStrength float64        `json:"averageStrength"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nodeRecord(n model.Node) NodeRecord {
	rec := NodeRecord{
		ID:           n.ID,
		Name:         n.Name,
		Rank:         n.Rank,
		NodeType:     n.NodeType,
		SageType:     n.SageType,
		ChildrenIDs:  n.ChildrenIDs,
		SoulBound:    n.SoulBound,
		BindingToken: n.BindingToken,
		Capabilities: n.Capabilities,
		Status:       n.Status,
		Metadata:     n.Metadata,
		CreatedAt:    n.CreatedAt,
		LastActivity: optionalTime(n.LastActivity),
	}
	if n.ParentID != "" {
		p := n.ParentID
		rec.ParentID = &p
	}
	if rec.ChildrenIDs == nil {
		rec.ChildrenIDs = []string{}
	}
	if rec.Capabilities == nil {
		rec.Capabilities = []string{}
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	return rec
}

func (r NodeRecord) node() model.Node {
	n := model.Node{
		ID:           r.ID,
		Name:         r.Name,
		Rank:         r.Rank,
		NodeType:     r.NodeType,
		SageType:     r.SageType,
		ChildrenIDs:  r.ChildrenIDs,
		SoulBound:    r.SoulBound,
		BindingToken: r.BindingToken,
		Capabilities: model.NormalizeCapabilities(r.Capabilities),
		Status:       r.Status,
		Metadata:     r.Metadata,
		CreatedAt:    r.CreatedAt,
		LastActivity: derefTime(r.LastActivity),
	}
	if r.ParentID != nil {
		n.ParentID = *r.ParentID
	}
	if len(n.ChildrenIDs) == 0 {
		n.ChildrenIDs = nil
	}
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}
	return n
}

func bindingRecord(b model.Binding) BindingRecord {
	rec := BindingRecord{
		ID:              b.ID,
		NodeAID:         b.NodeAID,
		NodeBID:         b.NodeBID,
		ConnectionType:  b.ConnectionType,
		State:           b.State,
		Strength:        b.Strength,
		EstablishedAt:   optionalTime(b.EstablishedAt),
		LastSync:        optionalTime(b.LastSync),
		SyncFrequencyHz: b.SyncFrequencyHz,
		Metadata:        b.Metadata,
		Signature:       b.Signature,
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	return rec
}

func (r BindingRecord) binding() model.Binding {
	return model.Binding{
		ID:              r.ID,
		NodeAID:         r.NodeAID,
		NodeBID:         r.NodeBID,
		ConnectionType:  r.ConnectionType,
		State:           r.State,
		Strength:        r.Strength,
		EstablishedAt:   derefTime(r.EstablishedAt),
		LastSync:        derefTime(r.LastSync),
		SyncFrequencyHz: r.SyncFrequencyHz,
		Metadata:        r.Metadata,
		Signature:       r.Signature,
	}
}
