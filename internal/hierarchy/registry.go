package hierarchy

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/eldertree/internal/metrics"
	"github.com/roach88/eldertree/internal/model"
)

// Notifier delivers system notifications raised by the registry.
// The message router implements it; the registry never imports the router.
type Notifier interface {
	Notify(ctx context.Context, msg model.Message) error
}

// Registry is the node table.
//
// Thread-safety: All methods are safe for concurrent use. Notifications are
// sent after the table lock is released, so a Notifier may read back into
// the registry.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*model.Node
	order []string // insertion order; parents precede children

	notifier Notifier
	clock    model.Clock
	tokens   model.TokenGenerator
	metrics  *metrics.Registry
	logger   *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for createdAt and lastActivity.
func WithClock(c model.Clock) Option { return func(r *Registry) { r.clock = c } }

// WithTokenGenerator sets the generator for binding tokens.
func WithTokenGenerator(g model.TokenGenerator) Option {
	return func(r *Registry) { r.tokens = g }
}

// WithMetrics publishes node gauges to m.
func WithMetrics(m *metrics.Registry) Option { return func(r *Registry) { r.metrics = m } }

// New creates an empty registry.
func New(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		nodes:  make(map[string]*model.Node),
		clock:  model.SystemClock{},
		tokens: model.UUIDv7Generator{},
		logger: logger.Named("hierarchy"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetNotifier installs the notification sink. Until one is set,
// notifications are logged and dropped.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// AddNode registers node under its parent.
//
// The stored node starts unbound with no children; a missing binding token,
// creation time or status is filled in. Capabilities are normalized.
func (r *Registry) AddNode(node model.Node) error {
	if node.ID == "" {
		return model.NewNodeError(model.ErrCodeInvalidHierarchy, "", "node id is empty")
	}
	if !node.Rank.Valid() {
		return model.NewNodeError(model.ErrCodeInvalidHierarchy, node.ID, "invalid rank %d", int(node.Rank))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[node.ID]; exists {
		return model.NewNodeError(model.ErrCodeDuplicateNode, node.ID, "node already registered")
	}

	var parent *model.Node
	if node.ParentID != "" {
		p, ok := r.nodes[node.ParentID]
		if !ok {
			return model.NewNodeError(model.ErrCodeMissingParent, node.ID, "parent %q is not registered", node.ParentID)
		}
		if !p.Rank.CanParent(node.Rank) {
			return model.NewNodeError(model.ErrCodeInvalidHierarchy, node.ID,
				"rank %s is not an allowed child of %s", node.Rank, p.Rank)
		}
		if err := r.checkAcyclicLocked(node.ID, node.ParentID); err != nil {
			return err
		}
		parent = p
	}

	stored := node.Clone()
	stored.ChildrenIDs = nil
	stored.SoulBound = false
	stored.Capabilities = model.NormalizeCapabilities(node.Capabilities)
	if stored.Metadata == nil {
		stored.Metadata = make(map[string]any)
	}
	if stored.BindingToken == "" {
		stored.BindingToken = r.tokens.Generate()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.clock.Now()
	}
	if stored.Status == "" {
		stored.Status = model.StatusActive
	}

	r.nodes[stored.ID] = &stored
	r.order = append(r.order, stored.ID)
	if parent != nil {
		parent.ChildrenIDs = append(parent.ChildrenIDs, stored.ID)
	}
	r.publishLocked()

	r.logger.Debug("node added",
		zap.String("node_id", stored.ID),
		zap.Stringer("rank", stored.Rank),
		zap.String("parent_id", stored.ParentID))
	return nil
}

// checkAcyclicLocked walks the proposed ancestor chain starting at parentID
// and fails if id appears in it or the chain loops.
func (r *Registry) checkAcyclicLocked(id, parentID string) error {
	seen := make(map[string]bool)
	for cur := parentID; cur != ""; {
		if cur == id {
			return model.NewNodeError(model.ErrCodeInvalidHierarchy, id, "node would be its own ancestor")
		}
		if seen[cur] {
			return model.NewNodeError(model.ErrCodeInvalidHierarchy, id, "ancestor chain of %q loops", parentID)
		}
		seen[cur] = true
		n, ok := r.nodes[cur]
		if !ok {
			break
		}
		cur = n.ParentID
	}
	return nil
}

// BindSoul activates a node and notifies its parent.
// An already bound node fails with ErrAlreadyBound unless force is set.
func (r *Registry) BindSoul(ctx context.Context, id string, force bool) error {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return model.NewNodeError(model.ErrCodeUnknownNode, id, "cannot bind unknown node")
	}
	if n.SoulBound && !force {
		r.mu.Unlock()
		return model.NewNodeError(model.ErrCodeAlreadyBound, id, "soul already bound")
	}
	n.SoulBound = true
	n.LastActivity = r.clock.Now()
	note := r.notificationLocked(n, "soul_bound")
	r.publishLocked()
	r.mu.Unlock()

	r.logger.Info("soul bound", zap.String("node_id", id), zap.Bool("force", force))
	r.notify(ctx, note)
	return nil
}

// UnbindSoul deactivates a node and notifies its parent.
// A node that is not bound fails with ErrUnboundSoul.
func (r *Registry) UnbindSoul(ctx context.Context, id string) error {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return model.NewNodeError(model.ErrCodeUnknownNode, id, "cannot unbind unknown node")
	}
	if !n.SoulBound {
		r.mu.Unlock()
		return model.NewNodeError(model.ErrCodeUnboundSoul, id, "soul is not bound")
	}
	n.SoulBound = false
	n.LastActivity = r.clock.Now()
	note := r.notificationLocked(n, "soul_unbound")
	r.publishLocked()
	r.mu.Unlock()

	r.logger.Info("soul unbound", zap.String("node_id", id))
	r.notify(ctx, note)
	return nil
}

// notificationLocked builds the parent notification for n, or nil for roots.
func (r *Registry) notificationLocked(n *model.Node, event string) *model.Message {
	if n.ParentID == "" {
		return nil
	}
	return &model.Message{
		SenderID:    n.ID,
		ReceiverID:  n.ParentID,
		MessageType: model.MsgSoulBindingNotification,
		Priority:    model.PriorityNormal,
		Content: map[string]any{
			"event":   event,
			"node_id": n.ID,
			"rank":    n.Rank.String(),
		},
	}
}

func (r *Registry) notify(ctx context.Context, msg *model.Message) {
	if msg == nil {
		return
	}
	r.mu.RLock()
	n := r.notifier
	r.mu.RUnlock()
	if n == nil {
		r.logger.Debug("no notifier installed, dropping notification",
			zap.String("sender_id", msg.SenderID), zap.String("receiver_id", msg.ReceiverID))
		return
	}
	if err := n.Notify(ctx, *msg); err != nil {
		r.logger.Warn("parent notification failed",
			zap.String("sender_id", msg.SenderID),
			zap.String("receiver_id", msg.ReceiverID),
			zap.Error(err))
	}
}

// Node returns a copy of the node with the given id.
func (r *Registry) Node(id string) (model.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return model.Node{}, model.NewNodeError(model.ErrCodeUnknownNode, id, "node not registered")
	}
	return n.Clone(), nil
}

// Nodes returns copies of all nodes in insertion order.
func (r *Registry) Nodes() []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id].Clone())
	}
	return out
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Lineage returns id followed by its ancestors up to the root.
func (r *Registry) Lineage(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.nodes[id]; !ok {
		return nil, model.NewNodeError(model.ErrCodeUnknownNode, id, "node not registered")
	}
	return r.lineageLocked(id), nil
}

func (r *Registry) lineageLocked(id string) []string {
	var chain []string
	seen := make(map[string]bool)
	for cur := id; cur != "" && !seen[cur]; {
		seen[cur] = true
		chain = append(chain, cur)
		n, ok := r.nodes[cur]
		if !ok {
			break
		}
		cur = n.ParentID
	}
	return chain
}

// Children returns copies of the direct children of id in insertion order.
func (r *Registry) Children(id string) ([]model.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, model.NewNodeError(model.ErrCodeUnknownNode, id, "node not registered")
	}
	out := make([]model.Node, 0, len(n.ChildrenIDs))
	for _, cid := range n.ChildrenIDs {
		if c, ok := r.nodes[cid]; ok {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

// Touch records activity on a node.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return model.NewNodeError(model.ErrCodeUnknownNode, id, "node not registered")
	}
	n.LastActivity = r.clock.Now()
	return nil
}

// MarkStatus sets a node's status string (for example StatusInactive).
func (r *Registry) MarkStatus(id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return model.NewNodeError(model.ErrCodeUnknownNode, id, "node not registered")
	}
	n.Status = status
	return nil
}

// SetPairMetadata writes key=value into the metadata of both a and b.
// Either both nodes are updated or neither is.
func (r *Registry) SetPairMetadata(a, b, key string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	na, ok := r.nodes[a]
	if !ok {
		return model.NewNodeError(model.ErrCodeUnknownNode, a, "node not registered")
	}
	nb, ok := r.nodes[b]
	if !ok {
		return model.NewNodeError(model.ErrCodeUnknownNode, b, "node not registered")
	}
	for _, n := range []*model.Node{na, nb} {
		if n.Metadata == nil {
			n.Metadata = make(map[string]any)
		}
		n.Metadata[key] = value
	}
	return nil
}

// Snapshot returns copies of all nodes in insertion order together with
// the clock reading taken under the same lock.
func (r *Registry) Snapshot() ([]model.Node, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id].Clone())
	}
	return out, r.clock.Now()
}

// Replace swaps the whole node table for nodes after validating them.
// On error the current table is left untouched.
func (r *Registry) Replace(nodes []model.Node) error {
	table, order, err := buildTable(nodes)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = table
	r.order = order
	r.publishLocked()
	r.logger.Info("node table replaced", zap.Int("nodes", len(order)))
	return nil
}

// buildTable validates a complete node set and orders it parents first.
func buildTable(nodes []model.Node) (map[string]*model.Node, []string, error) {
	table := make(map[string]*model.Node, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, nil, model.NewNodeError(model.ErrCodeInvalidHierarchy, "", "node id is empty")
		}
		if !n.Rank.Valid() {
			return nil, nil, model.NewNodeError(model.ErrCodeInvalidHierarchy, n.ID, "invalid rank %d", int(n.Rank))
		}
		if _, dup := table[n.ID]; dup {
			return nil, nil, model.NewNodeError(model.ErrCodeDuplicateNode, n.ID, "node listed twice")
		}
		c := n.Clone()
		if c.Metadata == nil {
			c.Metadata = make(map[string]any)
		}
		table[n.ID] = &c
	}

	var roots []string
	for _, n := range nodes {
		stored := table[n.ID]
		for _, cid := range stored.ChildrenIDs {
			child, ok := table[cid]
			if !ok || child.ParentID != stored.ID {
				return nil, nil, model.NewNodeError(model.ErrCodeInvalidHierarchy, stored.ID,
					"child %q does not point back to its parent", cid)
			}
		}
		if stored.ParentID == "" {
			roots = append(roots, stored.ID)
			continue
		}
		parent, ok := table[stored.ParentID]
		if !ok {
			return nil, nil, model.NewNodeError(model.ErrCodeMissingParent, stored.ID,
				"parent %q is not in the node set", stored.ParentID)
		}
		if !parent.Rank.CanParent(stored.Rank) {
			return nil, nil, model.NewNodeError(model.ErrCodeInvalidHierarchy, stored.ID,
				"rank %s is not an allowed child of %s", stored.Rank, parent.Rank)
		}
		if !parent.HasChild(stored.ID) {
			return nil, nil, model.NewNodeError(model.ErrCodeInvalidHierarchy, stored.ID,
				"parent %q does not list it as a child", stored.ParentID)
		}
	}

	// Breadth-first from the roots; anything unreached sits on a cycle.
	order := make([]string, 0, len(nodes))
	queue := slices.Clone(roots)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		queue = append(queue, table[id].ChildrenIDs...)
	}
	if len(order) != len(table) {
		return nil, nil, &model.Error{
			Code:    model.ErrCodeInvalidHierarchy,
			Message: fmt.Sprintf("%d nodes are unreachable from any root", len(table)-len(order)),
		}
	}
	return table, order, nil
}

func (r *Registry) publishLocked() {
	if r.metrics == nil {
		return
	}
	bound := 0
	for _, n := range r.nodes {
		if n.SoulBound {
			bound++
		}
	}
	r.metrics.SetNodeCounts(len(r.nodes), bound)
}
