package soul

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/eldertree/internal/metrics"
	"github.com/roach88/eldertree/internal/model"
	"github.com/roach88/eldertree/internal/router"
)

// Strength thresholds.
const (
	// WeakeningThreshold moves a Bound binding to Weakening when crossed.
	WeakeningThreshold = 0.2

	// QuantumSignatureKey is the node metadata key holding the shared
	// signature of a QuantumEntangled binding.
	QuantumSignatureKey = "quantum_signature"
)

// Directory is the part of the node table the manager reads and the one
// paired write it needs. *hierarchy.Registry implements it.
type Directory interface {
	Node(id string) (model.Node, error)
	SetPairMetadata(a, b, key string, value any) error
}

// Messenger performs the handshake round trip. *router.Router implements it.
type Messenger interface {
	RoundTrip(ctx context.Context, msg model.Message, timeout time.Duration) (model.Message, error)
}

// Emitter appends events. *events.Journal implements it.
type Emitter interface {
	Emit(ctx context.Context, typ model.EventType, bindingID, nodeID string, data map[string]any) model.Event
}

// TransitionHook observes every state change. It runs under the table lock
// and must not call back into the Manager.
type TransitionHook func(bindingID string, from, to model.BindingState)

// Settings tunes binding creation and recovery.
type Settings struct {
	MinStrength       float64       // below this CreateBinding fails
	EmergencyStrength float64       // fixed strength of EmergencyBind
	DefaultSyncHz     float64       // decay tick rate of ordinary bindings
	EmergencySyncHz   float64       // decay tick rate of Emergency bindings
	RecoveryThreshold float64       // recovered strength above this returns to Bound
	HandshakeTimeout  time.Duration // bound on the test-message round trip
}

// DefaultSettings returns the standard tuning.
func DefaultSettings() Settings {
	return Settings{
		MinStrength:       0.3,
		EmergencyStrength: 0.9,
		DefaultSyncHz:     1,
		EmergencySyncHz:   10,
		RecoveryThreshold: 0.5,
		HandshakeTimeout:  5 * time.Second,
	}
}

// entry is one row of the binding table plus its decay goroutine.
type entry struct {
	b      model.Binding
	cancel context.CancelFunc // nil when no task is running
	done   chan struct{}
}

func (e *entry) running() bool {
	if e.done == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// pendingEvent is an event collected under the lock and emitted after it.
type pendingEvent struct {
	typ    model.EventType
	nodeID string
	data   map[string]any
	id     string
}

// Manager owns the binding table.
//
// Thread-safety: All methods are safe for concurrent use. Events are emitted
// and decay goroutines are awaited outside the table lock.
type Manager struct {
	mu        sync.Mutex
	bindings  map[string]*entry
	order     []string
	pairs     map[[2]string]string       // sorted endpoint pair -> binding id
	adjacency map[string]map[string]bool // node id -> binding ids

	base   context.Context
	stop   context.CancelFunc
	tasks  sync.WaitGroup
	closed bool

	dir       Directory
	messenger Messenger
	emitter   Emitter
	resonance ResonanceCalculator
	settings  Settings
	clock     model.Clock
	tokens    model.TokenGenerator
	metrics   *metrics.Registry
	hook      TransitionHook
	logger    *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c model.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithTokenGenerator(g model.TokenGenerator) Option {
	return func(m *Manager) { m.tokens = g }
}

func WithMetrics(r *metrics.Registry) Option { return func(m *Manager) { m.metrics = r } }

// WithResonance replaces DefaultResonance.
func WithResonance(r ResonanceCalculator) Option { return func(m *Manager) { m.resonance = r } }

func WithSettings(s Settings) Option { return func(m *Manager) { m.settings = s } }

func WithTransitionHook(h TransitionHook) Option { return func(m *Manager) { m.hook = h } }

// New creates a manager. Call Stop to end every decay goroutine.
func New(dir Directory, messenger Messenger, emitter Emitter, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	m := &Manager{
		bindings:  make(map[string]*entry),
		pairs:     make(map[[2]string]string),
		adjacency: make(map[string]map[string]bool),
		base:      base,
		stop:      stop,
		dir:       dir,
		messenger: messenger,
		emitter:   emitter,
		resonance: DefaultResonance{},
		settings:  DefaultSettings(),
		clock:     model.SystemClock{},
		tokens:    model.UUIDv7Generator{},
		logger:    logger.Named("soul"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func pairKey(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// distinct rejects a binding whose endpoints are the same node.
func distinct(a, b string) error {
	if a == b {
		return model.NewNodeError(model.ErrCodeInvalidHierarchy, a, "cannot bind a node to itself")
	}
	return nil
}

// CreateBinding connects a and b.
//
// An existing non-broken binding between the pair is returned unchanged
// unless force is set, in which case it is replaced. Both nodes must be
// soul-bound and a must be allowed to address b. QuantumEntangled bindings
// get strength 1.0 and a signature written to both nodes; every other type
// needs a resonance of at least MinStrength and a successful handshake.
func (m *Manager) CreateBinding(ctx context.Context, a, b string, ct model.ConnectionType, force bool) (model.Binding, error) {
	if err := distinct(a, b); err != nil {
		return model.Binding{}, err
	}
	na, err := m.dir.Node(a)
	if err != nil {
		return model.Binding{}, err
	}
	nb, err := m.dir.Node(b)
	if err != nil {
		return model.Binding{}, err
	}

	m.mu.Lock()
	if id, ok := m.pairs[pairKey(a, b)]; ok && !force {
		if e := m.bindings[id]; e.b.State != model.StateBroken {
			existing := e.b.Clone()
			m.mu.Unlock()
			return existing, nil
		}
	}
	m.mu.Unlock()

	for _, n := range []model.Node{na, nb} {
		if !n.SoulBound {
			return model.Binding{}, model.NewNodeError(model.ErrCodeUnboundSoul, n.ID, "cannot bind an unbound soul")
		}
	}
	if err := router.Authorize(na, nb); err != nil {
		return model.Binding{}, err
	}

	nonce := m.tokens.Generate()
	id, err := model.BindingID(a, b, ct, nonce)
	if err != nil {
		return model.Binding{}, err
	}
	syncHz := m.settings.DefaultSyncHz
	if ct == model.ConnEmergency {
		syncHz = m.settings.EmergencySyncHz
	}

	// Claim the pair with a placeholder in state Binding.
	m.mu.Lock()
	if id, ok := m.pairs[pairKey(a, b)]; ok && !force {
		if cur := m.bindings[id]; cur.b.State != model.StateBroken {
			existing := cur.b.Clone()
			m.mu.Unlock()
			return existing, nil
		}
	}
	replaced := m.detachPairLocked(a, b)
	e := &entry{b: model.Binding{
		ID:              id,
		NodeAID:         a,
		NodeBID:         b,
		ConnectionType:  ct,
		State:           model.StateUnbound,
		SyncFrequencyHz: syncHz,
		Metadata:        map[string]any{"nonce": nonce},
	}}
	m.insertLocked(e)
	m.transitionLocked(e, model.StateBinding)
	m.mu.Unlock()
	m.awaitStopped(replaced)

	m.emit(ctx, pendingEvent{typ: model.EventBindingRequest, id: id, nodeID: a, data: map[string]any{
		"peer": b, "connection_type": ct.String(), "force": force,
	}})

	strength, signature, err := m.establish(ctx, id, na, nb, ct, nonce)
	if err != nil {
		m.reject(ctx, e, err)
		return model.Binding{}, err
	}

	m.mu.Lock()
	if m.bindings[id] != e {
		m.mu.Unlock()
		return model.Binding{}, model.NewBindingError(model.ErrCodeBindingNotFound, id, "binding replaced during handshake")
	}
	now := m.clock.Now()
	e.b.Strength = strength
	e.b.Signature = signature
	e.b.EstablishedAt = now
	e.b.LastSync = now
	m.transitionLocked(e, model.StateBound)
	m.attachLocked(e)
	m.startTaskLocked(e)
	out := e.b.Clone()
	m.publishLocked()
	m.mu.Unlock()

	m.metrics.ObserveStrength(strength)
	m.emit(ctx, pendingEvent{typ: model.EventBindingAccepted, id: id, nodeID: a, data: map[string]any{
		"peer": b, "connection_type": ct.String(), "strength": strength,
	}})
	m.logger.Info("binding established",
		zap.String("binding_id", id),
		zap.String("node_a", a),
		zap.String("node_b", b),
		zap.Stringer("type", ct),
		zap.Float64("strength", strength))
	return out, nil
}

// establish computes strength and signature, performing the entanglement
// write or the handshake.
func (m *Manager) establish(ctx context.Context, id string, na, nb model.Node, ct model.ConnectionType, nonce string) (float64, string, error) {
	if ct == model.ConnQuantumEntangled {
		sig, err := model.EntanglementSignature(id, na.ID, nb.ID, nonce)
		if err != nil {
			return 0, "", err
		}
		if err := m.dir.SetPairMetadata(na.ID, nb.ID, QuantumSignatureKey, sig); err != nil {
			return 0, "", err
		}
		return 1.0, sig, nil
	}

	strength := model.ClampStrength(m.resonance.Resonance(na, nb, m.clock.Now()))
	if strength < m.settings.MinStrength {
		return 0, "", model.NewBindingError(model.ErrCodeInsufficientResonance, id,
			"resonance %.3f below %.3f", strength, m.settings.MinStrength)
	}

	_, err := m.messenger.RoundTrip(ctx, model.Message{
		SenderID:    na.ID,
		ReceiverID:  nb.ID,
		MessageType: model.MsgSoulBindingTest,
		Priority:    model.PriorityHigh,
		Content: map[string]any{
			"binding_id":      id,
			"connection_type": ct.String(),
		},
		ResponseRequired: true,
	}, m.settings.HandshakeTimeout)
	if err != nil {
		return 0, "", err
	}

	sig, err := model.Signature(id, na.BindingToken, nb.BindingToken)
	if err != nil {
		return 0, "", err
	}
	return strength, sig, nil
}

// reject drops a placeholder that failed to establish.
func (m *Manager) reject(ctx context.Context, e *entry, cause error) {
	m.mu.Lock()
	if m.bindings[e.b.ID] == e {
		m.removeLocked(e)
	}
	m.publishLocked()
	m.mu.Unlock()

	m.emit(ctx, pendingEvent{typ: model.EventBindingRejected, id: e.b.ID, nodeID: e.b.NodeAID, data: map[string]any{
		"peer": e.b.NodeBID, "connection_type": e.b.ConnectionType.String(), "reason": cause.Error(),
	}})
	m.logger.Warn("binding rejected",
		zap.String("binding_id", e.b.ID),
		zap.String("node_a", e.b.NodeAID),
		zap.String("node_b", e.b.NodeBID),
		zap.Error(cause))
}

// EmergencyBind force-creates an Emergency binding between a and b with
// fixed strength and fast sync, skipping the resonance floor, the handshake
// and rank authorization. Both nodes must exist and be soul-bound.
func (m *Manager) EmergencyBind(ctx context.Context, a, b string) (model.Binding, error) {
	if err := distinct(a, b); err != nil {
		return model.Binding{}, err
	}
	na, err := m.dir.Node(a)
	if err != nil {
		return model.Binding{}, err
	}
	nb, err := m.dir.Node(b)
	if err != nil {
		return model.Binding{}, err
	}
	for _, n := range []model.Node{na, nb} {
		if !n.SoulBound {
			return model.Binding{}, model.NewNodeError(model.ErrCodeUnboundSoul, n.ID, "cannot bind an unbound soul")
		}
	}

	nonce := m.tokens.Generate()
	id, err := model.BindingID(a, b, model.ConnEmergency, nonce)
	if err != nil {
		return model.Binding{}, err
	}
	sig, err := model.Signature(id, na.BindingToken, nb.BindingToken)
	if err != nil {
		return model.Binding{}, err
	}

	m.mu.Lock()
	replaced := m.detachPairLocked(a, b)
	now := m.clock.Now()
	e := &entry{b: model.Binding{
		ID:              id,
		NodeAID:         a,
		NodeBID:         b,
		ConnectionType:  model.ConnEmergency,
		State:           model.StateUnbound,
		Strength:        m.settings.EmergencyStrength,
		EstablishedAt:   now,
		LastSync:        now,
		SyncFrequencyHz: m.settings.EmergencySyncHz,
		Signature:       sig,
		Metadata:        map[string]any{"nonce": nonce, "emergency": true},
	}}
	m.insertLocked(e)
	m.transitionLocked(e, model.StateBinding)
	m.transitionLocked(e, model.StateBound)
	m.attachLocked(e)
	m.startTaskLocked(e)
	out := e.b.Clone()
	m.publishLocked()
	m.mu.Unlock()
	m.awaitStopped(replaced)

	m.metrics.ObserveStrength(out.Strength)
	m.emit(ctx, pendingEvent{typ: model.EventEmergencyAlert, id: id, nodeID: a, data: map[string]any{
		"source": a, "peer": b, "strength": out.Strength,
	}})
	m.logger.Warn("emergency binding created",
		zap.String("binding_id", id),
		zap.String("node_a", a),
		zap.String("node_b", b))
	return out, nil
}

// insertLocked adds e to the table and claims its pair.
func (m *Manager) insertLocked(e *entry) {
	m.bindings[e.b.ID] = e
	m.order = append(m.order, e.b.ID)
	m.pairs[pairKey(e.b.NodeAID, e.b.NodeBID)] = e.b.ID
}

// attachLocked records e in both endpoints' adjacency sets.
func (m *Manager) attachLocked(e *entry) {
	for _, n := range []string{e.b.NodeAID, e.b.NodeBID} {
		set, ok := m.adjacency[n]
		if !ok {
			set = make(map[string]bool)
			m.adjacency[n] = set
		}
		set[e.b.ID] = true
	}
}

// removeLocked deletes e from every index and cancels its task. The caller
// waits for the task outside the lock.
func (m *Manager) removeLocked(e *entry) {
	id := e.b.ID
	delete(m.bindings, id)
	m.order = slices.DeleteFunc(m.order, func(x string) bool { return x == id })
	if key := pairKey(e.b.NodeAID, e.b.NodeBID); m.pairs[key] == id {
		delete(m.pairs, key)
	}
	for _, n := range []string{e.b.NodeAID, e.b.NodeBID} {
		if set, ok := m.adjacency[n]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(m.adjacency, n)
			}
		}
	}
	if e.cancel != nil {
		e.cancel()
	}
}

// detachPairLocked removes any binding currently holding the pair and
// returns it so the caller can wait for its task.
func (m *Manager) detachPairLocked(a, b string) *entry {
	id, ok := m.pairs[pairKey(a, b)]
	if !ok {
		return nil
	}
	old := m.bindings[id]
	m.removeLocked(old)
	m.logger.Info("binding replaced", zap.String("binding_id", id), zap.Stringer("state", old.b.State))
	return old
}

// awaitStopped blocks until e's decay task (if any) has exited.
func (m *Manager) awaitStopped(e *entry) {
	if e != nil && e.done != nil {
		<-e.done
	}
}

// transitionLocked moves e to state to. Illegal transitions are refused
// and logged.
func (m *Manager) transitionLocked(e *entry, to model.BindingState) bool {
	from := e.b.State
	if !model.CanTransition(from, to) {
		m.logger.Error("illegal binding transition refused",
			zap.String("binding_id", e.b.ID),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
		return false
	}
	e.b.State = to
	if m.hook != nil {
		m.hook(e.b.ID, from, to)
	}
	return true
}

func (m *Manager) emit(ctx context.Context, evs ...pendingEvent) {
	if m.emitter == nil {
		return
	}
	for _, ev := range evs {
		m.emitter.Emit(ctx, ev.typ, ev.id, ev.nodeID, ev.data)
	}
}

// Binding returns a copy of the binding with the given id.
func (m *Manager) Binding(id string) (model.Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.bindings[id]
	if !ok {
		return model.Binding{}, model.NewBindingError(model.ErrCodeBindingNotFound, id, "binding not found")
	}
	return e.b.Clone(), nil
}

// Bindings returns copies of all bindings in creation order.
func (m *Manager) Bindings() []model.Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Binding, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.bindings[id].b.Clone())
	}
	return out
}

// Connections returns copies of the bindings in nodeID's adjacency set,
// ordered by binding id.
func (m *Manager) Connections(nodeID string) []model.Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.adjacency[nodeID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]model.Binding, 0, len(ids))
	for _, id := range ids {
		if e, ok := m.bindings[id]; ok {
			out = append(out, e.b.Clone())
		}
	}
	return out
}

// Restore replaces the binding table with bindings, rebuilding adjacency and
// starting decay tasks for live bindings. Every binding is validated first;
// on error the current table is left untouched.
func (m *Manager) Restore(bindings []model.Binding) error {
	fresh := make(map[string]*entry, len(bindings))
	order := make([]string, 0, len(bindings))
	pairs := make(map[[2]string]string, len(bindings))
	for _, b := range bindings {
		if err := m.validateRestored(b); err != nil {
			return err
		}
		if _, dup := fresh[b.ID]; dup {
			return model.NewBindingError(model.ErrCodePersistence, b.ID, "binding listed twice")
		}
		key := pairKey(b.NodeAID, b.NodeBID)
		if other, taken := pairs[key]; taken {
			return model.NewBindingError(model.ErrCodePersistence, b.ID, "pair already held by %s", other)
		}
		fresh[b.ID] = &entry{b: b.Clone()}
		order = append(order, b.ID)
		pairs[key] = b.ID
	}

	m.mu.Lock()
	var old []*entry
	for _, e := range m.bindings {
		if e.cancel != nil {
			e.cancel()
		}
		old = append(old, e)
	}
	m.bindings = fresh
	m.order = order
	m.pairs = pairs
	m.adjacency = make(map[string]map[string]bool)
	for _, id := range order {
		e := fresh[id]
		m.attachLocked(e)
		if e.b.State.Live() {
			m.startTaskLocked(e)
		}
	}
	m.publishLocked()
	m.mu.Unlock()

	for _, e := range old {
		m.awaitStopped(e)
	}
	m.logger.Info("bindings restored", zap.Int("bindings", len(order)))
	return nil
}

func (m *Manager) validateRestored(b model.Binding) error {
	switch {
	case b.ID == "":
		return &model.Error{Code: model.ErrCodePersistence, Message: "binding id is empty"}
	case b.NodeAID == b.NodeBID:
		return model.NewBindingError(model.ErrCodePersistence, b.ID, "binding joins a node to itself")
	case math.IsNaN(b.Strength) || b.Strength < 0 || b.Strength > 1:
		return model.NewBindingError(model.ErrCodePersistence, b.ID, "strength %v outside [0,1]", b.Strength)
	case b.SyncFrequencyHz <= 0:
		return model.NewBindingError(model.ErrCodePersistence, b.ID, "sync frequency %v must be positive", b.SyncFrequencyHz)
	case b.State == model.StateUnbound || b.State == model.StateBinding:
		return model.NewBindingError(model.ErrCodePersistence, b.ID, "state %s is not restorable", b.State)
	}
	for _, id := range []string{b.NodeAID, b.NodeBID} {
		if _, err := m.dir.Node(id); err != nil {
			return fmt.Errorf("binding %s: %w", b.ID, err)
		}
	}
	return nil
}

// Stop cancels every decay task and waits for them to exit. Bindings keep
// their last state. Stop is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()
	m.tasks.Wait()
}
