package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/eldertree/internal/config"
	"github.com/roach88/eldertree/internal/engine"
	"github.com/roach88/eldertree/internal/model"
	"github.com/roach88/eldertree/internal/store"
	"github.com/roach88/eldertree/internal/testutil"
)

// taskHz keeps background decay tasks idle for the length of a run; the
// scenario drives decay explicitly with decay steps.
const taskHz = 0.001

// Harness executes one scenario against a fresh engine.
type Harness struct {
	engine *engine.Engine
	store  *store.Store
	clock  *testutil.FakeClock
	logger *zap.Logger
}

// Option configures Run.
type Option func(*runOptions)

type runOptions struct {
	logger *zap.Logger
	start  time.Time
}

// WithLogger routes engine logs to l instead of discarding them.
func WithLogger(l *zap.Logger) Option { return func(o *runOptions) { o.logger = l } }

// WithStart sets the fake clock's starting time.
func WithStart(t time.Time) Option { return func(o *runOptions) { o.start = t } }

// Config returns the engine configuration used for s.
func Config(s *Scenario) config.Config {
	cfg := config.Default()
	cfg.Soul.DefaultSyncFrequencyHz = taskHz
	cfg.Soul.EmergencySyncFrequencyHz = taskHz
	cfg.Persistence = config.PersistenceConfig{}
	cfg.Engine.HandshakeTimeout = time.Second
	if st := s.Settings; st != nil {
		if st.MinStrength != nil {
			cfg.Soul.MinStrength = *st.MinStrength
		}
		if st.EmergencyStrength != nil {
			cfg.Soul.EmergencyStrength = *st.EmergencyStrength
		}
		if st.RecoveryThreshold != nil {
			cfg.Soul.RecoveryThreshold = *st.RecoveryThreshold
		}
	}
	return cfg
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh engine with an in-memory audit
// database, a fake clock and sequential ids, so runs are reproducible.
// A returned error means the run could not be set up; step and assertion
// failures are reported in the Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := runOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := Config(scenario)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scenario settings: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewFakeClock(o.start)
	eng := engine.New(cfg, o.logger,
		engine.WithClock(clock),
		engine.WithTokenGenerator(model.NewFixedGenerator("tok")),
		engine.WithAudit(st))
	defer eng.Close()

	h := &Harness{engine: eng, store: st, clock: clock, logger: o.logger.Named("harness")}

	result := NewResult()
	for i, step := range scenario.Steps {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		h.execute(ctx, i+1, step, result)
	}

	if err := h.collect(ctx, result); err != nil {
		return nil, err
	}
	for i, a := range scenario.Assertions {
		if err := evaluate(result, a); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return result, nil
}

// execute runs one step and appends its trace line.
func (h *Harness) execute(ctx context.Context, index int, step Step, result *Result) {
	trace := StepTrace{Index: index, Action: step.Action, Args: describe(step)}

	outcome, err := h.apply(ctx, step)
	switch {
	case err != nil:
		code := model.CodeOf(err)
		if code == "" {
			code = "ERROR"
		}
		trace.Outcome = "error " + string(code)
		if step.ExpectError != string(code) {
			result.AddError(fmt.Sprintf("step %d (%s): unexpected error: %v", index, step.Action, err))
		}
	case step.ExpectError != "":
		trace.Outcome = outcome
		result.AddError(fmt.Sprintf("step %d (%s): expected error %s, got success", index, step.Action, step.ExpectError))
	default:
		trace.Outcome = outcome
	}

	h.logger.Debug("step executed",
		zap.Int("index", index),
		zap.String("action", step.Action),
		zap.String("outcome", trace.Outcome))
	result.Steps = append(result.Steps, trace)
}

func (h *Harness) apply(ctx context.Context, step Step) (string, error) {
	eng := h.engine
	switch step.Action {
	case ActionAddNode:
		if step.Node == nil {
			return "", fmt.Errorf("add_node without a node")
		}
		n, err := step.Node.model()
		if err != nil {
			return "", err
		}
		return "ok", eng.AddNode(n)

	case ActionBind:
		return "ok", eng.BindSoul(ctx, step.ID, step.Force)

	case ActionUnbind:
		return "ok", eng.UnbindSoul(ctx, step.ID)

	case ActionSend:
		priority := model.PriorityNormal
		if step.Priority != "" {
			priority, _ = model.ParsePriority(step.Priority)
		}
		msg, err := eng.Send(ctx, model.Message{
			SenderID:    step.From,
			ReceiverID:  step.To,
			MessageType: step.Message,
			Priority:    priority,
			Content:     step.Content,
		})
		if err != nil {
			return "", err
		}
		return "queued path=" + strings.Join(msg.HierarchyPath, ">"), nil

	case ActionDrain:
		return fmt.Sprintf("delivered=%d", eng.Router().DrainQueue(ctx)), nil

	case ActionCreateBinding:
		ct, _ := model.ParseConnectionType(step.Type)
		b, err := eng.CreateBinding(ctx, step.A, step.B, ct, step.Force)
		if err != nil {
			return "", err
		}
		return summarize(b), nil

	case ActionEmergencyBind:
		b, err := eng.EmergencyBind(ctx, step.A, step.B)
		if err != nil {
			return "", err
		}
		return summarize(b), nil

	case ActionAdvance:
		d, _ := time.ParseDuration(step.Duration)
		return "now=" + h.clock.Advance(d).Format(time.RFC3339), nil

	case ActionDecay:
		b, err := h.binding(step.A, step.B)
		if err != nil {
			return "", err
		}
		if _, err := eng.Souls().ApplyDecay(ctx, b.ID); err != nil {
			return "", err
		}
		after, err := eng.Souls().Binding(b.ID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s strength=%.3f", after.State, after.Strength), nil

	case ActionRecover:
		b, err := h.binding(step.A, step.B)
		if err != nil {
			return "", err
		}
		res, err := eng.Souls().AttemptRecovery(ctx, b.ID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("improved=%t restored=%t strength=%.3f", res.Improved, res.Restored, res.Strength), nil

	case ActionSweep:
		res := eng.Maintenance().Sweep(ctx)
		return fmt.Sprintf("retired=%d recovered=%d", res.Retired, res.Recovered), nil

	case ActionDispatch:
		return fmt.Sprintf("handled=%d", eng.Dispatcher().DispatchPending(ctx)), nil

	case ActionStatus:
		s := eng.Status()
		return fmt.Sprintf("nodes=%d bound=%d rate=%.3f health=%.3f",
			s.TotalNodes, s.BoundSouls, s.BindingRate, s.HierarchyHealth), nil
	}
	return "", fmt.Errorf("unknown action %q", step.Action)
}

// binding finds the most recent binding between a and b.
func (h *Harness) binding(a, b string) (model.Binding, error) {
	all := h.engine.Souls().Bindings()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Connects(a, b) {
			return all[i], nil
		}
	}
	return model.Binding{}, model.NewBindingError(model.ErrCodeBindingNotFound, "",
		"no binding between %s and %s", a, b)
}

// collect snapshots the final state into result.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	result.Events = h.engine.Journal().All()
	result.Bindings = h.engine.Souls().Bindings()
	for _, n := range h.engine.Registry().Nodes() {
		result.Nodes[n.ID] = n
	}
	counts, err := h.store.EventCounts(ctx)
	if err != nil {
		return fmt.Errorf("read audit counts: %w", err)
	}
	result.AuditCounts = counts
	return nil
}

func (d *NodeDecl) model() (model.Node, error) {
	rank, err := model.ParseRank(d.Rank)
	if err != nil {
		return model.Node{}, err
	}
	nodeType := model.NodeIndividual
	if d.Type != "" {
		if nodeType, err = model.ParseNodeType(d.Type); err != nil {
			return model.Node{}, err
		}
	}
	sage, err := model.ParseSageType(d.Sage)
	if err != nil {
		return model.Node{}, err
	}
	var meta map[string]any
	if len(d.Metadata) > 0 {
		meta = make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			meta[k] = v
		}
	}
	name := d.Name
	if name == "" {
		name = d.ID
	}
	return model.Node{
		ID:           d.ID,
		Name:         name,
		Rank:         rank,
		NodeType:     nodeType,
		SageType:     sage,
		ParentID:     d.Parent,
		Capabilities: d.Capabilities,
		Metadata:     meta,
	}, nil
}

func describe(s Step) string {
	var parts []string
	switch s.Action {
	case ActionAddNode:
		if s.Node == nil {
			break
		}
		parts = append(parts, s.Node.ID, s.Node.Rank)
		if s.Node.Parent != "" {
			parts = append(parts, "parent="+s.Node.Parent)
		}
	case ActionBind, ActionUnbind:
		parts = append(parts, s.ID)
	case ActionSend:
		parts = append(parts, s.From+">"+s.To, s.Message)
	case ActionCreateBinding:
		parts = append(parts, s.A, s.B, s.Type)
	case ActionEmergencyBind, ActionDecay, ActionRecover:
		parts = append(parts, s.A, s.B)
	case ActionAdvance:
		parts = append(parts, s.Duration)
	}
	if s.Force {
		parts = append(parts, "force")
	}
	return strings.Join(parts, " ")
}

func summarize(b model.Binding) string {
	return fmt.Sprintf("%s %s strength=%.3f", b.ConnectionType, b.State, b.Strength)
}

// errAssertion marks assertion failures so callers can tell them apart
// from setup errors.
var errAssertion = errors.New("assertion failed")
