package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/eldertree/internal/model"
)

// StepTrace records one executed step.
type StepTrace struct {
	Index   int    // 1-based step number
	Action  string // step action
	Args    string // rendered step arguments
	Outcome string // "ok", "error CODE", or an action-specific summary
}

func (s StepTrace) String() string {
	if s.Args == "" {
		return fmt.Sprintf("%02d %s -> %s", s.Index, s.Action, s.Outcome)
	}
	return fmt.Sprintf("%02d %s %s -> %s", s.Index, s.Action, s.Args, s.Outcome)
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step behaved as declared and every assertion
	// held.
	Pass bool

	// Steps is the per-step trace, in execution order.
	Steps []StepTrace

	// Events are the journal contents at the end of the run.
	Events []model.Event

	// Bindings are the binding table at the end of the run.
	Bindings []model.Binding

	// Nodes are the registry contents at the end of the run, by id.
	Nodes map[string]model.Node

	// AuditCounts are the per-type event counts recorded in the audit log.
	AuditCounts map[string]int

	// Errors contains step and assertion failures. Empty if Pass is true.
	Errors []string
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:        true,
		Steps:       []StepTrace{},
		Nodes:       make(map[string]model.Node),
		AuditCounts: make(map[string]int),
		Errors:      []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Render formats the run as a deterministic text trace. Generated ids and
// hashes are left out so the trace depends only on the scenario.
func (r *Result) Render(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", name)
	b.WriteString("steps:\n")
	for _, s := range r.Steps {
		fmt.Fprintf(&b, "  %s\n", s)
	}
	b.WriteString("events:\n")
	for _, ev := range r.Events {
		fmt.Fprintf(&b, "  %d %s node=%s processed=%t\n", ev.Seq, ev.Type, ev.NodeID, ev.Processed)
	}
	b.WriteString("bindings:\n")
	for _, bd := range r.Bindings {
		fmt.Fprintf(&b, "  %s-%s %s %s strength=%.3f\n",
			bd.NodeAID, bd.NodeBID, bd.ConnectionType, bd.State, bd.Strength)
	}
	return b.String()
}
