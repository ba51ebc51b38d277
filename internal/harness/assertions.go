package harness

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/eldertree/internal/model"
)

// AssertionError is returned when an assertion fails.
// It includes the event trace to help debug the failure.
type AssertionError struct {
	Type     string        // Assertion type for categorization
	Expected string        // Human-readable expected outcome
	Actual   string        // Human-readable actual outcome
	Events   []model.Event // Journal at the end of the run
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s: %s\n", errAssertion, e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nEvents:\n")
	for _, ev := range e.Events {
		fmt.Fprintf(&buf, "  [%d] %s node=%s\n", ev.Seq, ev.Type, ev.NodeID)
	}
	return buf.String()
}

// Unwrap lets errors.Is match errAssertion.
func (e *AssertionError) Unwrap() error { return errAssertion }

// evaluate dispatches one assertion.
func evaluate(r *Result, a Assertion) error {
	switch a.Type {
	case AssertEventContains:
		return assertEventContains(r, a)
	case AssertEventOrder:
		return assertEventOrder(r, a)
	case AssertEventCount:
		return assertEventCount(r, a)
	case AssertBinding:
		return assertBinding(r, a)
	case AssertSharedMetadata:
		return assertSharedMetadata(r, a)
	case AssertAuditCount:
		return assertAuditCount(r, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func matches(ev model.Event, typ, node string) bool {
	return ev.Type.String() == typ && (node == "" || ev.NodeID == node)
}

// assertEventContains checks that some event has the given type and, when
// set, node.
func assertEventContains(r *Result, a Assertion) error {
	for _, ev := range r.Events {
		if matches(ev, a.Event, a.Node) {
			return nil
		}
	}
	expected := a.Event
	if a.Node != "" {
		expected += " for node " + a.Node
	}
	return &AssertionError{
		Type:     AssertEventContains,
		Expected: expected,
		Actual:   "not found in journal",
		Events:   r.Events,
	}
}

// assertEventOrder checks that the event types appear as a subsequence of
// the journal. Intervening events are allowed.
func assertEventOrder(r *Result, a Assertion) error {
	next := 0
	for _, ev := range r.Events {
		if next < len(a.Events) && ev.Type.String() == a.Events[next] {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertEventOrder,
		Expected: strings.Join(a.Events, " -> "),
		Actual:   fmt.Sprintf("matched only up to %s", strings.Join(a.Events[:next], " -> ")),
		Events:   r.Events,
	}
}

// assertEventCount checks the exact number of events of a type.
func assertEventCount(r *Result, a Assertion) error {
	n := 0
	for _, ev := range r.Events {
		if matches(ev, a.Event, a.Node) {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertEventCount,
		Expected: fmt.Sprintf("%d %s events", a.Count, a.Event),
		Actual:   fmt.Sprintf("%d", n),
		Events:   r.Events,
	}
}

// assertAuditCount checks the number of events the audit log recorded.
func assertAuditCount(r *Result, a Assertion) error {
	if n := r.AuditCounts[a.Event]; n != a.Count {
		return &AssertionError{
			Type:     AssertAuditCount,
			Expected: fmt.Sprintf("%d audited %s events", a.Count, a.Event),
			Actual:   fmt.Sprintf("%d", n),
			Events:   r.Events,
		}
	}
	return nil
}

// assertBinding checks the final binding between a and b.
func assertBinding(r *Result, a Assertion) error {
	var found *model.Binding
	for i := len(r.Bindings) - 1; i >= 0; i-- {
		if r.Bindings[i].Connects(a.A, a.B) {
			found = &r.Bindings[i]
			break
		}
	}

	fail := func(expected, actual string) error {
		return &AssertionError{Type: AssertBinding, Expected: expected, Actual: actual, Events: r.Events}
	}
	pair := a.A + "-" + a.B

	if a.Absent {
		if found != nil {
			return fail("no binding "+pair, found.State.String())
		}
		return nil
	}
	if found == nil {
		return fail(pair+" in state "+a.State, "no binding")
	}
	if found.State.String() != a.State {
		return fail(pair+" in state "+a.State, found.State.String())
	}
	if a.MinStrength != nil && found.Strength < *a.MinStrength {
		return fail(fmt.Sprintf("%s strength >= %.3f", pair, *a.MinStrength), fmt.Sprintf("%.3f", found.Strength))
	}
	if a.MaxStrength != nil && found.Strength > *a.MaxStrength {
		return fail(fmt.Sprintf("%s strength <= %.3f", pair, *a.MaxStrength), fmt.Sprintf("%.3f", found.Strength))
	}
	return nil
}

// assertSharedMetadata checks that both nodes carry the same non-empty
// value under key.
func assertSharedMetadata(r *Result, a Assertion) error {
	na, okA := r.Nodes[a.A]
	nb, okB := r.Nodes[a.B]
	if !okA || !okB {
		return &AssertionError{
			Type:     AssertSharedMetadata,
			Expected: fmt.Sprintf("nodes %s and %s", a.A, a.B),
			Actual:   "node missing",
			Events:   r.Events,
		}
	}
	va, vb := na.Metadata[a.Key], nb.Metadata[a.Key]
	if va == nil || va == "" || !reflect.DeepEqual(va, vb) {
		return &AssertionError{
			Type:     AssertSharedMetadata,
			Expected: fmt.Sprintf("equal %q on %s and %s", a.Key, a.A, a.B),
			Actual:   fmt.Sprintf("%v vs %v", va, vb),
			Events:   r.Events,
		}
	}
	return nil
}
