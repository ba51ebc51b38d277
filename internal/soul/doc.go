// Package soul maintains bindings: connections between two bound nodes
// whose health score ("strength") decays over time.
//
// The Manager exclusively owns the binding table and the per-node adjacency
// sets. Each live binding (Bound, Weakening or Recovering) has exactly one
// decay goroutine that wakes every 1/syncFrequencyHz seconds and subtracts
// decayRate*elapsedHours from the strength. The goroutine checks for
// cancellation before every tick and again under the table lock, so a
// shutdown never interrupts a half-applied update.
//
// Lifecycle:
//
//	Unbound -> Binding -> Bound -> Weakening -> Recovering -> Bound
//	                                         \-> Broken (terminal)
//
// A strength below 0.2 moves Bound to Weakening; a strength of zero moves
// Weakening or Recovering to Broken and stops the decay goroutine. Broken
// bindings stay in the table until RetireBroken removes them.
package soul
