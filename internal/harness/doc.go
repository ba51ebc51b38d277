// Package harness runs scripted Elder Tree sessions from YAML files.
//
// Each scenario gets a fresh engine with a fake clock, sequential ids and
// an in-memory SQLite audit log. Background decay tasks are kept idle, so
// time only moves on advance steps and strength only changes on decay
// steps. That makes every run reproducible and lets the rendered trace be
// compared against a golden file.
//
// # Scenario Format
//
//	name: scenario_name
//	description: "What this scenario validates"
//	settings:
//	  min_strength: 0.3
//	steps:
//	  - action: add_node
//	    node: {id: claude_elder, rank: ClaudeElder, parent: grand_elder}
//	  - action: bind
//	    id: claude_elder
//	  - action: add_node
//	    node: {id: w, rank: Workers, parent: grand_elder}
//	    expect_error: INVALID_HIERARCHY
//	assertions:
//	  - type: event_count
//	    event: BindingAccepted
//	    count: 1
//
// # Step Actions
//
//   - add_node, bind, unbind: NodeRegistry calls
//   - send, drain: MessageRouter calls
//   - create_binding, emergency_bind: ConnectionManager calls
//   - advance: moves the fake clock by a Go duration ("40h")
//   - decay, recover: one decay tick or recovery attempt on the pair's binding
//   - sweep: one maintenance pass
//   - dispatch: one event dispatcher pass
//   - status: records the tree summary
//
// # Assertion Types
//
//   - event_contains: an event of the type (and node, if set) was emitted
//   - event_order: event types appear in order, gaps allowed
//   - event_count: exactly N events of the type
//   - audit_count: exactly N events of the type reached the audit log
//   - binding: the pair's final binding state and strength bounds, or absent
//   - shared_metadata: both nodes carry the same value under a key
package harness
