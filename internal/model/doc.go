// Package model provides the shared types of the Elder Tree core.
//
// This package contains type definitions, the error taxonomy, and the
// canonical hashing used for tokens and signatures. All other internal
// packages import model; model imports nothing internal. This keeps the
// node, message, binding and event shapes in one foundational layer with no
// circular dependencies.
//
// Key design constraints:
//   - Enumerations serialize as explicit string tags, never ordinals
//   - Strength is a float64 and is always clamped into [0, 1]
//   - Nodes handed across package boundaries are clones (see Node.Clone)
//   - Wire shapes live in the persist package; these types carry no JSON tags
package model
