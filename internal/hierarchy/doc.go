// Package hierarchy owns the node table of the Elder Tree.
//
// The Registry is the only writer of nodes. Other components read clones
// through its query methods and mutate through the narrow owner API
// (Touch, SetPairMetadata, MarkStatus, Replace).
//
// Structural rules enforced on AddNode:
//   - ids are unique
//   - a parent must exist before its children
//   - a child's rank must be an allowed child rank of its parent's rank
//   - no node is its own transitive ancestor
//
// After every successful AddNode, parent.ChildrenIDs contains the new id.
package hierarchy
