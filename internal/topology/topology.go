// Package topology loads a declared Elder Tree from CUE.
//
// A topology file declares nodes keyed by id:
//
//	node: grand_elder: {rank: "GrandElder", bound: true}
//	node: claude_elder: {rank: "ClaudeElder", parent: "grand_elder"}
//
// Files are unified with an embedded schema, so unknown fields, unknown
// ranks and non-concrete values are rejected with their CUE position.
// The loader then checks parents and rank compatibility and returns the
// nodes parents first, ready for Registry.AddNode.
package topology

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/eldertree/internal/model"
)

//go:embed schema.cue
var schemaCUE string

// LoadError is a topology problem, positioned when CUE knows where.
type LoadError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Topology is a validated node set.
type Topology struct {
	// Nodes in parent-first order.
	Nodes []model.Node
	// Bound lists the ids declared with bound: true, in Nodes order.
	Bound []string
}

// Registrar receives a topology. *hierarchy.Registry implements it.
type Registrar interface {
	AddNode(node model.Node) error
	BindSoul(ctx context.Context, id string, force bool) error
}

// Apply adds every node to reg and binds the souls declared bound.
// It stops at the first error.
func (t *Topology) Apply(ctx context.Context, reg Registrar) error {
	for _, n := range t.Nodes {
		if err := reg.AddNode(n); err != nil {
			return fmt.Errorf("apply topology: %w", err)
		}
	}
	for _, id := range t.Bound {
		if err := reg.BindSoul(ctx, id, false); err != nil {
			return fmt.Errorf("apply topology: %w", err)
		}
	}
	return nil
}

// LoadDir loads the CUE package in dir.
func LoadDir(dir string) (*Topology, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &LoadError{Field: "path", Message: err.Error()}
	}
	if !info.IsDir() {
		return nil, &LoadError{Field: "path", Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &LoadError{Field: "load", Message: "no CUE instances loaded"}
	}
	if err := instances[0].Err; err != nil {
		return nil, formatCUEError("load", err)
	}

	cctx := cuecontext.New()
	v := cctx.BuildInstance(instances[0])
	if err := v.Err(); err != nil {
		return nil, formatCUEError("build", err)
	}
	return fromValue(cctx, v)
}

// LoadFile loads a single CUE file.
func LoadFile(path string) (*Topology, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Field: "path", Message: err.Error()}
	}
	return compile(src, path)
}

// Load dispatches to LoadDir or LoadFile depending on what path names.
func Load(path string) (*Topology, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Field: "path", Message: err.Error()}
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return LoadFile(path)
}

// Compile parses src as a topology.
func Compile(src string) (*Topology, error) {
	return compile([]byte(src), "topology.cue")
}

func compile(src []byte, filename string) (*Topology, error) {
	cctx := cuecontext.New()
	v := cctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError("cue", err)
	}
	return fromValue(cctx, v)
}

type nodeDecl struct {
	Name         string            `json:"name"`
	Rank         string            `json:"rank"`
	Type         string            `json:"type"`
	Sage         string            `json:"sage"`
	Parent       string            `json:"parent"`
	Capabilities []string          `json:"capabilities"`
	Bound        bool              `json:"bound"`
	Metadata     map[string]string `json:"metadata"`
}

type declared struct {
	node  model.Node
	bound bool
	pos   token.Pos
}

func fromValue(cctx *cue.Context, v cue.Value) (*Topology, error) {
	schema := cctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError("schema", err)
	}
	unified := schema.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError("schema", err)
	}

	nodesVal := unified.LookupPath(cue.ParsePath("node"))
	if !nodesVal.Exists() {
		return nil, &LoadError{Field: "node", Message: "no nodes declared"}
	}
	iter, err := nodesVal.Fields()
	if err != nil {
		return nil, formatCUEError("node", err)
	}

	decls := make(map[string]*declared)
	var ids []string
	for iter.Next() {
		id := iter.Label()
		d, err := decode(id, iter.Value())
		if err != nil {
			return nil, err
		}
		decls[id] = d
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, &LoadError{Field: "node", Message: "no nodes declared"}
	}
	return order(decls, ids)
}

func decode(id string, v cue.Value) (*declared, error) {
	field := "node." + id
	var decl nodeDecl
	if err := v.Decode(&decl); err != nil {
		return nil, formatCUEError(field, err)
	}

	rank, err := model.ParseRank(decl.Rank)
	if err != nil {
		return nil, &LoadError{Field: field + ".rank", Message: err.Error(), Pos: v.Pos()}
	}
	typ, err := model.ParseNodeType(decl.Type)
	if err != nil {
		return nil, &LoadError{Field: field + ".type", Message: err.Error(), Pos: v.Pos()}
	}
	sage, err := model.ParseSageType(decl.Sage)
	if err != nil {
		return nil, &LoadError{Field: field + ".sage", Message: err.Error(), Pos: v.Pos()}
	}

	meta := make(map[string]any, len(decl.Metadata))
	for k, val := range decl.Metadata {
		meta[k] = val
	}
	name := decl.Name
	if name == "" {
		name = id
	}
	return &declared{
		node: model.Node{
			ID:           id,
			Name:         name,
			Rank:         rank,
			NodeType:     typ,
			SageType:     sage,
			ParentID:     decl.Parent,
			Capabilities: model.NormalizeCapabilities(decl.Capabilities),
			Metadata:     meta,
		},
		bound: decl.Bound,
		pos:   v.Pos(),
	}, nil
}

// order checks parent references and returns the nodes breadth-first from
// the roots, siblings in id order.
func order(decls map[string]*declared, ids []string) (*Topology, error) {
	slices.Sort(ids)
	children := make(map[string][]string)
	var roots []string
	for _, id := range ids {
		d := decls[id]
		p := d.node.ParentID
		if p == "" {
			roots = append(roots, id)
			continue
		}
		if p == id {
			return nil, &LoadError{Field: "node." + id + ".parent", Message: "node is its own parent", Pos: d.pos}
		}
		parent, ok := decls[p]
		if !ok {
			return nil, &LoadError{Field: "node." + id + ".parent", Message: fmt.Sprintf("parent %q is not declared", p), Pos: d.pos}
		}
		if !parent.node.Rank.CanParent(d.node.Rank) {
			return nil, &LoadError{
				Field:   "node." + id + ".rank",
				Message: fmt.Sprintf("rank %s is not an allowed child of %s", d.node.Rank, parent.node.Rank),
				Pos:     d.pos,
			}
		}
		children[p] = append(children[p], id)
	}

	topo := &Topology{}
	queue := roots
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		d := decls[id]
		topo.Nodes = append(topo.Nodes, d.node)
		if d.bound {
			topo.Bound = append(topo.Bound, id)
		}
		queue = append(queue, children[id]...)
	}
	if len(topo.Nodes) != len(ids) {
		for _, id := range ids {
			if !slices.ContainsFunc(topo.Nodes, func(n model.Node) bool { return n.ID == id }) {
				return nil, &LoadError{Field: "node." + id + ".parent", Message: "node is not reachable from a root (cycle)", Pos: decls[id].pos}
			}
		}
	}
	return topo, nil
}

// formatCUEError keeps the first CUE error with its position.
func formatCUEError(field string, err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Field: field, Message: err.Error()}
	}
	first := errs[0]
	le := &LoadError{Field: field, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}
