package persist

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/eldertree/internal/model"
	"github.com/roach88/eldertree/internal/soul"
)

// NodeTable is the node side of the state. *hierarchy.Registry implements it.
type NodeTable interface {
	Snapshot() ([]model.Node, time.Time)
	Replace(nodes []model.Node) error
}

// BindingTable is the binding side of the state. *soul.Manager implements it.
type BindingTable interface {
	Bindings() []model.Binding
	Statistics() soul.Statistics
	Restore(bindings []model.Binding) error
}

// Layer saves and loads both documents.
type Layer struct {
	nodes    NodeTable
	bindings BindingTable
	logger   *zap.Logger
}

// New creates a persistence layer over the two tables.
func New(nodes NodeTable, bindings BindingTable, logger *zap.Logger) *Layer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Layer{nodes: nodes, bindings: bindings, logger: logger.Named("persist")}
}

// SaveState writes the node table to path.
func (l *Layer) SaveState(path string) error {
	nodes, now := l.nodes.Snapshot()
	doc := TreeDocument{
		Version:           model.FormatVersion,
		Kind:              KindTree,
		Nodes:             make(map[string]NodeRecord, len(nodes)),
		SoulBindings:      make(map[string]string),
		ActiveConnections: make(map[string]time.Time),
		SavedAt:           now,
	}
	for _, n := range nodes {
		doc.Nodes[n.ID] = nodeRecord(n)
		if n.SoulBound {
			doc.SoulBindings[n.ID] = n.BindingToken
		}
	}
	if l.bindings != nil {
		for _, b := range l.bindings.Bindings() {
			if b.State.Live() {
				doc.ActiveConnections[b.ID] = b.EstablishedAt
			}
		}
	}

	if err := writeJSON(path, doc); err != nil {
		l.logger.Error("save tree state failed", zap.String("path", path), zap.Error(err))
		return err
	}
	l.logger.Info("tree state saved", zap.String("path", path), zap.Int("nodes", len(nodes)))
	return nil
}

// LoadState replaces the node table with the document at path. On any
// failure the current table is untouched.
func (l *Layer) LoadState(path string) error {
	doc, err := ReadTree(path)
	if err != nil {
		return err
	}
	nodes, err := doc.NodeList()
	if err != nil {
		return model.NewPersistenceError("load", path, err)
	}
	if err := l.nodes.Replace(nodes); err != nil {
		return model.NewPersistenceError("load", path, err)
	}
	l.logger.Info("tree state loaded", zap.String("path", path), zap.Int("nodes", len(nodes)))
	return nil
}

// SaveBindings writes the binding table to path.
func (l *Layer) SaveBindings(path string) error {
	_, now := l.nodes.Snapshot()
	bindings := l.bindings.Bindings()
	st := l.bindings.Statistics()

	doc := BindingDocument{
		Version:  model.FormatVersion,
		Kind:     KindBindings,
		Bindings: make(map[string]BindingRecord, len(bindings)),
		Statistics: StatisticsRecord{
			Total:           st.Total,
			Live:            st.Live,
			ByState:         make(map[string]int, len(st.ByState)),
			ByType:          make(map[string]int, len(st.ByType)),
			AverageStrength: st.AverageStrength,
		},
		SavedAt: now,
	}
	for _, b := range bindings {
		doc.Bindings[b.ID] = bindingRecord(b)
	}
	for s, n := range st.ByState {
		doc.Statistics.ByState[s.String()] = n
	}
	for t, n := range st.ByType {
		doc.Statistics.ByType[t.String()] = n
	}

	if err := writeJSON(path, doc); err != nil {
		l.logger.Error("save binding state failed", zap.String("path", path), zap.Error(err))
		return err
	}
	l.logger.Info("binding state saved", zap.String("path", path), zap.Int("bindings", len(bindings)))
	return nil
}

// LoadBindings replaces the binding table with the document at path and
// restarts decay for live bindings. Load the tree first: every endpoint
// must already be registered.
func (l *Layer) LoadBindings(path string) error {
	doc, err := ReadBindings(path)
	if err != nil {
		return err
	}
	bindings, err := doc.BindingList()
	if err != nil {
		return model.NewPersistenceError("load", path, err)
	}
	if err := l.bindings.Restore(bindings); err != nil {
		return model.NewPersistenceError("load", path, err)
	}
	l.logger.Info("binding state loaded", zap.String("path", path), zap.Int("bindings", len(bindings)))
	return nil
}

// ReadTree decodes and checks the header of a tree document.
func ReadTree(path string) (TreeDocument, error) {
	var doc TreeDocument
	if err := readJSON(path, &doc); err != nil {
		return TreeDocument{}, err
	}
	if err := checkHeader(doc.Version, doc.Kind, KindTree); err != nil {
		return TreeDocument{}, model.NewPersistenceError("load", path, err)
	}
	return doc, nil
}

// ReadBindings decodes and checks the header of a binding document.
func ReadBindings(path string) (BindingDocument, error) {
	var doc BindingDocument
	if err := readJSON(path, &doc); err != nil {
		return BindingDocument{}, err
	}
	if err := checkHeader(doc.Version, doc.Kind, KindBindings); err != nil {
		return BindingDocument{}, model.NewPersistenceError("load", path, err)
	}
	return doc, nil
}

// NodeList converts the records to nodes, oldest first.
func (d TreeDocument) NodeList() ([]model.Node, error) {
	out := make([]model.Node, 0, len(d.Nodes))
	for key, rec := range d.Nodes {
		if key != rec.ID {
			return nil, fmt.Errorf("node keyed %q has id %q", key, rec.ID)
		}
		if tok, ok := d.SoulBindings[key]; ok && (!rec.SoulBound || tok != rec.BindingToken) {
			return nil, fmt.Errorf("soulBindings entry for %q disagrees with the node", key)
		}
		out = append(out, rec.node())
	}
	slices.SortFunc(out, func(a, b model.Node) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// BindingList converts the records to bindings, oldest first.
func (d BindingDocument) BindingList() ([]model.Binding, error) {
	out := make([]model.Binding, 0, len(d.Bindings))
	for key, rec := range d.Bindings {
		if key != rec.ID {
			return nil, fmt.Errorf("binding keyed %q has id %q", key, rec.ID)
		}
		out = append(out, rec.binding())
	}
	slices.SortFunc(out, func(a, b model.Binding) int {
		if c := a.EstablishedAt.Compare(b.EstablishedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func checkHeader(version int, kind, want string) error {
	if version != model.FormatVersion {
		return fmt.Errorf("unsupported format version %d", version)
	}
	if kind != want {
		return fmt.Errorf("document kind %q, want %q", kind, want)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.NewPersistenceError("read", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.NewPersistenceError("decode", path, err)
	}
	return nil
}

// writeJSON encodes v to a temporary file next to path and renames it into
// place, so readers never see a partial document.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return model.NewPersistenceError("encode", path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return model.NewPersistenceError("write", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return model.NewPersistenceError("write", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return model.NewPersistenceError("sync", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return model.NewPersistenceError("write", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return model.NewPersistenceError("rename", path, err)
	}
	return nil
}
