// Package graph is the build graph's data model: artifacts, rule nodes,
// file-dependency nodes, their edges, and the invariants over them.
//
// Grounded on internal/batch/batch.go from the teacher repository, which
// already keeps a gonum directed graph of package nodes and detects
// dependency cycles via topo.Sort before scheduling a batch build; this
// package generalizes that one-shot package DAG into the spec's
// persistent, incrementally-mutated build graph.
package graph

import (
	"fmt"

	"github.com/buildgraph/bgc/internal/bgerr"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// pathKey indexes artifacts by the (product, path) pair the spec requires
// lookups and rescue matching to use.
type pathKey struct {
	product ProductHandle
	path    string
}

// Graph owns every node by integer handle; there are no raw pointer
// cycles between nodes (spec §9, "cyclic and shared ownership" becomes
// "handles are indices, weak references are indices that may no longer
// resolve").
type Graph struct {
	g *simple.DirectedGraph

	nextID int64

	artifacts map[int64]*Artifact
	ruleNodes map[int64]*RuleNode
	fileDeps  map[int64]*FileDependency

	transformers map[int64]*Transformer

	products map[ProductHandle]*Product

	pathIndex    map[pathKey]int64
	fileDepIndex map[string]int64 // process-wide dedup by path
}

func New() *Graph {
	return &Graph{
		g:            simple.NewDirectedGraph(),
		artifacts:    make(map[int64]*Artifact),
		ruleNodes:    make(map[int64]*RuleNode),
		fileDeps:     make(map[int64]*FileDependency),
		transformers: make(map[int64]*Transformer),
		products:     make(map[ProductHandle]*Product),
		pathIndex:    make(map[pathKey]int64),
		fileDepIndex: make(map[string]int64),
	}
}

func (gr *Graph) allocID() int64 {
	gr.nextID++
	return gr.nextID
}

// NextIDForPersistence and RestoreNextID save/restore the handle
// allocation counter across a graph-file round trip.
func (gr *Graph) NextIDForPersistence() int64 { return gr.nextID }

func (gr *Graph) RestoreNextID(n int64) {
	if n > gr.nextID {
		gr.nextID = n
	}
}

// --- products ---

func (gr *Graph) AddProduct(p Product) *Product {
	cp := p
	gr.products[p.Handle] = &cp
	return &cp
}

func (gr *Graph) RemoveProduct(h ProductHandle) {
	delete(gr.products, h)
	for id, a := range gr.artifacts {
		if a.Product == h {
			gr.RemoveArtifact(id)
		}
	}
}

func (gr *Graph) Product(h ProductHandle) (*Product, bool) {
	p, ok := gr.products[h]
	return p, ok
}

func (gr *Graph) Products() []*Product {
	out := make([]*Product, 0, len(gr.products))
	for _, p := range gr.products {
		out = append(out, p)
	}
	return out
}

// --- artifacts ---

// AddArtifact creates a new artifact and registers it in the path index.
func (gr *Graph) AddArtifact(product ProductHandle, path string, kind ArtifactKind) *Artifact {
	return gr.addArtifact(gr.allocID(), product, path, kind)
}

// AddArtifactWithID is used by the graph-file loader to reconstruct an
// artifact under its previously-persisted handle, so that transformer
// input/output references (which are plain handles) stay valid across a
// save/load round trip.
func (gr *Graph) AddArtifactWithID(id int64, product ProductHandle, path string, kind ArtifactKind) *Artifact {
	if id > gr.nextID {
		gr.nextID = id
	}
	return gr.addArtifact(id, product, path, kind)
}

func (gr *Graph) addArtifact(id int64, product ProductHandle, path string, kind ArtifactKind) *Artifact {
	a := &Artifact{
		id:                   id,
		Path:                 path,
		FileTags:             NewStringSet(),
		Kind:                 kind,
		Product:              product,
		Properties:           NewPropertySet(),
		Children:             NewHandleSet(),
		ScannerAddedChildren: NewHandleSet(),
		FileDeps:             NewHandleSet(),
		State:                Untouched,
	}
	gr.artifacts[id] = a
	gr.g.AddNode(nodeAdapter{id})
	gr.pathIndex[pathKey{product, path}] = id
	return a
}

func (gr *Graph) RemoveArtifact(id int64) {
	a, ok := gr.artifacts[id]
	if !ok {
		return
	}
	delete(gr.pathIndex, pathKey{a.Product, a.Path})
	gr.removeNodeEdges(id)
	delete(gr.artifacts, id)
}

// Artifact looks up an artifact by handle.
func (gr *Graph) Artifact(id int64) (*Artifact, bool) {
	a, ok := gr.artifacts[id]
	return a, ok
}

// LookupArtifact is the O(1) path-indexed lookup the spec requires.
func (gr *Graph) LookupArtifact(product ProductHandle, path string) (*Artifact, bool) {
	id, ok := gr.pathIndex[pathKey{product, path}]
	if !ok {
		return nil, false
	}
	return gr.artifacts[id], true
}

func (gr *Graph) Artifacts() []*Artifact {
	out := make([]*Artifact, 0, len(gr.artifacts))
	for _, a := range gr.artifacts {
		out = append(out, a)
	}
	return out
}

// --- rule nodes ---

func (gr *Graph) AddRuleNode(product ProductHandle, ruleName string) *RuleNode {
	id := gr.allocID()
	rn := &RuleNode{
		id:       id,
		RuleName: ruleName,
		Product:  product,
		State:    Untouched,
		Children: NewHandleSet(),
	}
	gr.ruleNodes[id] = rn
	gr.g.AddNode(nodeAdapter{id})
	return rn
}

func (gr *Graph) RuleNode(id int64) (*RuleNode, bool) {
	rn, ok := gr.ruleNodes[id]
	return rn, ok
}

func (gr *Graph) RuleNodes() []*RuleNode {
	out := make([]*RuleNode, 0, len(gr.ruleNodes))
	for _, rn := range gr.ruleNodes {
		out = append(out, rn)
	}
	return out
}

// AddRuleNodeWithID is used by the graph-file loader to restore a rule
// node under its previously-persisted handle.
func (gr *Graph) AddRuleNodeWithID(id int64, product ProductHandle, ruleName string) *RuleNode {
	if id > gr.nextID {
		gr.nextID = id
	}
	rn := &RuleNode{id: id, RuleName: ruleName, Product: product, State: Untouched, Children: NewHandleSet()}
	gr.ruleNodes[id] = rn
	gr.g.AddNode(nodeAdapter{id})
	return rn
}

// --- file dependencies ---

// FileDependencyFor returns the existing file-dependency node for path,
// creating and deduplicating it process-wide if necessary (spec §3,
// "lifecycle": file-dependency nodes are deduplicated via a lookup table
// keyed by path).
func (gr *Graph) FileDependencyFor(path string) *FileDependency {
	if id, ok := gr.fileDepIndex[path]; ok {
		return gr.fileDeps[id]
	}
	id := gr.allocID()
	fd := &FileDependency{id: id, Path: path}
	gr.fileDeps[id] = fd
	gr.fileDepIndex[path] = id
	gr.g.AddNode(nodeAdapter{id})
	return fd
}

func (gr *Graph) FileDependency(id int64) (*FileDependency, bool) {
	fd, ok := gr.fileDeps[id]
	return fd, ok
}

func (gr *Graph) FileDependencies() []*FileDependency {
	out := make([]*FileDependency, 0, len(gr.fileDeps))
	for _, fd := range gr.fileDeps {
		out = append(out, fd)
	}
	return out
}

// FileDependencyWithID is used by the graph-file loader to restore a
// file-dependency node under its previously-persisted handle.
func (gr *Graph) FileDependencyWithID(id int64, path string) *FileDependency {
	if id > gr.nextID {
		gr.nextID = id
	}
	fd := &FileDependency{id: id, Path: path}
	gr.fileDeps[id] = fd
	gr.fileDepIndex[path] = id
	gr.g.AddNode(nodeAdapter{id})
	return fd
}

// --- transformers ---

func (gr *Graph) AddTransformer(t *Transformer) *Transformer {
	t.id = gr.allocID()
	if t.RequestedPropertiesPrepare == nil {
		t.RequestedPropertiesPrepare = NewPropertySet()
	}
	if t.RequestedPropertiesCommands == nil {
		t.RequestedPropertiesCommands = NewPropertySet()
	}
	if t.ImportedFilesUsed == nil {
		t.ImportedFilesUsed = NewHandleSet()
	}
	if t.JobPoolsUsed == nil {
		t.JobPoolsUsed = NewStringSet()
	}
	gr.transformers[t.id] = t
	return t
}

func (gr *Graph) Transformer(id int64) (*Transformer, bool) {
	t, ok := gr.transformers[id]
	return t, ok
}

// Transformers returns every transformer in the graph, in no particular
// order; callers that need determinism (e.g. graphfile) sort by ID.
func (gr *Graph) Transformers() []*Transformer {
	out := make([]*Transformer, 0, len(gr.transformers))
	for _, t := range gr.transformers {
		out = append(out, t)
	}
	return out
}

// AddTransformerWithID restores a transformer at a specific handle,
// mirroring AddArtifactWithID/AddRuleNodeWithID; used when reloading a
// persisted graph so transformer IDs survive a save/load round trip.
func (gr *Graph) AddTransformerWithID(id int64, t *Transformer) *Transformer {
	t.id = id
	if t.RequestedPropertiesPrepare == nil {
		t.RequestedPropertiesPrepare = NewPropertySet()
	}
	if t.RequestedPropertiesCommands == nil {
		t.RequestedPropertiesCommands = NewPropertySet()
	}
	if t.ImportedFilesUsed == nil {
		t.ImportedFilesUsed = NewHandleSet()
	}
	if t.JobPoolsUsed == nil {
		t.JobPoolsUsed = NewStringSet()
	}
	gr.transformers[id] = t
	return t
}

// --- edges ---

// nodeAdapter satisfies gonum's graph.Node using our int64 handle space
// directly, so every node kind (artifact, rule node, file dependency)
// shares one graph without an extra indirection layer.
type nodeAdapter struct{ id int64 }

func (n nodeAdapter) ID() int64 { return n.id }

// Connect adds an edge from parent to child (e.g. artifact -> its
// dependency, or rule node -> the artifact it consumes). It fails with a
// bgerr CycleIntroduced error if child can already reach parent, which
// would close a cycle.
func (gr *Graph) Connect(parent, child int64) error {
	if parent == child {
		return bgerr.New(bgerr.CycleIntroduced, fmt.Sprintf("artifact %d depends on itself", parent))
	}
	if gr.reaches(child, parent) {
		return bgerr.New(bgerr.CycleIntroduced,
			fmt.Sprintf("connecting %d -> %d would close a cycle", parent, child))
	}
	gr.g.SetEdge(gr.g.NewEdge(nodeAdapter{parent}, nodeAdapter{child}))
	return nil
}

// SafeConnect is a no-op if the edge already exists.
func (gr *Graph) SafeConnect(parent, child int64) error {
	if gr.g.HasEdgeFromTo(parent, child) {
		return nil
	}
	return gr.Connect(parent, child)
}

func (gr *Graph) Disconnect(parent, child int64) {
	gr.g.RemoveEdge(parent, child)
}

func (gr *Graph) HasEdge(parent, child int64) bool {
	return gr.g.HasEdgeFromTo(parent, child)
}

// Children returns the handles parent points to.
func (gr *Graph) Children(parent int64) []int64 {
	it := gr.g.From(parent)
	var out []int64
	for it.Next() {
		out = append(out, it.Node().ID())
	}
	return out
}

// Parents returns the handles that point to child.
func (gr *Graph) Parents(child int64) []int64 {
	it := gr.g.To(child)
	var out []int64
	for it.Next() {
		out = append(out, it.Node().ID())
	}
	return out
}

func (gr *Graph) removeNodeEdges(id int64) {
	for _, c := range gr.Children(id) {
		gr.g.RemoveEdge(id, c)
	}
	for _, p := range gr.Parents(id) {
		gr.g.RemoveEdge(p, id)
	}
	gr.g.RemoveNode(id)
}

// reaches reports whether there is a path from -> to following existing
// edges, via plain DFS. Used for incremental cycle detection on Connect,
// which is cheaper than re-running topo.Sort over the whole graph on
// every edge addition (the approach internal/batch.scheduler takes once
// per whole batch, not per edge).
func (gr *Graph) reaches(from, to int64) bool {
	if from == to {
		return true
	}
	seen := make(map[int64]bool)
	stack := []int64{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		if n == to {
			return true
		}
		stack = append(stack, gr.Children(n)...)
	}
	return false
}

// ValidateAcyclic runs a whole-graph topological sort the way
// internal/batch.scheduler validates a package DAG once per batch
// before scheduling it, rather than once per edge. Connect/SafeConnect
// already reject any single edge that would close a cycle via the
// cheaper incremental reaches check; ValidateAcyclic is the final guard
// for graphs freshly resolved by an external collaborator, where no
// single Connect call saw the whole picture (internal/loader.Load calls
// it on every such graph). graphfile.Load does not call it: it rebuilds
// edges through Connect and drops any edge Connect rejects.
func (gr *Graph) ValidateAcyclic() error {
	if _, err := topo.Sort(gr.g); err != nil {
		if unorderable, ok := err.(topo.Unorderable); ok {
			return bgerr.New(bgerr.CycleIntroduced,
				fmt.Sprintf("build graph contains %d cycle(s)", len(unorderable)))
		}
		return bgerr.New(bgerr.CycleIntroduced, err.Error())
	}
	return nil
}

// Node looks up any node (artifact, rule node, or file dependency) by
// handle and reports its kind.
func (gr *Graph) Node(id int64) (Node, bool) {
	if a, ok := gr.artifacts[id]; ok {
		return a, true
	}
	if rn, ok := gr.ruleNodes[id]; ok {
		return rn, true
	}
	if fd, ok := gr.fileDeps[id]; ok {
		return fd, true
	}
	return nil, false
}
