// Package resolverfake provides an in-memory stand-in for the real
// project-language parser/resolver (spec §6, "Resolver: supplies a
// fully-populated ResolvedProject"), which is out of scope for this
// module. Tests use it to build small graphs directly instead of
// parsing a real project file.
//
// Grounded on the teacher's internal/distritest/buildtest fixture
// package, which exists for exactly this purpose: constructing fake
// build contexts for tests without a real toolchain or package
// repository.
package resolverfake

import (
	"github.com/buildgraph/bgc/internal/graph"
	"github.com/buildgraph/bgc/internal/loader"
	"github.com/buildgraph/bgc/internal/rules"
)

// Resolver is a loader.Resolver that always returns a fixed graph and
// snapshot, optionally built with Builder.
type Resolver struct {
	Graph    *graph.Graph
	Snapshot loader.Snapshot
	Err      error
}

func (r *Resolver) Resolve(loader.Parameters, loader.EvalContext) (*graph.Graph, loader.Snapshot, error) {
	return r.Graph, r.Snapshot, r.Err
}

// Builder assembles a small graph fluently, the way a real resolver
// would populate one from a parsed project file.
type Builder struct {
	g *graph.Graph
}

// New starts a fresh, empty graph.
func New() *Builder {
	return &Builder{g: graph.New()}
}

// Product declares a product with the given dependencies (by name) and
// returns its handle.
func (b *Builder) Product(name string, dependsOn ...string) graph.ProductHandle {
	h := graph.ProductHandle{Name: name}
	deps := make([]graph.ProductHandle, len(dependsOn))
	for i, d := range dependsOn {
		deps[i] = graph.ProductHandle{Name: d}
	}
	b.g.AddProduct(graph.Product{Handle: h, DependsOn: deps})
	return h
}

// Source adds a Source artifact (a project input file) to product p.
func (b *Builder) Source(p graph.ProductHandle, path string) *graph.Artifact {
	return b.g.AddArtifact(p, path, graph.Source)
}

// Generated adds a Generated artifact produced by a single-command
// transformer, wiring the given children (by artifact handle) as
// dependencies.
func (b *Builder) Generated(p graph.ProductHandle, path string, cmd rules.Command, children ...*graph.Artifact) *graph.Artifact {
	out := b.g.AddArtifact(p, path, graph.Generated)
	childIDs := make([]int64, len(children))
	for i, c := range children {
		childIDs[i] = c.ID()
		_ = b.g.Connect(out.ID(), c.ID())
		out.Children.Add(c.ID())
	}
	tr := b.g.AddTransformer(&graph.Transformer{
		Product:  p,
		Outputs:  []int64{out.ID()},
		Inputs:   childIDs,
		Commands: []rules.Command{cmd},
	})
	out.TransformerID = tr.ID()
	return out
}

// Graph returns the graph built so far.
func (b *Builder) Graph() *graph.Graph {
	return b.g
}
