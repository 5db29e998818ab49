package graph

import "testing"

func TestConnectDirectCycle(t *testing.T) {
	g := New()
	p := ProductHandle{Name: "P"}
	a := g.AddArtifact(p, "a.o", Source)
	b := g.AddArtifact(p, "b.o", Source)

	if err := g.Connect(a.ID(), b.ID()); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	if err := g.Connect(b.ID(), a.ID()); err == nil {
		t.Fatalf("expected CycleIntroduced for b->a, got nil")
	}
}

func TestConnectIndirectCycle(t *testing.T) {
	g := New()
	p := ProductHandle{Name: "P"}
	a := g.AddArtifact(p, "a.o", Source)
	b := g.AddArtifact(p, "b.o", Source)
	c := g.AddArtifact(p, "c.o", Source)

	mustConnect(t, g, a.ID(), b.ID())
	mustConnect(t, g, b.ID(), c.ID())
	if err := g.Connect(c.ID(), a.ID()); err == nil {
		t.Fatalf("expected CycleIntroduced for c->a, got nil")
	}
}

func TestConnectSharedRootIsNotACycle(t *testing.T) {
	g := New()
	p := ProductHandle{Name: "P"}
	root := g.AddArtifact(p, "root.o", Source)
	left := g.AddArtifact(p, "left.o", Source)
	right := g.AddArtifact(p, "right.o", Source)

	mustConnect(t, g, root.ID(), left.ID())
	if err := g.Connect(root.ID(), right.ID()); err != nil {
		t.Fatalf("two disjoint children of one root should not cycle: %v", err)
	}
}

func TestSafeConnectIsIdempotent(t *testing.T) {
	g := New()
	p := ProductHandle{Name: "P"}
	a := g.AddArtifact(p, "a.o", Source)
	b := g.AddArtifact(p, "b.o", Source)
	mustConnect(t, g, a.ID(), b.ID())
	if err := g.SafeConnect(a.ID(), b.ID()); err != nil {
		t.Fatalf("safe connect of existing edge should be a no-op: %v", err)
	}
	if got := len(g.Children(a.ID())); got != 1 {
		t.Fatalf("expected exactly one child, got %d", got)
	}
}

func TestLookupArtifact(t *testing.T) {
	g := New()
	p := ProductHandle{Name: "P"}
	a := g.AddArtifact(p, "a.o", Source)
	got, ok := g.LookupArtifact(p, "a.o")
	if !ok || got.ID() != a.ID() {
		t.Fatalf("lookup failed: %v %v", got, ok)
	}
	if _, ok := g.LookupArtifact(p, "missing.o"); ok {
		t.Fatalf("expected missing lookup to fail")
	}
}

func mustConnect(t *testing.T, g *Graph, parent, child int64) {
	t.Helper()
	if err := g.Connect(parent, child); err != nil {
		t.Fatalf("connect(%d, %d): %v", parent, child, err)
	}
}
