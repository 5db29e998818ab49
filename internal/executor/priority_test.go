package executor

import (
	"testing"

	"github.com/buildgraph/bgc/internal/graph"
)

func TestAssignPrioritiesRootHighestLeafLowest(t *testing.T) {
	g := graph.New()
	leaf := graph.ProductHandle{Name: "libc"}
	mid := graph.ProductHandle{Name: "libfoo"}
	root := graph.ProductHandle{Name: "app"}

	g.AddProduct(graph.Product{Handle: leaf})
	g.AddProduct(graph.Product{Handle: mid, DependsOn: []graph.ProductHandle{leaf}})
	g.AddProduct(graph.Product{Handle: root, DependsOn: []graph.ProductHandle{mid}})

	AssignPriorities(g)

	pRoot, _ := g.Product(root)
	pMid, _ := g.Product(mid)
	pLeaf, _ := g.Product(leaf)

	if !(pRoot.Priority > pMid.Priority && pMid.Priority > pLeaf.Priority) {
		t.Fatalf("expected root > mid > leaf, got root=%d mid=%d leaf=%d",
			pRoot.Priority, pMid.Priority, pLeaf.Priority)
	}
}

func TestAssignPrioritiesHandlesDisconnectedProduct(t *testing.T) {
	g := graph.New()
	a := graph.ProductHandle{Name: "a"}
	b := graph.ProductHandle{Name: "b"} // unrelated to a
	g.AddProduct(graph.Product{Handle: a})
	g.AddProduct(graph.Product{Handle: b})

	AssignPriorities(g)

	pa, _ := g.Product(a)
	pb, _ := g.Product(b)
	if pa.Priority == pb.Priority {
		t.Fatalf("disconnected products should still get distinct priorities")
	}
}
