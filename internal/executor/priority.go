package executor

import (
	"sort"

	"github.com/buildgraph/bgc/internal/graph"
)

// AssignPriorities walks the product dependency graph from its roots
// (products nothing else depends on) and assigns descending integer
// priorities in DFS order, so that leaves of the product graph end up
// with the lowest priority and the roots with the highest (spec §4.7).
func AssignPriorities(g *graph.Graph) {
	products := g.Products()
	sort.Slice(products, func(i, j int) bool { return productLess(products[i].Handle, products[j].Handle) })

	dependedOn := make(map[graph.ProductHandle]bool)
	for _, p := range products {
		for _, d := range p.DependsOn {
			dependedOn[d] = true
		}
	}

	var roots []*graph.Product
	for _, p := range products {
		if !dependedOn[p.Handle] {
			roots = append(roots, p)
		}
	}

	counter := len(products)
	visited := make(map[graph.ProductHandle]bool, len(products))

	var dfs func(p *graph.Product)
	dfs = func(p *graph.Product) {
		if visited[p.Handle] {
			return
		}
		visited[p.Handle] = true
		p.Priority = counter
		counter--

		deps := append([]graph.ProductHandle(nil), p.DependsOn...)
		sort.Slice(deps, func(i, j int) bool { return productLess(deps[i], deps[j]) })
		for _, d := range deps {
			if dp, ok := g.Product(d); ok {
				dfs(dp)
			}
		}
	}
	for _, r := range roots {
		dfs(r)
	}
	// Anything unreachable from a root (a dependency cycle among products,
	// or a product nobody declared a path to) still needs a priority.
	for _, p := range products {
		if !visited[p.Handle] {
			p.Priority = counter
			counter--
		}
	}
}

func productLess(a, b graph.ProductHandle) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.MultiplexID < b.MultiplexID
}
