// Package scanner implements the input-artifact scanner: for a Generated
// artifact under consideration, ask every matching scanner plugin for the
// dependency names it finds in the artifact's content, resolve each name
// against configured search paths, and add the resulting edges to the
// build graph.
//
// Grounded on internal/build.Ctx.Builderdeps/Builddeps from the teacher
// repository, which walks a package's declared and discovered dependency
// names and resolves each against a repository search path; this package
// generalizes "package names resolved against repo directories" into
// "scanner-reported names resolved against configured search paths." The
// per-input resolution cache mirrors internal/build.Ctx.fillSubstituteCache,
// which caches substitution results keyed by input set so identical inputs
// are never re-resolved.
package scanner

import (
	"path/filepath"
	"sort"

	"github.com/buildgraph/bgc/internal/graph"
)

// Plugin is a dependency-scanner plugin: given a file's path and its
// file tags, it returns the dependency names it finds referenced inside
// that file (e.g. #include names, import specifiers).
type Plugin interface {
	// Tags reports which artifact file tags this plugin applies to.
	Tags() []string
	// Scan returns the raw dependency names referenced by the artifact
	// at path.
	Scan(path string) ([]string, error)
}

// ResolvedDependency is a scanner-reported name resolved to a concrete
// file, optionally one already known to the graph as an artifact.
type ResolvedDependency struct {
	Path     string
	Artifact *graph.Artifact // nil if the path isn't a known artifact
}

// cacheKey identifies one (property-set signature, search-path list,
// scanner) combination, so that distinct artifacts sharing the same
// inputs reuse a single resolution.
type cacheKey struct {
	propsSignature string
	searchPaths    string
	scanner        string
}

// Scanner resolves dependency names discovered by Plugins against a set
// of search paths, caching per (propertySet, searchPaths, plugin).
type Scanner struct {
	Plugins     []Plugin
	SearchPaths []string

	// Lookup resolves a candidate path to an already-known artifact, if
	// any. It is set by whoever constructs the Scanner; the executor uses
	// the Scanner as given and does not set it. A nil Lookup means every
	// resolved name becomes a file-dependency node.
	Lookup func(path string) (*graph.Artifact, bool)

	cache map[cacheKey][]ResolvedDependency
}

func New(plugins []Plugin, searchPaths []string) *Scanner {
	return &Scanner{Plugins: plugins, SearchPaths: searchPaths, cache: make(map[cacheKey][]ResolvedDependency)}
}

// Scan runs every plugin whose Tags intersect a's file tags, resolves the
// dependency names it returns, and connects the resulting edges into g.
// It reports whether any edge was newly added (the executor's
// newDependencyAdded signal, spec §4.6/§4.7) so the caller can decide
// whether to re-queue the transformer.
func (s *Scanner) Scan(g *graph.Graph, a *graph.Artifact) (newDependencyAdded bool, err error) {
	for _, p := range s.Plugins {
		if !s.matches(p, a) {
			continue
		}
		deps, err := s.resolve(p, a)
		if err != nil {
			return newDependencyAdded, err
		}
		for _, d := range deps {
			var childID int64
			if d.Artifact != nil {
				childID = d.Artifact.ID()
			} else {
				childID = g.FileDependencyFor(d.Path).ID()
			}
			if !a.FileDeps.Has(childID) && !a.Children.Has(childID) {
				if err := g.SafeConnect(a.ID(), childID); err != nil {
					return newDependencyAdded, err
				}
				if d.Artifact != nil {
					a.Children.Add(childID)
				} else {
					a.FileDeps.Add(childID)
				}
				a.ScannerAddedChildren.Add(childID)
				newDependencyAdded = true
			}
		}
	}
	return newDependencyAdded, nil
}

func (s *Scanner) matches(p Plugin, a *graph.Artifact) bool {
	for _, tag := range p.Tags() {
		if a.FileTags.Has(tag) {
			return true
		}
	}
	return false
}

func (s *Scanner) resolve(p Plugin, a *graph.Artifact) ([]ResolvedDependency, error) {
	key := cacheKey{
		propsSignature: a.Properties.String(),
		searchPaths:    joinSorted(s.SearchPaths),
		scanner:        pluginName(p),
	}
	if cached, ok := s.cache[key]; ok {
		return cached, nil
	}

	names, err := p.Scan(a.Path)
	if err != nil {
		return nil, err
	}

	resolved := make([]ResolvedDependency, 0, len(names))
	for _, name := range names {
		resolved = append(resolved, s.resolveOne(a, name))
	}
	s.cache[key] = resolved
	return resolved, nil
}

func (s *Scanner) resolveOne(a *graph.Artifact, name string) ResolvedDependency {
	if filepath.IsAbs(name) {
		if s.Lookup != nil {
			if known, ok := s.Lookup(name); ok {
				return ResolvedDependency{Path: name, Artifact: known}
			}
		}
		return ResolvedDependency{Path: name}
	}
	for _, dir := range s.SearchPaths {
		candidate := filepath.Join(dir, name)
		if s.Lookup != nil {
			if known, ok := s.Lookup(candidate); ok {
				return ResolvedDependency{Path: candidate, Artifact: known}
			}
		}
	}
	if len(s.SearchPaths) == 0 {
		return ResolvedDependency{Path: name}
	}
	return ResolvedDependency{Path: filepath.Join(s.SearchPaths[0], name)}
}

func pluginName(p Plugin) string {
	return joinSorted(p.Tags())
}

func joinSorted(ss []string) string {
	cp := append([]string(nil), ss...)
	sort.Strings(cp)
	out := ""
	for i, s := range cp {
		if i > 0 {
			out += "\x00"
		}
		out += s
	}
	return out
}
