package executor

import (
	"os"

	"github.com/buildgraph/bgc/internal/graph"
)

// mustExecute implements the spec's five-clause up-to-date check (§4.7):
// a transformer must run if it is marked alwaysRun, if an output is
// missing on disk under a forced check, if an output is older than one
// of its children, if a file-dependency is newer than an output, or if
// none of its outputs is alwaysUpdated (meaning the transformer has never
// successfully recorded a trustworthy result).
func mustExecute(g *graph.Graph, t *graph.Transformer, forceTimestampCheck bool) bool {
	if t.AlwaysRun {
		return true
	}

	outputs := make([]*graph.Artifact, 0, len(t.Outputs))
	for _, id := range t.Outputs {
		if a, ok := g.Artifact(id); ok {
			outputs = append(outputs, a)
		}
	}
	if len(outputs) == 0 {
		return true
	}

	anyAlwaysUpdated := false
	for _, out := range outputs {
		if forceTimestampCheck {
			fi, err := os.Stat(out.Path)
			if err != nil {
				return true
			}
			out.Timestamp = fi.ModTime()
			out.HasTimestamp = true
		}
		if out.AlwaysUpdated {
			anyAlwaysUpdated = true
		}

		for _, childID := range out.Children.Sorted() {
			if child, ok := g.Artifact(childID); ok && child.HasTimestamp && out.HasTimestamp {
				if out.Timestamp.Before(child.Timestamp) {
					return true
				}
			}
		}
		for _, fdID := range out.FileDeps.Sorted() {
			if fd, ok := g.FileDependency(fdID); ok && out.HasTimestamp {
				if fd.Timestamp.After(out.Timestamp) {
					return true
				}
			}
		}
	}

	return !anyAlwaysUpdated
}
