// Package loader implements the build-graph loader (spec §4.2): given a
// previously-persisted graph and a snapshot of what the last resolve
// observed, it decides whether a full re-resolve is warranted and, if
// so, rescues whatever state from the old graph still applies to the
// freshly-resolved one.
//
// The change-detection policy generalizes the teacher's digest-based
// staleness check in internal/batch.Ctx.Build (`meta.GetInputDigest() ==
// inputDigest`) from "one input digest per package" to the spec's five
// independent triggers (env vars, cached probe answers, project-file
// mtimes, forced re-probe, configuration parameters).
package loader

import (
	"os"
	"reflect"
	"time"

	"github.com/buildgraph/bgc/internal/bgerr"
	"github.com/buildgraph/bgc/internal/graph"
	"github.com/buildgraph/bgc/internal/rules"
)

// Parameters is the current SetupProjectParameters configuration (spec
// §4.2, change-detection clause 5).
type Parameters map[string]string

func (p Parameters) equal(o Parameters) bool {
	return reflect.DeepEqual(map[string]string(p), map[string]string(o))
}

// Snapshot is everything the loader needs to remember between loads to
// decide whether a re-resolve is warranted, and is itself produced by a
// Resolver on every fresh resolve.
type Snapshot struct {
	// EnvVars holds the environment variables referenced by any probe or
	// command during the last resolve, and the values they had then.
	EnvVars map[string]string

	// ProbeCache holds the last answer to every cached
	// file-existence/canonical-path/listing/mtime query performed during
	// the last resolve, keyed by an opaque query string.
	ProbeCache map[string]string

	// ProjectFiles is the project file plus its imports and any
	// wildcard-scanned files, as of the last resolve.
	ProjectFiles []string

	// PersistedAt is when the graph this snapshot describes was last
	// persisted; a project file with a newer mtime than this triggers
	// clause 3.
	PersistedAt time.Time

	// Parameters is the SetupProjectParameters recorded at resolve time.
	Parameters Parameters
}

// EvalContext supplies the live values the change-detection policy
// compares the Snapshot against.
type EvalContext struct {
	// Env is the current environment; only keys present in the
	// snapshot's EnvVars are consulted (clause 1).
	Env map[string]string

	// Probe re-runs a single cached query by key, returning its current
	// answer (clause 2). A nil Probe means "no probes to re-run".
	Probe func(query string) (string, error)

	// ForceProbeExecution requests an unconditional re-resolve
	// (clause 4).
	ForceProbeExecution bool

	// Stat is used to read a project file's modification time (clause
	// 3); defaults to os.Stat when nil.
	Stat func(path string) (os.FileInfo, error)
}

func (ec EvalContext) stat(path string) (os.FileInfo, error) {
	if ec.Stat != nil {
		return ec.Stat(path)
	}
	return os.Stat(path)
}

// Resolver builds a fresh graph (with Source artifacts and rule nodes)
// and the snapshot describing the inputs that went into it; it is the
// collaborator spec §6 calls out as external ("supplies a
// fully-populated ResolvedProject").
type Resolver interface {
	Resolve(params Parameters, evalCtx EvalContext) (*graph.Graph, Snapshot, error)
}

// Result is what Load returns.
type Result struct {
	Graph      *graph.Graph
	Snapshot   Snapshot
	Reresolved bool

	// Removed holds the paths of Generated artifacts rescue could not
	// carry over, recorded so the caller can clean up now-empty parent
	// directories.
	Removed []string
}

// needsReresolve implements the five-clause change-detection policy
// (spec §4.2).
func needsReresolve(snap Snapshot, params Parameters, ec EvalContext) bool {
	if ec.ForceProbeExecution {
		return true
	}
	if !snap.Parameters.equal(params) {
		return true
	}
	for k, v := range snap.EnvVars {
		if ec.Env[k] != v {
			return true
		}
	}
	if ec.Probe != nil {
		for query, want := range snap.ProbeCache {
			got, err := ec.Probe(query)
			if err != nil || got != want {
				return true
			}
		}
	}
	for _, f := range snap.ProjectFiles {
		fi, err := ec.stat(f)
		if err != nil {
			return true // disappeared build-system file also forces a re-resolve
		}
		if fi.ModTime().After(snap.PersistedAt) {
			return true
		}
	}
	return false
}

// Load returns either a freshly re-resolved project (when the
// change-detection policy fires) or the existing one unchanged. existing
// may be nil on a first build, which always re-resolves.
func Load(existing *graph.Graph, snap Snapshot, params Parameters, ec EvalContext, resolver Resolver) (*Result, error) {
	if existing != nil && !needsReresolve(snap, params, ec) {
		return &Result{Graph: existing, Snapshot: snap, Reresolved: false}, nil
	}

	fresh, freshSnap, err := resolver.Resolve(params, ec)
	if err != nil {
		return nil, err
	}
	if err := fresh.ValidateAcyclic(); err != nil {
		return nil, err
	}
	freshSnap.Parameters = params

	var removed []string
	if existing != nil {
		removed = rescue(existing, fresh)
	}

	return &Result{Graph: fresh, Snapshot: freshSnap, Reresolved: true, Removed: removed}, nil
}

// LoadProject is read-only introspection for tools: it loads a
// persisted graph via the supplied reader without ever resolving or
// mutating it.
func LoadProject(path string, read func(string) (*graph.Graph, error)) (*graph.Graph, error) {
	g, err := read(path)
	if err != nil {
		return nil, bgerr.New(bgerr.IncompatibleBuildGraph, "loading project "+path).WithWrapped(err)
	}
	return g, nil
}

// rescue copies whatever state from old's Generated artifacts still
// applies to fresh's matching artifacts (spec §4.2): the artifact must
// exist at the same (product, path) key in both graphs, every one of
// its previous children must still exist in fresh, and its producing
// transformer's command list must compare equal under
// rules.CommandsEqual. Artifacts that fail any of those tests are
// deleted from disk and their path is returned for empty-directory
// cleanup.
func rescue(old, fresh *graph.Graph) []string {
	var removed []string

	for _, oldArtifact := range old.Artifacts() {
		if oldArtifact.Kind != graph.Generated {
			continue
		}

		newArtifact, ok := fresh.LookupArtifact(oldArtifact.Product, oldArtifact.Path)
		if !ok {
			removed = append(removed, oldArtifact.Path)
			_ = os.Remove(oldArtifact.Path)
			continue
		}

		if !childrenSurvive(old, fresh, oldArtifact) {
			removed = append(removed, oldArtifact.Path)
			_ = os.Remove(oldArtifact.Path)
			continue
		}

		if !transformersMatch(old, fresh, oldArtifact, newArtifact) {
			removed = append(removed, oldArtifact.Path)
			_ = os.Remove(oldArtifact.Path)
			continue
		}

		newArtifact.Timestamp = oldArtifact.Timestamp
		newArtifact.HasTimestamp = oldArtifact.HasTimestamp
		newArtifact.AlwaysUpdated = oldArtifact.AlwaysUpdated
		newArtifact.ScannerAddedChildren = cloneHandleSet(oldArtifact.ScannerAddedChildren)

		if oldT, ok := old.Transformer(oldArtifact.TransformerID); ok {
			if newT, ok := fresh.Transformer(newArtifact.TransformerID); ok {
				newT.RequestedPropertiesPrepare = clonePropertySet(oldT.RequestedPropertiesPrepare)
				newT.RequestedPropertiesCommands = clonePropertySet(oldT.RequestedPropertiesCommands)
			}
		}
	}

	return removed
}

// childrenSurvive reports whether every child of oldArtifact (by path,
// scoped to the same product) still exists in fresh.
func childrenSurvive(old, fresh *graph.Graph, oldArtifact *graph.Artifact) bool {
	for _, childID := range oldArtifact.Children.Sorted() {
		child, ok := old.Artifact(childID)
		if !ok {
			continue
		}
		if _, ok := fresh.LookupArtifact(child.Product, child.Path); !ok {
			return false
		}
	}
	return true
}

// transformersMatch compares the command lists of the transformers that
// produced oldArtifact and newArtifact; an artifact with no producing
// transformer (TransformerID == 0, e.g. a Source-like Generated
// placeholder) trivially matches.
func transformersMatch(old, fresh *graph.Graph, oldArtifact, newArtifact *graph.Artifact) bool {
	if oldArtifact.TransformerID == 0 && newArtifact.TransformerID == 0 {
		return true
	}
	oldT, ok1 := old.Transformer(oldArtifact.TransformerID)
	newT, ok2 := fresh.Transformer(newArtifact.TransformerID)
	if !ok1 || !ok2 {
		return false
	}
	return rules.CommandsEqual(oldT.Commands, newT.Commands)
}

func cloneHandleSet(s graph.HandleSet) graph.HandleSet {
	out := graph.NewHandleSet()
	for _, id := range s.Sorted() {
		out.Add(id)
	}
	return out
}

func clonePropertySet(p *graph.PropertySet) *graph.PropertySet {
	if p == nil {
		return graph.NewPropertySet()
	}
	return p.Clone()
}
