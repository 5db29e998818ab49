package graph

import (
	"time"

	"github.com/buildgraph/bgc/internal/rules"
)

// NodeKind tags which concrete node a handle refers to, modeling the
// Artifact|RuleNode|FileDep tagged variant called for in the spec's design
// notes (node-type polymorphism) without virtual-dispatch visitors.
type NodeKind int

const (
	KindArtifact NodeKind = iota
	KindRuleNode
	KindFileDependency
)

// ArtifactKind distinguishes how an artifact's file came to exist.
type ArtifactKind int

const (
	Source ArtifactKind = iota
	Generated
	FileDependencyKind
)

// BuildState is the lifecycle of any buildable node: Untouched -> Buildable
// -> Building -> Built, no back-edges within a single build.
type BuildState int

const (
	Untouched BuildState = iota
	Buildable
	Building
	Built
)

func (s BuildState) String() string {
	switch s {
	case Untouched:
		return "Untouched"
	case Buildable:
		return "Buildable"
	case Building:
		return "Building"
	case Built:
		return "Built"
	default:
		return "?"
	}
}

// Node is the common interface every graph entity implements; it
// satisfies gonum's graph.Node (ID() int64) so the arena's edges can be
// stored in a gonum directed graph.
type Node interface {
	ID() int64
	NodeKind() NodeKind
}

// StringSet is a small ordered-iteration set of strings (file tags,
// handle sets, etc.), kept deterministic for persistence and tests.
type StringSet map[string]struct{}

func NewStringSet(items ...string) StringSet {
	s := make(StringSet, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func (s StringSet) Has(item string) bool {
	_, ok := s[item]
	return ok
}

func (s StringSet) Add(item string) { s[item] = struct{}{} }

func (s StringSet) Intersects(other StringSet) bool {
	small, big := s, other
	if len(big) < len(small) {
		small, big = big, small
	}
	for k := range small {
		if big.Has(k) {
			return true
		}
	}
	return false
}

func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sortStrings(out)
	return out
}

// HandleSet is a deterministic-iteration set of node handles.
type HandleSet map[int64]struct{}

func NewHandleSet(ids ...int64) HandleSet {
	s := make(HandleSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s HandleSet) Has(id int64) bool { _, ok := s[id]; return ok }
func (s HandleSet) Add(id int64)      { s[id] = struct{}{} }
func (s HandleSet) Remove(id int64)   { delete(s, id) }

func (s HandleSet) Sorted() []int64 {
	out := make([]int64, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sortInt64s(out)
	return out
}

// Artifact represents a file known to the build graph.
type Artifact struct {
	id int64

	Path       string
	FileTags   StringSet
	Kind       ArtifactKind
	Timestamp  time.Time
	HasTimestamp bool

	Product ProductHandle
	Properties *PropertySet

	AlwaysUpdated          bool
	TimestampRetrieved     bool
	OldDataPossiblyPresent bool

	Children             HandleSet // child artifact handles (dependencies)
	ScannerAddedChildren HandleSet
	FileDeps             HandleSet // file-dependency handles

	TransformerID int64 // 0 if none; producing transformer for Generated artifacts

	State BuildState
}

func (a *Artifact) ID() int64         { return a.id }
func (a *Artifact) NodeKind() NodeKind { return KindArtifact }

// RuleNode represents an instance of a rule within a product.
type RuleNode struct {
	id int64

	RuleName string
	Product  ProductHandle
	State    BuildState

	Children HandleSet // artifacts it currently consumes
}

func (r *RuleNode) ID() int64         { return r.id }
func (r *RuleNode) NodeKind() NodeKind { return KindRuleNode }

// FileDependency is a lightweight record for a file referenced by a
// scanner but not produced by this build (e.g. a system header). It is
// never executed and never installed.
type FileDependency struct {
	id int64

	Path      string
	Timestamp time.Time
}

func (f *FileDependency) ID() int64          { return f.id }
func (f *FileDependency) NodeKind() NodeKind { return KindFileDependency }

// ProductHandle identifies a logical target: a name scoped by an optional
// multiplex id (the same product configured more than once, e.g. for
// multiple architectures).
type ProductHandle struct {
	Name        string
	MultiplexID string
}

// Product is a logical target composed of many artifacts and rules.
type Product struct {
	Handle   ProductHandle
	Priority int
	DependsOn []ProductHandle
}

// Transformer is the runtime result of applying one rule to one input set.
type Transformer struct {
	id int64

	RuleName string
	Product  ProductHandle

	Commands []rules.Command

	Inputs  []int64 // artifact handles
	Outputs []int64 // artifact handles

	AlwaysRun bool

	RequestedPropertiesPrepare  *PropertySet
	RequestedPropertiesCommands *PropertySet

	ImportedFilesUsed HandleSet
	JobPoolsUsed      StringSet

	LastExecutionTime time.Time
}

func (t *Transformer) ID() int64 { return t.id }
