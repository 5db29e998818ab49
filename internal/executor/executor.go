// Package executor implements the single-threaded cooperative build
// driver: a priority-ordered queue of ready nodes is drained, each ready
// transformer is checked for up-to-dateness, scanned for new input
// dependencies, and — if it must run — dispatched to an internal/exec.Job
// running on its own goroutine, exactly the way the teacher's
// internal/batch.scheduler dispatches one exec.CommandContext per ready
// package onto a worker pool. The priority queue, job-pool gating, and
// scanner interleaving generalize that one-shot "build every stale
// package" loop into the spec's general incremental executor.
package executor

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/buildgraph/bgc/internal/bgerr"
	"github.com/buildgraph/bgc/internal/exec"
	"github.com/buildgraph/bgc/internal/graph"
	"github.com/buildgraph/bgc/internal/scanner"
	"github.com/buildgraph/bgc/internal/script"
	"golang.org/x/sync/errgroup"
)

// Config holds the executor's run-time options (spec §4.7, §5).
type Config struct {
	JobPools            map[string]int
	KeepGoing           bool
	DryRun              bool
	ForceTimestampCheck bool

	// FileTags restricts execution to transformers with at least one
	// output carrying a matching tag. Nil/empty means no filter.
	FileTags []string

	// FileSet restricts execution to "build only these files" (spec
	// §4.7): the named artifact paths plus everything the rule graph
	// says is needed to produce them. Unlike FileTags, the caller
	// supplies file paths, not tags; the executor resolves them into
	// the transitive closure of file tags reachable by walking
	// dependencies backward from each named artifact, then restricts
	// execution to that computed tag set the same way FileTags does.
	FileSet []string

	// Now is used instead of time.Now when marking a successful
	// transformer's outputs, so tests stay deterministic; if nil,
	// time.Now is used.
	Now func() time.Time
}

// RuleApplier applies a rule to a RuleNode, producing or updating the
// artifacts and edges it owns (spec §3, "rule node's children are
// exactly the artifacts whose file tags match..."). This is the one
// collaborator the core executor does not implement itself: which rule
// produces which outputs is project-specific and lives outside bgc
// (spec §1, "project-language parser ... remain external collaborators").
type RuleApplier interface {
	Apply(g *graph.Graph, rn *graph.RuleNode) error
}

// Observer is notified of command descriptions; it satisfies
// internal/exec.Observer directly.
type Observer = exec.Observer

// Executor drives one graph to completion.
type Executor struct {
	Graph       *graph.Graph
	Scanner     *scanner.Scanner
	RuleApplier RuleApplier
	Config      Config
	BaseEnv     []string
	Observer    Observer

	pools       map[string]*pool
	fileSetTags []string // resolved once per Run from Config.FileSet

	mu           sync.Mutex
	canceled     bool
	cancelReason string
	activeJobs   map[int64]*exec.Job
}

// Cancel requests that Run stop as soon as possible (spec §4.5). It sets
// a sticky cancel reason, returned by Run once every in-flight job
// unwinds, and forwards the cancellation to whichever transformers are
// currently running: a command that happens to finish successfully
// after Cancel was called is still reported as canceled, not as a
// success.
func (e *Executor) Cancel(reason string) {
	e.mu.Lock()
	e.canceled = true
	if e.cancelReason == "" {
		e.cancelReason = reason
	}
	jobs := make([]*exec.Job, 0, len(e.activeJobs))
	for _, j := range e.activeJobs {
		jobs = append(jobs, j)
	}
	e.mu.Unlock()
	for _, j := range jobs {
		j.Cancel(reason)
	}
}

func (e *Executor) trackJob(id int64, j *exec.Job) {
	e.mu.Lock()
	if e.activeJobs == nil {
		e.activeJobs = make(map[int64]*exec.Job)
	}
	e.activeJobs[id] = j
	e.mu.Unlock()
}

func (e *Executor) untrackJob(id int64) {
	e.mu.Lock()
	delete(e.activeJobs, id)
	e.mu.Unlock()
}

func (e *Executor) sticky() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canceled, e.cancelReason
}

// jobResult is what a dispatched goroutine reports back to the control
// loop, mirroring the teacher's buildResult/done channel.
type jobResult struct {
	nodeID int64
	kind   graph.NodeKind
	err    error
	pools  []*pool
}

// Run drives the graph to completion: it assigns priorities, seeds the
// ready queue, and loops dispatching ready work until nothing remains or
// the context is canceled.
func (e *Executor) Run(ctx context.Context) error {
	AssignPriorities(e.Graph)
	e.pools = newPools(e.Config.JobPools)
	e.fileSetTags = e.fileSetClosureTags()

	q := &readyQueue{}
	heap.Init(q)

	seen := make(map[int64]bool)
	e.seedReady(q, seen)

	eg, ctx := errgroup.WithContext(ctx)
	done := make(chan jobResult)
	inFlight := 0
	var errs []error
	cancelling := false

	enqueueChildrenOf := func(id int64) {
		for _, parent := range e.Graph.Parents(id) {
			if seen[parent] {
				continue
			}
			if e.isReady(parent) {
				n, ok := e.Graph.Node(parent)
				if !ok {
					continue
				}
				seen[parent] = true
				heap.Push(q, &queueItem{id: parent, priority: e.priorityOf(n)})
			}
		}
	}

	// blocked holds items popped this round that couldn't be dispatched
	// because their job pool was saturated; they're retried after the
	// next job completion (a pool slot may have freed), never re-popped
	// in the same inner pass — that would busy-spin instead of waiting
	// on the done channel.
	var blocked []*queueItem

	for q.Len() > 0 || inFlight > 0 || len(blocked) > 0 {
		if canceled, _ := e.sticky(); canceled {
			cancelling = true
		}
		for q.Len() > 0 && !cancelling {
			item := heap.Pop(q).(*queueItem)
			n, ok := e.Graph.Node(item.id)
			if !ok {
				continue
			}

			switch v := n.(type) {
			case *graph.RuleNode:
				inFlight++
				eg.Go(func() error {
					err := e.applyRule(v)
					select {
					case done <- jobResult{nodeID: v.ID(), kind: graph.KindRuleNode, err: err}:
					case <-ctx.Done():
					}
					return nil
				})
			case *graph.Artifact:
				if v.TransformerID == 0 {
					v.State = graph.Built
					enqueueChildrenOf(v.ID())
					continue
				}
				t, ok := e.Graph.Transformer(v.TransformerID)
				if !ok {
					v.State = graph.Built
					enqueueChildrenOf(v.ID())
					continue
				}
				if !e.matchesFileTags(v) {
					v.State = graph.Built
					enqueueChildrenOf(v.ID())
					continue
				}

				ok2, claimed := poolsFor(e.pools, t.JobPoolsUsed.Sorted())
				if !ok2 {
					blocked = append(blocked, item)
					continue
				}

				if !mustExecute(e.Graph, t, e.Config.ForceTimestampCheck) {
					releaseAll(claimed)
					v.State = graph.Built
					enqueueChildrenOf(v.ID())
					continue
				}

				if e.Scanner != nil {
					added, err := e.Scanner.Scan(e.Graph, v)
					if err != nil {
						releaseAll(claimed)
						errs = append(errs, err)
						if !e.Config.KeepGoing {
							cancelling = true
						}
						continue
					}
					if added && !e.allChildrenBuilt(v) {
						// A newly-discovered dependency isn't built yet;
						// drop this item and let the normal
						// child-completion path (enqueueChildrenOf) push
						// it back once that dependency finishes.
						releaseAll(claimed)
						seen[item.id] = false
						continue
					}
				}

				v.State = graph.Building
				inFlight++
				eg.Go(func() error {
					err := e.runTransformer(ctx, t)
					select {
					case done <- jobResult{nodeID: v.ID(), kind: graph.KindArtifact, err: err, pools: claimed}:
					case <-ctx.Done():
					}
					return nil
				})
			}
		}

		if inFlight == 0 {
			// A pool can only be saturated by an in-flight job, so
			// blocked should be empty here; if it somehow isn't, give
			// those items another pass rather than dropping them.
			for _, b := range blocked {
				heap.Push(q, b)
			}
			blocked = nil
			if q.Len() == 0 {
				break
			}
			continue
		}

		select {
		case r := <-done:
			inFlight--
			releaseAll(r.pools)
			for _, b := range blocked {
				heap.Push(q, b)
			}
			blocked = nil
			if r.err != nil {
				errs = append(errs, r.err)
				if !e.Config.KeepGoing {
					cancelling = true
				}
				continue
			}
			if n, ok := e.Graph.Node(r.nodeID); ok {
				switch v := n.(type) {
				case *graph.Artifact:
					v.State = graph.Built
				case *graph.RuleNode:
					v.State = graph.Built
				}
			}
			enqueueChildrenOf(r.nodeID)
		case <-time.After(2 * time.Second):
			// Periodic cancellation-check tick (spec §5): nothing to
			// poll here since ctx.Done() is a case of this select too, but the
			// tick keeps the loop from blocking indefinitely on a wedged
			// job and gives future status reporting a hook.
		case <-ctx.Done():
			cancelling = true
		}
	}

	_ = eg.Wait()

	if canceled, reason := e.sticky(); canceled && len(errs) == 0 {
		if reason == "" {
			reason = "build canceled"
		}
		return bgerr.New(bgerr.CommandCanceled, reason)
	}
	if cancelling && len(errs) == 0 {
		return bgerr.New(bgerr.CommandCanceled, "build canceled")
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (e *Executor) applyRule(rn *graph.RuleNode) error {
	if e.RuleApplier == nil {
		return nil
	}
	return e.RuleApplier.Apply(e.Graph, rn)
}

func (e *Executor) runTransformer(ctx context.Context, t *graph.Transformer) error {
	proc := &exec.ProcessExecutor{DryRun: e.Config.DryRun, Observer: e.Observer, BaseEnv: e.BaseEnv}
	scriptExec := &exec.ScriptExecutor{DryRun: e.Config.DryRun, Observer: e.Observer}
	job := &exec.Job{Process: proc, Script: scriptExec}

	e.trackJob(t.ID(), job)
	defer e.untrackJob(t.ID())

	if canceled, reason := e.sticky(); canceled {
		job.Cancel(reason)
	}

	sc := script.NewScope(e.transformerProperties(t), e.pathsOf(t.Inputs), e.pathsOf(t.Outputs))
	outcome := job.Run(ctx, t.Commands, sc.Bindings())
	t.RequestedPropertiesCommands = sc.Requested()
	if !outcome.Success {
		return outcome.Err
	}

	now := time.Now
	if e.Config.Now != nil {
		now = e.Config.Now
	}
	t.LastExecutionTime = now()
	t.ImportedFilesUsed = graph.NewHandleSet()

	for _, id := range t.Outputs {
		if a, ok := e.Graph.Artifact(id); ok {
			a.Timestamp = now()
			a.HasTimestamp = true
			a.AlwaysUpdated = true
		}
	}
	return nil
}

// transformerProperties merges the property sets of every output
// artifact into one map for the rules-evaluation scope (spec §4.4's
// "owning transformer's property map").
func (e *Executor) transformerProperties(t *graph.Transformer) *graph.PropertySet {
	merged := graph.NewPropertySet()
	for _, id := range t.Outputs {
		if a, ok := e.Graph.Artifact(id); ok {
			merged.Merge(a.Properties)
		}
	}
	return merged
}

func (e *Executor) pathsOf(ids []int64) []string {
	paths := make([]string, 0, len(ids))
	for _, id := range ids {
		if a, ok := e.Graph.Artifact(id); ok {
			paths = append(paths, a.Path)
		}
	}
	return paths
}

func (e *Executor) matchesFileTags(a *graph.Artifact) bool {
	if len(e.Config.FileTags) == 0 && len(e.fileSetTags) == 0 {
		return true
	}
	for _, tag := range e.Config.FileTags {
		if a.FileTags.Has(tag) {
			return true
		}
	}
	for _, tag := range e.fileSetTags {
		if a.FileTags.Has(tag) {
			return true
		}
	}
	return false
}

// fileSetClosureTags resolves Config.FileSet (file paths) into the
// transitive closure of file tags needed to reach them through the rule
// graph: starting from every artifact whose path is named in FileSet,
// it walks dependencies (Children) backward and collects the file tags
// of every artifact it passes through.
func (e *Executor) fileSetClosureTags() []string {
	if len(e.Config.FileSet) == 0 {
		return nil
	}
	wanted := make(map[string]bool, len(e.Config.FileSet))
	for _, p := range e.Config.FileSet {
		wanted[p] = true
	}

	tags := graph.NewStringSet()
	visited := make(map[int64]bool)
	var walk func(id int64)
	walk = func(id int64) {
		if visited[id] {
			return
		}
		visited[id] = true
		if a, ok := e.Graph.Artifact(id); ok {
			for _, t := range a.FileTags.Sorted() {
				tags.Add(t)
			}
		}
		for _, c := range e.Graph.Children(id) {
			walk(c)
		}
	}
	for _, a := range e.Graph.Artifacts() {
		if wanted[a.Path] {
			walk(a.ID())
		}
	}
	return tags.Sorted()
}

func (e *Executor) priorityOf(n graph.Node) int {
	var handle graph.ProductHandle
	switch v := n.(type) {
	case *graph.Artifact:
		handle = v.Product
	case *graph.RuleNode:
		handle = v.Product
	default:
		return 0
	}
	if p, ok := e.Graph.Product(handle); ok {
		return p.Priority
	}
	return 0
}

func (e *Executor) isReady(id int64) bool {
	n, ok := e.Graph.Node(id)
	if !ok {
		return false
	}
	var children graph.HandleSet
	switch v := n.(type) {
	case *graph.Artifact:
		if v.Kind != graph.Generated {
			return false
		}
		children = v.Children
	case *graph.RuleNode:
		children = v.Children
	default:
		return false
	}
	for _, c := range children.Sorted() {
		if cn, ok := e.Graph.Node(c); ok {
			switch cv := cn.(type) {
			case *graph.Artifact:
				if cv.State != graph.Built {
					return false
				}
			case *graph.RuleNode:
				if cv.State != graph.Built {
					return false
				}
			}
		}
	}
	return true
}

func (e *Executor) allChildrenBuilt(a *graph.Artifact) bool {
	for _, c := range a.Children.Sorted() {
		if cn, ok := e.Graph.Artifact(c); ok && cn.State != graph.Built {
			return false
		}
	}
	return true
}

// seedReady marks every Source artifact and file-dependency Built
// immediately (their timestamp is a leaf value, nothing to build) and
// pushes every already-ready Generated artifact / rule node.
func (e *Executor) seedReady(q *readyQueue, seen map[int64]bool) {
	for _, a := range e.Graph.Artifacts() {
		if a.Kind == graph.Source {
			a.State = graph.Built
		}
	}
	for _, a := range e.Graph.Artifacts() {
		if a.Kind != graph.Generated || seen[a.ID()] {
			continue
		}
		if e.isReady(a.ID()) {
			seen[a.ID()] = true
			heap.Push(q, &queueItem{id: a.ID(), priority: e.priorityOf(a)})
		}
	}
	for _, rn := range e.Graph.RuleNodes() {
		if seen[rn.ID()] {
			continue
		}
		if e.isReady(rn.ID()) {
			seen[rn.ID()] = true
			heap.Push(q, &queueItem{id: rn.ID(), priority: e.priorityOf(rn)})
		}
	}
}
