// Package scenarios ties the loader, executor, graphfile, and install
// packages together into one pipeline, the way a real caller (cmd/bgc)
// exercises all four per invocation. This file drives a first build and
// the S6 rescue miss through real os/exec process commands, persistence,
// and a rescue-triggered re-resolve in a single run, plus a final
// install step.
package scenarios

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/buildgraph/bgc/internal/executor"
	"github.com/buildgraph/bgc/internal/graph"
	"github.com/buildgraph/bgc/internal/graphfile"
	"github.com/buildgraph/bgc/internal/install"
	"github.com/buildgraph/bgc/internal/loader"
	"github.com/buildgraph/bgc/internal/resolverfake"
	"github.com/buildgraph/bgc/internal/rules"
)

func buildGraph(t *testing.T, program, inPath, outPath string) *graph.Graph {
	t.Helper()
	b := resolverfake.New()
	p := b.Product("app")
	src := b.Source(p, inPath)
	b.Generated(p, outPath, &rules.ProcessCommand{
		Common:    rules.Common{Description: "copy " + inPath},
		Program:   program,
		Arguments: []string{inPath, outPath},
	}, src)
	return b.Graph()
}

// TestPipelineResolveBuildPersistRescueInstall runs the whole lifecycle
// a real invocation goes through: an initial resolve and build (S2-style
// ProcessCommand), persisting the graph, a second resolve whose command
// changed underneath an existing output (S6, forcing a rescue miss and
// re-execution), and finally staging the rebuilt output into an install
// root (S5's conflict detector, exercised on the non-conflicting path).
func TestPipelineResolveBuildPersistRescueInstall(t *testing.T) {
	cp, err := exec.LookPath("cp")
	if err != nil {
		t.Skip("cp not available")
	}
	mv, err := exec.LookPath("mv")
	if err != nil {
		t.Skip("mv not available")
	}

	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.txt")
	outPath := filepath.Join(dir, "out.txt")
	if err := os.WriteFile(inPath, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	graphPath := filepath.Join(dir, "build.bgraph")

	// First resolve: no existing graph, always re-resolves.
	initial := buildGraph(t, cp, inPath, outPath)
	resolver := &resolverfake.Resolver{Graph: initial}
	res, err := loader.Load(nil, loader.Snapshot{}, nil, loader.EvalContext{}, resolver)
	if err != nil {
		t.Fatalf("initial Load: %v", err)
	}
	if !res.Reresolved {
		t.Fatal("expected the first load to re-resolve")
	}

	ex := &executor.Executor{Graph: res.Graph}
	if err := ex.Run(context.Background()); err != nil {
		t.Fatalf("initial Run: %v", err)
	}
	if got, err := os.ReadFile(outPath); err != nil || string(got) != "hello" {
		t.Fatalf("out.txt = %q, %v; want %q, nil", got, err, "hello")
	}

	if err := graphfile.Save(graphPath, res.Graph); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Second resolve: the producing command changed from cp to mv
	// (spec §8 S6). Load the persisted graph back in and force a
	// re-resolve against a freshly built graph using mv.
	persisted, err := graphfile.Load(graphPath)
	if err != nil {
		t.Fatalf("Load persisted graph: %v", err)
	}

	changed := buildGraph(t, mv, inPath, outPath)
	resolver2 := &resolverfake.Resolver{Graph: changed}
	res2, err := loader.Load(persisted, res.Snapshot, nil, loader.EvalContext{ForceProbeExecution: true}, resolver2)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if len(res2.Removed) != 1 || res2.Removed[0] != outPath {
		t.Fatalf("Removed = %v, want [%s] (rescue should reject the cp->mv command change)", res2.Removed, outPath)
	}
	if _, err := os.Stat(outPath); !os.IsNotExist(err) {
		t.Fatalf("expected out.txt to be deleted by the rescue miss, stat err = %v", err)
	}

	out, ok := res2.Graph.LookupArtifact(graph.ProductHandle{Name: "app"}, outPath)
	if !ok {
		t.Fatal("expected out.txt artifact in the re-resolved graph")
	}
	if out.AlwaysUpdated {
		t.Fatal("a rescue-rejected artifact must not carry over alwaysUpdated")
	}

	ex2 := &executor.Executor{Graph: res2.Graph}
	if err := ex2.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got, err := os.ReadFile(outPath); err != nil || string(got) != "hello" {
		t.Fatalf("out.txt after mv = %q, %v; want %q, nil", got, err, "hello")
	}
	if _, err := os.Stat(inPath); !os.IsNotExist(err) {
		t.Fatal("mv should have removed in.txt")
	}

	// Install the rebuilt output into a staged root.
	out.Properties = graph.NewPropertySet()
	out.Properties.Set("install", true)
	target, ok := install.TargetForArtifact(out, filepath.Join(dir, "root"))
	if !ok {
		t.Fatal("expected install=true artifact to produce a Target")
	}
	inst := &install.Installer{}
	if err := inst.Install(context.Background(), []install.Target{target}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	installedPath := filepath.Join(dir, "root", "out.txt")
	if got, err := os.ReadFile(installedPath); err != nil || string(got) != "hello" {
		t.Fatalf("installed file = %q, %v; want %q, nil", got, err, "hello")
	}
}
