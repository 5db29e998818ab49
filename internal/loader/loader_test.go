package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/buildgraph/bgc/internal/graph"
	"github.com/buildgraph/bgc/internal/rules"
)

type fakeResolver struct {
	g    *graph.Graph
	snap Snapshot
	err  error
}

func (f *fakeResolver) Resolve(Parameters, EvalContext) (*graph.Graph, Snapshot, error) {
	return f.g, f.snap, f.err
}

func TestLoadSkipsReresolveWhenNothingChanged(t *testing.T) {
	existing := graph.New()
	snap := Snapshot{EnvVars: map[string]string{"CC": "gcc"}, Parameters: Parameters{"profile": "release"}}
	ec := EvalContext{Env: map[string]string{"CC": "gcc"}}

	resolver := &fakeResolver{g: graph.New()} // would be a bug if this were used
	res, err := Load(existing, snap, Parameters{"profile": "release"}, ec, resolver)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Reresolved {
		t.Fatalf("expected no re-resolve when nothing changed")
	}
	if res.Graph != existing {
		t.Fatalf("expected the existing graph to be returned unchanged")
	}
}

func TestLoadReresolvesWhenEnvVarChanges(t *testing.T) {
	existing := graph.New()
	snap := Snapshot{EnvVars: map[string]string{"CC": "gcc"}}
	ec := EvalContext{Env: map[string]string{"CC": "clang"}}

	fresh := graph.New()
	resolver := &fakeResolver{g: fresh}
	res, err := Load(existing, snap, Parameters{}, ec, resolver)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !res.Reresolved || res.Graph != fresh {
		t.Fatalf("expected a re-resolve returning the fresh graph")
	}
}

func TestLoadReresolvesWhenParametersChange(t *testing.T) {
	existing := graph.New()
	snap := Snapshot{Parameters: Parameters{"profile": "debug"}}
	ec := EvalContext{}

	resolver := &fakeResolver{g: graph.New()}
	res, err := Load(existing, snap, Parameters{"profile": "release"}, ec, resolver)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !res.Reresolved {
		t.Fatalf("expected a re-resolve on SetupProjectParameters mismatch")
	}
}

func TestLoadReresolvesWhenProjectFileNewerThanPersist(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "build.bgc")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	existing := graph.New()
	snap := Snapshot{ProjectFiles: []string{file}, PersistedAt: time.Now().Add(-time.Hour)}
	ec := EvalContext{}

	resolver := &fakeResolver{g: graph.New()}
	res, err := Load(existing, snap, Parameters{}, ec, resolver)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !res.Reresolved {
		t.Fatalf("expected a re-resolve when a project file is newer than the persisted graph")
	}
}

func TestLoadReresolvesOnForceProbeExecution(t *testing.T) {
	existing := graph.New()
	ec := EvalContext{ForceProbeExecution: true}
	resolver := &fakeResolver{g: graph.New()}
	res, err := Load(existing, Snapshot{}, Parameters{}, ec, resolver)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !res.Reresolved {
		t.Fatalf("expected a re-resolve when forced")
	}
}

func TestLoadAlwaysReresolvesWithNoExistingGraph(t *testing.T) {
	fresh := graph.New()
	resolver := &fakeResolver{g: fresh}
	res, err := Load(nil, Snapshot{}, Parameters{}, EvalContext{}, resolver)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !res.Reresolved || res.Graph != fresh {
		t.Fatalf("expected first build to always re-resolve")
	}
}

func buildTransformer(g *graph.Graph, p graph.ProductHandle, out *graph.Artifact, cmd rules.Command) {
	tr := g.AddTransformer(&graph.Transformer{
		Product:  p,
		Outputs:  []int64{out.ID()},
		Commands: []rules.Command{cmd},
	})
	out.TransformerID = tr.ID()
}

// TestRescueCarriesOverTimestampWhenCommandsEqual is the rescue
// oracle's positive case (spec Testable Property 2).
func TestRescueCarriesOverTimestampWhenCommandsEqual(t *testing.T) {
	p := graph.ProductHandle{Name: "app"}
	cmd := &rules.JavaScriptCommand{SourceCode: "1+1"}

	old := graph.New()
	old.AddProduct(graph.Product{Handle: p})
	oldOut := old.AddArtifact(p, "out.o", graph.Generated)
	oldOut.Timestamp = time.Unix(1234, 0)
	oldOut.HasTimestamp = true
	oldOut.AlwaysUpdated = true
	buildTransformer(old, p, oldOut, cmd)

	fresh := graph.New()
	fresh.AddProduct(graph.Product{Handle: p})
	freshOut := fresh.AddArtifact(p, "out.o", graph.Generated)
	buildTransformer(fresh, p, freshOut, &rules.JavaScriptCommand{SourceCode: "1+1"})

	removed := rescue(old, fresh)
	if len(removed) != 0 {
		t.Fatalf("expected nothing removed, got %v", removed)
	}
	if !freshOut.HasTimestamp || !freshOut.Timestamp.Equal(time.Unix(1234, 0)) {
		t.Fatalf("expected rescued timestamp, got %v (has=%v)", freshOut.Timestamp, freshOut.HasTimestamp)
	}
	if !freshOut.AlwaysUpdated {
		t.Fatalf("expected rescued alwaysUpdated flag")
	}
}

// TestRescueDiscardsWhenCommandsDiffer is the rescue oracle's negative
// case: a changed command list means the old timestamp can't be
// trusted, so the artifact is deleted and reported.
func TestRescueDiscardsWhenCommandsDiffer(t *testing.T) {
	dir := t.TempDir()
	p := graph.ProductHandle{Name: "app"}

	old := graph.New()
	old.AddProduct(graph.Product{Handle: p})
	srcPath := filepath.Join(dir, "out.o")
	if err := os.WriteFile(srcPath, []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}
	oldOut := old.AddArtifact(p, srcPath, graph.Generated)
	oldOut.HasTimestamp = true
	oldOut.Timestamp = time.Unix(1, 0)
	buildTransformer(old, p, oldOut, &rules.JavaScriptCommand{SourceCode: "1+1"})

	fresh := graph.New()
	fresh.AddProduct(graph.Product{Handle: p})
	freshOut := fresh.AddArtifact(p, srcPath, graph.Generated)
	buildTransformer(fresh, p, freshOut, &rules.JavaScriptCommand{SourceCode: "2+2"})

	removed := rescue(old, fresh)
	if len(removed) != 1 || removed[0] != srcPath {
		t.Fatalf("expected %s reported removed, got %v", srcPath, removed)
	}
	if freshOut.HasTimestamp {
		t.Fatalf("expected no rescued timestamp when commands differ")
	}
	if _, err := os.Stat(srcPath); !os.IsNotExist(err) {
		t.Fatalf("expected stale output to be deleted from disk")
	}
}

// TestRescueDiscardsWhenChildDisappeared: if a previous child artifact
// no longer exists in the fresh graph, rescue must not carry over state
// even though the artifact and its transformer otherwise match.
func TestRescueDiscardsWhenChildDisappeared(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.o")
	if err := os.WriteFile(outPath, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	p := graph.ProductHandle{Name: "app"}
	cmd := &rules.JavaScriptCommand{SourceCode: "1"}

	old := graph.New()
	old.AddProduct(graph.Product{Handle: p})
	oldIn := old.AddArtifact(p, "in.c", graph.Source)
	oldOut := old.AddArtifact(p, outPath, graph.Generated)
	oldOut.HasTimestamp = true
	if err := old.Connect(oldOut.ID(), oldIn.ID()); err != nil {
		t.Fatal(err)
	}
	oldOut.Children.Add(oldIn.ID())
	buildTransformer(old, p, oldOut, cmd)

	fresh := graph.New()
	fresh.AddProduct(graph.Product{Handle: p})
	// in.c no longer exists in the fresh graph.
	freshOut := fresh.AddArtifact(p, outPath, graph.Generated)
	buildTransformer(fresh, p, freshOut, &rules.JavaScriptCommand{SourceCode: "1"})

	removed := rescue(old, fresh)
	if len(removed) != 1 || removed[0] != outPath {
		t.Fatalf("expected %s reported removed, got %v", outPath, removed)
	}
	if _, err := os.Stat(outPath); !os.IsNotExist(err) {
		t.Fatalf("expected output to be deleted from disk")
	}
}
