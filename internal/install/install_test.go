package install

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/buildgraph/bgc/internal/bgerr"
	"github.com/buildgraph/bgc/internal/graph"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
}

// TestInstallConflict is spec §8 S5: two artifacts at distinct source
// paths but targeting the same install path must fail with
// InstallConflict.
func TestInstallConflict(t *testing.T) {
	dir := t.TempDir()
	srcA := filepath.Join(dir, "b", "a.out")
	srcB := filepath.Join(dir, "b", "lib", "a.out")
	writeFile(t, srcA, "a")
	writeFile(t, srcB, "b")

	root := filepath.Join(dir, "root")
	targets := []Target{
		{SourcePath: srcA, InstallRoot: root, InstallDir: "bin"},
		{SourcePath: srcB, InstallRoot: root, InstallDir: "bin", InstallSourceBase: filepath.Join(dir, "b", "lib")},
	}
	// Both end up targeting <root>/bin/a.out since both basenames are
	// "a.out" and srcB's InstallSourceBase makes its relative path "a.out" too.

	inst := &Installer{}
	err := inst.Install(context.Background(), targets)
	if !bgerr.Is(err, bgerr.InstallConflict) {
		t.Fatalf("Install: want InstallConflict, got %v", err)
	}
}

// TestInstallSameSourceTwiceIsNotAConflict: installing the same source
// path twice (e.g. because it's named by two rules) must succeed.
func TestInstallSameSourceTwiceIsNotAConflict(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.out")
	writeFile(t, src, "a")

	root := filepath.Join(dir, "root")
	targets := []Target{
		{SourcePath: src, InstallRoot: root, InstallDir: "bin"},
		{SourcePath: src, InstallRoot: root, InstallDir: "bin"},
	}

	inst := &Installer{}
	if err := inst.Install(context.Background(), targets); err != nil {
		t.Fatalf("Install: unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "bin", "a.out")); err != nil {
		t.Fatalf("expected installed file: %v", err)
	}
}

func TestInstallCopiesFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "out", "app")
	writeFile(t, src, "binary contents")

	root := filepath.Join(dir, "root")
	inst := &Installer{}
	err := inst.Install(context.Background(), []Target{
		{SourcePath: src, InstallRoot: root, InstallPrefix: "usr", InstallDir: "bin"},
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(root, "usr", "bin", "app"))
	if err != nil {
		t.Fatalf("reading installed file: %v", err)
	}
	if string(got) != "binary contents" {
		t.Fatalf("installed file contents = %q, want %q", got, "binary contents")
	}
}

func TestInstallDryRunSkipsMutationsButChecksConflicts(t *testing.T) {
	dir := t.TempDir()
	srcA := filepath.Join(dir, "a.out")
	srcB := filepath.Join(dir, "b.out")
	writeFile(t, srcA, "a")
	writeFile(t, srcB, "b")

	root := filepath.Join(dir, "root")
	inst := &Installer{DryRun: true}

	// Conflict checks still happen in dry-run mode.
	err := inst.Install(context.Background(), []Target{
		{SourcePath: srcA, InstallRoot: root, InstallDir: "bin"},
		{SourcePath: srcB, InstallRoot: root, InstallDir: "bin"},
	})
	if !bgerr.Is(err, bgerr.InstallConflict) {
		t.Fatalf("want InstallConflict even in dry-run, got %v", err)
	}

	// No conflict, dry-run: no file is written.
	if err := inst.Install(context.Background(), []Target{
		{SourcePath: srcA, InstallRoot: root, InstallDir: "bin"},
	}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "bin", "a.out")); !os.IsNotExist(err) {
		t.Fatalf("dry-run must not write files, stat err = %v", err)
	}
}

func TestTargetPathRejectsEscapingInstallDir(t *testing.T) {
	dir := t.TempDir()
	tg := Target{
		SourcePath: filepath.Join(dir, "a.out"),
		InstallRoot: filepath.Join(dir, "root"),
		InstallDir:  "../../etc",
	}
	_, err := tg.Path()
	if !bgerr.Is(err, bgerr.InstallConflict) {
		t.Fatalf("want InstallConflict for escaping path, got %v", err)
	}
}

func TestRemoveExistingInstallationRefusesRoot(t *testing.T) {
	err := removeExistingInstallation("/", false)
	if !bgerr.Is(err, bgerr.InstallConflict) {
		t.Fatalf("want InstallConflict refusing to remove /, got %v", err)
	}
}

func TestRemoveExistingInstallationRefusesHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available in this environment")
	}
	if err := removeExistingInstallation(home, false); !bgerr.Is(err, bgerr.InstallConflict) {
		t.Fatalf("want InstallConflict refusing to remove home dir, got %v", err)
	}
}

func TestTargetForArtifactRequiresInstallProperty(t *testing.T) {
	a := &graph.Artifact{Path: "/tmp/out.o", Properties: graph.NewPropertySet()}
	if _, ok := TargetForArtifact(a, "/root"); ok {
		t.Fatalf("expected ok=false without install=true")
	}
	a.Properties.Set("install", true)
	a.Properties.Set("installDir", "bin")
	tg, ok := TargetForArtifact(a, "/root")
	if !ok {
		t.Fatalf("expected ok=true with install=true")
	}
	if tg.InstallRoot != "/root" || tg.InstallDir != "bin" {
		t.Fatalf("unexpected target: %+v", tg)
	}
}
