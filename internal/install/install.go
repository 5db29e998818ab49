// Package install implements the staged-install-root installer (spec
// §4.8): artifacts whose property map carries install=true are copied
// into a computed target path under an install root, with conflict
// detection when two distinct sources would land on the same target.
//
// The per-file atomic-write and errgroup-parallel-per-artifact shape is
// grounded directly on the teacher's internal/install.Ctx.install1 /
// Ctx.Packages: renameio.TempFile → io.Copy → CloseAtomicallyReplace for
// each file, dispatched one errgroup.Go per artifact. The squashfs/FUSE
// specifics of the teacher's installer (package images, hook scripts,
// the FUSE rescan RPC) have no place in this generic copy-based
// installer and are dropped; see DESIGN.md.
package install

import (
	"context"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"sort"

	"github.com/buildgraph/bgc/internal/bgerr"
	"github.com/buildgraph/bgc/internal/graph"
	"github.com/google/renameio"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// Target is one artifact to install: its source path on disk and the
// property-derived pieces that make up the destination path.
type Target struct {
	SourcePath string

	InstallRoot       string
	InstallPrefix     string
	InstallDir        string
	InstallSourceBase string // if set, the relative path is SourcePath trimmed of this prefix

	mode os.FileMode
}

// TargetForArtifact builds a Target from an artifact's own path and its
// install-related properties (install, installRoot, installPrefix,
// installDir, installSourceBase), returning ok=false if install=true is
// not set on the artifact.
func TargetForArtifact(a *graph.Artifact, defaultInstallRoot string) (Target, bool) {
	if a.Properties == nil || !a.Properties.GetBool("install") {
		return Target{}, false
	}
	root := a.Properties.GetString("installRoot")
	if root == "" {
		root = defaultInstallRoot
	}
	return Target{
		SourcePath:        a.Path,
		InstallRoot:       root,
		InstallPrefix:     a.Properties.GetString("installPrefix"),
		InstallDir:        a.Properties.GetString("installDir"),
		InstallSourceBase: a.Properties.GetString("installSourceBase"),
		mode:              0644,
	}, true
}

// relativeOrBasename computes the path segment appended after
// installRoot/installPrefix/installDir: the source path relative to
// InstallSourceBase when one is configured and the source actually sits
// under it, otherwise the source's basename.
func (t Target) relativeOrBasename() string {
	if t.InstallSourceBase != "" {
		if rel, err := filepath.Rel(t.InstallSourceBase, t.SourcePath); err == nil && !escapesViaDotDot(rel) {
			return rel
		}
	}
	return filepath.Base(t.SourcePath)
}

func escapesViaDotDot(rel string) bool {
	return rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

// Path computes the final install destination, rejecting any result
// that would escape InstallRoot (spec §4.8, "refusing paths that escape
// installRoot").
func (t Target) Path() (string, error) {
	root, err := filepath.Abs(t.InstallRoot)
	if err != nil {
		return "", xerrors.Errorf("install: resolving install root: %w", err)
	}
	joined := filepath.Clean(filepath.Join(root, t.InstallPrefix, t.InstallDir, t.relativeOrBasename()))

	rel, err := filepath.Rel(root, joined)
	if err != nil || escapesViaDotDot(rel) {
		return "", bgerr.New(bgerr.InstallConflict, "install target "+joined+" escapes install root "+root)
	}
	return joined, nil
}

// Installer copies install=true artifacts into a staged install root,
// one errgroup goroutine per target, mirroring the teacher's
// Ctx.Packages dispatch shape.
type Installer struct {
	// DryRun skips every filesystem mutation (remove, mkdir, copy) but
	// still performs target-path computation and conflict detection
	// (spec §4.8, "dryRun skips filesystem mutations but performs all
	// checks").
	DryRun bool

	// RemoveExistingInstallation, when true, recursively deletes each
	// distinct InstallRoot before copying into it. Refuses to do so for
	// "/" or the current user's home directory.
	RemoveExistingInstallation bool
}

// Install computes every target's destination path, rejects conflicting
// targets, optionally clears each install root, and copies every source
// into place concurrently.
func (inst *Installer) Install(ctx context.Context, targets []Target) error {
	dests := make([]string, len(targets))
	bySource := make(map[string]string) // dest -> first source that claimed it
	roots := make(map[string]bool)

	for i, t := range targets {
		dest, err := t.Path()
		if err != nil {
			return err
		}
		dests[i] = dest
		roots[filepath.Clean(t.InstallRoot)] = true

		if prevSource, ok := bySource[dest]; ok {
			if prevSource != t.SourcePath {
				return bgerr.New(bgerr.InstallConflict,
					"both "+prevSource+" and "+t.SourcePath+" install to "+dest)
			}
			continue
		}
		bySource[dest] = t.SourcePath
	}

	if inst.RemoveExistingInstallation {
		rootList := make([]string, 0, len(roots))
		for r := range roots {
			rootList = append(rootList, r)
		}
		sort.Strings(rootList)
		for _, root := range rootList {
			if err := removeExistingInstallation(root, inst.DryRun); err != nil {
				return err
			}
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		t, dest := t, dests[i]
		eg.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if inst.DryRun {
				return nil
			}
			return copyFile(t.SourcePath, dest, t.mode)
		})
	}
	return eg.Wait()
}

// removeExistingInstallation deletes root recursively, refusing to
// touch "/" or the caller's home directory (spec §4.8).
func removeExistingInstallation(root string, dryRun bool) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return xerrors.Errorf("install: resolving %s: %w", root, err)
	}
	if abs == string(filepath.Separator) {
		return bgerr.New(bgerr.InstallConflict, "refusing to remove install root \"/\"")
	}
	if u, err := user.Current(); err == nil && u.HomeDir != "" {
		if home, herr := filepath.Abs(u.HomeDir); herr == nil && abs == home {
			return bgerr.New(bgerr.InstallConflict, "refusing to remove install root matching the home directory")
		}
	}
	if dryRun {
		return nil
	}
	if err := os.RemoveAll(abs); err != nil {
		return xerrors.Errorf("install: removing %s: %w", abs, err)
	}
	return nil
}

// copyFile writes src into dest atomically via renameio, the same
// pattern as the teacher's hookinstall closure in Ctx.install1:
// TempFile → io.Copy → CloseAtomicallyReplace.
func copyFile(src, dest string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return xerrors.Errorf("install: creating %s: %w", filepath.Dir(dest), err)
	}

	in, err := os.Open(src)
	if err != nil {
		return xerrors.Errorf("install: opening %s: %w", src, err)
	}
	defer in.Close()

	f, err := renameio.TempFile("", dest)
	if err != nil {
		return xerrors.Errorf("install: creating temp file for %s: %w", dest, err)
	}
	defer f.Cleanup()

	if _, err := io.Copy(f, in); err != nil {
		return xerrors.Errorf("install: copying %s to %s: %w", src, dest, err)
	}
	if mode != 0 {
		if err := f.Chmod(mode); err != nil {
			return xerrors.Errorf("install: chmod %s: %w", dest, err)
		}
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("install: replacing %s: %w", dest, err)
	}
	return nil
}
