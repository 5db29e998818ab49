// Command bgc drives the build graph core from the command line:
// build a persisted graph to completion, install its tagged outputs
// into a staged root, or inspect/scaffold a graph file.
//
// The verb table, -debug error-detail flag, and funcmain()/main() split
// are grounded directly on cmd/distri/distri.go; unlike distri, bgc has
// no project-language parser of its own (spec §1 names the resolver an
// external collaborator), so "graph init" stands in for it by writing a
// resolverfake-built demo graph, the way distri's own "scaffold" verb
// generates a starting point rather than a finished build.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/buildgraph/bgc/internal/bgerr"
	"github.com/buildgraph/bgc/internal/exec"
	"github.com/buildgraph/bgc/internal/executor"
	"github.com/buildgraph/bgc/internal/graph"
	"github.com/buildgraph/bgc/internal/graphfile"
	"github.com/buildgraph/bgc/internal/install"
	"github.com/buildgraph/bgc/internal/lifecycle"
	"github.com/buildgraph/bgc/internal/resolverfake"
	"github.com/buildgraph/bgc/internal/rules"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
)

var debug = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")

// consoleObserver prints a command description line per non-silent
// command, the way distri's package builds log compiler/linker
// invocations to the terminal; color is only attempted when stdout is
// actually a terminal (mattn/go-isatty), mirroring cmd/distri/pack.go's
// progress-reporting guard.
type consoleObserver struct {
	runID string
	color bool
}

func newConsoleObserver() *consoleObserver {
	return &consoleObserver{
		runID: uuid.New().String()[:8],
		color: isatty.IsTerminal(os.Stdout.Fd()),
	}
}

func (o *consoleObserver) CommandDescription(highlight rules.Highlight, message string) {
	tag := string(highlight)
	if tag == "" {
		tag = "run"
	}
	if o.color {
		fmt.Fprintf(os.Stderr, "[%s %s] \x1b[1m%s\x1b[0m\n", o.runID, tag, message)
		return
	}
	fmt.Fprintf(os.Stderr, "[%s %s] %s\n", o.runID, tag, message)
}

var _ exec.Observer = (*consoleObserver)(nil)

// jobPools parses a "-jobpool name=n,other=m" flag value into the
// executor's per-pool capacity map.
func jobPools(spec string) (map[string]int, error) {
	if spec == "" {
		return nil, nil
	}
	out := make(map[string]int)
	for _, part := range strings.Split(spec, ",") {
		name, nStr, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid -jobpool entry %q, want name=n", part)
		}
		n, err := strconv.Atoi(nStr)
		if err != nil {
			return nil, fmt.Errorf("invalid -jobpool entry %q: %w", part, err)
		}
		out[name] = n
	}
	return out, nil
}

func cmdBuild(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("build", flag.ExitOnError)
	in := fset.String("in", "build.bgraph", "path to the persisted build graph")
	keepGoing := fset.Bool("keep-going", false, "continue building independent work after a failure")
	dryRun := fset.Bool("dry-run", false, "describe commands without running them")
	force := fset.Bool("force", false, "re-read output timestamps from disk and rebuild any output missing on disk")
	fileTags := fset.String("filetag", "", "comma-separated file tags to restrict the build to")
	files := fset.String("files", "", "comma-separated file paths: build only these, plus whatever the rule graph says is needed to produce them")
	jobpool := fset.String("jobpool", "", "comma-separated name=capacity job pool limits")
	fset.Parse(args)

	pools, err := jobPools(*jobpool)
	if err != nil {
		return err
	}

	g, err := graphfile.Load(*in)
	if err != nil {
		return fmt.Errorf("loading %s: %w", *in, err)
	}

	var tags []string
	if *fileTags != "" {
		tags = strings.Split(*fileTags, ",")
	}
	var fileSet []string
	if *files != "" {
		fileSet = strings.Split(*files, ",")
	}

	ex := &executor.Executor{
		Graph:    g,
		Observer: newConsoleObserver(),
		Config: executor.Config{
			JobPools:            pools,
			KeepGoing:           *keepGoing,
			DryRun:              *dryRun,
			ForceTimestampCheck: *force,
			FileTags:            tags,
			FileSet:             fileSet,
		},
	}

	runErr := ex.Run(ctx)
	if !*dryRun {
		if err := graphfile.Save(*in, g); err != nil {
			return fmt.Errorf("saving %s: %w", *in, err)
		}
	}
	if runErr != nil {
		return runErr
	}

	built := 0
	for _, a := range g.Artifacts() {
		if a.State == graph.Built {
			built++
		}
	}
	fmt.Fprintf(os.Stderr, "build: %d artifacts built\n", built)
	return nil
}

func cmdInstall(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("install", flag.ExitOnError)
	in := fset.String("in", "build.bgraph", "path to the persisted build graph")
	root := fset.String("root", "", "default install root for artifacts without an explicit installRoot property")
	dryRun := fset.Bool("dry-run", false, "perform target computation and conflict checks without touching the filesystem")
	removeExisting := fset.Bool("remove-existing", false, "remove each install root's existing contents before installing")
	fset.Parse(args)

	g, err := graphfile.Load(*in)
	if err != nil {
		return fmt.Errorf("loading %s: %w", *in, err)
	}

	var targets []install.Target
	for _, a := range g.Artifacts() {
		if t, ok := install.TargetForArtifact(a, *root); ok {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		fmt.Fprintln(os.Stderr, "install: no artifact carries install=true, nothing to do")
		return nil
	}

	inst := &install.Installer{DryRun: *dryRun, RemoveExistingInstallation: *removeExisting}
	if err := inst.Install(ctx, targets); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "install: %d artifacts installed\n", len(targets))
	return nil
}

func cmdGraph(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("graph: expected a subcommand (dump, init)")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "dump":
		return graphDump(rest)
	case "init":
		return graphInit(rest)
	default:
		return fmt.Errorf("graph: unknown subcommand %q (want dump or init)", sub)
	}
}

func graphDump(args []string) error {
	fset := flag.NewFlagSet("graph dump", flag.ExitOnError)
	in := fset.String("in", "build.bgraph", "path to the persisted build graph")
	fset.Parse(args)

	g, err := graphfile.Load(*in)
	if err != nil {
		return fmt.Errorf("loading %s: %w", *in, err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRODUCT\tPRIORITY\tDEPENDS ON")
	products := g.Products()
	sort.Slice(products, func(i, j int) bool { return products[i].Handle.Name < products[j].Handle.Name })
	for _, p := range products {
		deps := make([]string, len(p.DependsOn))
		for i, d := range p.DependsOn {
			deps[i] = d.Name
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", p.Handle.Name, p.Priority, strings.Join(deps, ","))
	}
	tw.Flush()

	tw = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ARTIFACT\tKIND\tSTATE\tPRODUCT")
	artifacts := g.Artifacts()
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Path < artifacts[j].Path })
	kindName := map[graph.ArtifactKind]string{graph.Source: "source", graph.Generated: "generated", graph.FileDependencyKind: "filedep"}
	for _, a := range artifacts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Path, kindName[a.Kind], a.State, a.Product.Name)
	}
	return tw.Flush()
}

// graphInit writes a tiny demo graph (one "hello" product with a single
// source file and one generated output), standing in for a resolved
// project until a real project-language parser exists. It mirrors
// distri's "scaffold" verb, which writes a starting point rather than a
// finished result.
func graphInit(args []string) error {
	fset := flag.NewFlagSet("graph init", flag.ExitOnError)
	out := fset.String("out", "build.bgraph", "path to write the demo build graph to")
	fset.Parse(args)

	b := resolverfake.New()
	hello := b.Product("hello")
	src := b.Source(hello, "hello.c")
	b.Generated(hello, "hello.o", &rules.JavaScriptCommand{
		Common: rules.Common{
			Description: "compile hello.c",
			Highlight:   rules.HighlightCompiler,
		},
		SourceCode: "'compiled'",
	}, src)

	g := b.Graph()
	if err := graphfile.Save(*out, g); err != nil {
		return fmt.Errorf("saving %s: %w", *out, err)
	}
	fmt.Fprintf(os.Stderr, "graph init: wrote demo graph to %s\n", *out)
	return nil
}

func funcmain() error {
	flag.Parse()

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"build":   {cmdBuild},
		"install": {cmdInstall},
		"graph":   {cmdGraph},
	}

	args := flag.Args()
	verb := "build"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		fmt.Fprintf(os.Stderr, "bgc [-flags] <command> [-flags] <args>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "\tbuild    - bring a persisted build graph up to date\n")
		fmt.Fprintf(os.Stderr, "\tinstall  - copy install=true artifacts into a staged root\n")
		fmt.Fprintf(os.Stderr, "\tgraph    - inspect (dump) or scaffold (init) a build graph file\n")
		os.Exit(2)
	}

	ctx, cancel := lifecycle.InterruptibleContext()
	defer cancel()

	v, ok := verbs[verb]
	if !ok {
		return fmt.Errorf("unknown command %q; run `bgc help`", verb)
	}

	if err := v.fn(ctx, args); err != nil {
		if bgerr.Is(err, bgerr.CommandCanceled) || bgerr.Is(err, bgerr.CommandTimedOut) {
			return err
		}
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}

	return lifecycle.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
