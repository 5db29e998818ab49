package exec

import (
	"context"
	"os"
	osexec "os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/buildgraph/bgc/internal/bgerr"
	"github.com/buildgraph/bgc/internal/rules"
)

func TestMergeEnvPrependsPathLists(t *testing.T) {
	base := []string{"PATH=/usr/bin", "FOO=bar"}
	got := mergeEnv(base, map[string]string{"PATH": "/opt/tool/bin", "FOO": "baz"})

	var path, foo string
	for _, kv := range got {
		if strings.HasPrefix(kv, "PATH=") {
			path = strings.TrimPrefix(kv, "PATH=")
		}
		if strings.HasPrefix(kv, "FOO=") {
			foo = strings.TrimPrefix(kv, "FOO=")
		}
	}
	want := "/opt/tool/bin" + string(os.PathListSeparator) + "/usr/bin"
	if path != want {
		t.Errorf("PATH = %q, want %q (prepended)", path, want)
	}
	if foo != "baz" {
		t.Errorf("FOO = %q, want overwritten to %q", foo, "baz")
	}
}

func TestProcessExecutorResponseFileFallback(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a Unix shell script as the test program")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "echo-args.sh")
	body := "#!/bin/sh\nfor f in \"$@\"; do cat \"$f\"; done\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}

	e := &ProcessExecutor{BaseEnv: os.Environ()}
	cmd := &rules.ProcessCommand{
		Program:                 script,
		Arguments:               []string{"--long-argument-one", "--long-argument-two", "--long-argument-three"},
		ResponseFileThreshold:   10, // force fallback for this short test command
		ResponseFileArgIndex:    1,
		ResponseFileUsagePrefix: "",
		ResponseFileSeparator:   " ",
	}

	h, err := e.Start(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, err := h.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got exit code %d", res.ExitCode)
	}
	if len(res.Arguments) != 2 {
		t.Fatalf("expected response-file fallback to collapse tail args into one, got %v", res.Arguments)
	}
}

func TestProcessExecutorMaxExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	e := &ProcessExecutor{BaseEnv: os.Environ()}
	cmd := &rules.ProcessCommand{
		Program:     "/bin/sh",
		Arguments:   []string{"-c", "exit 3"},
		MaxExitCode: 3,
	}
	h, err := e.Start(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, err := h.Wait()
	if err != nil {
		t.Fatalf("Wait: %v (exit 3 should count as success given MaxExitCode=3)", err)
	}
	if !res.Success || res.ExitCode != 3 {
		t.Fatalf("got success=%v exitCode=%d, want success with code 3", res.Success, res.ExitCode)
	}
}

// TestProcessExecutorTimeoutIsNotSuccess guards against a timed-out
// process being reported as successful: a process killed by its own
// context deadline exits with os/exec's ExitCode() == -1, and -1 <=
// MaxExitCode (0 by default) must never read as success.
func TestProcessExecutorTimeoutIsNotSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep(1)")
	}
	sleep, err := osexec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	e := &ProcessExecutor{BaseEnv: os.Environ()}
	cmd := &rules.ProcessCommand{
		Common:    rules.Common{Timeout: 1},
		Program:   sleep,
		Arguments: []string{"5"},
	}
	start := time.Now()
	h, err := e.Start(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, err := h.Wait()
	if time.Since(start) > 4*time.Second {
		t.Fatalf("Wait took %s, want the 1s timeout to have killed the process well before sleep(5) returned", time.Since(start))
	}
	if err == nil {
		t.Fatalf("expected a timeout error, got nil (res.Success=%v)", res.Success)
	}
	if !bgerr.Is(err, bgerr.CommandTimedOut) {
		t.Fatalf("expected bgerr.CommandTimedOut, got %v", err)
	}
	if res.Success {
		t.Fatalf("a timed-out command must never report Success=true")
	}
}

func TestProcessExecutorDryRunSkipsExecution(t *testing.T) {
	e := &ProcessExecutor{BaseEnv: os.Environ(), DryRun: true}
	cmd := &rules.ProcessCommand{Program: "/this/does/not/exist", Arguments: []string{"x"}}
	h, err := e.Start(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, err := h.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !res.Success {
		t.Fatalf("dry run should report success without running anything")
	}
}
