// Package exec implements the two command-executor kinds the spec
// requires: one that runs an external process (ProcessExecutor) and one
// that runs a sandboxed in-process script (ScriptExecutor), plus the
// Job that drives a transformer's ordered command list across them.
//
// Grounded on internal/build.Ctx.Build and internal/batch.scheduler.build
// and .run from the teacher repository: the environment-merge rules come
// from Ctx.env/runtimeEnv (path-list variables prepended, others
// overwritten), and the cancellation/status-polling shape comes from the
// scheduler's per-worker goroutine loop (kick off a command, select on a
// result channel and a ticker, report completion on a channel).
package exec

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/buildgraph/bgc/internal/bgerr"
	"github.com/buildgraph/bgc/internal/rules"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// EchoMode selects how much of a command is reported to observers before
// it runs.
type EchoMode int

const (
	EchoShort EchoMode = iota
	EchoFull
	EchoFullWithEnv
)

// Observer receives a command-description record before a non-silent
// command executes.
type Observer interface {
	CommandDescription(highlight rules.Highlight, message string)
}

// ProcessResult is the external interface's process-result record
// (spec §6).
type ProcessResult struct {
	Executable string
	Arguments  []string
	WorkingDir string
	ExitCode   int
	ErrorKind  bgerr.Kind // none unless the process failed
	Stdout     []string
	Stderr     []string
	Success    bool
}

// pathListVars are merged by prepending rather than overwriting.
var pathListVars = []string{"PATH", "LD_LIBRARY_PATH", "DYLD_LIBRARY_PATH", "DYLD_FRAMEWORK_PATH"}

func isPathListVar(name string) bool {
	for _, v := range pathListVars {
		if runtime.GOOS == "windows" {
			if strings.EqualFold(v, name) {
				return true
			}
		} else if v == name {
			return true
		}
	}
	return false
}

// mergeEnv merges override onto base: path-list variables are prepended,
// everything else is overwritten (spec §6, environment contract).
func mergeEnv(base []string, override map[string]string) []string {
	order := make([]string, 0, len(base))
	values := make(map[string]string, len(base))
	keyOf := func(kv string) string {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			return kv[:i]
		}
		return kv
	}
	for _, kv := range base {
		k := keyOf(kv)
		if _, ok := values[k]; !ok {
			order = append(order, k)
		}
		values[k] = strings.TrimPrefix(kv, k+"=")
	}
	for k, v := range override {
		if isPathListVar(k) {
			if existing, ok := values[k]; ok && existing != "" {
				v = v + string(os.PathListSeparator) + existing
			}
		}
		if _, ok := values[k]; !ok {
			order = append(order, k)
		}
		values[k] = v
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+values[k])
	}
	return out
}

// ProcessExecutor runs ProcessCommands, one at a time per Handle.
type ProcessExecutor struct {
	DryRun   bool
	Echo     EchoMode
	Observer Observer
	BaseEnv  []string // the owning product's build environment
}

func (e *ProcessExecutor) SetDryRun(v bool)      { e.DryRun = v }
func (e *ProcessExecutor) SetEchoMode(m EchoMode) { e.Echo = m }

// Handle represents one in-flight (or completed) process invocation.
type Handle struct {
	cmd *exec.Cmd

	mu           sync.Mutex
	cancelled    bool
	cancelReason string

	done   chan struct{}
	result *ProcessResult
	err    error
}

// Wait blocks until the command finishes, returning its result (the
// spec's asynchronous "finished" event, modeled as a blocking call for
// callers that already run on their own goroutine, e.g. Job).
func (h *Handle) Wait() (*ProcessResult, error) {
	<-h.done
	return h.result, h.err
}

// Cancel asks the running process to terminate; finished() will report a
// CommandCanceled error carrying reason.
func (h *Handle) Cancel(reason string) {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.cancelReason = reason
	proc := h.cmd.Process
	h.mu.Unlock()
	if proc != nil {
		_ = proc.Kill()
	}
}

// Start resolves the program, merges the environment, falls back to a
// response file if needed, and spawns the child. It returns immediately;
// callers observe completion via Handle.Wait.
func (e *ProcessExecutor) Start(ctx context.Context, cmd *rules.ProcessCommand) (*Handle, error) {
	common := cmd.Meta()

	cancel := func() {}
	if common.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(common.Timeout)*time.Second)
	}

	if cmd.WorkingDir != "" {
		if fi, err := os.Stat(cmd.WorkingDir); err != nil || !fi.IsDir() {
			cancel()
			return nil, bgerr.New(bgerr.CommandSpawnFailed,
				fmt.Sprintf("workingDir %q does not exist", cmd.WorkingDir))
		}
	}

	env := mergeEnv(e.BaseEnv, cmd.Environment)

	program := cmd.Program
	if !filepath.IsAbs(program) {
		if resolved, err := lookPathIn(program, env); err == nil {
			program = resolved
		}
	}

	args := append([]string(nil), cmd.Arguments...)
	var respFile *os.File
	joined := strings.Join(args, " ")
	if cmd.ResponseFileThreshold > 0 && len(joined) > cmd.ResponseFileThreshold &&
		cmd.ResponseFileArgIndex >= 0 && cmd.ResponseFileArgIndex <= len(args) {
		f, err := os.CreateTemp("", "bgc-response-*")
		if err != nil {
			cancel()
			return nil, xerrors.Errorf("response file: %w", err)
		}
		respFile = f
		sep := cmd.ResponseFileSeparator
		if sep == "" {
			sep = "\n"
		}
		tail := args[cmd.ResponseFileArgIndex:]
		if _, err := f.WriteString(strings.Join(tail, sep)); err != nil {
			f.Close()
			cancel()
			return nil, err
		}
		if err := f.Close(); err != nil {
			cancel()
			return nil, err
		}
		args = append(append([]string(nil), args[:cmd.ResponseFileArgIndex]...),
			cmd.ResponseFileUsagePrefix+f.Name())
	}

	if !common.Silent && e.Observer != nil {
		e.Observer.CommandDescription(common.Highlight, e.describe(common, program, args, env))
	}

	h := &Handle{done: make(chan struct{})}

	if e.DryRun && !common.IgnoreDryRun {
		h.result = &ProcessResult{Executable: program, Arguments: args, WorkingDir: cmd.WorkingDir, Success: true}
		close(h.done)
		if respFile != nil {
			os.Remove(respFile.Name())
		}
		cancel()
		return h, nil
	}

	c := exec.CommandContext(ctx, program, args...)
	c.Dir = cmd.WorkingDir
	c.Env = env
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	h.cmd = c

	if err := c.Start(); err != nil {
		if respFile != nil {
			os.Remove(respFile.Name())
		}
		cancel()
		return nil, e.spawnError(program, err)
	}

	go func() {
		defer cancel()
		defer func() {
			if respFile != nil {
				os.Remove(respFile.Name())
			}
		}()
		waitErr := c.Wait()
		h.mu.Lock()
		cancelled := h.cancelled
		reason := h.cancelReason
		h.mu.Unlock()

		res := &ProcessResult{
			Executable: program,
			Arguments:  args,
			WorkingDir: cmd.WorkingDir,
		}
		res.Stdout = splitLines(filterOutput(cmd.StdoutFilterSource, stdout.String()))
		res.Stderr = splitLines(filterOutput(cmd.StderrFilterSource, stderr.String()))
		if cmd.StdoutPath != "" {
			_ = os.WriteFile(cmd.StdoutPath, []byte(strings.Join(res.Stdout, "\n")), 0o644)
		}
		if cmd.StderrPath != "" {
			_ = os.WriteFile(cmd.StderrPath, []byte(strings.Join(res.Stderr, "\n")), 0o644)
		}

		if cancelled {
			h.err = bgerr.New(bgerr.CommandCanceled, reason)
			res.ErrorKind = bgerr.CommandCanceled
			h.result = res
			close(h.done)
			return
		}

		// A signal-killed process (including one this context's own
		// timeout killed) reports ExitCode() == -1 from the standard
		// library, which must never be compared against MaxExitCode:
		// -1 <= 0 would otherwise read as success. Resolve the
		// deadline case before anything else gets to interpret the
		// exit code.
		if ctx.Err() == context.DeadlineExceeded {
			h.err = bgerr.New(bgerr.CommandTimedOut,
				fmt.Sprintf("command timed out after %ds", common.Timeout)).
				WithCommand(shellQuote(program, args))
			res.ExitCode = -1
			res.ErrorKind = bgerr.CommandTimedOut
			h.result = res
			close(h.done)
			return
		}

		if waitErr == nil {
			res.ExitCode = 0
			res.Success = true
		} else if exitErr, ok := waitErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			res.Success = res.ExitCode >= 0 && res.ExitCode <= cmd.MaxExitCode
			if !res.Success {
				res.ErrorKind = bgerr.CommandFailed
				msg := fmt.Sprintf("exit code %d exceeds max %d", res.ExitCode, cmd.MaxExitCode)
				if res.ExitCode < 0 {
					msg = "process was terminated by a signal"
				}
				h.err = bgerr.New(bgerr.CommandFailed, msg).WithCommand(shellQuote(program, args))
			}
		} else {
			res.ErrorKind = bgerr.CommandFailed
			h.err = bgerr.New(bgerr.CommandFailed, waitErr.Error()).WithCommand(shellQuote(program, args))
		}
		h.result = res
		close(h.done)
	}()

	return h, nil
}

func (e *ProcessExecutor) describe(c rules.Common, program string, args []string, env []string) string {
	switch e.Echo {
	case EchoFullWithEnv:
		return fmt.Sprintf("%s  [env: %s]", shellQuote(program, args), strings.Join(env, " "))
	case EchoFull:
		return shellQuote(program, args)
	default:
		if c.Description != "" {
			return c.Description
		}
		return shellQuote(program, args)
	}
}

func shellQuote(program string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quoteIfNeeded(program))
	for _, a := range args {
		parts = append(parts, quoteIfNeeded(a))
	}
	return strings.Join(parts, " ")
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"'$`\\") {
		return strconv.Quote(s)
	}
	return s
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

// lookPathIn resolves program against the PATH entries in env, the way
// the spec requires ("resolve program against product's build
// environment's PATH-like variables") rather than the calling process's
// own environment.
func lookPathIn(program string, env []string) (string, error) {
	var pathVal string
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			pathVal = strings.TrimPrefix(kv, "PATH=")
			break
		}
	}
	for _, dir := range filepath.SplitList(pathVal) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, program)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			return candidate, nil
		}
	}
	return "", os.ErrNotExist
}

// spawnError wraps a spawn failure, additionally detecting the "bad
// interpreter" condition on Unix (spec §4.4).
func (e *ProcessExecutor) spawnError(program string, err error) error {
	be := bgerr.New(bgerr.CommandSpawnFailed, err.Error())
	if runtime.GOOS == "windows" {
		return be.WithWrapped(err)
	}
	var errno unix.Errno
	if xerrors.As(err, &errno) && errno == unix.ENOEXEC {
		if shebang, ferr := firstLine(program); ferr == nil && !strings.HasPrefix(shebang, "#!") {
			return be.WithWrapped(xerrors.Errorf("bad interpreter (missing #! line): %w", err))
		} else if ferr == nil {
			return be.WithWrapped(xerrors.Errorf("bad interpreter %q: %w", shebang, err))
		}
	}
	return be.WithWrapped(err)
}

func firstLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\n"), nil
}
