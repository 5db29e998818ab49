package exec

import (
	"context"
	"sync"

	"github.com/buildgraph/bgc/internal/bgerr"
	"github.com/buildgraph/bgc/internal/rules"
)

// Job runs one transformer's ordered command list to completion, or until
// the first command fails or the job is canceled.
//
// Grounded on internal/batch.scheduler.run's per-worker loop from the
// teacher repo: build one package, report its outcome on a channel, move
// on to the next ready package. Job generalizes "one package" to "one
// transformer's command list" and adds the process/script dispatch the
// teacher doesn't need (distri only ever execs a single build script).
type Job struct {
	Process *ProcessExecutor
	Script  *ScriptExecutor

	mu           sync.Mutex
	canceled     bool
	cancelReason string
	current      *Handle
}

// Cancel sets a sticky cancel reason and forwards it to whichever
// ProcessCommand is currently running. The reason sticks even if the
// in-flight command has already finished successfully by the time the
// caller observes the cancellation: Run converts that success into a
// CommandCanceled outcome before returning.
func (j *Job) Cancel(reason string) {
	j.mu.Lock()
	j.canceled = true
	if j.cancelReason == "" {
		j.cancelReason = reason
	}
	cur := j.current
	j.mu.Unlock()
	if cur != nil {
		cur.Cancel(reason)
	}
}

func (j *Job) setCurrent(h *Handle) {
	j.mu.Lock()
	j.current = h
	j.mu.Unlock()
}

func (j *Job) canceledReason() (bool, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.canceled, j.cancelReason
}

// Outcome is what Job.Run reports for one transformer.
type Outcome struct {
	Success bool
	Results []*ProcessResult // one per ProcessCommand run, in order
	Err     error
}

// Run executes cmds in order. scope carries identifiers a prepare script
// exported for JavaScriptCommands to read (e.g. values computed while
// resolving the rule). Execution stops at the first command that fails;
// everything already started is allowed to finish (Job never kills a
// sibling command on a later command's failure — only an external Cancel
// does that).
func (j *Job) Run(ctx context.Context, cmds []rules.Command, scope map[string]interface{}) Outcome {
	var out Outcome
	for _, c := range cmds {
		select {
		case <-ctx.Done():
			return Outcome{Err: bgerr.New(bgerr.CommandCanceled, "job canceled before all commands ran")}
		default:
		}
		if canceled, reason := j.canceledReason(); canceled {
			return Outcome{Results: out.Results, Err: bgerr.New(bgerr.CommandCanceled, reason)}
		}

		switch cmd := c.(type) {
		case *rules.ProcessCommand:
			h, err := j.Process.Start(ctx, cmd)
			if err != nil {
				return Outcome{Results: out.Results, Err: err}
			}
			j.setCurrent(h)
			res, err := h.Wait()
			j.setCurrent(nil)
			if res != nil {
				out.Results = append(out.Results, res)
			}
			if err != nil {
				return Outcome{Results: out.Results, Err: err}
			}
		case *rules.JavaScriptCommand:
			if _, err := j.Script.Run(cmd, scope); err != nil {
				return Outcome{Results: out.Results, Err: err}
			}
		default:
			return Outcome{Results: out.Results,
				Err: bgerr.New(bgerr.CommandFailed, "unknown command kind")}
		}

		if canceled, reason := j.canceledReason(); canceled {
			return Outcome{Results: out.Results, Err: bgerr.New(bgerr.CommandCanceled, reason)}
		}
	}

	if canceled, reason := j.canceledReason(); canceled {
		return Outcome{Results: out.Results, Err: bgerr.New(bgerr.CommandCanceled, reason)}
	}
	out.Success = true
	return out
}
