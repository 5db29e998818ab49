// Package rules describes the declarative commands a transformer runs:
// external process invocations and in-process scripted commands.
package rules

import (
	"reflect"

	"github.com/buildgraph/bgc/internal/graph"
)

// Highlight classifies a command for console rendering.
type Highlight string

const (
	HighlightNone     Highlight = ""
	HighlightCompiler Highlight = "compiler"
	HighlightLinker   Highlight = "linker"
	HighlightCodegen  Highlight = "codegen"
	HighlightFilegen  Highlight = "filegen"
	HighlightDefault  Highlight = "default"
)

// Common holds the fields shared by every command kind.
type Common struct {
	Description         string
	ExtendedDescription string
	Highlight           Highlight
	Silent              bool
	IgnoreDryRun        bool
	JobPool             string // empty means unconstrained
	Timeout             int    // seconds, <= 0 (including the zero value) means none
	Properties          *graph.PropertySet
}

func (c Common) equal(o Common) bool {
	if c.Description != o.Description ||
		c.ExtendedDescription != o.ExtendedDescription ||
		c.Highlight != o.Highlight ||
		c.Silent != o.Silent ||
		c.IgnoreDryRun != o.IgnoreDryRun ||
		c.JobPool != o.JobPool ||
		c.Timeout != o.Timeout {
		return false
	}
	return c.Properties.Equal(o.Properties)
}

// Command is implemented by ProcessCommand and JavaScriptCommand.
// Equal is the rescue oracle: structural equality over every field,
// including recorded properties (spec Testable Property 2).
type Command interface {
	Meta() Common
	Equal(other Command) bool
	Kind() string
}

// ProcessCommand describes one external process invocation.
type ProcessCommand struct {
	Common

	Program     string
	Arguments   []string
	WorkingDir  string
	Environment map[string]string
	MaxExitCode int // default 0; exit codes <= MaxExitCode count as success

	StdoutFilterSource string // optional script: string -> string
	StderrFilterSource string

	StdoutPath string // if non-empty, redirect instead of logging
	StderrPath string

	RelevantEnvVars []string

	ResponseFileThreshold   int
	ResponseFileArgIndex    int
	ResponseFileUsagePrefix string // e.g. "@"
	ResponseFileSeparator   string // usually "\n"
}

func (p *ProcessCommand) Kind() string   { return "process" }
func (p *ProcessCommand) Meta() Common   { return p.Common }

func (p *ProcessCommand) Equal(other Command) bool {
	o, ok := other.(*ProcessCommand)
	if !ok {
		return false
	}
	if !p.Common.equal(o.Common) {
		return false
	}
	return p.Program == o.Program &&
		reflect.DeepEqual(p.Arguments, o.Arguments) &&
		p.WorkingDir == o.WorkingDir &&
		reflect.DeepEqual(p.Environment, o.Environment) &&
		p.MaxExitCode == o.MaxExitCode &&
		p.StdoutFilterSource == o.StdoutFilterSource &&
		p.StderrFilterSource == o.StderrFilterSource &&
		p.StdoutPath == o.StdoutPath &&
		p.StderrPath == o.StderrPath &&
		reflect.DeepEqual(p.RelevantEnvVars, o.RelevantEnvVars) &&
		p.ResponseFileThreshold == o.ResponseFileThreshold &&
		p.ResponseFileArgIndex == o.ResponseFileArgIndex &&
		p.ResponseFileUsagePrefix == o.ResponseFileUsagePrefix &&
		p.ResponseFileSeparator == o.ResponseFileSeparator
}

// JavaScriptCommand describes one in-process scripted command.
type JavaScriptCommand struct {
	Common

	SourceCode      string // an expression, or a niladic function literal
	ImportScopeName string
}

func (j *JavaScriptCommand) Kind() string { return "javascript" }
func (j *JavaScriptCommand) Meta() Common { return j.Common }

func (j *JavaScriptCommand) Equal(other Command) bool {
	o, ok := other.(*JavaScriptCommand)
	if !ok {
		return false
	}
	if !j.Common.equal(o.Common) {
		return false
	}
	return j.SourceCode == o.SourceCode && j.ImportScopeName == o.ImportScopeName
}

// CommandsEqual compares two ordered command lists structurally; this is
// the rescue oracle over a whole transformer (spec §4.2, Testable
// Property 2): any differing field in any position blocks rescue.
func CommandsEqual(a, b []Command) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
