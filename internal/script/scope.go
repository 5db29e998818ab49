// Package script implements the rules-evaluation context: the scoped,
// property-tracking binding surface shared by rule preparation (a
// RuleApplier deciding how to expand a rule node) and command execution
// (internal/exec's ScriptExecutor), per spec §2's "Rules-evaluation
// context" component and §4.4's "restricted script scope populated with
// (a) the owning transformer's property map, (b) helpers to query
// inputs/outputs".
//
// Grounded on internal/exec.ScriptExecutor's goja scope-injection
// pattern (github.com/dop251/goja), generalized so the same Scope type
// tracks every property access into a requested-properties set — the
// data graph.Transformer.RequestedPropertiesPrepare/Commands need for
// change detection (spec §3).
package script

import "github.com/buildgraph/bgc/internal/graph"

// Scope is the restricted binding surface handed to a transformer's
// scripts: the owning transformer's property map, plus the paths of its
// inputs and outputs. Every call to Property records the accessed key
// into Requested, so the caller can fold it into the transformer's
// tracked property set afterward.
type Scope struct {
	props     *graph.PropertySet
	requested *graph.PropertySet

	Inputs  []string
	Outputs []string
}

// NewScope wraps props (the transformer's available property map,
// typically merged from its product and output artifacts) for one
// prepare or command invocation.
func NewScope(props *graph.PropertySet, inputs, outputs []string) *Scope {
	if props == nil {
		props = graph.NewPropertySet()
	}
	return &Scope{
		props:     props,
		requested: graph.NewPropertySet(),
		Inputs:    inputs,
		Outputs:   outputs,
	}
}

// Property looks up key in the scope's property map, recording the
// access.
func (s *Scope) Property(key string) interface{} {
	v, _ := s.props.Get(key)
	s.requested.Set(key, v)
	return v
}

// Requested returns the property set accumulated by every Property call
// made through this scope so far.
func (s *Scope) Requested() *graph.PropertySet {
	return s.requested
}

// Bindings returns the map a script engine should bind as globals: a
// `properties` callable for property lookups, plus the raw input/output
// path lists.
func (s *Scope) Bindings() map[string]interface{} {
	return map[string]interface{}{
		"properties": func(key string) interface{} { return s.Property(key) },
		"inputs":     s.Inputs,
		"outputs":    s.Outputs,
	}
}
