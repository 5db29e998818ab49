package script

import (
	"testing"

	"github.com/buildgraph/bgc/internal/graph"
)

func TestScopePropertyTracksAccess(t *testing.T) {
	props := graph.NewPropertySet()
	props.Set("optimize", true)
	props.Set("arch", "arm64")

	s := NewScope(props, []string{"in.c"}, []string{"out.o"})

	if got := s.Property("optimize"); got != true {
		t.Fatalf("Property(optimize) = %v, want true", got)
	}

	requested := s.Requested()
	if len(requested.Keys()) != 1 || requested.Keys()[0] != "optimize" {
		t.Fatalf("expected only the accessed key tracked, got %v", requested.Keys())
	}

	// arch was never queried through the scope, so it must not appear.
	if v, ok := requested.Get("arch"); ok {
		t.Fatalf("arch should not be tracked, got %v", v)
	}
}

func TestScopeBindingsExposeInputsAndOutputs(t *testing.T) {
	s := NewScope(graph.NewPropertySet(), []string{"a.c", "b.c"}, []string{"out.o"})
	b := s.Bindings()

	fn, ok := b["properties"].(func(string) interface{})
	if !ok {
		t.Fatalf("expected properties binding to be a func(string) interface{}")
	}
	_ = fn("anything")

	inputs, ok := b["inputs"].([]string)
	if !ok || len(inputs) != 2 {
		t.Fatalf("expected inputs binding with 2 entries, got %v", b["inputs"])
	}
}
