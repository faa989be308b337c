package envbuild

import (
	"reflect"
	"sort"
	"testing"
)

func strp(s string) *string { return &s }

func TestPrecedenceLowestToHighest(t *testing.T) {
	got := ForProgram(
		[]string{"PATH=/usr/bin", "FOO=process"},
		map[string]*string{"FOO": strp("encab")},
		map[string]*string{"FOO": strp("extension"), "BAR": strp("ext")},
		map[string]*string{"FOO": strp("program")},
	)
	m := toMap(got)
	if m["FOO"] != "program" {
		t.Fatalf("FOO = %q, want %q (program layer wins)", m["FOO"], "program")
	}
	if m["BAR"] != "ext" {
		t.Fatalf("BAR = %q, want %q", m["BAR"], "ext")
	}
	if m["PATH"] != "/usr/bin" {
		t.Fatalf("PATH = %q, want %q", m["PATH"], "/usr/bin")
	}
}

func TestNilValueRemovesVariable(t *testing.T) {
	got := BuildMap(
		Layer{Name: "process", Vars: map[string]*string{"SECRET": strp("x")}},
		Layer{Name: "program", Vars: map[string]*string{"SECRET": nil}},
	)
	if _, ok := got["SECRET"]; ok {
		t.Fatalf("expected SECRET removed, got %v", got)
	}
}

func TestBuildIsDeterministicallySorted(t *testing.T) {
	a := Build(Layer{Name: "x", Vars: map[string]*string{"B": strp("2"), "A": strp("1")}})
	b := append([]string(nil), a...)
	sort.Strings(b)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("Build() = %v, not sorted", a)
	}
}

func TestReapplyingUpdateEnvironmentIsNoOp(t *testing.T) {
	// Re-running the same layer set twice must produce identical output
	// (the round-trip law of spec §8 applied to the environment builder).
	layers := []Layer{
		ProcessLayer([]string{"A=1"}),
		ConfigLayer("encab", map[string]*string{"B": strp("2")}),
	}
	first := Build(layers...)
	second := Build(layers...)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("Build not idempotent: %v vs %v", first, second)
	}
}

func toMap(kv []string) map[string]string {
	out := make(map[string]string, len(kv))
	for _, pair := range kv {
		for i := 0; i < len(pair); i++ {
			if pair[i] == '=' {
				out[pair[:i]] = pair[i+1:]
				break
			}
		}
	}
	return out
}
