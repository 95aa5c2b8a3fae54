package merge

import (
	"reflect"
	"testing"

	"github.com/storyweft/weft/story"
)

func TestSimulateDeltas(t *testing.T) {
	base := story.Snapshot{
		Scripts:  []story.Record{{Name: "a", Content: "1"}},
		Passages: []story.Record{{Name: "Start", Content: "s"}},
	}
	modA := story.Snapshot{
		Scripts:  []story.Record{{Name: "a", Content: "2"}, {Name: "b", Content: "3"}},
		Passages: []story.Record{{Name: "Cave", Content: "c"}},
	}
	modB := story.Snapshot{
		Scripts: []story.Record{{Name: "b", Content: "4"}},
	}

	report := Simulate(base, modA, modB)

	if got := (Delta{Replaced: 1, Added: 1}); report.Scripts != got {
		t.Errorf("script delta: got %+v, want %+v", report.Scripts, got)
	}
	if got := (Delta{Replaced: 0, Added: 1}); report.Passages != got {
		t.Errorf("passage delta: got %+v, want %+v", report.Passages, got)
	}
	if !reflect.DeepEqual(report.Conflicts.Scripts, []string{"b"}) {
		t.Errorf("conflicts: got %v, want [b]", report.Conflicts.Scripts)
	}
}

func TestSimulateIsPure(t *testing.T) {
	base := story.Snapshot{Scripts: []story.Record{{Name: "a", Content: "1"}}}
	mod := story.Snapshot{Scripts: []story.Record{{Name: "a", Content: "2"}}}

	baseCopy := base.Clone()
	modCopy := mod.Clone()

	first := Simulate(base, mod)
	second := Simulate(base, mod)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeat runs disagree: %+v vs %+v", first, second)
	}
	if !reflect.DeepEqual(base, baseCopy) || !reflect.DeepEqual(mod, modCopy) {
		t.Error("Simulate mutated its inputs")
	}
}

func TestSimulateEmptyMods(t *testing.T) {
	base := story.Snapshot{Scripts: []story.Record{{Name: "a", Content: "1"}}}

	report := Simulate(base)
	if !report.Conflicts.Empty() {
		t.Errorf("conflicts: got %+v, want none", report.Conflicts)
	}
	if report.Scripts != (Delta{}) {
		t.Errorf("script delta: got %+v, want zero", report.Scripts)
	}
}
