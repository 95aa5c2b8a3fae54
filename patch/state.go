package patch

import (
	"encoding/json"
	"fmt"
)

// State is the orchestrator's position in the patch pipeline. Transitions
// run strictly Idle → MergingMods → ApplyingPatchers → SwappingTree →
// CacheInvalidated → Idle; there are no other edges.
type State int32

const (
	StateIdle State = iota
	StateMergingMods
	StateApplyingPatchers
	StateSwappingTree
	StateCacheInvalidated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMergingMods:
		return "merging_mods"
	case StateApplyingPatchers:
		return "applying_patchers"
	case StateSwappingTree:
		return "swapping_tree"
	case StateCacheInvalidated:
		return "cache_invalidated"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its name, for status surfaces.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON parses a state name produced by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for st := StateIdle; st <= StateCacheInvalidated; st++ {
		if st.String() == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("patch: unknown state %q", name)
}
