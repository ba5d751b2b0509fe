package domain

import (
	"encoding/json"
	"testing"
)

func TestStateTransitions(t *testing.T) {
	all := []InstanceState{
		StateProvisioning, StateStarting, StateReady,
		StateDraining, StateStopped, StateFailed,
	}
	allowed := map[InstanceState]map[InstanceState]bool{
		StateProvisioning: {StateStarting: true, StateFailed: true},
		StateStarting:     {StateReady: true, StateFailed: true},
		StateReady:        {StateDraining: true, StateFailed: true},
		StateDraining:     {StateStopped: true},
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[from][to]
			if got := from.CanTransition(to); got != want {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatesAllowNothing(t *testing.T) {
	for _, s := range []InstanceState{StateStopped, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []InstanceState{StateProvisioning, StateStarting, StateReady, StateDraining} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestOnlyReadyIsRoutable(t *testing.T) {
	for _, s := range []InstanceState{
		StateProvisioning, StateStarting, StateReady,
		StateDraining, StateStopped, StateFailed,
	} {
		inst := Instance{State: s}
		if got, want := inst.Routable(), s == StateReady; got != want {
			t.Errorf("Routable() in %s = %v, want %v", s, got, want)
		}
	}
}

func TestStateJSONUsesNames(t *testing.T) {
	data, err := json.Marshal(StateDraining)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"draining"` {
		t.Errorf("marshal = %s, want %q", data, "draining")
	}

	var s InstanceState
	if err := json.Unmarshal([]byte(`"ready"`), &s); err != nil {
		t.Fatal(err)
	}
	if s != StateReady {
		t.Errorf("unmarshal ready = %s", s)
	}
	if err := json.Unmarshal([]byte(`"melted"`), &s); err == nil {
		t.Error("unknown state name accepted")
	}
}
