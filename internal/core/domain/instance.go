package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// InstanceState is the lifecycle position of a single backend instance.
type InstanceState int8

const (
	// StateProvisioning: a start request is in flight, no address yet.
	StateProvisioning InstanceState = iota
	// StateStarting: the process is launched and reachable at an address but
	// has not signalled readiness.
	StateStarting
	// StateReady: the instance accepts new traffic.
	StateReady
	// StateDraining: in-flight connections finish, no new ones are routed.
	StateDraining
	// StateStopped: the instance process has been stopped.
	StateStopped
	// StateFailed: terminal failure (provisioning error, health exhaustion,
	// or a startup that never became ready).
	StateFailed
)

var stateNames = [...]string{
	"provisioning",
	"starting",
	"ready",
	"draining",
	"stopped",
	"failed",
}

func (s InstanceState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int8(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s InstanceState) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// transitions holds the only legal state changes. Failed is reachable from
// every live pre-stop state; Stopped only through Draining, so an instance
// with live connections is never cut off directly.
var transitions = map[InstanceState][]InstanceState{
	StateProvisioning: {StateStarting, StateFailed},
	StateStarting:     {StateReady, StateFailed},
	StateReady:        {StateDraining, StateFailed},
	StateDraining:     {StateStopped},
}

// CanTransition reports whether s -> next is a legal lifecycle step.
func (s InstanceState) CanTransition(next InstanceState) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// MarshalJSON renders states by name so stored records and API responses
// stay readable.
func (s InstanceState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *InstanceState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range stateNames {
		if n == name {
			*s = InstanceState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown instance state %q", name)
}

// Instance is one backend process serving an App.
type Instance struct {
	ID      string `json:"id"`
	AppID   string `json:"app_id"`
	Address string `json:"address,omitempty"`

	State          InstanceState `json:"state"`
	CreatedAt      time.Time     `json:"created_at"`
	StateChangedAt time.Time     `json:"state_changed_at"`

	// LastProbeAt and FailureCount track the health feedback loop; the
	// failure count is consecutive and resets on any successful probe.
	LastProbeAt  time.Time `json:"last_probe_at"`
	FailureCount int       `json:"failure_count"`

	// ReadyReported records that a readiness signal (callback or first
	// successful probe) was received at least once.
	ReadyReported bool `json:"ready_reported"`
}

// Routable reports whether new traffic may be sent to the instance. Only
// Ready instances ever receive new connections.
func (i *Instance) Routable() bool {
	return i.State == StateReady
}

// Probeable reports whether the health checker should be watching the
// instance.
func (i *Instance) Probeable() bool {
	return i.State == StateStarting || i.State == StateReady
}
