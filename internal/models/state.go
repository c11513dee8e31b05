package models

import (
	"encoding/json"
	"fmt"
)

// LifecycleState is the recorded run state of a machine. The zero value is
// Stopped, which is also what a machine without a state record is in.
type LifecycleState int

const (
	StateStopped LifecycleState = iota
	StateStarted
)

func (s LifecycleState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarted:
		return "started"
	default:
		return fmt.Sprintf("LifecycleState(%d)", int(s))
	}
}

// ParseLifecycleState maps the persisted form back to a state.
func ParseLifecycleState(v string) (LifecycleState, error) {
	switch v {
	case "", "stopped":
		return StateStopped, nil
	case "started":
		return StateStarted, nil
	default:
		return StateStopped, fmt.Errorf("unknown lifecycle state %q", v)
	}
}

func (s LifecycleState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *LifecycleState) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseLifecycleState(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
