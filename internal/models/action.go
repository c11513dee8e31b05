package models

// Action is a bulk operation that can be applied to a machine.
type Action string

const (
	ActionStart  Action = "start"
	ActionReboot Action = "reboot"
	ActionStop   Action = "stop"
)

// ParseAction returns ok=false for anything but start, reboot or stop.
func ParseAction(v string) (Action, bool) {
	switch a := Action(v); a {
	case ActionStart, ActionReboot, ActionStop:
		return a, true
	default:
		return a, false
	}
}

// ActionStatus is the per-machine outcome of a dispatched action.
type ActionStatus string

const (
	StatusSuccess ActionStatus = "Success"
	StatusError   ActionStatus = "Error"
)

const (
	MsgStarted        = "Machine started."
	MsgRebooted       = "Machine rebooted."
	MsgStopped        = "Machine stopped."
	MsgAlreadyStarted = "already started"
	MsgInvalidAction  = "Invalid action."
)

// ActionResult reports what happened to one machine during a dispatch.
type ActionResult struct {
	MachineID string       `json:"machineId"`
	Status    ActionStatus `json:"status"`
	Message   string       `json:"message"`
}

// SuccessMessage is the result text for a successful action.
func SuccessMessage(a Action) string {
	switch a {
	case ActionStart:
		return MsgStarted
	case ActionReboot:
		return MsgRebooted
	case ActionStop:
		return MsgStopped
	default:
		return ""
	}
}
