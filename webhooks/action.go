package webhooks

import "strings"

type ActionKind int

const (
	ActionUnrecognized ActionKind = iota
	ActionDeadlineConfirmed
	ActionDeadlineRejected
	ActionRawDigits
)

func (k ActionKind) String() string {
	switch k {
	case ActionDeadlineConfirmed:
		return "deadline_confirmed"
	case ActionDeadlineRejected:
		return "deadline_rejected"
	case ActionRawDigits:
		return "raw_digits"
	default:
		return "unrecognized"
	}
}

// Action is the closed classification of a DTMF callback. Value carries the
// raw action or digits for the RawDigits and Unrecognized kinds.
type Action struct {
	Kind  ActionKind
	Value string
}

// Label is the name used in audit actions and the call log.
func (a Action) Label() string {
	switch a.Kind {
	case ActionDeadlineConfirmed, ActionDeadlineRejected:
		return a.Value
	case ActionRawDigits:
		return "input"
	default:
		if a.Value == "" {
			return "input"
		}
		return a.Value
	}
}

func Classify(action string, digits string) Action {
	action = strings.ToLower(strings.TrimSpace(action))
	switch action {
	case "confirm_deadline", "confirm_appointment":
		return Action{Kind: ActionDeadlineConfirmed, Value: action}
	case "reject_deadline":
		return Action{Kind: ActionDeadlineRejected, Value: action}
	case "":
		if digits = strings.TrimSpace(digits); digits != "" {
			return Action{Kind: ActionRawDigits, Value: digits}
		}
		return Action{Kind: ActionUnrecognized}
	default:
		return Action{Kind: ActionUnrecognized, Value: action}
	}
}
