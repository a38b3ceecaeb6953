package aps

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ActionType identifies a remote command.
type ActionType string

const (
	ActionBolus      ActionType = "bolus"
	ActionSuspend    ActionType = "suspend"
	ActionResume     ActionType = "resume"
	ActionClosedLoop ActionType = "looping"
	ActionTempBasal  ActionType = "tempbasal"
)

// Announcement is an out-of-band command delivered by a remote caregiver.
// Notes holds the command text, e.g. "bolus:0.5" or "tempbasal:1.2:30".
type Announcement struct {
	ID        string    `json:"id"`
	Notes     string    `json:"notes"`
	CreatedAt time.Time `json:"createdAt"`
	Enacted   bool      `json:"enacted"`
}

// Action is the parsed form of an announcement.
type Action struct {
	Type     ActionType
	Amount   float64 // bolus units or temp rate (U/h)
	Duration int     // minutes, tempbasal only
	Enabled  bool    // looping only
}

// ParseAction parses announcement notes.
//
//	bolus:<units>
//	pump:suspend | pump:resume
//	looping:true | looping:false
//	tempbasal:<rate>:<minutes>
func ParseAction(notes string) (Action, error) {
	parts := strings.Split(strings.TrimSpace(strings.ToLower(notes)), ":")
	if len(parts) < 2 {
		return Action{}, fmt.Errorf("invalid announcement %q", notes)
	}
	arg := strings.TrimSpace(parts[1])

	switch parts[0] {
	case "bolus":
		units, err := strconv.ParseFloat(arg, 64)
		if err != nil || units <= 0 {
			return Action{}, fmt.Errorf("invalid bolus amount %q", arg)
		}
		return Action{Type: ActionBolus, Amount: units}, nil
	case "pump":
		switch arg {
		case "suspend":
			return Action{Type: ActionSuspend}, nil
		case "resume":
			return Action{Type: ActionResume}, nil
		}
		return Action{}, fmt.Errorf("invalid pump action %q", arg)
	case "looping":
		enabled, err := strconv.ParseBool(arg)
		if err != nil {
			return Action{}, fmt.Errorf("invalid looping value %q", arg)
		}
		return Action{Type: ActionClosedLoop, Enabled: enabled}, nil
	case "tempbasal":
		if len(parts) != 3 {
			return Action{}, fmt.Errorf("tempbasal needs rate and duration: %q", notes)
		}
		rate, err := strconv.ParseFloat(arg, 64)
		if err != nil || rate < 0 {
			return Action{}, fmt.Errorf("invalid temp basal rate %q", arg)
		}
		minutes, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || minutes < 0 {
			return Action{}, fmt.Errorf("invalid temp basal duration %q", parts[2])
		}
		return Action{Type: ActionTempBasal, Amount: rate, Duration: minutes}, nil
	}
	return Action{}, fmt.Errorf("unknown announcement action %q", parts[0])
}
