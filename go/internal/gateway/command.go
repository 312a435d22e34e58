package gateway

import (
	"fmt"

	"github.com/irfan38431/nerf-showdown/go/internal/match"
)

// Controller is what the gateway drives: the local scoreboard client.
type Controller interface {
	View() match.View
	OnChange(fn func(match.State)) func()

	AdjustScore(team match.Team, slot, delta int) error
	ResetScores()
	ResetTimer()
	SetMode(mode match.Mode) error
	ToggleRunning()
}

// Command actions accepted from screens.
const (
	ActionAdjustScore   = "adjustScore"
	ActionResetScores   = "resetScores"
	ActionResetTimer    = "resetTimer"
	ActionSetMode       = "setMode"
	ActionToggleRunning = "toggleRunning"
)

// Command is one user action as sent over websocket, REST or RPC.
type Command struct {
	Action string `json:"action"`
	Team   string `json:"team,omitempty"`
	Slot   int    `json:"slot,omitempty"`
	Delta  int    `json:"delta,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

// Execute runs cmd against ctrl.
func Execute(ctrl Controller, cmd Command) error {
	switch cmd.Action {
	case ActionAdjustScore:
		team, err := match.ParseTeam(cmd.Team)
		if err != nil {
			return err
		}
		return ctrl.AdjustScore(team, cmd.Slot, cmd.Delta)
	case ActionResetScores:
		ctrl.ResetScores()
	case ActionResetTimer:
		ctrl.ResetTimer()
	case ActionSetMode:
		mode, err := match.ParseMode(cmd.Mode)
		if err != nil {
			return err
		}
		return ctrl.SetMode(mode)
	case ActionToggleRunning:
		ctrl.ToggleRunning()
	default:
		return fmt.Errorf("%w: unknown action %q", match.ErrInvalidInput, cmd.Action)
	}
	return nil
}

// Frame is an outbound websocket message.
type Frame struct {
	Type  string      `json:"type"`
	Data  *match.View `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Frame types.
const (
	FrameState = "state"
	FrameError = "error"
)

func stateFrame(v match.View) Frame {
	return Frame{Type: FrameState, Data: &v}
}

func errorFrame(err error) Frame {
	return Frame{Type: FrameError, Error: err.Error()}
}
