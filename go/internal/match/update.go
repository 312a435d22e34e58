package match

import (
	"encoding/json"
	"fmt"
)

// Document field names, matching the stored record.
const (
	FieldMode      = "mode"
	FieldScores    = "scores"
	FieldTimeLeft  = "timeLeft"
	FieldIsRunning = "isRunning"
)

// ScoresField returns the field path addressing one team's score array.
func ScoresField(team Team) string {
	return FieldScores + "." + string(team)
}

// Update is a partial write naming only the fields being changed. Scores are
// replaced per team: a team present in the map has its whole array written.
type Update struct {
	Mode      *Mode
	Scores    map[Team][]int
	TimeLeft  *int
	IsRunning *bool
}

// IsEmpty reports whether the update names no field.
func (u Update) IsEmpty() bool {
	return u.Mode == nil && len(u.Scores) == 0 && u.TimeLeft == nil && u.IsRunning == nil
}

// Fields encodes the update as document fields keyed by field path.
func (u Update) Fields() (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage, 4+len(u.Scores))

	put := func(path string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		fields[path] = raw
		return nil
	}

	if u.Mode != nil {
		if err := put(FieldMode, *u.Mode); err != nil {
			return nil, err
		}
	}
	for team, slots := range u.Scores {
		if slots == nil {
			slots = []int{}
		}
		if err := put(ScoresField(team), slots); err != nil {
			return nil, err
		}
	}
	if u.TimeLeft != nil {
		if err := put(FieldTimeLeft, *u.TimeLeft); err != nil {
			return nil, err
		}
	}
	if u.IsRunning != nil {
		if err := put(FieldIsRunning, *u.IsRunning); err != nil {
			return nil, err
		}
	}
	return fields, nil
}

// Apply returns s with the update's fields replaced. s is not modified.
func (u Update) Apply(s State) State {
	out := s.Clone()
	if u.Mode != nil {
		out.Mode = *u.Mode
	}
	for team, slots := range u.Scores {
		out.Scores[team] = append([]int(nil), slots...)
	}
	if u.TimeLeft != nil {
		out.TimeLeft = *u.TimeLeft
	}
	if u.IsRunning != nil {
		out.IsRunning = *u.IsRunning
	}
	return out
}

// SetTimeLeft is shorthand for an update touching only the timer.
func SetTimeLeft(seconds int) Update {
	return Update{TimeLeft: &seconds}
}

// SetRunning is shorthand for an update touching only the running flag.
func SetRunning(running bool) Update {
	return Update{IsRunning: &running}
}

// TimerReset puts the countdown back to StartTime and stops it.
func TimerReset() Update {
	t, running := StartTime, false
	return Update{TimeLeft: &t, IsRunning: &running}
}

// ModeSwitch changes the mode, zeroes the scores for the new roster and
// resets the timer, all as one write.
func ModeSwitch(mode Mode) Update {
	u := TimerReset()
	u.Mode = &mode
	u.Scores = ZeroScores(mode)
	return u
}
