package match

import (
	"encoding/json"
	"errors"
	"fmt"
)

// StartTime is the countdown length of a match in seconds (7:30).
const StartTime = 450

// PointsToWin is the target shown next to the team totals.
const PointsToWin = 50

// ErrInvalidInput is returned for malformed values: negative seconds, unknown
// teams or modes, out of range slots, and states that break the invariants.
var ErrInvalidInput = errors.New("invalid input")

// Mode defines the team format of a match.
type Mode string

const (
	ModeTwoVTwo     Mode = "2v2"
	ModeThreeVThree Mode = "3v3"
)

// ParseMode converts a wire value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeTwoVTwo, ModeThreeVThree:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, s)
	}
}

// RosterSize returns the number of player slots per team for a mode.
func RosterSize(mode Mode) int {
	if mode == ModeThreeVThree {
		return 3
	}
	return 2
}

// Team identifies one side of the match.
type Team string

const (
	TeamA Team = "A"
	TeamB Team = "B"
)

// Teams lists both sides in display order.
var Teams = []Team{TeamA, TeamB}

// ParseTeam converts a wire value into a Team.
func ParseTeam(s string) (Team, error) {
	switch Team(s) {
	case TeamA, TeamB:
		return Team(s), nil
	default:
		return "", fmt.Errorf("%w: unknown team %q", ErrInvalidInput, s)
	}
}

// State is the single shared match record.
type State struct {
	Mode      Mode           `json:"mode"`
	Scores    map[Team][]int `json:"scores"`
	TimeLeft  int            `json:"timeLeft"`
	IsRunning bool           `json:"isRunning"`
}

// Default returns the record written the first time a match is observed missing.
func Default() State {
	return State{
		Mode:      ModeTwoVTwo,
		Scores:    ZeroScores(ModeTwoVTwo),
		TimeLeft:  StartTime,
		IsRunning: false,
	}
}

// ZeroScores returns all-zero score arrays sized for the mode's roster.
func ZeroScores(mode Mode) map[Team][]int {
	n := RosterSize(mode)
	return map[Team][]int{
		TeamA: make([]int, n),
		TeamB: make([]int, n),
	}
}

// Clone returns a deep copy so callers can mutate score slices freely.
func (s State) Clone() State {
	out := s
	out.Scores = make(map[Team][]int, len(s.Scores))
	for team, slots := range s.Scores {
		out.Scores[team] = append([]int(nil), slots...)
	}
	return out
}

// Validate checks the roster, score and timer invariants.
func (s State) Validate() error {
	if _, err := ParseMode(string(s.Mode)); err != nil {
		return err
	}
	size := RosterSize(s.Mode)
	for _, team := range Teams {
		slots, ok := s.Scores[team]
		if !ok {
			return fmt.Errorf("%w: missing scores for team %s", ErrInvalidInput, team)
		}
		if len(slots) != size {
			return fmt.Errorf("%w: team %s has %d slots, mode %s needs %d",
				ErrInvalidInput, team, len(slots), s.Mode, size)
		}
		for i, v := range slots {
			if v < 0 {
				return fmt.Errorf("%w: team %s slot %d is negative", ErrInvalidInput, team, i)
			}
		}
	}
	if len(s.Scores) != len(Teams) {
		return fmt.Errorf("%w: unexpected teams in scores", ErrInvalidInput)
	}
	if s.TimeLeft < 0 || s.TimeLeft > StartTime {
		return fmt.Errorf("%w: timeLeft %d outside [0, %d]", ErrInvalidInput, s.TimeLeft, StartTime)
	}
	return nil
}

// Fields encodes the full state as document fields.
func (s State) Fields() (map[string]json.RawMessage, error) {
	return Update{
		Mode:      &s.Mode,
		Scores:    s.Scores,
		TimeLeft:  &s.TimeLeft,
		IsRunning: &s.IsRunning,
	}.Fields()
}

// Decode builds a State from a full document snapshot. Every field is
// replaced; nothing is carried over from a previous view.
func Decode(fields map[string]json.RawMessage) (State, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return State{}, fmt.Errorf("re-encode snapshot: %w", err)
	}

	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, fmt.Errorf("%w: decode snapshot: %v", ErrInvalidInput, err)
	}
	if err := s.Validate(); err != nil {
		return State{}, err
	}
	return s, nil
}
