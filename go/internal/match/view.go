package match

import "fmt"

// TeamTotal sums a team's score slots. Unknown teams total zero.
func TeamTotal(s State, team Team) int {
	total := 0
	for _, v := range s.Scores[team] {
		total += v
	}
	return total
}

// FormatTime renders seconds as M:SS, minutes unpadded.
func FormatTime(seconds int) (string, error) {
	if seconds < 0 {
		return "", fmt.Errorf("%w: negative seconds %d", ErrInvalidInput, seconds)
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60), nil
}

// Start control labels.
const (
	LabelStart  = "Start Match"
	LabelResume = "Resume Match"
	LabelPause  = "Pause Match"
)

// View is the read-only projection handed to the rendering layer.
type View struct {
	Mode        Mode           `json:"mode"`
	RosterSize  int            `json:"roster_size"`
	Scores      map[Team][]int `json:"scores"`
	Totals      map[Team]int   `json:"totals"`
	PointsToWin int            `json:"points_to_win"`
	TimeLeft    int            `json:"time_left"`
	Clock       string         `json:"clock"`
	IsRunning   bool           `json:"is_running"`
	StartLabel  string         `json:"start_label"`
}

// Project derives the display view of a state.
func Project(s State) View {
	clock, err := FormatTime(s.TimeLeft)
	if err != nil {
		clock = "0:00"
	}

	label := LabelStart
	switch {
	case s.IsRunning:
		label = LabelPause
	case s.TimeLeft < StartTime:
		label = LabelResume
	}

	totals := make(map[Team]int, len(Teams))
	for _, team := range Teams {
		totals[team] = TeamTotal(s, team)
	}

	return View{
		Mode:        s.Mode,
		RosterSize:  RosterSize(s.Mode),
		Scores:      s.Clone().Scores,
		Totals:      totals,
		PointsToWin: PointsToWin,
		TimeLeft:    s.TimeLeft,
		Clock:       clock,
		IsRunning:   s.IsRunning,
		StartLabel:  label,
	}
}
