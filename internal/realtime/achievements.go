package realtime

import "github.com/stridelabs/stride/internal/types"

// Achievement codes. Unlocks are recorded per (user, code) so a threshold
// fires at most once per genuine crossing.
const (
	AchGettingStarted = "getting_started"
	AchOnARoll        = "on_a_roll"
	AchCenturion      = "centurion"
	AchDailyWarrior   = "daily_warrior"
	AchSevenDayStreak = "seven_day_streak"
)

var achievementTitles = map[string]string{
	AchGettingStarted: "Getting Started",
	AchOnARoll:        "On a Roll",
	AchCenturion:      "Centurion",
	AchDailyWarrior:   "Daily Warrior",
	AchSevenDayStreak: "Seven Day Streak",
}

// EvaluateAchievements is a pure function of the aggregate completion
// counters, run after every task completion. Exact-match thresholds fire
// only on the completion that crosses them; multiple thresholds may fire
// in the same evaluation and are delivered in one batched event.
func EvaluateAchievements(stats types.TaskStats) []string {
	var codes []string
	if stats.TotalCompleted == 1 {
		codes = append(codes, AchGettingStarted)
	}
	if stats.TotalCompleted == 10 {
		codes = append(codes, AchOnARoll)
	}
	if stats.TotalCompleted == 100 {
		codes = append(codes, AchCenturion)
	}
	if stats.CompletedToday == 5 {
		codes = append(codes, AchDailyWarrior)
	}
	if stats.CompletedThisWeek >= 7 {
		codes = append(codes, AchSevenDayStreak)
	}
	return codes
}

// AchievementTitle returns the display title for a code.
func AchievementTitle(code string) string {
	if title, ok := achievementTitles[code]; ok {
		return title
	}
	return code
}
