package teams

import (
	"strings"
	"time"
)

// Interval is a refresh cadence. Ordering runs daily < weekly < monthly <
// none, where "finer" means the shorter duration.
type Interval string

const (
	IntervalNone    Interval = "none"
	IntervalDaily   Interval = "daily"
	IntervalWeekly  Interval = "weekly"
	IntervalMonthly Interval = "monthly"
)

var intervalRank = map[Interval]int{
	IntervalDaily:   0,
	IntervalWeekly:  1,
	IntervalMonthly: 2,
	IntervalNone:    3,
}

// ParseInterval normalizes a raw interval string. Empty means none.
func ParseInterval(raw string) (Interval, bool) {
	switch Interval(strings.ToLower(strings.TrimSpace(raw))) {
	case "", IntervalNone:
		return IntervalNone, true
	case IntervalDaily:
		return IntervalDaily, true
	case IntervalWeekly:
		return IntervalWeekly, true
	case IntervalMonthly:
		return IntervalMonthly, true
	default:
		return IntervalNone, false
	}
}

// Duration maps the interval to its refresh period. The second return is
// false for IntervalNone.
func (i Interval) Duration() (time.Duration, bool) {
	switch i {
	case IntervalDaily:
		return 24 * time.Hour, true
	case IntervalWeekly:
		return 7 * 24 * time.Hour, true
	case IntervalMonthly:
		return 30 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// FinerThan reports whether i refreshes more often than other.
func (i Interval) FinerThan(other Interval) bool {
	return intervalRank[i] < intervalRank[other]
}

// Plan is a billing tier with its numeric quotas. ScheduleInterval is the
// finest refresh cadence the tier allows; IntervalNone disables scheduled
// refreshes entirely.
type Plan struct {
	Code             string   `json:"code"`
	Name             string   `json:"name"`
	Bots             int      `json:"bots"`
	Pages            int      `json:"pages"`
	Questions        int      `json:"questions"`
	TeamMembers      int      `json:"team_members"`
	ScheduleInterval Interval `json:"schedule_interval"`
	ProSources       bool     `json:"pro_sources"`
}

var planCatalog = map[string]Plan{
	"free": {
		Code:             "free",
		Name:             "Free",
		Bots:             1,
		Pages:            50,
		Questions:        100,
		TeamMembers:      1,
		ScheduleInterval: IntervalNone,
		ProSources:       false,
	},
	"hobby": {
		Code:             "hobby",
		Name:             "Hobby",
		Bots:             1,
		Pages:            1000,
		Questions:        1000,
		TeamMembers:      1,
		ScheduleInterval: IntervalMonthly,
		ProSources:       false,
	},
	"power": {
		Code:             "power",
		Name:             "Power",
		Bots:             3,
		Pages:            5000,
		Questions:        5000,
		TeamMembers:      3,
		ScheduleInterval: IntervalWeekly,
		ProSources:       true,
	},
	"business": {
		Code:             "business",
		Name:             "Business",
		Bots:             10,
		Pages:            10000,
		Questions:        10000,
		TeamMembers:      15,
		ScheduleInterval: IntervalDaily,
		ProSources:       true,
	},
}

// PlanByCode resolves a plan code, falling back to the free tier for unknown
// or stale codes so a bad billing sync never blocks reads.
func PlanByCode(code string) Plan {
	if plan, ok := planCatalog[strings.ToLower(strings.TrimSpace(code))]; ok {
		return plan
	}
	return planCatalog["free"]
}

// PlanFor resolves the team's current plan.
func PlanFor(team *Team) Plan {
	if team == nil {
		return planCatalog["free"]
	}
	return PlanByCode(team.PlanCode)
}
