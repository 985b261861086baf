package sources

import (
	"time"

	"docsbot_back/apierrors"
	"docsbot_back/teams"
)

// ComputeNextSchedule validates the requested refresh interval against the
// team's plan and returns the next run time counted from `from`. Plan gating
// is re-checked on every call so a downgrade takes effect at the next sweep,
// not only at source creation.
func ComputeNextSchedule(team *teams.Team, interval teams.Interval, from time.Time) (time.Time, error) {
	plan := teams.PlanFor(team)
	if plan.ScheduleInterval == teams.IntervalNone {
		return time.Time{}, apierrors.PlanRequired("Scheduled refreshes are not available on the %s plan. Upgrade to enable them.", plan.Name)
	}
	if interval == teams.IntervalNone {
		return time.Time{}, apierrors.Invalid("refresh interval is required")
	}
	if interval.FinerThan(plan.ScheduleInterval) {
		return time.Time{}, apierrors.PlanLimit("The %s plan allows at most %s refreshes; %s is not available.", plan.Name, plan.ScheduleInterval, interval)
	}

	duration, ok := interval.Duration()
	if !ok {
		return time.Time{}, apierrors.Invalid("unknown refresh interval %q", interval)
	}
	return from.Add(duration), nil
}
