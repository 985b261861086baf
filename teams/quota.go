package teams

import "docsbot_back/apierrors"

// The quota gate: pure checks of (team, requested operation) against the
// team's plan. Every denial carries a human-readable reason; none are silent.

// CheckBotQuota denies bot creation once the plan's bot count is reached.
func CheckBotQuota(team *Team) error {
	plan := PlanFor(team)
	if team.BotCount >= plan.Bots {
		return apierrors.PlanLimit("Bot limit of %d reached for the %s plan. Upgrade to create more bots.", plan.Bots, plan.Name)
	}
	return nil
}

// CheckPageQuota denies source creation when the predicted page cost would
// push the team past its plan's page budget.
func CheckPageQuota(team *Team, predictedCost int) error {
	plan := PlanFor(team)
	if team.PageCount+predictedCost > plan.Pages {
		return apierrors.PlanLimit("Source page limit exceeded: %d of %d pages used on the %s plan. Upgrade for a larger page budget.", team.PageCount, plan.Pages, plan.Name)
	}
	return nil
}

// CheckProSources denies source kinds reserved for paid tiers.
func CheckProSources(team *Team) error {
	plan := PlanFor(team)
	if !plan.ProSources {
		return apierrors.PlanRequired("This source type requires a paid plan. Upgrade to connect it.")
	}
	return nil
}

// CheckScheduleInterval denies refresh intervals finer than the plan allows.
// A plan whose minimum interval is none cannot schedule refreshes at all.
func CheckScheduleInterval(team *Team, requested Interval) error {
	plan := PlanFor(team)
	if requested == IntervalNone {
		return nil
	}
	if plan.ScheduleInterval == IntervalNone {
		return apierrors.PlanRequired("Scheduled refreshes are not available on the %s plan. Upgrade to enable them.", plan.Name)
	}
	if requested.FinerThan(plan.ScheduleInterval) {
		return apierrors.PlanLimit("The %s plan allows at most %s refreshes; %s is not available.", plan.Name, plan.ScheduleInterval, requested)
	}
	return nil
}

// CheckMemberQuota denies invites once the plan's seat count is reached.
func CheckMemberQuota(team *Team) error {
	plan := PlanFor(team)
	if team.MemberCount >= plan.TeamMembers {
		return apierrors.PlanLimit("Team member limit of %d reached for the %s plan. Upgrade to invite more members.", plan.TeamMembers, plan.Name)
	}
	return nil
}

// CheckQuestionQuota denies chat usage past the monthly question budget.
func CheckQuestionQuota(team *Team) error {
	plan := PlanFor(team)
	if team.QuestionCount >= plan.Questions {
		return apierrors.PlanLimit("Question limit of %d reached for the %s plan.", plan.Questions, plan.Name)
	}
	return nil
}
