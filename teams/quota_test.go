package teams

import (
	"errors"
	"testing"

	"docsbot_back/apierrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeTeam() *Team {
	return &Team{ID: 1, Name: "acme", PlanCode: "free", MemberCount: 1}
}

func TestCheckBotQuota(t *testing.T) {
	team := freeTeam()
	require.NoError(t, CheckBotQuota(team))

	team.BotCount = 1
	err := CheckBotQuota(team)
	var limit *apierrors.PlanLimitError
	require.True(t, errors.As(err, &limit))
	assert.Contains(t, limit.Error(), "Bot limit")
}

func TestCheckPageQuotaBoundary(t *testing.T) {
	team := freeTeam()
	team.PageCount = 49

	// 49 used of 50: one more predicted page still fits
	require.NoError(t, CheckPageQuota(team, 1))

	team.PageCount = 50
	err := CheckPageQuota(team, 1)
	var limit *apierrors.PlanLimitError
	require.True(t, errors.As(err, &limit))
	assert.Contains(t, limit.Error(), "page limit")
}

func TestCheckPageQuotaPredictedCost(t *testing.T) {
	team := freeTeam()
	team.PageCount = 46

	require.NoError(t, CheckPageQuota(team, 4))
	assert.Error(t, CheckPageQuota(team, 5))
}

func TestCheckProSources(t *testing.T) {
	require.Error(t, CheckProSources(freeTeam()))
	require.Error(t, CheckProSources(&Team{PlanCode: "hobby"}))
	require.NoError(t, CheckProSources(&Team{PlanCode: "power"}))
	require.NoError(t, CheckProSources(&Team{PlanCode: "business"}))

	var required *apierrors.PlanRequiredError
	assert.True(t, errors.As(CheckProSources(freeTeam()), &required))
}

func TestCheckScheduleInterval(t *testing.T) {
	cases := []struct {
		name      string
		plan      string
		requested Interval
		wantErr   string
	}{
		{"none requested always passes", "free", IntervalNone, ""},
		{"free plan cannot schedule", "free", IntervalMonthly, "required"},
		{"hobby monthly ok", "hobby", IntervalMonthly, ""},
		{"hobby weekly too fine", "hobby", IntervalWeekly, "limit"},
		{"power weekly ok", "power", IntervalWeekly, ""},
		{"power monthly coarser ok", "power", IntervalMonthly, ""},
		{"power daily too fine", "power", IntervalDaily, "limit"},
		{"business daily ok", "business", IntervalDaily, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			team := &Team{PlanCode: tc.plan}
			err := CheckScheduleInterval(team, tc.requested)
			switch tc.wantErr {
			case "":
				assert.NoError(t, err)
			case "required":
				var required *apierrors.PlanRequiredError
				assert.True(t, errors.As(err, &required), "got %v", err)
			case "limit":
				var limit *apierrors.PlanLimitError
				assert.True(t, errors.As(err, &limit), "got %v", err)
			}
		})
	}
}

func TestCheckMemberQuota(t *testing.T) {
	require.Error(t, CheckMemberQuota(freeTeam()))

	business := &Team{PlanCode: "business", MemberCount: 14}
	require.NoError(t, CheckMemberQuota(business))
	business.MemberCount = 15
	require.Error(t, CheckMemberQuota(business))
}

func TestCheckQuestionQuota(t *testing.T) {
	team := freeTeam()
	team.QuestionCount = 99
	require.NoError(t, CheckQuestionQuota(team))

	team.QuestionCount = 100
	var limit *apierrors.PlanLimitError
	assert.True(t, errors.As(CheckQuestionQuota(team), &limit))
}
