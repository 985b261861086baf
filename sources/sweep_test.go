package sources

import (
	"context"
	"testing"
	"time"

	"docsbot_back/connectors"
	"docsbot_back/queue"
	"docsbot_back/teams"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCarbon struct {
	files map[string][]connectors.ConnectorFile
}

func (f *fakeCarbon) ListFiles(ctx context.Context, customerID, sourceFilter string) ([]connectors.ConnectorFile, error) {
	return f.files[customerID], nil
}

type fakeCrawler struct {
	runs map[string]string
}

func (f *fakeCrawler) GetRunStatus(ctx context.Context, runID string) (string, error) {
	return f.runs[runID], nil
}

func TestSweepDueSourcesAdvancesSchedule(t *testing.T) {
	service, publisher, db := newTestService(t)
	team := seedTeam(t, db, "power")
	bot := seedBot(t, db, team)

	now := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	previous := now.Add(-2 * time.Hour)
	url := "https://a.test/docs"
	source := &Source{
		TeamID:           team.ID,
		BotID:            bot.ID,
		Type:             "url",
		Status:           StatusReady,
		URL:              &url,
		ScheduleInterval: string(teams.IntervalWeekly),
		Scheduled:        &previous,
		PageCount:        4,
		CreatedBy:        1,
	}
	require.NoError(t, db.Create(source).Error)

	require.NoError(t, service.SweepDueSources(context.Background()))

	reloaded := reloadSource(t, db, source.ID)
	assert.Equal(t, StatusPending, reloaded.Status)
	assert.True(t, reloaded.Refreshing)
	require.NotNil(t, reloaded.Scheduled)
	// the next slot counts from the previous one, not from sweep time
	assert.Equal(t, previous.Add(7*24*time.Hour), reloaded.Scheduled.UTC())

	msgs := publisher.messages()
	require.Len(t, msgs, 1)
	regest, ok := msgs[0].(queue.RegestMessage)
	require.True(t, ok)
	assert.Equal(t, source.ID, regest.SourceID)

	// a second sweep in the same window finds nothing due
	require.NoError(t, service.SweepDueSources(context.Background()))
	assert.Len(t, publisher.messages(), 1)
}

func TestSweepDueSourcesClearsScheduleOnDowngrade(t *testing.T) {
	service, publisher, db := newTestService(t)
	team := seedTeam(t, db, "free")
	bot := seedBot(t, db, team)

	now := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	previous := now.Add(-time.Hour)
	url := "https://a.test/docs"
	source := &Source{
		TeamID:           team.ID,
		BotID:            bot.ID,
		Type:             "url",
		Status:           StatusReady,
		URL:              &url,
		ScheduleInterval: string(teams.IntervalWeekly),
		Scheduled:        &previous,
		CreatedBy:        1,
	}
	require.NoError(t, db.Create(source).Error)

	require.NoError(t, service.SweepDueSources(context.Background()))

	reloaded := reloadSource(t, db, source.ID)
	assert.Equal(t, StatusReady, reloaded.Status, "source stays usable after losing its schedule")
	assert.Equal(t, string(teams.IntervalNone), reloaded.ScheduleInterval)
	assert.Nil(t, reloaded.Scheduled)
	assert.Empty(t, publisher.messages())
}

func TestSweepCarbonConnectors(t *testing.T) {
	service, _, db := newTestService(t)
	team := seedTeam(t, db, "power")
	bot := seedBot(t, db, team)

	service.carbon = &fakeCarbon{files: map[string][]connectors.ConnectorFile{
		"cust-ready": {
			{ID: "f1", SyncStatus: connectors.FileStatusReady},
			{ID: "f2", SyncStatus: connectors.FileStatusReady},
			{ID: "f3", SyncStatus: connectors.FileStatusReady},
		},
		"cust-syncing": {
			{ID: "f4", SyncStatus: connectors.FileStatusReady},
			{ID: "f5", SyncStatus: connectors.FileStatusSyncing},
		},
		"cust-broken": {
			{ID: "f6", SyncStatus: connectors.FileStatusError},
		},
	}}

	mkSource := func(customer string) *Source {
		source := &Source{
			TeamID:           team.ID,
			BotID:            bot.ID,
			Type:             "notion",
			Status:           StatusIndexing,
			CarbonCustomerID: &customer,
			ScheduleInterval: "none",
			CreatedBy:        1,
		}
		require.NoError(t, db.Create(source).Error)
		return source
	}

	// an earlier settled sync of the same connector, superseded by the new one
	customer := "cust-ready"
	old := &Source{TeamID: team.ID, BotID: bot.ID, Type: "notion", Status: StatusReady, CarbonCustomerID: &customer, PageCount: 2, ScheduleInterval: "none", CreatedBy: 1}
	require.NoError(t, db.Create(old).Error)
	require.NoError(t, db.Model(team).Update("page_count", 2).Error)

	done := mkSource("cust-ready")
	waiting := mkSource("cust-syncing")
	broken := mkSource("cust-broken")

	require.NoError(t, service.SweepCarbonConnectors(context.Background()))

	reloaded := reloadSource(t, db, done.ID)
	assert.Equal(t, StatusReady, reloaded.Status)
	assert.Equal(t, 3, reloaded.PageCount)

	var superseded int64
	require.NoError(t, db.Model(&Source{}).Where("id = ?", old.ID).Count(&superseded).Error)
	assert.EqualValues(t, 0, superseded, "older connector sync is removed")

	var reloadedTeam teams.Team
	require.NoError(t, db.First(&reloadedTeam, team.ID).Error)
	assert.Equal(t, 3, reloadedTeam.PageCount)

	assert.Equal(t, StatusIndexing, reloadSource(t, db, waiting.ID).Status)

	failed := reloadSource(t, db, broken.ID)
	assert.Equal(t, StatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "connector sync failed", *failed.Error)
}

func TestSweepCrawlJobs(t *testing.T) {
	service, publisher, db := newTestService(t)
	team := seedTeam(t, db, "power")
	bot := seedBot(t, db, team)

	service.crawler = &fakeCrawler{runs: map[string]string{
		"run-ok":      connectors.RunStatusSucceeded,
		"run-dead":    connectors.RunStatusFailed,
		"run-running": connectors.RunStatusRunning,
	}}

	url := "https://a.test"
	mkSource := func(runID string) *Source {
		source := &Source{
			TeamID:           team.ID,
			BotID:            bot.ID,
			Type:             "crawl",
			Status:           StatusProcessing,
			URL:              &url,
			CrawlRunID:       &runID,
			ScheduleInterval: "none",
			CreatedBy:        1,
		}
		require.NoError(t, db.Create(source).Error)
		return source
	}

	succeeded := mkSource("run-ok")
	failed := mkSource("run-dead")
	running := mkSource("run-running")

	require.NoError(t, service.SweepCrawlJobs(context.Background()))

	assert.Equal(t, StatusPending, reloadSource(t, db, succeeded.ID).Status)
	msgs := publisher.messages()
	require.Len(t, msgs, 1)
	ingest, ok := msgs[0].(queue.IngestMessage)
	require.True(t, ok)
	assert.Equal(t, succeeded.ID, ingest.SourceID)

	reloadedFailed := reloadSource(t, db, failed.ID)
	assert.Equal(t, StatusFailed, reloadedFailed.Status)
	require.NotNil(t, reloadedFailed.Error)
	assert.Equal(t, "crawl failed", *reloadedFailed.Error)

	assert.Equal(t, StatusProcessing, reloadSource(t, db, running.ID).Status)
}

func TestSweepStuckSources(t *testing.T) {
	service, _, db := newTestService(t)
	team := seedTeam(t, db, "free")
	bot := seedBot(t, db, team)

	now := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }
	service.staleAfter = 24 * time.Hour

	url := "https://a.test/page"
	stuck := &Source{TeamID: team.ID, BotID: bot.ID, Type: "url", Status: StatusPending, URL: &url, ScheduleInterval: "none", CreatedBy: 1}
	fresh := &Source{TeamID: team.ID, BotID: bot.ID, Type: "url", Status: StatusIndexing, URL: &url, ScheduleInterval: "none", CreatedBy: 1}
	settled := &Source{TeamID: team.ID, BotID: bot.ID, Type: "url", Status: StatusReady, URL: &url, ScheduleInterval: "none", CreatedBy: 1}
	require.NoError(t, db.Create(stuck).Error)
	require.NoError(t, db.Create(fresh).Error)
	require.NoError(t, db.Create(settled).Error)

	require.NoError(t, db.Model(&Source{}).Where("id = ?", stuck.ID).
		UpdateColumn("updated_at", now.Add(-48*time.Hour)).Error)
	require.NoError(t, db.Model(&Source{}).Where("id IN ?", []uint64{fresh.ID, settled.ID}).
		UpdateColumn("updated_at", now.Add(-time.Hour)).Error)

	require.NoError(t, service.SweepStuckSources(context.Background()))

	timedOut := reloadSource(t, db, stuck.ID)
	assert.Equal(t, StatusFailed, timedOut.Status)
	require.NotNil(t, timedOut.Error)
	assert.Equal(t, "ingestion timed out", *timedOut.Error)

	assert.Equal(t, StatusIndexing, reloadSource(t, db, fresh.ID).Status)
	assert.Equal(t, StatusReady, reloadSource(t, db, settled.ID).Status)
}
