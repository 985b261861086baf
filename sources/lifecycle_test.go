package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"docsbot_back/apierrors"
	"docsbot_back/bots"
	"docsbot_back/queue"
	"docsbot_back/teams"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []queue.Message
	fail      bool
}

func (f *fakePublisher) Publish(ctx context.Context, msg queue.Message) (string, error) {
	if f.fail {
		return "", errors.New("broker down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return fmt.Sprintf("1-%d", len(f.published)), nil
}

func (f *fakePublisher) messages() []queue.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]queue.Message, len(f.published))
	copy(out, f.published)
	return out
}

func newTestService(t *testing.T) (*Service, *fakePublisher, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&teams.Team{}, &bots.Bot{}, &Source{}))

	publisher := &fakePublisher{}
	service := NewService(db, teams.NewStore(db), publisher, nil, nil, &fakeCarbon{}, &fakeCrawler{})
	return service, publisher, db
}

func seedTeam(t *testing.T, db *gorm.DB, plan string) *teams.Team {
	t.Helper()
	team := &teams.Team{Name: "acme", PlanCode: plan, MemberCount: 1, CreatedBy: 1}
	require.NoError(t, db.Create(team).Error)
	return team
}

func seedBot(t *testing.T, db *gorm.DB, team *teams.Team) *bots.Bot {
	t.Helper()
	bot := &bots.Bot{TeamID: team.ID, Name: "support", IndexID: fmt.Sprintf("idx-%s", t.Name()), Status: "ready", CreatedBy: 1}
	require.NoError(t, db.Create(bot).Error)
	return bot
}

func reloadSource(t *testing.T, db *gorm.DB, id uint64) *Source {
	t.Helper()
	var source Source
	require.NoError(t, db.First(&source, id).Error)
	return &source
}

func TestCreateURLSource(t *testing.T) {
	service, publisher, db := newTestService(t)
	team := seedTeam(t, db, "free")
	bot := seedBot(t, db, team)

	source, err := service.CreateSource(context.Background(), team, bot, CreateSourceInput{
		Type:      "url",
		URL:       "https://docs.example.com/getting-started",
		Title:     "Getting started",
		CreatedBy: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, source.Status)

	msgs := publisher.messages()
	require.Len(t, msgs, 1)
	ingest, ok := msgs[0].(queue.IngestMessage)
	require.True(t, ok)
	assert.Equal(t, "ingest", ingest.Action())
	assert.Equal(t, source.ID, ingest.SourceID)
	assert.Equal(t, bot.IndexID, ingest.IndexID)
	assert.Equal(t, "https://docs.example.com/getting-started", ingest.URL)

	var reloadedTeam teams.Team
	require.NoError(t, db.First(&reloadedTeam, team.ID).Error)
	assert.Equal(t, 1, reloadedTeam.SourceCount)

	var reloadedBot bots.Bot
	require.NoError(t, db.First(&reloadedBot, bot.ID).Error)
	assert.Equal(t, 1, reloadedBot.SourceCount)
}

func TestCreateSourceRejectsUnknownType(t *testing.T) {
	service, _, db := newTestService(t)
	team := seedTeam(t, db, "free")
	bot := seedBot(t, db, team)

	_, err := service.CreateSource(context.Background(), team, bot, CreateSourceInput{Type: "ftp", URL: "https://x.test"})
	var invalid *apierrors.ValidationError
	assert.True(t, errors.As(err, &invalid))
}

func TestCreateSourceRejectsBadURL(t *testing.T) {
	service, _, db := newTestService(t)
	team := seedTeam(t, db, "free")
	bot := seedBot(t, db, team)

	_, err := service.CreateSource(context.Background(), team, bot, CreateSourceInput{Type: "url", URL: "not a url"})
	var invalid *apierrors.ValidationError
	assert.True(t, errors.As(err, &invalid))
}

func TestCreateProSourceRequiresPaidPlan(t *testing.T) {
	service, publisher, db := newTestService(t)
	team := seedTeam(t, db, "free")
	bot := seedBot(t, db, team)

	_, err := service.CreateSource(context.Background(), team, bot, CreateSourceInput{
		Type: "sitemap",
		URL:  "https://docs.example.com/sitemap.xml",
	})
	var required *apierrors.PlanRequiredError
	assert.True(t, errors.As(err, &required))
	assert.Empty(t, publisher.messages())
}

func TestCreateSourcePageQuota(t *testing.T) {
	service, _, db := newTestService(t)
	team := seedTeam(t, db, "free")
	bot := seedBot(t, db, team)

	team.PageCount = 49
	require.NoError(t, db.Model(team).Update("page_count", 49).Error)

	_, err := service.CreateSource(context.Background(), team, bot, CreateSourceInput{Type: "url", URL: "https://a.test/page"})
	require.NoError(t, err)

	team.PageCount = 50
	_, err = service.CreateSource(context.Background(), team, bot, CreateSourceInput{Type: "url", URL: "https://a.test/other"})
	var limit *apierrors.PlanLimitError
	assert.True(t, errors.As(err, &limit))
}

func TestCreateConnectorSourceSkipsQueue(t *testing.T) {
	service, publisher, db := newTestService(t)
	team := seedTeam(t, db, "power")
	bot := seedBot(t, db, team)

	source, err := service.CreateSource(context.Background(), team, bot, CreateSourceInput{Type: "notion"})
	require.NoError(t, err)
	assert.Equal(t, StatusIndexing, source.Status)
	require.NotNil(t, source.CarbonCustomerID)
	assert.Equal(t, fmt.Sprintf("team-%d", team.ID), *source.CarbonCustomerID)
	assert.Empty(t, publisher.messages())
}

func TestCreateCrawlSourceWaitsForRun(t *testing.T) {
	service, publisher, db := newTestService(t)
	team := seedTeam(t, db, "power")
	bot := seedBot(t, db, team)

	_, err := service.CreateSource(context.Background(), team, bot, CreateSourceInput{Type: "crawl", URL: "https://a.test"})
	var invalid *apierrors.ValidationError
	require.True(t, errors.As(err, &invalid), "crawl without run id must be rejected")

	source, err := service.CreateSource(context.Background(), team, bot, CreateSourceInput{
		Type:       "crawl",
		URL:        "https://a.test",
		CrawlRunID: "run-42",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, source.Status)
	assert.Empty(t, publisher.messages())
}

func TestCreateSourceRequiresConfiguredIntegration(t *testing.T) {
	service, publisher, db := newTestService(t)
	service.carbon = nil
	service.crawler = nil
	team := seedTeam(t, db, "power")
	bot := seedBot(t, db, team)
	ctx := context.Background()

	var upstream *apierrors.UpstreamError
	_, err := service.CreateSource(ctx, team, bot, CreateSourceInput{Type: "notion"})
	require.True(t, errors.As(err, &upstream), "connector kinds need the connector integration")

	_, err = service.CreateSource(ctx, team, bot, CreateSourceInput{
		Type:       "crawl",
		URL:        "https://a.test",
		CrawlRunID: "run-1",
	})
	require.True(t, errors.As(err, &upstream), "crawl kinds need the crawler integration")

	var count int64
	require.NoError(t, db.Model(&Source{}).Count(&count).Error)
	assert.EqualValues(t, 0, count, "rejected sources leave no record behind")
	assert.Empty(t, publisher.messages())
}

func TestQASourceMergesIntoExisting(t *testing.T) {
	service, publisher, db := newTestService(t)
	team := seedTeam(t, db, "power")
	bot := seedBot(t, db, team)
	ctx := context.Background()

	first, err := service.CreateSource(ctx, team, bot, CreateSourceInput{
		Type: "qa",
		FAQs: []FAQItem{{Question: "How do I reset my password?", Answer: "Use the reset link."}},
	})
	require.NoError(t, err)
	require.NoError(t, db.Model(&Source{}).Where("id = ?", first.ID).Update("status", StatusReady).Error)

	second, err := service.CreateSource(ctx, team, bot, CreateSourceInput{
		Type: "qa",
		FAQs: []FAQItem{
			{Question: "how do i reset my password?", Answer: "Click the reset link in the login form."},
			{Question: "Do you offer refunds?", Answer: "Within 30 days."},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "qa sources merge instead of multiplying")

	var count int64
	require.NoError(t, db.Model(&Source{}).Where("bot_id = ? AND type = ?", bot.ID, "qa").Count(&count).Error)
	assert.EqualValues(t, 1, count)

	var items []FAQItem
	require.NoError(t, json.Unmarshal(reloadSource(t, db, first.ID).FAQItems, &items))
	require.Len(t, items, 2)
	// a matching question replaces the old answer instead of duplicating
	assert.Equal(t, "Click the reset link in the login form.", items[0].Answer)

	assert.Len(t, publisher.messages(), 2)
}

func TestRetrySource(t *testing.T) {
	service, publisher, db := newTestService(t)
	team := seedTeam(t, db, "free")
	bot := seedBot(t, db, team)
	ctx := context.Background()

	reason := "fetch failed"
	url := "https://a.test/page"
	source := &Source{TeamID: team.ID, BotID: bot.ID, Type: "url", Status: StatusFailed, URL: &url, Error: &reason, ScheduleInterval: "none", CreatedBy: 1}
	require.NoError(t, db.Create(source).Error)

	retried, err := service.RetrySource(ctx, team, bot, source.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, retried.Status)
	assert.Nil(t, reloadSource(t, db, source.ID).Error)
	assert.Len(t, publisher.messages(), 1)

	// only failed sources can be retried
	_, err = service.RetrySource(ctx, team, bot, source.ID)
	var conflict *apierrors.ConflictError
	assert.True(t, errors.As(err, &conflict))
}

func TestRetryConnectorSourceReenablesPolling(t *testing.T) {
	service, publisher, db := newTestService(t)
	team := seedTeam(t, db, "power")
	bot := seedBot(t, db, team)

	customer := fmt.Sprintf("team-%d", team.ID)
	reason := "connector sync failed"
	source := &Source{TeamID: team.ID, BotID: bot.ID, Type: "notion", Status: StatusFailed, Error: &reason, CarbonCustomerID: &customer, ScheduleInterval: "none", CreatedBy: 1}
	require.NoError(t, db.Create(source).Error)

	retried, err := service.RetrySource(context.Background(), team, bot, source.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIndexing, retried.Status)
	assert.Nil(t, reloadSource(t, db, source.ID).Error)
	// the connector sweep polls indexing sources; nothing goes on the queue
	assert.Empty(t, publisher.messages())
}

func TestRefreshSource(t *testing.T) {
	service, publisher, db := newTestService(t)
	team := seedTeam(t, db, "power")
	bot := seedBot(t, db, team)
	ctx := context.Background()

	url := "https://a.test/page"
	source := &Source{TeamID: team.ID, BotID: bot.ID, Type: "url", Status: StatusReady, URL: &url, PageCount: 3, ScheduleInterval: "none", CreatedBy: 1}
	require.NoError(t, db.Create(source).Error)

	refreshed, err := service.RefreshSource(ctx, team, bot, source.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, refreshed.Status)
	assert.True(t, refreshed.Refreshing)

	msgs := publisher.messages()
	require.Len(t, msgs, 1)
	_, ok := msgs[0].(queue.RegestMessage)
	assert.True(t, ok)

	// a pending source cannot be refreshed again
	_, err = service.RefreshSource(ctx, team, bot, source.ID, nil)
	var conflict *apierrors.ConflictError
	assert.True(t, errors.As(err, &conflict))
}

func TestRefreshSourceSetsSchedule(t *testing.T) {
	service, _, db := newTestService(t)
	team := seedTeam(t, db, "power")
	bot := seedBot(t, db, team)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	url := "https://a.test/page"
	source := &Source{TeamID: team.ID, BotID: bot.ID, Type: "url", Status: StatusReady, URL: &url, ScheduleInterval: "none", CreatedBy: 1}
	require.NoError(t, db.Create(source).Error)

	weekly := teams.IntervalWeekly
	refreshed, err := service.RefreshSource(context.Background(), team, bot, source.ID, &weekly)
	require.NoError(t, err)
	assert.Equal(t, string(teams.IntervalWeekly), refreshed.ScheduleInterval)
	require.NotNil(t, refreshed.Scheduled)
	assert.Equal(t, now.Add(7*24*time.Hour), refreshed.Scheduled.UTC())
}

func TestDeleteSource(t *testing.T) {
	service, publisher, db := newTestService(t)
	team := seedTeam(t, db, "free")
	bot := seedBot(t, db, team)
	ctx := context.Background()

	require.NoError(t, db.Model(team).Updates(map[string]interface{}{"source_count": 2, "page_count": 9}).Error)
	require.NoError(t, db.Model(bot).Updates(map[string]interface{}{"source_count": 2, "page_count": 9}).Error)

	url := "https://a.test/page"
	busy := &Source{TeamID: team.ID, BotID: bot.ID, Type: "url", Status: StatusIndexing, URL: &url, ScheduleInterval: "none", CreatedBy: 1}
	ready := &Source{TeamID: team.ID, BotID: bot.ID, Type: "url", Status: StatusReady, URL: &url, PageCount: 5, ScheduleInterval: "none", CreatedBy: 1}
	require.NoError(t, db.Create(busy).Error)
	require.NoError(t, db.Create(ready).Error)

	err := service.DeleteSource(ctx, team, bot, busy.ID)
	var conflict *apierrors.ConflictError
	require.True(t, errors.As(err, &conflict), "in-flight sources cannot be deleted")

	require.NoError(t, service.DeleteSource(ctx, team, bot, ready.ID))

	var count int64
	require.NoError(t, db.Model(&Source{}).Where("id = ?", ready.ID).Count(&count).Error)
	assert.EqualValues(t, 0, count)

	var reloadedTeam teams.Team
	require.NoError(t, db.First(&reloadedTeam, team.ID).Error)
	assert.Equal(t, 1, reloadedTeam.SourceCount)
	assert.Equal(t, 4, reloadedTeam.PageCount)

	msgs := publisher.messages()
	require.Len(t, msgs, 1)
	expel, ok := msgs[0].(queue.ExpelMessage)
	require.True(t, ok)
	assert.Equal(t, ready.ID, expel.SourceID)
	assert.Equal(t, bot.IndexID, expel.IndexID)
}

func TestApplyWorkerStatusReady(t *testing.T) {
	service, _, db := newTestService(t)
	team := seedTeam(t, db, "power")
	bot := seedBot(t, db, team)
	ctx := context.Background()

	url := "https://a.test/page"
	source := &Source{TeamID: team.ID, BotID: bot.ID, Type: "url", Status: StatusProcessing, URL: &url, Refreshing: true, ScheduleInterval: "none", CreatedBy: 1}
	require.NoError(t, db.Create(source).Error)

	updated, err := service.ApplyWorkerStatus(ctx, source.ID, StatusReady, 8, "")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, updated.Status)
	assert.Equal(t, 8, updated.PageCount)
	assert.False(t, updated.Refreshing)

	var reloadedTeam teams.Team
	require.NoError(t, db.First(&reloadedTeam, team.ID).Error)
	assert.Equal(t, 8, reloadedTeam.PageCount)

	// a refresh that shrinks the source moves the counters back down
	_, err = service.ApplyWorkerStatus(ctx, source.ID, StatusReady, 6, "")
	require.NoError(t, err)
	require.NoError(t, db.First(&reloadedTeam, team.ID).Error)
	assert.Equal(t, 6, reloadedTeam.PageCount)

	var reloadedBot bots.Bot
	require.NoError(t, db.First(&reloadedBot, bot.ID).Error)
	assert.Equal(t, 6, reloadedBot.PageCount)
}

func TestApplyWorkerStatusFailed(t *testing.T) {
	service, _, db := newTestService(t)
	team := seedTeam(t, db, "free")
	bot := seedBot(t, db, team)

	url := "https://a.test/page"
	source := &Source{TeamID: team.ID, BotID: bot.ID, Type: "url", Status: StatusIndexing, URL: &url, Refreshing: true, ScheduleInterval: "none", CreatedBy: 1}
	require.NoError(t, db.Create(source).Error)

	updated, err := service.ApplyWorkerStatus(context.Background(), source.ID, StatusFailed, 0, "page returned 404")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, updated.Status)
	require.NotNil(t, updated.Error)
	assert.Equal(t, "page returned 404", *updated.Error)
	assert.False(t, updated.Refreshing)
}

func TestApplyWorkerStatusRejectsUnknown(t *testing.T) {
	service, _, db := newTestService(t)
	team := seedTeam(t, db, "free")
	bot := seedBot(t, db, team)

	url := "https://a.test/page"
	source := &Source{TeamID: team.ID, BotID: bot.ID, Type: "url", Status: StatusPending, URL: &url, ScheduleInterval: "none", CreatedBy: 1}
	require.NoError(t, db.Create(source).Error)

	_, err := service.ApplyWorkerStatus(context.Background(), source.ID, "exploded", 0, "")
	var invalid *apierrors.ValidationError
	assert.True(t, errors.As(err, &invalid))
}

func TestPublishFailureMarksSourceFailed(t *testing.T) {
	service, publisher, db := newTestService(t)
	publisher.fail = true
	team := seedTeam(t, db, "free")
	bot := seedBot(t, db, team)

	_, err := service.CreateSource(context.Background(), team, bot, CreateSourceInput{Type: "url", URL: "https://a.test/page"})
	var upstream *apierrors.UpstreamError
	require.True(t, errors.As(err, &upstream))

	var source Source
	require.NoError(t, db.Where("bot_id = ?", bot.ID).First(&source).Error)
	assert.Equal(t, StatusFailed, source.Status)
	require.NotNil(t, source.Error)
	assert.Equal(t, "failed to enqueue ingestion", *source.Error)
}
