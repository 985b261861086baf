package bots

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"docsbot_back/apierrors"
	"docsbot_back/teams"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeObjectStore struct {
	mu      sync.Mutex
	removed [][]string
}

func (f *fakeObjectStore) Remove(ctx context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, keys)
	return nil
}

func (f *fakeObjectStore) calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.removed))
	copy(out, f.removed)
	return out
}

func newTestModule(t *testing.T) (*Module, *fakeObjectStore, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&teams.Team{}, &Bot{}))
	require.NoError(t, db.Exec(`CREATE TABLE sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		team_id INTEGER, bot_id INTEGER,
		type TEXT, status TEXT,
		page_count INTEGER DEFAULT 0,
		file_keys TEXT)`).Error)

	objects := &fakeObjectStore{}
	return &Module{db: db, documents: objects}, objects, db
}

func TestRemoveBotCleansUpStoredDocuments(t *testing.T) {
	module, objects, db := newTestModule(t)

	team := &teams.Team{Name: "acme", PlanCode: "free", BotCount: 1, SourceCount: 2, PageCount: 6, MemberCount: 1, CreatedBy: 1}
	require.NoError(t, db.Create(team).Error)
	bot := &Bot{TeamID: team.ID, Name: "support", IndexID: "idx-1", Status: "ready", CreatedBy: 1}
	require.NoError(t, db.Create(bot).Error)

	require.NoError(t, db.Exec(
		`INSERT INTO sources (team_id, bot_id, type, status, page_count, file_keys) VALUES (?, ?, 'file', 'ready', 4, ?)`,
		team.ID, bot.ID, `["sources/1/1/manual.pdf","sources/1/1/faq.md"]`).Error)
	require.NoError(t, db.Exec(
		`INSERT INTO sources (team_id, bot_id, type, status, page_count) VALUES (?, ?, 'url', 'ready', 2)`,
		team.ID, bot.ID).Error)

	require.NoError(t, module.removeBot(context.Background(), team, bot))

	var botCount int64
	require.NoError(t, db.Model(&Bot{}).Count(&botCount).Error)
	assert.EqualValues(t, 0, botCount)

	var sourceCount int64
	require.NoError(t, db.Table("sources").Count(&sourceCount).Error)
	assert.EqualValues(t, 0, sourceCount)

	var reloaded teams.Team
	require.NoError(t, db.First(&reloaded, team.ID).Error)
	assert.Equal(t, 0, reloaded.BotCount)
	assert.Equal(t, 0, reloaded.SourceCount)
	assert.Equal(t, 0, reloaded.PageCount)

	removed := objects.calls()
	require.Len(t, removed, 1)
	assert.ElementsMatch(t, []string{"sources/1/1/manual.pdf", "sources/1/1/faq.md"}, removed[0])
}

func TestRemoveBotRejectsBusySources(t *testing.T) {
	module, objects, db := newTestModule(t)

	team := &teams.Team{Name: "acme", PlanCode: "free", BotCount: 1, SourceCount: 1, MemberCount: 1, CreatedBy: 1}
	require.NoError(t, db.Create(team).Error)
	bot := &Bot{TeamID: team.ID, Name: "support", IndexID: "idx-1", Status: "ready", CreatedBy: 1}
	require.NoError(t, db.Create(bot).Error)

	require.NoError(t, db.Exec(
		`INSERT INTO sources (team_id, bot_id, type, status) VALUES (?, ?, 'url', 'pending')`,
		team.ID, bot.ID).Error)

	err := module.removeBot(context.Background(), team, bot)
	var conflict *apierrors.ConflictError
	require.True(t, errors.As(err, &conflict))

	var botCount int64
	require.NoError(t, db.Model(&Bot{}).Count(&botCount).Error)
	assert.EqualValues(t, 1, botCount)
	assert.Empty(t, objects.calls())
}
