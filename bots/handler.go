package bots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"docsbot_back/apierrors"
	"docsbot_back/authorization"
	"docsbot_back/storage"
	"docsbot_back/teams"
	"docsbot_back/vectorstore"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Module wires bot CRUD under each team. Creating a bot provisions its
// vector-index schema; deleting one cascades to its sources, its schema and
// its stored documents.
type Module struct {
	db        *gorm.DB
	teams     *teams.Module
	vectors   *vectorstore.Client
	documents ObjectStore
}

// ObjectStore removes stored document objects when a bot's sources go away.
type ObjectStore interface {
	Remove(ctx context.Context, keys []string) error
}

type createBotRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// RegisterRoutes bootstraps bot endpoints under /teams/:teamId/bots.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, teamsModule *teams.Module, vectors *vectorstore.Client, documents *storage.DocumentStorage) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Bot{}); err != nil {
		return nil, fmt.Errorf("bots: migrate tables: %w", err)
	}

	module := &Module{db: db, teams: teamsModule, vectors: vectors}
	// keep the interface nil when storage is unconfigured, so the nil check
	// in removeBot works
	if documents != nil {
		module.documents = documents
	}

	group := router.Group("/teams/:teamId/bots")
	group.Use(guard.RequireAuthenticated())
	group.POST("", module.handleCreateBot)
	group.GET("", module.handleListBots)
	group.GET("/:botId", module.handleGetBot)
	group.DELETE("/:botId", module.handleDeleteBot)

	return module, nil
}

func (m *Module) handleCreateBot(c *gin.Context) {
	team, err := m.teams.RequireTeam(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		apierrors.Respond(c, apierrors.Invalid("bot name is required"))
		return
	}

	if err := teams.CheckBotQuota(team); err != nil {
		apierrors.Respond(c, err)
		return
	}

	ctx := c.Request.Context()
	indexID := uuid.NewString()
	if err := m.vectors.CreateSchema(ctx, indexID); err != nil {
		log.Printf("bots: create schema for new bot failed: %v", err)
		apierrors.Respond(c, apierrors.Upstream("vector index provisioning failed", err))
		return
	}

	bot := Bot{
		TeamID:    team.ID,
		Name:      name,
		IndexID:   indexID,
		Status:    "ready",
		CreatedBy: authorization.CurrentUserID(c),
	}
	if description := strings.TrimSpace(req.Description); description != "" {
		bot.Description = &description
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&bot).Error; err != nil {
			return err
		}
		return tx.Model(&teams.Team{}).Where("id = ?", team.ID).
			Update("bot_count", gorm.Expr("bot_count + 1")).Error
	})
	if err != nil {
		// schema already exists upstream; leave it for the reconcile sweep
		log.Printf("bots: create bot failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create bot"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"bot": bot})
}

func (m *Module) handleListBots(c *gin.Context) {
	team, err := m.teams.RequireTeam(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	var bots []Bot
	if err := m.db.WithContext(c.Request.Context()).
		Where("team_id = ?", team.ID).
		Order("created_at desc").
		Find(&bots).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list bots"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"bots": bots})
}

func (m *Module) handleGetBot(c *gin.Context) {
	team, err := m.teams.RequireTeam(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	bot, err := m.fetchBot(c.Request.Context(), team.ID, c.Param("botId"))
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"bot": bot})
}

func (m *Module) handleDeleteBot(c *gin.Context) {
	team, err := m.teams.RequireTeam(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	ctx := c.Request.Context()
	bot, err := m.fetchBot(ctx, team.ID, c.Param("botId"))
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	if err := m.removeBot(ctx, team, bot); err != nil {
		var conflict *apierrors.ConflictError
		if errors.As(err, &conflict) {
			apierrors.Respond(c, err)
			return
		}
		log.Printf("bots: delete bot %d failed: %v", bot.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete bot"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// removeBot cascades a bot delete: its source rows, the team counters, the
// vector schema and the documents its file sources stored. Schema and object
// cleanup is best effort once the records are gone.
func (m *Module) removeBot(ctx context.Context, team *teams.Team, bot *Bot) error {
	var busy int64
	if err := m.db.WithContext(ctx).Table("sources").
		Where("bot_id = ? AND status IN ?", bot.ID, []string{"pending", "indexing", "processing"}).
		Count(&busy).Error; err != nil {
		return fmt.Errorf("bots: check sources for bot %d: %w", bot.ID, err)
	}
	if busy > 0 {
		return apierrors.Conflict("bot has sources still being ingested")
	}

	var sourceCount int64
	var pageSum struct{ Total int64 }
	if err := m.db.WithContext(ctx).Table("sources").Where("bot_id = ?", bot.ID).Count(&sourceCount).Error; err != nil {
		return fmt.Errorf("bots: count sources for bot %d: %w", bot.ID, err)
	}
	if err := m.db.WithContext(ctx).Table("sources").
		Select("COALESCE(SUM(page_count), 0) as total").
		Where("bot_id = ?", bot.ID).
		Scan(&pageSum).Error; err != nil {
		return fmt.Errorf("bots: sum pages for bot %d: %w", bot.ID, err)
	}

	// collect before the rows disappear
	fileKeys, err := m.collectFileKeys(ctx, bot.ID)
	if err != nil {
		return err
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM sources WHERE bot_id = ?", bot.ID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&Bot{}, bot.ID).Error; err != nil {
			return err
		}
		return tx.Model(&teams.Team{}).Where("id = ?", team.ID).Updates(map[string]interface{}{
			"bot_count":    gorm.Expr("bot_count - 1"),
			"source_count": gorm.Expr("source_count - ?", sourceCount),
			"page_count":   gorm.Expr("page_count - ?", pageSum.Total),
		}).Error
	})
	if err != nil {
		return fmt.Errorf("bots: delete bot %d: %w", bot.ID, err)
	}

	if m.vectors != nil {
		if err := m.vectors.DeleteSchema(ctx, bot.IndexID); err != nil {
			log.Printf("bots: delete schema %s failed: %v", bot.IndexID, err)
		}
	}
	if len(fileKeys) > 0 && m.documents != nil {
		if err := m.documents.Remove(ctx, fileKeys); err != nil {
			log.Printf("bots: remove documents for bot %d failed: %v", bot.ID, err)
		}
	}
	return nil
}

// collectFileKeys gathers the object keys referenced by a bot's file sources.
func (m *Module) collectFileKeys(ctx context.Context, botID uint64) ([]string, error) {
	var blobs [][]byte
	if err := m.db.WithContext(ctx).Table("sources").
		Where("bot_id = ? AND file_keys IS NOT NULL", botID).
		Pluck("file_keys", &blobs).Error; err != nil {
		return nil, fmt.Errorf("bots: collect file keys for bot %d: %w", botID, err)
	}

	var keys []string
	for _, blob := range blobs {
		if len(blob) == 0 {
			continue
		}
		var decoded []string
		if err := json.Unmarshal(blob, &decoded); err != nil {
			continue
		}
		keys = append(keys, decoded...)
	}
	return keys, nil
}

func (m *Module) fetchBot(ctx context.Context, teamID uint64, param string) (*Bot, error) {
	botID, err := strconv.ParseUint(strings.TrimSpace(param), 10, 64)
	if err != nil || botID == 0 {
		return nil, apierrors.Invalid("invalid bot id")
	}

	var bot Bot
	if err := m.db.WithContext(ctx).Where("id = ? AND team_id = ?", botID, teamID).First(&bot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierrors.NotFound("bot %d not found", botID)
		}
		return nil, fmt.Errorf("bots: load bot %d: %w", botID, err)
	}
	return &bot, nil
}
