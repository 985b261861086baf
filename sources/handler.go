package sources

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"docsbot_back/apierrors"
	"docsbot_back/authorization"
	"docsbot_back/bots"
	"docsbot_back/connectors"
	"docsbot_back/queue"
	"docsbot_back/storage"
	"docsbot_back/teams"
	"docsbot_back/vectorstore"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Module wires source endpoints under each bot, the worker callback, the
// status stream and the sweep cron endpoints.
type Module struct {
	db        *gorm.DB
	service   *Service
	teams     *teams.Module
	documents *storage.DocumentStorage
	hub       *streamHub
}

type createSourceRequest struct {
	Type             string    `json:"type" binding:"required"`
	Title            string    `json:"title"`
	URL              string    `json:"url"`
	ScheduleInterval string    `json:"schedule_interval"`
	FAQs             []FAQItem `json:"faqs"`
	CrawlRunID       string    `json:"crawl_run_id"`
	CarbonCustomerID string    `json:"carbon_customer_id"`
}

type refreshSourceRequest struct {
	ScheduleInterval *string `json:"schedule_interval"`
}

type workerStatusRequest struct {
	Status    string `json:"status" binding:"required"`
	PageCount int    `json:"page_count"`
	Error     string `json:"error"`
}

// RegisterRoutes bootstraps source endpoints under /teams/:teamId/bots/:botId
// plus the worker callback and the sweep cron endpoints.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, teamsModule *teams.Module, publisher *queue.Publisher, vectors *vectorstore.Client, documents *storage.DocumentStorage) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Source{}); err != nil {
		return nil, fmt.Errorf("sources: migrate tables: %w", err)
	}

	carbon, err := connectors.NewCarbonClientFromEnv()
	if err != nil {
		return nil, err
	}
	crawler, err := connectors.NewCrawlerClientFromEnv()
	if err != nil {
		return nil, err
	}

	// optional integrations stay nil interfaces when unconfigured, so the
	// service's nil checks work
	var (
		vectorAPI  VectorIndex
		objectAPI  ObjectStore
		carbonAPI  ConnectorAPI
		crawlerAPI CrawlerAPI
	)
	if vectors != nil {
		vectorAPI = vectors
	}
	if documents != nil {
		objectAPI = documents
	}
	if carbon != nil {
		carbonAPI = carbon
	}
	if crawler != nil {
		crawlerAPI = crawler
	}

	service := NewService(db, teamsModule.Store(), publisher, vectorAPI, objectAPI, carbonAPI, crawlerAPI)
	module := &Module{
		db:        db,
		service:   service,
		teams:     teamsModule,
		documents: documents,
		hub:       newStreamHub(),
	}

	group := router.Group("/teams/:teamId/bots/:botId/sources")
	group.Use(guard.RequireAuthenticated())
	group.POST("", module.handleCreateSource)
	group.GET("", module.handleListSources)
	group.GET("/stream", module.handleStream)
	group.GET("/:sourceId", module.handleGetSource)
	group.POST("/:sourceId/retry", module.handleRetrySource)
	group.POST("/:sourceId/refresh", module.handleRefreshSource)
	group.DELETE("/:sourceId", module.handleDeleteSource)

	router.POST("/internal/sources/:id/status", module.handleWorkerStatus)

	router.GET("/cron/sweep-due", module.cronHandler(service.SweepDueSources))
	router.GET("/cron/sweep-connectors", module.cronHandler(service.SweepCarbonConnectors))
	router.GET("/cron/sweep-crawls", module.cronHandler(service.SweepCrawlJobs))
	router.GET("/cron/sweep-stuck", module.cronHandler(service.SweepStuckSources))

	return module, nil
}

// Service exposes the lifecycle service for other modules.
func (m *Module) Service() *Service {
	if m == nil {
		return nil
	}
	return m.service
}

func (m *Module) handleCreateSource(c *gin.Context) {
	team, bot, err := m.requireTeamAndBot(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	input := CreateSourceInput{CreatedBy: authorization.CurrentUserID(c)}

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		input.Type = c.PostForm("type")
		if input.Type == "" {
			input.Type = "file"
		}
		input.Title = c.PostForm("title")
		input.URL = c.PostForm("url")
		input.ScheduleInterval, err = parseIntervalParam(c.PostForm("schedule_interval"))
		if err != nil {
			apierrors.Respond(c, err)
			return
		}

		fileHeader, err := c.FormFile("file")
		if err != nil {
			apierrors.Respond(c, apierrors.Invalid("a document upload is required"))
			return
		}
		if m.documents == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document uploads are not configured"})
			return
		}
		keys, err := m.documents.SaveUpload(c.Request.Context(), fileHeader, team.ID, bot.ID)
		if err != nil {
			log.Printf("sources: save upload failed: %v", err)
			apierrors.Respond(c, apierrors.Invalid("upload rejected: %v", err))
			return
		}
		input.FileKeys = keys
		if input.Title == "" {
			input.Title = fileHeader.Filename
		}
	} else {
		var req createSourceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
			return
		}
		input.Type = req.Type
		input.Title = req.Title
		input.URL = req.URL
		input.FAQs = req.FAQs
		input.CrawlRunID = req.CrawlRunID
		input.CarbonCustomerID = req.CarbonCustomerID
		input.ScheduleInterval, err = parseIntervalParam(req.ScheduleInterval)
		if err != nil {
			apierrors.Respond(c, err)
			return
		}
	}

	source, err := m.service.CreateSource(c.Request.Context(), team, bot, input)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	m.hub.broadcast(statusEvent{
		SourceID:  source.ID,
		BotID:     source.BotID,
		Status:    source.Status,
		PageCount: source.PageCount,
		Error:     source.Error,
	})
	c.JSON(http.StatusCreated, gin.H{"source": source})
}

func (m *Module) handleListSources(c *gin.Context) {
	_, bot, err := m.requireTeamAndBot(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	records, err := m.service.List(c.Request.Context(), bot.ID)
	if err != nil {
		log.Printf("sources: list failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sources"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": records})
}

func (m *Module) handleGetSource(c *gin.Context) {
	_, bot, err := m.requireTeamAndBot(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	sourceID, err := parseSourceID(c.Param("sourceId"))
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	source, err := m.service.fetch(c.Request.Context(), bot.ID, sourceID)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	response := gin.H{"source": source}
	if keys := decodeFileKeys(source.FileKeys); len(keys) > 0 && m.documents != nil {
		urls := make([]string, 0, len(keys))
		for _, key := range keys {
			urls = append(urls, m.documents.ObjectURL(key))
		}
		response["files"] = urls
	}
	c.JSON(http.StatusOK, response)
}

func (m *Module) handleRetrySource(c *gin.Context) {
	team, bot, err := m.requireTeamAndBot(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	sourceID, err := parseSourceID(c.Param("sourceId"))
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	source, err := m.service.RetrySource(c.Request.Context(), team, bot, sourceID)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	m.hub.broadcast(statusEvent{SourceID: source.ID, BotID: source.BotID, Status: source.Status, PageCount: source.PageCount})
	c.JSON(http.StatusOK, gin.H{"source": source})
}

func (m *Module) handleRefreshSource(c *gin.Context) {
	team, bot, err := m.requireTeamAndBot(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	sourceID, err := parseSourceID(c.Param("sourceId"))
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	var req refreshSourceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
			return
		}
	}

	var interval *teams.Interval
	if req.ScheduleInterval != nil {
		parsed, ok := teams.ParseInterval(*req.ScheduleInterval)
		if !ok {
			apierrors.Respond(c, apierrors.Invalid("unknown refresh interval %q", *req.ScheduleInterval))
			return
		}
		interval = &parsed
	}

	source, err := m.service.RefreshSource(c.Request.Context(), team, bot, sourceID, interval)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	m.hub.broadcast(statusEvent{SourceID: source.ID, BotID: source.BotID, Status: source.Status, PageCount: source.PageCount})
	c.JSON(http.StatusOK, gin.H{"source": source})
}

func (m *Module) handleDeleteSource(c *gin.Context) {
	team, bot, err := m.requireTeamAndBot(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	sourceID, err := parseSourceID(c.Param("sourceId"))
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	if err := m.service.DeleteSource(c.Request.Context(), team, bot, sourceID); err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// handleWorkerStatus is the callback the ingestion workers hit as a job moves
// through its states. It is authenticated by a shared key, not a user token.
func (m *Module) handleWorkerStatus(c *gin.Context) {
	if !workerKeyMatches(c.GetHeader("X-Worker-Key")) {
		c.Status(http.StatusNotFound)
		return
	}

	sourceID, err := parseSourceID(c.Param("id"))
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	var req workerStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	source, err := m.service.ApplyWorkerStatus(c.Request.Context(), sourceID, req.Status, req.PageCount, req.Error)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	m.hub.broadcast(statusEvent{
		SourceID:  source.ID,
		BotID:     source.BotID,
		Status:    source.Status,
		PageCount: source.PageCount,
		Error:     source.Error,
	})
	c.JSON(http.StatusOK, gin.H{"source": source})
}

func (m *Module) cronHandler(job func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cronKeyMatches(c.Query("key")) {
			c.Status(http.StatusNotFound)
			return
		}
		if err := job(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (m *Module) requireTeamAndBot(c *gin.Context) (*teams.Team, *bots.Bot, error) {
	team, err := m.teams.RequireTeam(c)
	if err != nil {
		return nil, nil, err
	}
	bot, err := m.fetchBot(c.Request.Context(), team.ID, c.Param("botId"))
	if err != nil {
		return nil, nil, err
	}
	return team, bot, nil
}

func (m *Module) fetchBot(ctx context.Context, teamID uint64, param string) (*bots.Bot, error) {
	botID, err := strconv.ParseUint(strings.TrimSpace(param), 10, 64)
	if err != nil || botID == 0 {
		return nil, apierrors.Invalid("invalid bot id")
	}

	var bot bots.Bot
	if err := m.db.WithContext(ctx).Where("id = ? AND team_id = ?", botID, teamID).First(&bot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierrors.NotFound("bot %d not found", botID)
		}
		return nil, fmt.Errorf("sources: load bot %d: %w", botID, err)
	}
	return &bot, nil
}

func parseSourceID(param string) (uint64, error) {
	sourceID, err := strconv.ParseUint(strings.TrimSpace(param), 10, 64)
	if err != nil || sourceID == 0 {
		return 0, apierrors.Invalid("invalid source id")
	}
	return sourceID, nil
}

func parseIntervalParam(raw string) (teams.Interval, error) {
	interval, ok := teams.ParseInterval(raw)
	if !ok {
		return teams.IntervalNone, apierrors.Invalid("unknown refresh interval %q", raw)
	}
	return interval, nil
}

func workerKeyMatches(key string) bool {
	expected := strings.TrimSpace(os.Getenv("WORKER_KEY"))
	return expected != "" && key == expected
}

func cronKeyMatches(key string) bool {
	expected := strings.TrimSpace(os.Getenv("CRON_KEY"))
	return expected != "" && key == expected
}
