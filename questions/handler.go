package questions

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docsbot_back/apierrors"
	"docsbot_back/authorization"
	"docsbot_back/bots"
	"docsbot_back/queue"
	"docsbot_back/teams"
	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 25
	maxPageSize     = 100
)

// Module wires the question log endpoints: logging exchanges with quota
// gating, paged listing, visitor feedback, CSV export and the mailed report.
type Module struct {
	db        *gorm.DB
	teams     *teams.Module
	publisher *queue.Publisher
}

type logQuestionRequest struct {
	Question  string   `json:"question" binding:"required"`
	Answer    string   `json:"answer" binding:"required"`
	SourceIDs []uint64 `json:"source_ids"`
	VisitorID string   `json:"visitor_id"`
}

type rateQuestionRequest struct {
	Rating int `json:"rating"`
}

type reportRequest struct {
	Month string `json:"month"`
	Email string `json:"email" binding:"required"`
}

// RegisterRoutes bootstraps question endpoints under /teams/:teamId/bots/:botId.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, teamsModule *teams.Module, publisher *queue.Publisher) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Question{}); err != nil {
		return nil, fmt.Errorf("questions: migrate tables: %w", err)
	}

	module := &Module{db: db, teams: teamsModule, publisher: publisher}

	group := router.Group("/teams/:teamId/bots/:botId/questions")
	group.Use(guard.RequireAuthenticated())
	group.POST("", module.handleLogQuestion)
	group.GET("", module.handleListQuestions)
	group.GET("/export", module.handleExportCSV)
	group.POST("/report", module.handleSendReport)
	group.PUT("/:questionId/rating", module.handleRateQuestion)
	group.POST("/:questionId/escalate", module.handleEscalateQuestion)

	return module, nil
}

func (m *Module) handleLogQuestion(c *gin.Context) {
	team, bot, err := m.requireTeamAndBot(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	var req logQuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	if err := teams.CheckQuestionQuota(team); err != nil {
		apierrors.Respond(c, err)
		return
	}

	question := Question{
		TeamID:   team.ID,
		BotID:    bot.ID,
		Question: strings.TrimSpace(req.Question),
		Answer:   req.Answer,
	}
	if question.Question == "" {
		apierrors.Respond(c, apierrors.Invalid("question text is required"))
		return
	}
	if visitor := strings.TrimSpace(req.VisitorID); visitor != "" {
		question.VisitorID = &visitor
	}
	if len(req.SourceIDs) > 0 {
		encoded, err := json.Marshal(req.SourceIDs)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record question"})
			return
		}
		question.SourceIDs = datatypes.JSON(encoded)
	}

	err = m.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&question).Error; err != nil {
			return err
		}
		if err := tx.Model(&teams.Team{}).Where("id = ?", team.ID).
			Update("question_count", gorm.Expr("question_count + 1")).Error; err != nil {
			return err
		}
		return tx.Model(&bots.Bot{}).Where("id = ?", bot.ID).
			Update("question_count", gorm.Expr("question_count + 1")).Error
	})
	if err != nil {
		log.Printf("questions: log question failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record question"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"question": question})
}

func (m *Module) handleListQuestions(c *gin.Context) {
	_, bot, err := m.requireTeamAndBot(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultPageSize)))
	if pageSize < 1 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}

	ctx := c.Request.Context()
	query := m.db.WithContext(ctx).Model(&Question{}).Where("bot_id = ?", bot.ID)
	if c.Query("escalated") == "true" {
		query = query.Where("escalated = ?", true)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count questions"})
		return
	}

	var records []Question
	if err := query.
		Order("created_at desc").
		Limit(pageSize).
		Offset((page - 1) * pageSize).
		Find(&records).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list questions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"questions": records,
		"page":      page,
		"per_page":  pageSize,
		"total":     total,
	})
}

func (m *Module) handleRateQuestion(c *gin.Context) {
	_, bot, err := m.requireTeamAndBot(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	var req rateQuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if req.Rating < -1 || req.Rating > 1 {
		apierrors.Respond(c, apierrors.Invalid("rating must be -1, 0 or 1"))
		return
	}

	question, err := m.fetchQuestion(c.Request.Context(), bot.ID, c.Param("questionId"))
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	if err := m.db.WithContext(c.Request.Context()).Model(&Question{}).
		Where("id = ?", question.ID).
		Update("rating", req.Rating).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rate question"})
		return
	}
	question.Rating = req.Rating
	c.JSON(http.StatusOK, gin.H{"question": question})
}

func (m *Module) handleEscalateQuestion(c *gin.Context) {
	_, bot, err := m.requireTeamAndBot(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	question, err := m.fetchQuestion(c.Request.Context(), bot.ID, c.Param("questionId"))
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	if err := m.db.WithContext(c.Request.Context()).Model(&Question{}).
		Where("id = ?", question.ID).
		Update("escalated", true).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to escalate question"})
		return
	}
	question.Escalated = true
	c.JSON(http.StatusOK, gin.H{"question": question})
}

// handleExportCSV streams the bot's question log as CSV, newest first.
func (m *Module) handleExportCSV(c *gin.Context) {
	_, bot, err := m.requireTeamAndBot(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	var records []Question
	if err := m.db.WithContext(c.Request.Context()).
		Where("bot_id = ?", bot.ID).
		Order("created_at desc").
		Find(&records).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export questions"})
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=questions-bot-%d.csv", bot.ID))

	writer := csv.NewWriter(c.Writer)
	_ = writer.Write([]string{"id", "asked_at", "question", "answer", "rating", "escalated"})
	for _, record := range records {
		_ = writer.Write([]string{
			strconv.FormatUint(record.ID, 10),
			record.CreatedAt.Format(time.RFC3339),
			record.Question,
			record.Answer,
			strconv.Itoa(record.Rating),
			strconv.FormatBool(record.Escalated),
		})
	}
	writer.Flush()
}

// handleSendReport enqueues a usage report for the workers to assemble and
// mail out.
func (m *Module) handleSendReport(c *gin.Context) {
	team, bot, err := m.requireTeamAndBot(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	month := strings.TrimSpace(req.Month)
	if month == "" {
		month = time.Now().Format("2006-01")
	}
	if _, err := time.Parse("2006-01", month); err != nil {
		apierrors.Respond(c, apierrors.Invalid("month must look like 2006-01"))
		return
	}

	msg := queue.ReportMessage{
		TeamID: team.ID,
		BotID:  bot.ID,
		Month:  month,
		Email:  strings.TrimSpace(req.Email),
	}
	if _, err := m.publisher.Publish(c.Request.Context(), msg); err != nil {
		log.Printf("questions: enqueue report failed: %v", err)
		apierrors.Respond(c, apierrors.Upstream("failed to enqueue report", err))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (m *Module) requireTeamAndBot(c *gin.Context) (*teams.Team, *bots.Bot, error) {
	team, err := m.teams.RequireTeam(c)
	if err != nil {
		return nil, nil, err
	}

	botID, err := strconv.ParseUint(strings.TrimSpace(c.Param("botId")), 10, 64)
	if err != nil || botID == 0 {
		return nil, nil, apierrors.Invalid("invalid bot id")
	}

	var bot bots.Bot
	if err := m.db.WithContext(c.Request.Context()).Where("id = ? AND team_id = ?", botID, team.ID).First(&bot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apierrors.NotFound("bot %d not found", botID)
		}
		return nil, nil, fmt.Errorf("questions: load bot %d: %w", botID, err)
	}
	return team, &bot, nil
}

func (m *Module) fetchQuestion(ctx context.Context, botID uint64, param string) (*Question, error) {
	questionID, err := strconv.ParseUint(strings.TrimSpace(param), 10, 64)
	if err != nil || questionID == 0 {
		return nil, apierrors.Invalid("invalid question id")
	}

	var question Question
	if err := m.db.WithContext(ctx).Where("id = ? AND bot_id = ?", questionID, botID).First(&question).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierrors.NotFound("question %d not found", questionID)
		}
		return nil, fmt.Errorf("questions: load question %d: %w", questionID, err)
	}
	return &question, nil
}
