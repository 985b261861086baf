package teams

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"docsbot_back/apierrors"
	"docsbot_back/authorization"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Module wires team management endpoints: tenant CRUD, membership, usage
// and the billing portal handoff.
type Module struct {
	db      *gorm.DB
	store   *Store
	billing *BillingClient
}

type createTeamRequest struct {
	Name string `json:"name" binding:"required"`
	Plan string `json:"plan"`
}

type inviteMemberRequest struct {
	Username string `json:"username" binding:"required"`
	Role     string `json:"role"`
}

// RegisterRoutes bootstraps team endpoints under /teams plus the usage
// reconcile cron endpoint.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Team{}, &TeamMember{}); err != nil {
		return nil, fmt.Errorf("teams: migrate tables: %w", err)
	}

	billing, err := NewBillingClientFromEnv()
	if err != nil {
		return nil, err
	}

	module := &Module{db: db, store: NewStore(db), billing: billing}

	group := router.Group("/teams")
	group.Use(guard.RequireAuthenticated())
	group.POST("", module.handleCreateTeam)
	group.GET("", module.handleListTeams)
	group.GET("/:teamId", module.handleGetTeam)
	group.GET("/:teamId/usage", module.handleGetUsage)
	group.GET("/:teamId/members", module.handleListMembers)
	group.POST("/:teamId/members", module.handleInviteMember)
	group.POST("/:teamId/billing/portal", module.handleBillingPortal)

	router.GET("/cron/reconcile-usage", module.handleReconcileCron)
	router.GET("/cron/sync-plans", module.handleSyncPlansCron)

	return module, nil
}

// Store exposes the team store for other modules (source lifecycle adjusts
// usage counters through it).
func (m *Module) Store() *Store {
	if m == nil {
		return nil
	}
	return m.store
}

func (m *Module) handleCreateTeam(c *gin.Context) {
	userID := authorization.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	var req createTeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		apierrors.Respond(c, apierrors.Invalid("team name is required"))
		return
	}

	planCode := strings.ToLower(strings.TrimSpace(req.Plan))
	if planCode == "" {
		planCode = "free"
	}

	team := Team{
		Name:        name,
		PlanCode:    PlanByCode(planCode).Code,
		MemberCount: 1,
		CreatedBy:   userID,
	}

	err := m.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&team).Error; err != nil {
			return err
		}
		owner := TeamMember{TeamID: team.ID, UserID: userID, Role: "owner", Status: "active"}
		return tx.Create(&owner).Error
	})
	if err != nil {
		log.Printf("teams: create team failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create team"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"team": team})
}

func (m *Module) handleListTeams(c *gin.Context) {
	userID := authorization.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	var teams []Team
	err := m.db.WithContext(c.Request.Context()).
		Joins("JOIN team_members ON team_members.team_id = teams.id").
		Where("team_members.user_id = ? AND team_members.status = ?", userID, "active").
		Find(&teams).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list teams"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"teams": teams})
}

func (m *Module) handleGetTeam(c *gin.Context) {
	team, err := m.RequireTeam(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"team": team, "plan": PlanFor(team)})
}

func (m *Module) handleGetUsage(c *gin.Context) {
	team, err := m.RequireTeam(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	plan := PlanFor(team)
	c.JSON(http.StatusOK, gin.H{
		"usage": gin.H{
			"bots":      gin.H{"used": team.BotCount, "limit": plan.Bots},
			"pages":     gin.H{"used": team.PageCount, "limit": plan.Pages},
			"questions": gin.H{"used": team.QuestionCount, "limit": plan.Questions},
			"members":   gin.H{"used": team.MemberCount, "limit": plan.TeamMembers},
		},
		"plan": plan,
	})
}

func (m *Module) handleListMembers(c *gin.Context) {
	team, err := m.RequireTeam(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	var members []TeamMember
	if err := m.db.WithContext(c.Request.Context()).Where("team_id = ?", team.ID).Find(&members).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list members"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (m *Module) handleInviteMember(c *gin.Context) {
	team, err := m.RequireTeam(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	var req inviteMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	if err := CheckMemberQuota(team); err != nil {
		apierrors.Respond(c, err)
		return
	}

	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role == "" {
		role = "member"
	}
	if role != "member" && role != "owner" {
		apierrors.Respond(c, apierrors.Invalid("role must be member or owner"))
		return
	}

	ctx := c.Request.Context()
	var invitee authorization.User
	if err := m.db.WithContext(ctx).Where("username = ?", strings.TrimSpace(req.Username)).First(&invitee).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			apierrors.Respond(c, apierrors.NotFound("user %q not found", req.Username))
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up user"})
		}
		return
	}

	var existing int64
	if err := m.db.WithContext(ctx).Model(&TeamMember{}).
		Where("team_id = ? AND user_id = ?", team.ID, invitee.ID).
		Count(&existing).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check membership"})
		return
	}
	if existing > 0 {
		apierrors.Respond(c, apierrors.Conflict("user %q is already a member of this team", req.Username))
		return
	}

	member := TeamMember{TeamID: team.ID, UserID: invitee.ID, Role: role, Status: "active"}
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&member).Error; err != nil {
			return err
		}
		return tx.Model(&Team{}).Where("id = ?", team.ID).
			Update("member_count", gorm.Expr("member_count + 1")).Error
	})
	if err != nil {
		log.Printf("teams: invite member failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add member"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"member": member})
}

func (m *Module) handleBillingPortal(c *gin.Context) {
	team, err := m.RequireTeam(c)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}
	if m.billing == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "billing is not configured"})
		return
	}
	if team.BillingCustomerID == nil || strings.TrimSpace(*team.BillingCustomerID) == "" {
		apierrors.Respond(c, apierrors.Conflict("team has no billing customer yet"))
		return
	}

	returnURL := strings.TrimSpace(c.Query("return_url"))
	portalURL, err := m.billing.CreatePortalSession(c.Request.Context(), *team.BillingCustomerID, returnURL)
	if err != nil {
		log.Printf("teams: billing portal session failed: %v", err)
		apierrors.Respond(c, apierrors.Upstream("billing portal unavailable", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": portalURL})
}

func (m *Module) handleReconcileCron(c *gin.Context) {
	if !cronKeyMatches(c.Query("key")) {
		c.Status(http.StatusNotFound)
		return
	}

	if err := m.store.ReconcileUsage(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleSyncPlansCron converges stale plan codes against the billing
// provider. Downgrades take effect on the next quota check or sweep.
func (m *Module) handleSyncPlansCron(c *gin.Context) {
	if !cronKeyMatches(c.Query("key")) {
		c.Status(http.StatusNotFound)
		return
	}
	if m.billing == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "skipped": "billing is not configured"})
		return
	}

	ctx := c.Request.Context()
	var subscribed []Team
	if err := m.db.WithContext(ctx).
		Where("subscription_id IS NOT NULL AND subscription_id <> ''").
		Find(&subscribed).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	for _, team := range subscribed {
		code, err := m.billing.LookupSubscriptionPlan(ctx, *team.SubscriptionID)
		if err != nil {
			log.Printf("teams: sync plan for team %d failed: %v", team.ID, err)
			continue
		}
		resolved := PlanByCode(code).Code
		if resolved == team.PlanCode {
			continue
		}
		if err := m.db.WithContext(ctx).Model(&Team{}).Where("id = ?", team.ID).
			Update("plan_code", resolved).Error; err != nil {
			log.Printf("teams: update plan for team %d failed: %v", team.ID, err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RequireTeam loads the :teamId team and verifies the caller is an active
// member.
func (m *Module) RequireTeam(c *gin.Context) (*Team, error) {
	userID := authorization.CurrentUserID(c)
	if userID == 0 {
		return nil, apierrors.NotFound("team not found")
	}

	teamID, err := strconv.ParseUint(strings.TrimSpace(c.Param("teamId")), 10, 64)
	if err != nil || teamID == 0 {
		return nil, apierrors.Invalid("invalid team id")
	}

	ctx := c.Request.Context()
	team, err := m.store.Find(ctx, teamID)
	if err != nil {
		return nil, err
	}

	var membership int64
	if err := m.db.WithContext(ctx).Model(&TeamMember{}).
		Where("team_id = ? AND user_id = ? AND status = ?", teamID, userID, "active").
		Count(&membership).Error; err != nil {
		return nil, fmt.Errorf("teams: check membership: %w", err)
	}
	if membership == 0 {
		return nil, apierrors.NotFound("team %d not found", teamID)
	}
	return team, nil
}

func cronKeyMatches(key string) bool {
	expected := strings.TrimSpace(os.Getenv("CRON_KEY"))
	return expected != "" && key == expected
}
