package teams

import (
	"context"
	"errors"
	"fmt"
	"log"

	"docsbot_back/apierrors"
	"gorm.io/gorm"
)

// Store provides team data access for this package and for the source
// lifecycle, which adjusts usage counters as ingestion completes.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an existing gorm connection.
func NewStore(db *gorm.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

// Find loads a team by primary key.
func (s *Store) Find(ctx context.Context, id uint64) (*Team, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("teams: store is not initialized")
	}
	var team Team
	if err := s.db.WithContext(ctx).First(&team, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierrors.NotFound("team %d not found", id)
		}
		return nil, fmt.Errorf("teams: load team %d: %w", id, err)
	}
	return &team, nil
}

// CounterDelta describes usage counter adjustments. Fields may be negative.
type CounterDelta struct {
	Bots      int
	Sources   int
	Pages     int
	Questions int
	Members   int
}

// AdjustCounters applies the delta with a single UPDATE using column
// expressions, so concurrent requests cannot lose increments.
func (s *Store) AdjustCounters(ctx context.Context, teamID uint64, delta CounterDelta) error {
	if s == nil || s.db == nil {
		return errors.New("teams: store is not initialized")
	}

	updates := make(map[string]interface{})
	if delta.Bots != 0 {
		updates["bot_count"] = gorm.Expr("bot_count + ?", delta.Bots)
	}
	if delta.Sources != 0 {
		updates["source_count"] = gorm.Expr("source_count + ?", delta.Sources)
	}
	if delta.Pages != 0 {
		updates["page_count"] = gorm.Expr("page_count + ?", delta.Pages)
	}
	if delta.Questions != 0 {
		updates["question_count"] = gorm.Expr("question_count + ?", delta.Questions)
	}
	if delta.Members != 0 {
		updates["member_count"] = gorm.Expr("member_count + ?", delta.Members)
	}
	if len(updates) == 0 {
		return nil
	}

	result := s.db.WithContext(ctx).Model(&Team{}).Where("id = ?", teamID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("teams: adjust counters for team %d: %w", teamID, result.Error)
	}
	if result.RowsAffected == 0 {
		return apierrors.NotFound("team %d not found", teamID)
	}
	return nil
}

// ReconcileUsage recomputes every team's counters from the bots, sources,
// questions and team_members tables. Counters drift when worker callbacks
// and record deletes race; this job converges them.
func (s *Store) ReconcileUsage(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("teams: store is not initialized")
	}

	var teamIDs []uint64
	if err := s.db.WithContext(ctx).Model(&Team{}).Pluck("id", &teamIDs).Error; err != nil {
		return fmt.Errorf("teams: list teams for reconcile: %w", err)
	}

	for _, teamID := range teamIDs {
		if err := s.reconcileTeam(ctx, teamID); err != nil {
			log.Printf("teams: reconcile team %d failed: %v", teamID, err)
		}
	}
	return nil
}

func (s *Store) reconcileTeam(ctx context.Context, teamID uint64) error {
	var (
		botCount      int64
		sourceCount   int64
		questionCount int64
		memberCount   int64
		pageSum       struct{ Total int64 }
	)

	db := s.db.WithContext(ctx)
	if err := db.Table("bots").Where("team_id = ?", teamID).Count(&botCount).Error; err != nil {
		return err
	}
	if err := db.Table("sources").Where("team_id = ?", teamID).Count(&sourceCount).Error; err != nil {
		return err
	}
	if err := db.Table("sources").Select("COALESCE(SUM(page_count), 0) as total").Where("team_id = ?", teamID).Scan(&pageSum).Error; err != nil {
		return err
	}
	if err := db.Table("questions").Where("team_id = ?", teamID).Count(&questionCount).Error; err != nil {
		return err
	}
	if err := db.Table("team_members").Where("team_id = ? AND status = ?", teamID, "active").Count(&memberCount).Error; err != nil {
		return err
	}
	if memberCount == 0 {
		memberCount = 1
	}

	return db.Model(&Team{}).Where("id = ?", teamID).Updates(map[string]interface{}{
		"bot_count":      botCount,
		"source_count":   sourceCount,
		"page_count":     pageSum.Total,
		"question_count": questionCount,
		"member_count":   memberCount,
	}).Error
}
