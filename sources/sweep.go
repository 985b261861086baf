package sources

import (
	"context"
	"errors"
	"fmt"
	"log"

	"docsbot_back/bots"
	"docsbot_back/connectors"
	"docsbot_back/teams"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const sweepConcurrency = 8

// SweepDueSources finds ready sources whose schedule has come due, advances
// each schedule from its previous value and enqueues a refresh. Per-source
// failures clear that source's schedule instead of retrying forever, so a
// downgraded plan or a broken source cannot wedge the sweep.
func (s *Service) SweepDueSources(ctx context.Context) error {
	var due []Source
	err := s.db.WithContext(ctx).
		Where("schedule_interval <> ? AND scheduled IS NOT NULL AND scheduled <= ? AND status = ? AND refreshing = ?",
			string(teams.IntervalNone), s.now(), StatusReady, false).
		Find(&due).Error
	if err != nil {
		return fmt.Errorf("sources: list due sources: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(sweepConcurrency)
	for i := range due {
		source := due[i]
		group.Go(func() error {
			s.refreshDueSource(groupCtx, source)
			return nil
		})
	}
	return group.Wait()
}

func (s *Service) refreshDueSource(ctx context.Context, source Source) {
	team, err := s.teams.Find(ctx, source.TeamID)
	if err != nil {
		log.Printf("sources: sweep: load team %d for source %d: %v", source.TeamID, source.ID, err)
		return
	}

	interval, ok := teams.ParseInterval(source.ScheduleInterval)
	if !ok || interval == teams.IntervalNone || source.Scheduled == nil {
		s.clearSchedule(ctx, source.ID)
		return
	}

	// the next run counts from the previous slot, not from sweep time, so
	// cadence does not drift with cron latency
	next, err := ComputeNextSchedule(team, interval, *source.Scheduled)
	if err != nil {
		log.Printf("sources: sweep: schedule for source %d no longer allowed, clearing: %v", source.ID, err)
		s.clearSchedule(ctx, source.ID)
		return
	}

	bot, err := s.loadBot(ctx, source.BotID)
	if err != nil {
		log.Printf("sources: sweep: load bot %d for source %d: %v", source.BotID, source.ID, err)
		s.clearSchedule(ctx, source.ID)
		return
	}

	result := s.db.WithContext(ctx).Model(&Source{}).
		Where("id = ? AND status = ? AND refreshing = ?", source.ID, StatusReady, false).
		Updates(map[string]interface{}{
			"status":     StatusPending,
			"refreshing": true,
			"scheduled":  next,
		})
	if result.Error != nil {
		log.Printf("sources: sweep: claim source %d: %v", source.ID, result.Error)
		return
	}
	if result.RowsAffected == 0 {
		return
	}

	if _, err := s.publisher.Publish(ctx, s.regestMessage(&source, bot)); err != nil {
		log.Printf("sources: sweep: enqueue refresh for source %d failed, clearing schedule: %v", source.ID, err)
		s.markFailed(ctx, source.ID, "failed to enqueue scheduled refresh")
		s.clearSchedule(ctx, source.ID)
	}
}

// SweepCarbonConnectors polls the connector platform for sources waiting on a
// managed sync and settles them once every file has synced.
func (s *Service) SweepCarbonConnectors(ctx context.Context) error {
	if s.carbon == nil {
		return nil
	}

	var waiting []Source
	err := s.db.WithContext(ctx).
		Where("status = ? AND carbon_customer_id IS NOT NULL AND type IN ?", StatusIndexing, connectorKindNames()).
		Find(&waiting).Error
	if err != nil {
		return fmt.Errorf("sources: list connector sources: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(sweepConcurrency)
	for i := range waiting {
		source := waiting[i]
		group.Go(func() error {
			s.pollConnectorSource(groupCtx, source)
			return nil
		})
	}
	return group.Wait()
}

func (s *Service) pollConnectorSource(ctx context.Context, source Source) {
	kind, ok := KindByName(source.Type)
	if !ok || source.CarbonCustomerID == nil {
		return
	}

	files, err := s.carbon.ListFiles(ctx, *source.CarbonCustomerID, kind.CarbonFilter)
	if err != nil {
		log.Printf("sources: sweep: list connector files for source %d: %v", source.ID, err)
		return
	}
	if len(files) == 0 {
		return
	}

	syncing := 0
	failed := 0
	for _, file := range files {
		switch file.SyncStatus {
		case connectors.FileStatusError:
			failed++
		case connectors.FileStatusSyncing, connectors.FileStatusQueued:
			syncing++
		}
	}

	switch {
	case failed > 0:
		s.markFailed(ctx, source.ID, "connector sync failed")
	case syncing > 0:
		// still syncing upstream; next sweep picks it up
	default:
		if err := s.completeSource(ctx, &source, len(files)); err != nil {
			log.Printf("sources: sweep: settle connector source %d: %v", source.ID, err)
			return
		}
		s.supersedeOlderConnectorSources(ctx, &source)
	}
}

// supersedeOlderConnectorSources drops settled older connector sources of the
// same type once a newer sync covers their content, returning their pages to
// the budget. The connector re-syncs everything, so the old records are
// duplicates by construction.
func (s *Service) supersedeOlderConnectorSources(ctx context.Context, source *Source) {
	var stale []Source
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND type = ? AND id < ? AND status IN ?",
			source.BotID, source.Type, source.ID, []string{StatusReady, StatusFailed}).
		Find(&stale).Error
	if err != nil {
		log.Printf("sources: sweep: list superseded sources for %d: %v", source.ID, err)
		return
	}

	for _, old := range stale {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Delete(&Source{}, old.ID).Error; err != nil {
				return err
			}
			if err := tx.Model(&teams.Team{}).Where("id = ?", old.TeamID).Updates(map[string]interface{}{
				"source_count": gorm.Expr("source_count - 1"),
				"page_count":   gorm.Expr("page_count - ?", old.PageCount),
			}).Error; err != nil {
				return err
			}
			return tx.Model(&bots.Bot{}).Where("id = ?", old.BotID).Updates(map[string]interface{}{
				"source_count": gorm.Expr("source_count - 1"),
				"page_count":   gorm.Expr("page_count - ?", old.PageCount),
			}).Error
		})
		if err != nil {
			log.Printf("sources: sweep: supersede source %d: %v", old.ID, err)
		}
	}
}

// SweepCrawlJobs polls crawl runs for sources waiting on an external crawler
// and enqueues ingestion when a run succeeds.
func (s *Service) SweepCrawlJobs(ctx context.Context) error {
	if s.crawler == nil {
		return nil
	}

	var waiting []Source
	err := s.db.WithContext(ctx).
		Where("status = ? AND type = ? AND crawl_run_id IS NOT NULL", StatusProcessing, "crawl").
		Find(&waiting).Error
	if err != nil {
		return fmt.Errorf("sources: list crawl sources: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(sweepConcurrency)
	for i := range waiting {
		source := waiting[i]
		group.Go(func() error {
			s.pollCrawlSource(groupCtx, source)
			return nil
		})
	}
	return group.Wait()
}

func (s *Service) pollCrawlSource(ctx context.Context, source Source) {
	if source.CrawlRunID == nil {
		return
	}

	status, err := s.crawler.GetRunStatus(ctx, *source.CrawlRunID)
	if err != nil {
		log.Printf("sources: sweep: crawl run status for source %d: %v", source.ID, err)
		return
	}

	switch status {
	case connectors.RunStatusRunning:
	case connectors.RunStatusFailed:
		s.markFailed(ctx, source.ID, "crawl failed")
	case connectors.RunStatusSucceeded:
		bot, err := s.loadBot(ctx, source.BotID)
		if err != nil {
			log.Printf("sources: sweep: load bot %d for crawl source %d: %v", source.BotID, source.ID, err)
			return
		}

		result := s.db.WithContext(ctx).Model(&Source{}).
			Where("id = ? AND status = ?", source.ID, StatusProcessing).
			Update("status", StatusPending)
		if result.Error != nil {
			log.Printf("sources: sweep: claim crawl source %d: %v", source.ID, result.Error)
			return
		}
		if result.RowsAffected == 0 {
			return
		}

		if _, err := s.publisher.Publish(ctx, s.ingestMessage(&source, bot)); err != nil {
			log.Printf("sources: sweep: enqueue crawl ingest for source %d: %v", source.ID, err)
			s.markFailed(ctx, source.ID, "failed to enqueue ingestion")
		}
	default:
		log.Printf("sources: sweep: unexpected crawl run status %q for source %d", status, source.ID)
	}
}

// SweepStuckSources fails sources that have sat in a non-terminal status past
// the stale window. A lost queue message or a crashed worker otherwise leaves
// the record in-flight forever, blocking retry and delete.
func (s *Service) SweepStuckSources(ctx context.Context) error {
	cutoff := s.now().Add(-s.staleAfter)

	result := s.db.WithContext(ctx).Model(&Source{}).
		Where("status IN ? AND updated_at < ?", []string{StatusPending, StatusIndexing, StatusProcessing}, cutoff).
		Updates(map[string]interface{}{
			"status":     StatusFailed,
			"error":      "ingestion timed out",
			"refreshing": false,
		})
	if result.Error != nil {
		return fmt.Errorf("sources: sweep stuck sources: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Printf("sources: sweep: timed out %d stuck sources", result.RowsAffected)
	}
	return nil
}

func (s *Service) clearSchedule(ctx context.Context, sourceID uint64) {
	err := s.db.WithContext(ctx).Model(&Source{}).Where("id = ?", sourceID).
		Updates(map[string]interface{}{
			"schedule_interval": string(teams.IntervalNone),
			"scheduled":         nil,
		}).Error
	if err != nil {
		log.Printf("sources: clear schedule for source %d: %v", sourceID, err)
	}
}

func (s *Service) loadBot(ctx context.Context, botID uint64) (*bots.Bot, error) {
	var bot bots.Bot
	if err := s.db.WithContext(ctx).First(&bot, "id = ?", botID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("sources: bot %d not found", botID)
		}
		return nil, fmt.Errorf("sources: load bot %d: %w", botID, err)
	}
	return &bot, nil
}

func connectorKindNames() []string {
	names := make([]string, 0, len(kindRegistry))
	for name, kind := range kindRegistry {
		if kind.Connector {
			names = append(names, name)
		}
	}
	return names
}
