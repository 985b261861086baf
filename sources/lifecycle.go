package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"docsbot_back/apierrors"
	"docsbot_back/bots"
	"docsbot_back/connectors"
	"docsbot_back/queue"
	"docsbot_back/teams"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultStaleAfter = 24 * time.Hour

// Publisher hands work to the out-of-process ingestion workers.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) (string, error)
}

// VectorIndex removes a deleted source's chunks from the bot's index.
type VectorIndex interface {
	DeleteBySource(ctx context.Context, indexID string, sourceID uint64) error
}

// ObjectStore removes uploaded document objects when a file source goes away.
type ObjectStore interface {
	Remove(ctx context.Context, keys []string) error
}

// ConnectorAPI reports the sync state of files behind a managed connector.
type ConnectorAPI interface {
	ListFiles(ctx context.Context, customerID, sourceFilter string) ([]connectors.ConnectorFile, error)
}

// CrawlerAPI reports the state of an external crawl run.
type CrawlerAPI interface {
	GetRunStatus(ctx context.Context, runID string) (string, error)
}

// Service owns the source lifecycle: creation with quota gating, the retry and
// refresh transitions, deletion, worker status callbacks and the periodic
// sweeps. All state transitions out of user-visible statuses go through
// conditional updates so concurrent requests cannot double-fire work.
type Service struct {
	db         *gorm.DB
	teams      *teams.Store
	publisher  Publisher
	vectors    VectorIndex
	objects    ObjectStore
	carbon     ConnectorAPI
	crawler    CrawlerAPI
	now        func() time.Time
	staleAfter time.Duration
}

// NewService wires the lifecycle service. objects, carbon and crawler may be
// nil when the matching integration is not configured; the paths needing them
// degrade to no-ops or skips.
func NewService(db *gorm.DB, teamStore *teams.Store, publisher Publisher, vectors VectorIndex, objects ObjectStore, carbon ConnectorAPI, crawler CrawlerAPI) *Service {
	staleAfter := defaultStaleAfter
	if raw := strings.TrimSpace(os.Getenv("SOURCE_STALE_HOURS")); raw != "" {
		if hours, err := strconv.Atoi(raw); err == nil && hours > 0 {
			staleAfter = time.Duration(hours) * time.Hour
		}
	}

	return &Service{
		db:         db,
		teams:      teamStore,
		publisher:  publisher,
		vectors:    vectors,
		objects:    objects,
		carbon:     carbon,
		crawler:    crawler,
		now:        time.Now,
		staleAfter: staleAfter,
	}
}

// CreateSourceInput carries the user-facing fields for a new source. FileKeys
// are object keys already saved to document storage by the upload handler.
type CreateSourceInput struct {
	Type             string
	Title            string
	URL              string
	FileKeys         []string
	FAQs             []FAQItem
	ScheduleInterval teams.Interval
	CrawlRunID       string
	CarbonCustomerID string
	CreatedBy        uint64
}

// CreateSource validates the input against the kind registry and the team's
// plan, persists the record and enqueues ingestion. Connector kinds start in
// indexing and are driven by the connector sweep; crawl kinds start in
// processing and are driven by the crawl sweep. qa sources merge into the
// bot's existing qa source instead of creating a second record.
func (s *Service) CreateSource(ctx context.Context, team *teams.Team, bot *bots.Bot, input CreateSourceInput) (*Source, error) {
	kind, ok := KindByName(strings.ToLower(strings.TrimSpace(input.Type)))
	if !ok {
		return nil, apierrors.Invalid("unknown source type %q", input.Type)
	}
	if err := validateKindInput(kind, &input); err != nil {
		return nil, err
	}
	if err := s.checkIntegration(kind); err != nil {
		return nil, err
	}

	if kind.Pro {
		if err := teams.CheckProSources(team); err != nil {
			return nil, err
		}
	}
	if err := teams.CheckPageQuota(team, kind.PredictedPages); err != nil {
		return nil, err
	}

	source := Source{
		TeamID:           team.ID,
		BotID:            bot.ID,
		Type:             kind.Name,
		Status:           initialStatus(kind),
		ScheduleInterval: string(teams.IntervalNone),
		CreatedBy:        input.CreatedBy,
	}
	if title := strings.TrimSpace(input.Title); title != "" {
		source.Title = &title
	}
	if rawURL := strings.TrimSpace(input.URL); rawURL != "" {
		source.URL = &rawURL
	}
	if runID := strings.TrimSpace(input.CrawlRunID); runID != "" {
		source.CrawlRunID = &runID
	}
	if kind.Connector {
		customerID := strings.TrimSpace(input.CarbonCustomerID)
		if customerID == "" {
			customerID = fmt.Sprintf("team-%d", team.ID)
		}
		source.CarbonCustomerID = &customerID
	}
	if len(input.FileKeys) > 0 {
		encoded, err := json.Marshal(input.FileKeys)
		if err != nil {
			return nil, fmt.Errorf("sources: encode file keys: %w", err)
		}
		source.FileKeys = datatypes.JSON(encoded)
	}

	if input.ScheduleInterval != teams.IntervalNone {
		next, err := ComputeNextSchedule(team, input.ScheduleInterval, s.now())
		if err != nil {
			return nil, err
		}
		source.ScheduleInterval = string(input.ScheduleInterval)
		source.Scheduled = &next
	}

	if kind.Name == "qa" {
		merged, handled, err := s.mergeFAQSource(ctx, team, bot, input.FAQs)
		if handled || err != nil {
			return merged, err
		}
		encoded, err := json.Marshal(input.FAQs)
		if err != nil {
			return nil, fmt.Errorf("sources: encode faq items: %w", err)
		}
		source.FAQItems = datatypes.JSON(encoded)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&source).Error; err != nil {
			return err
		}
		if err := tx.Model(&teams.Team{}).Where("id = ?", team.ID).
			Update("source_count", gorm.Expr("source_count + 1")).Error; err != nil {
			return err
		}
		return tx.Model(&bots.Bot{}).Where("id = ?", bot.ID).
			Update("source_count", gorm.Expr("source_count + 1")).Error
	})
	if err != nil {
		return nil, fmt.Errorf("sources: create source: %w", err)
	}

	if source.Status == StatusPending {
		if _, err := s.publisher.Publish(ctxOrBackground(ctx), s.ingestMessage(&source, bot)); err != nil {
			s.markFailed(ctx, source.ID, "failed to enqueue ingestion")
			return nil, apierrors.Upstream("failed to enqueue ingestion", err)
		}
	}

	return &source, nil
}

// mergeFAQSource folds new qa items into the bot's existing qa source. The
// bool return reports whether an existing source absorbed the request.
func (s *Service) mergeFAQSource(ctx context.Context, team *teams.Team, bot *bots.Bot, items []FAQItem) (*Source, bool, error) {
	var existing Source
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND type = ?", bot.ID, "qa").
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sources: load qa source: %w", err)
	}

	if existing.Status == StatusPending || existing.Status == StatusIndexing || existing.Status == StatusProcessing {
		return nil, true, apierrors.Conflict("the Q&A source is still being ingested; try again shortly")
	}

	var current []FAQItem
	if len(existing.FAQItems) > 0 {
		if err := json.Unmarshal(existing.FAQItems, &current); err != nil {
			return nil, true, fmt.Errorf("sources: decode qa items for source %d: %w", existing.ID, err)
		}
	}

	// merge by question key: a matching question replaces the old answer
	// instead of duplicating the entry
	index := make(map[string]int, len(current))
	for i, item := range current {
		index[faqKey(item.Question)] = i
	}
	changed := 0
	for _, item := range items {
		key := faqKey(item.Question)
		if at, ok := index[key]; ok {
			if current[at] != item {
				current[at] = item
				changed++
			}
			continue
		}
		index[key] = len(current)
		current = append(current, item)
		changed++
	}
	if changed == 0 {
		return &existing, true, nil
	}

	encoded, err := json.Marshal(current)
	if err != nil {
		return nil, true, fmt.Errorf("sources: encode qa items: %w", err)
	}

	result := s.db.WithContext(ctx).Model(&Source{}).
		Where("id = ? AND status IN ? AND refreshing = ?", existing.ID, []string{StatusReady, StatusFailed}, false).
		Updates(map[string]interface{}{
			"faq_items": datatypes.JSON(encoded),
			"status":    StatusPending,
			"error":     nil,
		})
	if result.Error != nil {
		return nil, true, fmt.Errorf("sources: merge qa source %d: %w", existing.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, true, apierrors.Conflict("the Q&A source changed concurrently; try again")
	}

	existing.FAQItems = datatypes.JSON(encoded)
	existing.Status = StatusPending
	existing.Error = nil

	if _, err := s.publisher.Publish(ctxOrBackground(ctx), s.ingestMessage(&existing, bot)); err != nil {
		s.markFailed(ctx, existing.ID, "failed to enqueue ingestion")
		return nil, true, apierrors.Upstream("failed to enqueue ingestion", err)
	}
	return &existing, true, nil
}

// RetrySource re-enqueues a failed source. The transition is a conditional
// update, so only one of several concurrent retries wins. Connector kinds go
// back to indexing instead of pending; the connector sweep re-drives them,
// not the queue.
func (s *Service) RetrySource(ctx context.Context, team *teams.Team, bot *bots.Bot, sourceID uint64) (*Source, error) {
	source, err := s.fetch(ctx, bot.ID, sourceID)
	if err != nil {
		return nil, err
	}

	kind, _ := KindByName(source.Type)
	if err := s.checkIntegration(kind); err != nil {
		return nil, err
	}

	target := StatusPending
	if kind.Connector {
		target = StatusIndexing
	}

	result := s.db.WithContext(ctx).Model(&Source{}).
		Where("id = ? AND status = ? AND refreshing = ?", source.ID, StatusFailed, false).
		Updates(map[string]interface{}{"status": target, "error": nil})
	if result.Error != nil {
		return nil, fmt.Errorf("sources: retry source %d: %w", source.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, apierrors.Conflict("only failed sources can be retried")
	}

	source.Status = target
	source.Error = nil

	if kind.Connector {
		return source, nil
	}

	if _, err := s.publisher.Publish(ctxOrBackground(ctx), s.ingestMessage(source, bot)); err != nil {
		s.markFailed(ctx, source.ID, "failed to enqueue ingestion")
		return nil, apierrors.Upstream("failed to enqueue ingestion", err)
	}
	return source, nil
}

// RefreshSource re-ingests a ready source on demand, optionally changing its
// refresh interval first. While the refresh runs the previous chunks stay
// queryable; the worker swaps them on completion.
func (s *Service) RefreshSource(ctx context.Context, team *teams.Team, bot *bots.Bot, sourceID uint64, interval *teams.Interval) (*Source, error) {
	source, err := s.fetch(ctx, bot.ID, sourceID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"status":     StatusPending,
		"refreshing": true,
		"error":      nil,
	}
	if interval != nil {
		if *interval == teams.IntervalNone {
			updates["schedule_interval"] = string(teams.IntervalNone)
			updates["scheduled"] = nil
		} else {
			next, err := ComputeNextSchedule(team, *interval, s.now())
			if err != nil {
				return nil, err
			}
			updates["schedule_interval"] = string(*interval)
			updates["scheduled"] = next
		}
	}

	result := s.db.WithContext(ctx).Model(&Source{}).
		Where("id = ? AND status = ? AND refreshing = ?", source.ID, StatusReady, false).
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("sources: refresh source %d: %w", source.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, apierrors.Conflict("only ready sources can be refreshed")
	}

	if _, err := s.publisher.Publish(ctxOrBackground(ctx), s.regestMessage(source, bot)); err != nil {
		s.markFailed(ctx, source.ID, "failed to enqueue refresh")
		return nil, apierrors.Upstream("failed to enqueue refresh", err)
	}
	return s.fetch(ctx, bot.ID, sourceID)
}

// DeleteSource removes a settled source: the record, its usage counters, and
// best effort its vector chunks and stored documents.
func (s *Service) DeleteSource(ctx context.Context, team *teams.Team, bot *bots.Bot, sourceID uint64) error {
	source, err := s.fetch(ctx, bot.ID, sourceID)
	if err != nil {
		return err
	}
	if source.Status != StatusReady && source.Status != StatusFailed {
		return apierrors.Conflict("source is still being ingested; wait for it to settle before deleting")
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND status IN ?", source.ID, []string{StatusReady, StatusFailed}).Delete(&Source{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apierrors.Conflict("source changed concurrently; try again")
		}
		if err := tx.Model(&teams.Team{}).Where("id = ?", team.ID).Updates(map[string]interface{}{
			"source_count": gorm.Expr("source_count - 1"),
			"page_count":   gorm.Expr("page_count - ?", source.PageCount),
		}).Error; err != nil {
			return err
		}
		return tx.Model(&bots.Bot{}).Where("id = ?", bot.ID).Updates(map[string]interface{}{
			"source_count": gorm.Expr("source_count - 1"),
			"page_count":   gorm.Expr("page_count - ?", source.PageCount),
		}).Error
	})
	if err != nil {
		var conflict *apierrors.ConflictError
		if errors.As(err, &conflict) {
			return err
		}
		return fmt.Errorf("sources: delete source %d: %w", source.ID, err)
	}

	// cleanup below is best effort; the record is already gone and the
	// reconcile sweep converges counters
	cleanupCtx := ctxOrBackground(ctx)
	if _, err := s.publisher.Publish(cleanupCtx, queue.ExpelMessage{
		TeamID:   team.ID,
		BotID:    bot.ID,
		SourceID: source.ID,
		IndexID:  bot.IndexID,
	}); err != nil {
		log.Printf("sources: enqueue expel for source %d failed: %v", source.ID, err)
	}
	if s.vectors != nil {
		if err := s.vectors.DeleteBySource(cleanupCtx, bot.IndexID, source.ID); err != nil {
			log.Printf("sources: delete chunks for source %d failed: %v", source.ID, err)
		}
	}
	if keys := decodeFileKeys(source.FileKeys); len(keys) > 0 && s.objects != nil {
		if err := s.objects.Remove(cleanupCtx, keys); err != nil {
			log.Printf("sources: remove objects for source %d failed: %v", source.ID, err)
		}
	}
	return nil
}

// ApplyWorkerStatus records a status report from the ingestion workers. A
// ready report settles the source and moves its real page count into the
// usage counters; a failed report records the reason and clears refreshing.
func (s *Service) ApplyWorkerStatus(ctx context.Context, sourceID uint64, status string, pageCount int, reason string) (*Source, error) {
	switch status {
	case StatusIndexing, StatusProcessing, StatusReady, StatusFailed:
	default:
		return nil, apierrors.Invalid("unknown source status %q", status)
	}

	var source Source
	if err := s.db.WithContext(ctx).First(&source, "id = ?", sourceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierrors.NotFound("source %d not found", sourceID)
		}
		return nil, fmt.Errorf("sources: load source %d: %w", sourceID, err)
	}

	switch status {
	case StatusReady:
		if err := s.completeSource(ctx, &source, pageCount); err != nil {
			return nil, err
		}
	case StatusFailed:
		if reason == "" {
			reason = "ingestion failed"
		}
		if err := s.db.WithContext(ctx).Model(&Source{}).Where("id = ?", source.ID).
			Updates(map[string]interface{}{
				"status":     StatusFailed,
				"error":      reason,
				"refreshing": false,
			}).Error; err != nil {
			return nil, fmt.Errorf("sources: fail source %d: %w", source.ID, err)
		}
		source.Status = StatusFailed
		source.Error = &reason
		source.Refreshing = false
	default:
		// in-flight heartbeat from the worker
		if err := s.db.WithContext(ctx).Model(&Source{}).Where("id = ?", source.ID).
			Update("status", status).Error; err != nil {
			return nil, fmt.Errorf("sources: update source %d status: %w", source.ID, err)
		}
		source.Status = status
	}
	return &source, nil
}

// completeSource settles a source as ready and shifts the usage counters by
// the difference between the reported and previously counted pages.
func (s *Service) completeSource(ctx context.Context, source *Source, pageCount int) error {
	delta := pageCount - source.PageCount

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Source{}).Where("id = ?", source.ID).Updates(map[string]interface{}{
			"status":     StatusReady,
			"page_count": pageCount,
			"error":      nil,
			"refreshing": false,
		}).Error; err != nil {
			return err
		}
		if delta == 0 {
			return nil
		}
		if err := tx.Model(&teams.Team{}).Where("id = ?", source.TeamID).
			Update("page_count", gorm.Expr("page_count + ?", delta)).Error; err != nil {
			return err
		}
		return tx.Model(&bots.Bot{}).Where("id = ?", source.BotID).
			Update("page_count", gorm.Expr("page_count + ?", delta)).Error
	})
	if err != nil {
		return fmt.Errorf("sources: complete source %d: %w", source.ID, err)
	}

	source.Status = StatusReady
	source.PageCount = pageCount
	source.Error = nil
	source.Refreshing = false
	return nil
}

// markFailed records a control-plane failure reason, e.g. a publish that
// never reached the broker.
func (s *Service) markFailed(ctx context.Context, sourceID uint64, reason string) {
	err := s.db.WithContext(ctxOrBackground(ctx)).Model(&Source{}).Where("id = ?", sourceID).
		Updates(map[string]interface{}{
			"status":     StatusFailed,
			"error":      reason,
			"refreshing": false,
		}).Error
	if err != nil {
		log.Printf("sources: mark source %d failed: %v", sourceID, err)
	}
}

// List returns a bot's sources, newest first.
func (s *Service) List(ctx context.Context, botID uint64) ([]Source, error) {
	var records []Source
	if err := s.db.WithContext(ctx).
		Where("bot_id = ?", botID).
		Order("created_at desc").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("sources: list sources for bot %d: %w", botID, err)
	}
	return records, nil
}

func (s *Service) fetch(ctx context.Context, botID, sourceID uint64) (*Source, error) {
	var source Source
	if err := s.db.WithContext(ctx).Where("id = ? AND bot_id = ?", sourceID, botID).First(&source).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierrors.NotFound("source %d not found", sourceID)
		}
		return nil, fmt.Errorf("sources: load source %d: %w", sourceID, err)
	}
	return &source, nil
}

func (s *Service) ingestMessage(source *Source, bot *bots.Bot) queue.IngestMessage {
	msg := queue.IngestMessage{
		TeamID:   source.TeamID,
		BotID:    bot.ID,
		SourceID: source.ID,
		IndexID:  bot.IndexID,
		Type:     source.Type,
		FileKeys: decodeFileKeys(source.FileKeys),
	}
	if source.URL != nil {
		msg.URL = *source.URL
	}
	if source.Title != nil {
		msg.Title = *source.Title
	}
	return msg
}

func (s *Service) regestMessage(source *Source, bot *bots.Bot) queue.RegestMessage {
	msg := queue.RegestMessage{
		TeamID:   source.TeamID,
		BotID:    bot.ID,
		SourceID: source.ID,
		IndexID:  bot.IndexID,
		Type:     source.Type,
		FileKeys: decodeFileKeys(source.FileKeys),
	}
	if source.URL != nil {
		msg.URL = *source.URL
	}
	return msg
}

func validateKindInput(kind Kind, input *CreateSourceInput) error {
	if kind.RequiresURL {
		rawURL := strings.TrimSpace(input.URL)
		if rawURL == "" {
			return apierrors.Invalid("a url is required for %s sources", kind.Name)
		}
		parsed, err := url.Parse(rawURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return apierrors.Invalid("invalid url for %s source", kind.Name)
		}
	}
	if kind.RequiresFile && len(input.FileKeys) == 0 {
		return apierrors.Invalid("a document upload is required for file sources")
	}
	if kind.RequiresFAQs {
		if len(input.FAQs) == 0 {
			return apierrors.Invalid("at least one question/answer pair is required")
		}
		for _, item := range input.FAQs {
			if strings.TrimSpace(item.Question) == "" || strings.TrimSpace(item.Answer) == "" {
				return apierrors.Invalid("every Q&A item needs both a question and an answer")
			}
		}
	}
	if kind.Crawl && strings.TrimSpace(input.CrawlRunID) == "" {
		return apierrors.Invalid("a crawl run id is required for crawl sources")
	}
	return nil
}

var errIntegrationUnconfigured = errors.New("integration is not configured")

// checkIntegration rejects kinds whose backing integration is not configured.
// Without it a connector source would sit in indexing with no sweep able to
// act on it until the stale sweep times it out.
func (s *Service) checkIntegration(kind Kind) error {
	if kind.Connector && s.carbon == nil {
		return apierrors.Upstream(fmt.Sprintf("%s sources are unavailable: the connector integration is not configured", kind.Name), errIntegrationUnconfigured)
	}
	if kind.Crawl && s.crawler == nil {
		return apierrors.Upstream("crawl sources are unavailable: the crawler integration is not configured", errIntegrationUnconfigured)
	}
	return nil
}

func initialStatus(kind Kind) string {
	switch {
	case kind.Connector:
		return StatusIndexing
	case kind.Crawl:
		return StatusProcessing
	default:
		return StatusPending
	}
}

func faqKey(question string) string {
	return strings.ToLower(strings.TrimSpace(question))
}

func decodeFileKeys(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil
	}
	return keys
}

// ctxOrBackground guards cleanup work against an already-canceled request
// context.
func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil || ctx.Err() != nil {
		return context.Background()
	}
	return ctx
}
