package sources

import (
	"time"

	"gorm.io/datatypes"
)

// Source statuses. pending waits for a worker to pick the job up, indexing
// and processing are worker-owned in-flight states, ready and failed are
// terminal until a user retries or refreshes.
const (
	StatusPending    = "pending"
	StatusIndexing   = "indexing"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

// Source is one ingested content unit feeding a bot's index. Workers mutate
// status, page_count and error out of band through the callback endpoint.
type Source struct {
	ID               uint64         `gorm:"primaryKey" json:"id"`
	TeamID           uint64         `gorm:"not null;index" json:"team_id"`
	BotID            uint64         `gorm:"not null;index" json:"bot_id"`
	Type             string         `gorm:"size:32;not null" json:"type"`
	Status           string         `gorm:"size:16;not null;default:'pending';index" json:"status"`
	Title            *string        `gorm:"size:255" json:"title,omitempty"`
	URL              *string        `gorm:"size:2048" json:"url,omitempty"`
	FileKeys         datatypes.JSON `gorm:"type:json" json:"file_keys,omitempty"`
	FAQItems         datatypes.JSON `gorm:"type:json" json:"faq_items,omitempty"`
	CrawlRunID       *string        `gorm:"size:100" json:"crawl_run_id,omitempty"`
	CarbonCustomerID *string        `gorm:"size:100" json:"carbon_customer_id,omitempty"`
	ScheduleInterval string         `gorm:"size:16;not null;default:'none'" json:"schedule_interval"`
	Scheduled        *time.Time     `gorm:"index" json:"scheduled,omitempty"`
	PageCount        int            `gorm:"not null;default:0" json:"page_count"`
	Refreshing       bool           `gorm:"not null;default:false" json:"refreshing"`
	Error            *string        `gorm:"size:500" json:"error,omitempty"`
	CreatedBy        uint64         `gorm:"not null;index" json:"created_by"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// TableName names the backing table for Source.
func (Source) TableName() string {
	return "sources"
}

// FAQItem is one question/answer pair inside a qa source.
type FAQItem struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Kind describes a registered source type: which fields it needs, how it is
// driven, and its predicted page cost before the worker reports real counts.
type Kind struct {
	Name           string
	RequiresURL    bool
	RequiresFile   bool
	RequiresFAQs   bool
	Connector      bool
	Crawl          bool
	Pro            bool
	PredictedPages int
	CarbonFilter   string
}

var kindRegistry = map[string]Kind{
	"url": {
		Name:           "url",
		RequiresURL:    true,
		PredictedPages: 1,
	},
	"sitemap": {
		Name:           "sitemap",
		RequiresURL:    true,
		Pro:            true,
		PredictedPages: 5,
	},
	"file": {
		Name:           "file",
		RequiresFile:   true,
		PredictedPages: 1,
	},
	"qa": {
		Name:           "qa",
		RequiresFAQs:   true,
		PredictedPages: 1,
	},
	"crawl": {
		Name:           "crawl",
		RequiresURL:    true,
		Pro:            true,
		Crawl:          true,
		PredictedPages: 5,
	},
	"notion": {
		Name:           "notion",
		Connector:      true,
		Pro:            true,
		PredictedPages: 5,
		CarbonFilter:   "NOTION",
	},
	"google-docs": {
		Name:           "google-docs",
		Connector:      true,
		Pro:            true,
		PredictedPages: 5,
		CarbonFilter:   "GOOGLE_DOCS",
	},
	"dropbox": {
		Name:           "dropbox",
		Connector:      true,
		Pro:            true,
		PredictedPages: 5,
		CarbonFilter:   "DROPBOX",
	},
	"intercom": {
		Name:           "intercom",
		Connector:      true,
		Pro:            true,
		PredictedPages: 5,
		CarbonFilter:   "INTERCOM",
	},
}

// KindByName resolves a registered source kind.
func KindByName(name string) (Kind, bool) {
	kind, ok := kindRegistry[name]
	return kind, ok
}
