package bots

import (
	"time"

	"gorm.io/datatypes"
)

// Bot is one chatbot trained over a team's sources. IndexID names the class
// backing it in the vector database; the id is minted once at creation and
// never reused.
type Bot struct {
	ID            uint64         `gorm:"primaryKey" json:"id"`
	TeamID        uint64         `gorm:"not null;index" json:"team_id"`
	Name          string         `gorm:"size:100;not null" json:"name"`
	Description   *string        `gorm:"size:500" json:"description,omitempty"`
	IndexID       string         `gorm:"uniqueIndex;size:64;not null" json:"index_id"`
	Status        string         `gorm:"size:16;not null;default:'ready'" json:"status"`
	SourceCount   int            `gorm:"not null;default:0" json:"source_count"`
	PageCount     int            `gorm:"not null;default:0" json:"page_count"`
	QuestionCount int            `gorm:"not null;default:0" json:"question_count"`
	Settings      datatypes.JSON `gorm:"type:json" json:"settings,omitempty"`
	CreatedBy     uint64         `gorm:"not null;index" json:"created_by"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// TableName names the backing table for Bot.
func (Bot) TableName() string {
	return "bots"
}
