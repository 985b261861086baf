package questions

import (
	"time"

	"gorm.io/datatypes"
)

// Question is one logged chat exchange. The log is append-only: answers and
// citations are never rewritten after the fact, only the visitor feedback
// fields (rating, escalated) change.
type Question struct {
	ID        uint64         `gorm:"primaryKey" json:"id"`
	TeamID    uint64         `gorm:"not null;index" json:"team_id"`
	BotID     uint64         `gorm:"not null;index" json:"bot_id"`
	Question  string         `gorm:"type:text;not null" json:"question"`
	Answer    string         `gorm:"type:text;not null" json:"answer"`
	SourceIDs datatypes.JSON `gorm:"type:json" json:"source_ids,omitempty"`
	VisitorID *string        `gorm:"size:100;index" json:"visitor_id,omitempty"`
	Rating    int            `gorm:"not null;default:0" json:"rating"`
	Escalated bool           `gorm:"not null;default:false" json:"escalated"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TableName names the backing table for Question.
func (Question) TableName() string {
	return "questions"
}
