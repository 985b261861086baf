package teams

import "time"

// Team is the tenant record. Usage counters are denormalized for quota
// checks and are reconciled by a periodic recomputation job, so they are
// treated as monotonically converging rather than live truth.
type Team struct {
	ID                uint64  `gorm:"primaryKey" json:"id"`
	Name              string  `gorm:"size:100;not null" json:"name"`
	PlanCode          string  `gorm:"size:32;not null;default:'free'" json:"plan"`
	BotCount          int     `gorm:"not null;default:0" json:"bot_count"`
	SourceCount       int     `gorm:"not null;default:0" json:"source_count"`
	PageCount         int     `gorm:"not null;default:0" json:"page_count"`
	QuestionCount     int     `gorm:"not null;default:0" json:"question_count"`
	MemberCount       int     `gorm:"not null;default:1" json:"member_count"`
	BillingCustomerID *string `gorm:"size:100" json:"-"`
	SubscriptionID    *string `gorm:"size:100" json:"-"`
	CreatedBy         uint64  `gorm:"not null;index" json:"created_by"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName names the backing table for Team.
func (Team) TableName() string {
	return "teams"
}

// TeamMember links a user account to a team. Invited members keep the
// invitation email until the invite is accepted.
type TeamMember struct {
	ID           uint64    `gorm:"primaryKey" json:"id"`
	TeamID       uint64    `gorm:"not null;index:idx_team_user,unique" json:"team_id"`
	UserID       uint64    `gorm:"not null;index:idx_team_user,unique" json:"user_id"`
	Role         string    `gorm:"size:16;not null;default:'member'" json:"role"`
	InvitedEmail *string   `gorm:"size:255" json:"invited_email,omitempty"`
	Status       string    `gorm:"size:16;not null;default:'active'" json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName names the backing table for TeamMember.
func (TeamMember) TableName() string {
	return "team_members"
}
