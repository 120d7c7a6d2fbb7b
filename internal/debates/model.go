package debates

import (
	"time"
)

// Status is the lifecycle state of a debate. Only ongoing and final_vote
// accept votes.
type Status string

const (
	StatusPending   Status = "pending"
	StatusOngoing   Status = "ongoing"
	StatusFinalVote Status = "final_vote"
	StatusEnded     Status = "ended"
)

// ParseStatus validates a raw status value.
func ParseStatus(value string) (Status, bool) {
	switch Status(value) {
	case StatusPending, StatusOngoing, StatusFinalVote, StatusEnded:
		return Status(value), true
	default:
		return "", false
	}
}

// AcceptsVotes reports whether the lifecycle state allows new or changed votes.
func (s Status) AcceptsVotes() bool {
	return s == StatusOngoing || s == StatusFinalVote
}

// Debate is the durable, authoritative record for a debate topic.
type Debate struct {
	ID             string     `gorm:"column:id;primaryKey;size:36;not null"`
	ActivityID     string     `gorm:"column:activity_id;size:36;not null;index:idx_debates_activity_order,priority:1"`
	Title          string     `gorm:"column:title;size:300;not null"`
	ProDescription string     `gorm:"column:pro_description;type:text"`
	ConDescription string     `gorm:"column:con_description;type:text"`
	Status         Status     `gorm:"column:status;size:20;not null;default:'pending'"`
	Order          int        `gorm:"column:display_order;not null;default:0;index:idx_debates_activity_order,priority:2"`
	StartedAt      *time.Time `gorm:"column:started_at"`
	EndedAt        *time.Time `gorm:"column:ended_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Debate) TableName() string {
	return "debates"
}

// Info is the slice of debate state the vote hot path needs; it is cached in
// the cache store for a short window.
type Info struct {
	ActivityID string `json:"activity_id"`
	Status     Status `json:"status"`
}
