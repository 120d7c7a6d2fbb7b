package activities

import (
	"time"
)

// ActivityStatus enumerates the lifecycle of an event.
type ActivityStatus string

const (
	ActivityStatusUpcoming ActivityStatus = "upcoming"
	ActivityStatusOngoing  ActivityStatus = "ongoing"
	ActivityStatusEnded    ActivityStatus = "ended"
)

// Activity is the durable record for a live debate event.
type Activity struct {
	ID                   string         `gorm:"column:id;primaryKey;size:36;not null"`
	Name                 string         `gorm:"column:name;size:200;not null"`
	Status               ActivityStatus `gorm:"column:status;size:20;not null;default:'upcoming'"`
	CurrentDebateID      *string        `gorm:"column:current_debate_id;size:36"`
	ExpectedParticipants int            `gorm:"column:expected_participants;not null;default:0"`
	SettingsJSON         string         `gorm:"column:settings_json;type:text;not null;default:'{}'"`
	CreatedAt            time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Activity) TableName() string {
	return "activities"
}

// Participant is the durable record for an audience member of an activity.
type Participant struct {
	ID                string     `gorm:"column:id;primaryKey;size:36;not null"`
	ActivityID        string     `gorm:"column:activity_id;size:36;not null;index:idx_participants_activity_code,priority:1"`
	Code              string     `gorm:"column:code;size:50;not null;index:idx_participants_activity_code,priority:2"`
	Name              string     `gorm:"column:name;size:100;not null"`
	CheckedIn         bool       `gorm:"column:checked_in;not null;default:false"`
	CheckedInAt       *time.Time `gorm:"column:checked_in_at"`
	DeviceFingerprint string     `gorm:"column:device_fingerprint;size:500"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "participants"
}
