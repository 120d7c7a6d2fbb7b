package activities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfloor/podium/internal/cachestore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	settingsCacheTTL = 60 * time.Second

	defaultMaxVoteChanges = 3
	defaultLockVoteDelay  = 300
)

// ErrActivityNotFound indicates the referenced activity does not exist.
var ErrActivityNotFound = errors.New("activities: activity not found")

// ErrParticipantNotFound indicates no participant matches the given code.
var ErrParticipantNotFound = errors.New("activities: participant not found")

// ErrInvalidSettings indicates a settings payload that is not a JSON object.
var ErrInvalidSettings = errors.New("activities: settings payload is not valid JSON")

// VoteConfig is the voting policy slice of an activity's settings. It is
// populated once at the cache boundary and never re-interpreted downstream.
type VoteConfig struct {
	MaxVoteChanges  int  `json:"max_vote_changes"`
	AllowVoteChange bool `json:"allow_vote_change"`
	AutoLockVotes   bool `json:"auto_lock_votes"`
	LockVoteDelay   int  `json:"lock_vote_delay"`
	AnonymousVoting bool `json:"anonymous_voting"`
	RequireCheckIn  bool `json:"require_check_in"`
}

func defaultVoteConfig() VoteConfig {
	return VoteConfig{
		MaxVoteChanges:  defaultMaxVoteChanges,
		AllowVoteChange: true,
		AutoLockVotes:   false,
		LockVoteDelay:   defaultLockVoteDelay,
		AnonymousVoting: true,
		RequireCheckIn:  true,
	}
}

// parseVoteConfig reads the raw settings document. Historic organizer clients
// wrote both snake_case and camelCase key spellings; both are resolved here,
// at the boundary, with snake_case winning when both are present.
func parseVoteConfig(settingsJSON string) VoteConfig {
	cfg := defaultVoteConfig()
	if settingsJSON == "" {
		return cfg
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(settingsJSON), &raw); err != nil {
		return cfg
	}
	readInt(raw, &cfg.MaxVoteChanges, "max_vote_changes", "maxVoteChanges")
	readBool(raw, &cfg.AllowVoteChange, "allow_vote_change", "allowVoteChange")
	readBool(raw, &cfg.AutoLockVotes, "auto_lock_votes", "autoLockVotes")
	readInt(raw, &cfg.LockVoteDelay, "lock_vote_delay", "lockVoteDelay")
	readBool(raw, &cfg.AnonymousVoting, "anonymous_voting", "anonymousVoting")
	readBool(raw, &cfg.RequireCheckIn, "require_check_in", "requireCheckIn")
	return cfg
}

func readInt(raw map[string]json.RawMessage, target *int, keys ...string) {
	for _, key := range keys {
		value, ok := raw[key]
		if !ok {
			continue
		}
		var parsed int
		if err := json.Unmarshal(value, &parsed); err == nil {
			*target = parsed
			return
		}
	}
}

func readBool(raw map[string]json.RawMessage, target *bool, keys ...string) {
	for _, key := range keys {
		value, ok := raw[key]
		if !ok {
			continue
		}
		var parsed bool
		if err := json.Unmarshal(value, &parsed); err == nil {
			*target = parsed
			return
		}
	}
}

// ServiceConfig describes the dependencies of the activities service.
type ServiceConfig struct {
	Database *gorm.DB
	Cache    cachestore.Store
	Logger   *zap.Logger
}

// Service reads activities and participants and serves the 60-second
// read-through cache of each activity's vote configuration.
type Service struct {
	db     *gorm.DB
	cache  cachestore.Store
	logger *zap.Logger
}

// NewService constructs the activities service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errors.New("activities: database handle is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("activities: cache store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, cache: cfg.Cache, logger: logger}, nil
}

func voteConfigCacheKey(activityID string) string {
	return "activity:" + activityID + ":vote_config"
}

// ByID loads an activity or reports ErrActivityNotFound.
func (s *Service) ByID(ctx context.Context, activityID string) (Activity, error) {
	var activity Activity
	err := s.db.WithContext(ctx).Where("id = ?", activityID).Take(&activity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Activity{}, ErrActivityNotFound
	}
	if err != nil {
		return Activity{}, fmt.Errorf("activities: load activity: %w", err)
	}
	return activity, nil
}

// ParticipantByCode resolves a participant within an activity by entry code.
func (s *Service) ParticipantByCode(ctx context.Context, activityID, code string) (Participant, error) {
	var participant Participant
	err := s.db.WithContext(ctx).
		Where("activity_id = ? AND code = ?", activityID, code).
		Take(&participant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Participant{}, ErrParticipantNotFound
	}
	if err != nil {
		return Participant{}, fmt.Errorf("activities: load participant: %w", err)
	}
	return participant, nil
}

// MarkCheckedIn stamps the first check-in; repeated check-ins only refresh the
// device fingerprint.
func (s *Service) MarkCheckedIn(ctx context.Context, participant Participant, fingerprint string, now time.Time) error {
	updates := map[string]interface{}{
		"device_fingerprint": fingerprint,
	}
	if !participant.CheckedIn {
		updates["checked_in"] = true
		updates["checked_in_at"] = now.UTC()
	}
	err := s.db.WithContext(ctx).Model(&Participant{}).
		Where("id = ?", participant.ID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("activities: mark checked in: %w", err)
	}
	return nil
}

// VoteConfig returns the activity's voting policy, served from the cache
// store when fresh.
func (s *Service) VoteConfig(ctx context.Context, activityID string) (VoteConfig, error) {
	cacheKey := voteConfigCacheKey(activityID)
	cached, ok, err := s.cache.Get(ctx, cacheKey)
	if err == nil && ok {
		var cfg VoteConfig
		if unmarshalErr := json.Unmarshal([]byte(cached), &cfg); unmarshalErr == nil {
			return cfg, nil
		}
	}

	activity, err := s.ByID(ctx, activityID)
	if err != nil {
		return VoteConfig{}, err
	}
	cfg := parseVoteConfig(activity.SettingsJSON)

	encoded, err := json.Marshal(cfg)
	if err == nil {
		if cacheErr := s.cache.Set(ctx, cacheKey, string(encoded), settingsCacheTTL); cacheErr != nil {
			s.logger.Warn("vote config cache write failed",
				zap.String("activity_id", activityID), zap.Error(cacheErr))
		}
	}
	return cfg, nil
}

// UpdateSettings replaces the activity's settings document and invalidates
// the vote-config cache immediately.
func (s *Service) UpdateSettings(ctx context.Context, activityID, settingsJSON string) error {
	if !json.Valid([]byte(settingsJSON)) {
		return ErrInvalidSettings
	}
	result := s.db.WithContext(ctx).Model(&Activity{}).
		Where("id = ?", activityID).
		Update("settings_json", settingsJSON)
	if result.Error != nil {
		return fmt.Errorf("activities: update settings: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrActivityNotFound
	}
	return s.InvalidateVoteConfig(ctx, activityID)
}

// InvalidateVoteConfig drops the cached vote configuration for an activity.
func (s *Service) InvalidateVoteConfig(ctx context.Context, activityID string) error {
	if err := s.cache.Delete(ctx, voteConfigCacheKey(activityID)); err != nil {
		return fmt.Errorf("activities: invalidate vote config: %w", err)
	}
	return nil
}

// CheckedInParticipants lists every participant of the activity who has
// checked in.
func (s *Service) CheckedInParticipants(ctx context.Context, activityID string) ([]Participant, error) {
	var participants []Participant
	err := s.db.WithContext(ctx).
		Where("activity_id = ? AND checked_in = ?", activityID, true).
		Find(&participants).Error
	if err != nil {
		return nil, fmt.Errorf("activities: list checked-in participants: %w", err)
	}
	return participants, nil
}
