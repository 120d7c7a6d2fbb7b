package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfloor/podium/internal/activities"
	"github.com/openfloor/podium/internal/broadcast"
	"github.com/openfloor/podium/internal/cachestore"
	"github.com/openfloor/podium/internal/debates"
	"github.com/openfloor/podium/internal/votes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	activityStatsTTL = 5 * time.Minute

	// DefaultSweepInterval is the period of the background refresh of
	// ongoing activities.
	DefaultSweepInterval = 2500 * time.Millisecond

	defaultQueueSize = 64
)

func activityStatsKey(activityID string) string {
	return "stats:" + activityID
}

// RealTimeStats is the headline counter block of an activity.
type RealTimeStats struct {
	TotalParticipants     int     `json:"totalParticipants"`
	CheckedInParticipants int     `json:"checkedInParticipants"`
	OnlineParticipants    int     `json:"onlineParticipants"`
	TotalVotes            int     `json:"totalVotes"`
	VoteRate              float64 `json:"voteRate"`
}

// CurrentDebate is the debate block embedded in an activity's statistics.
type CurrentDebate struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	ProDescription string         `json:"proDescription,omitempty"`
	ConDescription string         `json:"conDescription,omitempty"`
	Status         debates.Status `json:"status"`
	Order          int            `json:"order"`
	ActivityID     string         `json:"activityId"`
}

// ActivityStats is the aggregate pushed to big screens and served to admins.
type ActivityStats struct {
	ActivityID         string                    `json:"activityId"`
	ActivityName       string                    `json:"activityName"`
	ActivityStatus     activities.ActivityStatus `json:"activityStatus"`
	CurrentDebate      *CurrentDebate            `json:"currentDebate"`
	CurrentDebateStats *DebateStats              `json:"currentDebateStats"`
	RealTime           RealTimeStats             `json:"realTimeStats"`
	Timestamp          time.Time                 `json:"timestamp"`
}

type refreshEvent struct {
	activityID string
	debateID   string
}

// ServiceConfig describes the dependencies of the statistics service.
type ServiceConfig struct {
	Database      *gorm.DB
	Cache         cachestore.Store
	Activities    *activities.Service
	Debates       *debates.Service
	Debouncer     *broadcast.Debouncer
	Clock         func() time.Time
	Logger        *zap.Logger
	QueueSize     int
	SweepInterval time.Duration
}

// Service aggregates vote tallies into debate and activity statistics and
// pushes refreshed numbers to display clients. Refresh requests arrive on a
// bounded queue; a full queue drops the request rather than stalling the
// vote path.
type Service struct {
	db         *gorm.DB
	cache      cachestore.Store
	activities *activities.Service
	debates    *debates.Service
	debouncer  *broadcast.Debouncer
	clock      func() time.Time
	logger     *zap.Logger

	events        chan refreshEvent
	sweepInterval time.Duration
}

// NewService validates dependencies and constructs the statistics service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errors.New("stats: database handle is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("stats: cache store is required")
	}
	if cfg.Activities == nil {
		return nil, errors.New("stats: activities service is required")
	}
	if cfg.Debates == nil {
		return nil, errors.New("stats: debates service is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Service{
		db:            cfg.Database,
		cache:         cfg.Cache,
		activities:    cfg.Activities,
		debates:       cfg.Debates,
		debouncer:     cfg.Debouncer,
		clock:         clock,
		logger:        logger,
		events:        make(chan refreshEvent, queueSize),
		sweepInterval: sweepInterval,
	}, nil
}

// StatisticsChanged queues a statistics refresh for an activity. It never
// blocks the caller; when the queue is full the event is dropped and the
// next sweep picks the change up.
func (s *Service) StatisticsChanged(activityID, debateID string) {
	select {
	case s.events <- refreshEvent{activityID: activityID, debateID: debateID}:
	default:
		s.logger.Warn("statistics refresh queue full, dropping event",
			zap.String("activity_id", activityID),
			zap.String("debate_id", debateID))
	}
}

// Run consumes refresh events and periodically sweeps ongoing activities
// until the context ends. Event-driven refreshes broadcast through the
// debouncer; sweep refreshes only rebuild caches.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.events:
			if err := s.refresh(ctx, event.activityID, event.debateID, true); err != nil {
				s.logger.Error("statistics refresh failed",
					zap.String("activity_id", event.activityID), zap.Error(err))
			}
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// ActivityStatistics serves the activity aggregate, from its five-minute
// cache when warm.
func (s *Service) ActivityStatistics(ctx context.Context, activityID string) (ActivityStats, error) {
	cached, ok, err := s.cache.Get(ctx, activityStatsKey(activityID))
	if err == nil && ok {
		var stats ActivityStats
		if unmarshalErr := json.Unmarshal([]byte(cached), &stats); unmarshalErr == nil {
			return stats, nil
		}
	}
	return s.rebuildActivityStats(ctx, activityID)
}

func (s *Service) refresh(ctx context.Context, activityID, debateID string, publish bool) error {
	if debateID != "" {
		if err := s.cache.Delete(ctx, votes.ResultsKey(debateID)); err != nil {
			return fmt.Errorf("stats: invalidate results: %w", err)
		}
	}
	stats, err := s.rebuildActivityStats(ctx, activityID)
	if err != nil {
		return err
	}
	if !publish {
		return nil
	}
	if s.debouncer == nil {
		return nil
	}
	s.debouncer.Send(broadcast.Envelope{
		Type:       broadcast.EventStatisticsUpdate,
		ActivityID: activityID,
		DebateID:   debateID,
		Data:       stats,
		Timestamp:  s.clock(),
	})
	return nil
}

// sweep refreshes the cached statistics of every ongoing activity. Failures
// are logged per activity so one broken aggregate cannot starve the rest.
func (s *Service) sweep(ctx context.Context) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&activities.Activity{}).
		Where("status = ?", activities.ActivityStatusOngoing).
		Pluck("id", &ids).Error
	if err != nil {
		s.logger.Error("statistics sweep failed", zap.Error(err))
		return
	}
	for _, activityID := range ids {
		if err := s.refresh(ctx, activityID, "", false); err != nil {
			s.logger.Warn("activity sweep refresh failed",
				zap.String("activity_id", activityID), zap.Error(err))
		}
	}
}

func (s *Service) rebuildActivityStats(ctx context.Context, activityID string) (ActivityStats, error) {
	activity, err := s.activities.ByID(ctx, activityID)
	if err != nil {
		return ActivityStats{}, err
	}

	stats := ActivityStats{
		ActivityID:     activity.ID,
		ActivityName:   activity.Name,
		ActivityStatus: activity.Status,
		Timestamp:      s.clock(),
	}

	if activity.CurrentDebateID != nil && *activity.CurrentDebateID != "" {
		debate, err := s.debates.ByID(ctx, *activity.CurrentDebateID)
		if err != nil && !errors.Is(err, debates.ErrDebateNotFound) {
			return ActivityStats{}, err
		}
		if err == nil {
			stats.CurrentDebate = &CurrentDebate{
				ID:             debate.ID,
				Title:          debate.Title,
				ProDescription: debate.ProDescription,
				ConDescription: debate.ConDescription,
				Status:         debate.Status,
				Order:          debate.Order,
				ActivityID:     debate.ActivityID,
			}
			debateStats, err := s.DebateResults(ctx, debate.ID)
			if err != nil {
				return ActivityStats{}, err
			}
			stats.CurrentDebateStats = &debateStats
		}
	}

	var totalParticipants int64
	err = s.db.WithContext(ctx).Model(&activities.Participant{}).
		Where("activity_id = ?", activityID).
		Count(&totalParticipants).Error
	if err != nil {
		return ActivityStats{}, fmt.Errorf("stats: count participants: %w", err)
	}
	var checkedIn int64
	err = s.db.WithContext(ctx).Model(&activities.Participant{}).
		Where("activity_id = ? AND checked_in = ?", activityID, true).
		Count(&checkedIn).Error
	if err != nil {
		return ActivityStats{}, fmt.Errorf("stats: count checked-in: %w", err)
	}
	var totalVotes int64
	err = s.db.WithContext(ctx).Model(&votes.Vote{}).
		Joins("JOIN participants ON participants.id = votes.participant_id").
		Where("participants.activity_id = ?", activityID).
		Count(&totalVotes).Error
	if err != nil {
		return ActivityStats{}, fmt.Errorf("stats: count votes: %w", err)
	}

	stats.RealTime = RealTimeStats{
		TotalParticipants:     int(totalParticipants),
		CheckedInParticipants: int(checkedIn),
		OnlineParticipants:    int(checkedIn),
		TotalVotes:            int(totalVotes),
	}
	if checkedIn > 0 && stats.CurrentDebateStats != nil {
		stats.RealTime.VoteRate = round2(
			float64(stats.CurrentDebateStats.TotalVotes) / float64(checkedIn) * 100)
	}

	encoded, err := json.Marshal(stats)
	if err == nil {
		if cacheErr := s.cache.Set(ctx, activityStatsKey(activityID), string(encoded), activityStatsTTL); cacheErr != nil {
			s.logger.Warn("activity stats cache write failed",
				zap.String("activity_id", activityID), zap.Error(cacheErr))
		}
	}
	return stats, nil
}
