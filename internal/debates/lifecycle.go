package debates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfloor/podium/internal/activities"
	"github.com/openfloor/podium/internal/broadcast"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidTransition indicates a lifecycle change the state machine forbids.
var ErrInvalidTransition = errors.New("debates: invalid status transition")

// Backfiller synthesizes abstain votes for checked-in participants who have
// not voted when a debate goes live.
type Backfiller interface {
	AutoAbstainBackfill(ctx context.Context, activityID, debateID string) error
}

// Notifier receives fire-and-forget statistics refresh triggers.
type Notifier interface {
	StatisticsChanged(activityID, debateID string)
}

// Broadcaster pushes screen events without delay; lifecycle transitions must
// reach display clients even while statistics broadcasts are being debounced.
// Nil disables broadcasting.
type Broadcaster interface {
	Publish(envelope broadcast.Envelope)
}

// LifecycleConfig describes the dependencies of the lifecycle state machine.
type LifecycleConfig struct {
	Database    *gorm.DB
	Debates     *Service
	Backfiller  Backfiller
	Notifier    Notifier
	Broadcaster Broadcaster
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Lifecycle applies debate status transitions and the current-debate switch.
// It is the only legal writer of voting eligibility.
type Lifecycle struct {
	db          *gorm.DB
	debates     *Service
	backfiller  Backfiller
	notifier    Notifier
	broadcaster Broadcaster
	clock       func() time.Time
	logger      *zap.Logger
}

// NewLifecycle constructs the lifecycle state machine.
func NewLifecycle(cfg LifecycleConfig) (*Lifecycle, error) {
	if cfg.Database == nil {
		return nil, errors.New("debates: database handle is required")
	}
	if cfg.Debates == nil {
		return nil, errors.New("debates: read service is required")
	}
	if cfg.Backfiller == nil {
		return nil, errors.New("debates: backfiller is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		db:          cfg.Database,
		debates:     cfg.Debates,
		backfiller:  cfg.Backfiller,
		notifier:    cfg.Notifier,
		broadcaster: cfg.Broadcaster,
		clock:       clock,
		logger:      logger,
	}, nil
}

var allowedTransitions = map[Status][]Status{
	StatusPending:   {StatusOngoing},
	StatusOngoing:   {StatusFinalVote, StatusEnded},
	StatusFinalVote: {StatusEnded},
	StatusEnded:     {StatusOngoing},
}

func transitionAllowed(from, to Status) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// UpdateStatus moves a debate to the requested status. The transition
// pending → ongoing triggers the auto-abstain backfill so that "no vote"
// stays distinguishable from "abstained" once live voting starts.
func (l *Lifecycle) UpdateStatus(ctx context.Context, debateID string, status Status) error {
	debate, err := l.debates.ByID(ctx, debateID)
	if err != nil {
		return err
	}
	if debate.Status == status {
		return nil
	}
	if !transitionAllowed(debate.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, debate.Status, status)
	}

	now := l.clock().UTC()
	updates := map[string]interface{}{"status": status}
	switch {
	case status == StatusOngoing && debate.StartedAt == nil:
		updates["started_at"] = now
	case status == StatusOngoing && debate.Status == StatusEnded:
		updates["ended_at"] = nil
	case status == StatusEnded && debate.EndedAt == nil:
		updates["ended_at"] = now
	}
	if err := l.db.WithContext(ctx).Model(&Debate{}).Where("id = ?", debateID).Updates(updates).Error; err != nil {
		return fmt.Errorf("debates: update status: %w", err)
	}
	if err := l.debates.InvalidateInfo(ctx, debateID); err != nil {
		l.logger.Warn("debate info invalidation failed", zap.String("debate_id", debateID), zap.Error(err))
	}

	if debate.Status == StatusPending && status == StatusOngoing {
		if err := l.backfiller.AutoAbstainBackfill(ctx, debate.ActivityID, debateID); err != nil {
			l.logger.Error("auto-abstain backfill failed",
				zap.String("debate_id", debateID), zap.Error(err))
		}
	}

	l.notify(debate.ActivityID, debateID)
	l.send(broadcast.Envelope{
		Type:       broadcast.EventDebateStatus,
		ActivityID: debate.ActivityID,
		DebateID:   debateID,
		Data:       map[string]interface{}{"debateId": debateID, "status": status},
		Timestamp:  now,
	})
	return nil
}

// SetCurrent points the activity at a new current debate. The previous
// current debate (if still live) is ended; re-selecting an ended debate
// re-activates it and resets every later-ordered debate back to pending so a
// session can be re-run without duplicate historical rows.
func (l *Lifecycle) SetCurrent(ctx context.Context, activityID, debateID string) error {
	debate, err := l.debates.ByID(ctx, debateID)
	if err != nil {
		return err
	}
	if debate.ActivityID != activityID {
		return ErrDebateNotFound
	}

	var activity activities.Activity
	err = l.db.WithContext(ctx).Where("id = ?", activityID).Take(&activity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return activities.ErrActivityNotFound
	}
	if err != nil {
		return fmt.Errorf("debates: load activity: %w", err)
	}

	now := l.clock().UTC()

	if activity.CurrentDebateID != nil && *activity.CurrentDebateID != debateID {
		if err := l.endDebate(ctx, *activity.CurrentDebateID, now); err != nil {
			return err
		}
	}

	wasPending := debate.Status == StatusPending
	updates := map[string]interface{}{"status": StatusOngoing}
	if debate.StartedAt == nil {
		updates["started_at"] = now
	}
	switch debate.Status {
	case StatusEnded:
		updates["ended_at"] = nil
		if err := l.resetLaterDebates(ctx, debate); err != nil {
			return err
		}
	case StatusOngoing, StatusFinalVote:
		delete(updates, "status")
	}
	if len(updates) > 0 {
		if err := l.db.WithContext(ctx).Model(&Debate{}).Where("id = ?", debateID).Updates(updates).Error; err != nil {
			return fmt.Errorf("debates: activate debate: %w", err)
		}
		if err := l.debates.InvalidateInfo(ctx, debateID); err != nil {
			l.logger.Warn("debate info invalidation failed", zap.String("debate_id", debateID), zap.Error(err))
		}
	}

	err = l.db.WithContext(ctx).Model(&activities.Activity{}).
		Where("id = ?", activityID).
		Update("current_debate_id", debateID).Error
	if err != nil {
		return fmt.Errorf("debates: set current debate: %w", err)
	}

	if wasPending {
		if err := l.backfiller.AutoAbstainBackfill(ctx, activityID, debateID); err != nil {
			l.logger.Error("auto-abstain backfill failed",
				zap.String("debate_id", debateID), zap.Error(err))
		}
	}

	l.notify(activityID, debateID)
	l.send(broadcast.Envelope{
		Type:       broadcast.EventDebateChange,
		ActivityID: activityID,
		DebateID:   debateID,
		Data:       map[string]interface{}{"debateId": debateID, "title": debate.Title},
		Timestamp:  now,
	})
	return nil
}

func (l *Lifecycle) endDebate(ctx context.Context, debateID string, now time.Time) error {
	previous, err := l.debates.ByID(ctx, debateID)
	if errors.Is(err, ErrDebateNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !previous.Status.AcceptsVotes() {
		return nil
	}
	updates := map[string]interface{}{"status": StatusEnded}
	if previous.EndedAt == nil {
		updates["ended_at"] = now
	}
	if err := l.db.WithContext(ctx).Model(&Debate{}).Where("id = ?", debateID).Updates(updates).Error; err != nil {
		return fmt.Errorf("debates: end previous debate: %w", err)
	}
	if err := l.debates.InvalidateInfo(ctx, debateID); err != nil {
		l.logger.Warn("debate info invalidation failed", zap.String("debate_id", debateID), zap.Error(err))
	}
	return nil
}

func (l *Lifecycle) resetLaterDebates(ctx context.Context, reactivated Debate) error {
	var later []Debate
	err := l.db.WithContext(ctx).
		Where("activity_id = ? AND display_order > ?", reactivated.ActivityID, reactivated.Order).
		Find(&later).Error
	if err != nil {
		return fmt.Errorf("debates: load later debates: %w", err)
	}
	if len(later) == 0 {
		return nil
	}
	err = l.db.WithContext(ctx).Model(&Debate{}).
		Where("activity_id = ? AND display_order > ?", reactivated.ActivityID, reactivated.Order).
		Updates(map[string]interface{}{
			"status":     StatusPending,
			"started_at": nil,
			"ended_at":   nil,
		}).Error
	if err != nil {
		return fmt.Errorf("debates: reset later debates: %w", err)
	}
	for _, debate := range later {
		if err := l.debates.InvalidateInfo(ctx, debate.ID); err != nil {
			l.logger.Warn("debate info invalidation failed", zap.String("debate_id", debate.ID), zap.Error(err))
		}
	}
	return nil
}

func (l *Lifecycle) notify(activityID, debateID string) {
	if l.notifier == nil {
		return
	}
	l.notifier.StatisticsChanged(activityID, debateID)
}

func (l *Lifecycle) send(envelope broadcast.Envelope) {
	if l.broadcaster == nil {
		return
	}
	l.broadcaster.Publish(envelope)
}
