package debates

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

const infoCacheTTL = 30 * time.Second

// ErrDebateNotFound indicates the referenced debate does not exist.
var ErrDebateNotFound = errors.New("debates: debate not found")

// ServiceConfig describes the dependencies of the debates read service.
type ServiceConfig struct {
	Database *gorm.DB
	Cache    cachestore.Store
	Logger   *zap.Logger
}

// Service serves debate reads, including the short-lived info cache that
// keeps the vote hot path off the durable store.
type Service struct {
	db     *gorm.DB
	cache  cachestore.Store
	logger *zap.Logger
}

// NewService constructs the debates read service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errors.New("debates: database handle is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("debates: cache store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, cache: cfg.Cache, logger: logger}, nil
}

func infoCacheKey(debateID string) string {
	return "debate:" + debateID + ":info"
}

// ByID loads a debate or reports ErrDebateNotFound.
func (s *Service) ByID(ctx context.Context, debateID string) (Debate, error) {
	var debate Debate
	err := s.db.WithContext(ctx).Where("id = ?", debateID).Take(&debate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Debate{}, ErrDebateNotFound
	}
	if err != nil {
		return Debate{}, fmt.Errorf("debates: load debate: %w", err)
	}
	return debate, nil
}

// ResolveInfo returns the activity binding and lifecycle status of a debate,
// served from the cache store when fresh.
func (s *Service) ResolveInfo(ctx context.Context, debateID string) (Info, error) {
	cacheKey := infoCacheKey(debateID)
	cached, ok, err := s.cache.Get(ctx, cacheKey)
	if err == nil && ok {
		var info Info
		if unmarshalErr := json.Unmarshal([]byte(cached), &info); unmarshalErr == nil {
			return info, nil
		}
	}

	debate, err := s.ByID(ctx, debateID)
	if err != nil {
		return Info{}, err
	}
	info := Info{ActivityID: debate.ActivityID, Status: debate.Status}

	encoded, err := json.Marshal(info)
	if err == nil {
		if cacheErr := s.cache.Set(ctx, cacheKey, string(encoded), infoCacheTTL); cacheErr != nil {
			s.logger.Warn("debate info cache write failed",
				zap.String("debate_id", debateID), zap.Error(cacheErr))
		}
	}
	return info, nil
}

// InvalidateInfo drops the cached info for a debate; called on every status
// or activity-binding write.
func (s *Service) InvalidateInfo(ctx context.Context, debateID string) error {
	if err := s.cache.Delete(ctx, infoCacheKey(debateID)); err != nil {
		return fmt.Errorf("debates: invalidate info: %w", err)
	}
	return nil
}

// ListByActivity returns the activity's debates in display order.
func (s *Service) ListByActivity(ctx context.Context, activityID string) ([]Debate, error) {
	var list []Debate
	err := s.db.WithContext(ctx).
		Where("activity_id = ?", activityID).
		Order("display_order ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("debates: list by activity: %w", err)
	}
	return list, nil
}
