package votes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfloor/podium/internal/cachestore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultReconcileInterval is the period between reconciliation passes.
const DefaultReconcileInterval = 2 * time.Second

// ReconcilerConfig describes the dependencies of the reconciliation worker.
type ReconcilerConfig struct {
	Database *gorm.DB
	Cache    cachestore.Store
	Interval time.Duration
	Logger   *zap.Logger
}

// Reconciler periodically drains dirty debates from the cache store and
// upserts their vote ledgers into the durable store. It is the durable vote
// tables' single writer.
type Reconciler struct {
	db       *gorm.DB
	cache    cachestore.Store
	interval time.Duration
	logger   *zap.Logger

	mu sync.Mutex
}

// NewReconciler constructs the reconciliation worker.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Database == nil {
		return nil, errors.New("votes: database handle is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("votes: cache store is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		db:       cfg.Database,
		cache:    cfg.Cache,
		interval: interval,
		logger:   logger,
	}, nil
}

// Run executes passes on the configured period until the context ends.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce executes a single reconciliation pass. A pass still running when
// the next tick fires is skipped, not queued. Each successfully synced
// debate acknowledges its own dirty flag, so a debate that fails to sync
// stays dirty for the next pass.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	if !r.mu.TryLock() {
		return nil
	}
	defer r.mu.Unlock()

	dirty, err := r.cache.SMembers(ctx, DirtyDebatesKey)
	if err != nil {
		return fmt.Errorf("votes: read dirty set: %w", err)
	}
	if len(dirty) == 0 {
		return nil
	}

	synced := make([]string, 0, len(dirty))
	for _, debateID := range dirty {
		if err := r.syncDebate(ctx, debateID); err != nil {
			r.logger.Error("debate sync failed",
				zap.String("debate_id", debateID), zap.Error(err))
			continue
		}
		synced = append(synced, debateID)
	}
	if len(synced) > 0 {
		if err := r.cache.SRem(ctx, DirtyDebatesKey, synced...); err != nil {
			return fmt.Errorf("votes: acknowledge dirty debates: %w", err)
		}
	}
	return nil
}

func (r *Reconciler) syncDebate(ctx context.Context, debateID string) error {
	voters, err := r.cache.SMembers(ctx, VotersKey(debateID))
	if err != nil {
		return fmt.Errorf("list voters: %w", err)
	}
	if len(voters) == 0 {
		return nil
	}

	records := make([]Record, 0, len(voters))
	participantIDs := make([]string, 0, len(voters))
	for _, participantID := range voters {
		raw, ok, err := r.cache.Get(ctx, voteKey(debateID, participantID))
		if err != nil {
			return fmt.Errorf("read record: %w", err)
		}
		if !ok {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		records = append(records, record)
		participantIDs = append(participantIDs, record.ParticipantID)
	}
	if len(records) == 0 {
		return nil
	}

	var existing []Vote
	err = r.db.WithContext(ctx).
		Where("debate_id = ? AND participant_id IN ?", debateID, participantIDs).
		Find(&existing).Error
	if err != nil {
		return fmt.Errorf("query durable votes: %w", err)
	}
	existingByParticipant := make(map[string]Vote, len(existing))
	for _, vote := range existing {
		existingByParticipant[vote.ParticipantID] = vote
	}

	var inserts []Vote
	var updates []Record
	for _, record := range records {
		durable, ok := existingByParticipant[record.ParticipantID]
		if !ok {
			inserts = append(inserts, Vote{
				ID:            record.VoteID,
				ParticipantID: record.ParticipantID,
				DebateID:      record.DebateID,
				Position:      record.Position,
				ChangeCount:   record.ChangeCount,
				IsFinal:       record.IsFinal,
				CreatedAt:     record.CreatedAt,
				UpdatedAt:     record.UpdatedAt,
			})
			continue
		}
		if record.UpdatedAt.After(durable.UpdatedAt) {
			updates = append(updates, record)
		}
	}

	historyInserts, err := r.collectHistoryInserts(ctx, debateID, records)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(inserts) > 0 {
			if err := tx.Create(&inserts).Error; err != nil {
				return fmt.Errorf("insert votes: %w", err)
			}
		}
		for _, record := range updates {
			err := tx.Model(&Vote{}).Where("id = ?", record.VoteID).Updates(map[string]interface{}{
				"position":     record.Position,
				"change_count": record.ChangeCount,
				"is_final":     record.IsFinal,
				"updated_at":   record.UpdatedAt,
			}).Error
			if err != nil {
				return fmt.Errorf("update vote %s: %w", record.VoteID, err)
			}
		}
		if len(historyInserts) > 0 {
			if err := tx.Create(&historyInserts).Error; err != nil {
				return fmt.Errorf("insert history: %w", err)
			}
		}
		return nil
	})
}

// collectHistoryInserts mirrors cache-resident history entries that are not
// yet durable. Entries carry their own ids, so replays are dropped here.
func (r *Reconciler) collectHistoryInserts(ctx context.Context, debateID string, records []Record) ([]VoteHistory, error) {
	voteIDs := make([]string, 0, len(records))
	for _, record := range records {
		voteIDs = append(voteIDs, record.VoteID)
	}
	var existing []VoteHistory
	err := r.db.WithContext(ctx).
		Select("id").
		Where("vote_id IN ?", voteIDs).
		Find(&existing).Error
	if err != nil {
		return nil, fmt.Errorf("query durable history: %w", err)
	}
	known := make(map[string]struct{}, len(existing))
	for _, entry := range existing {
		known[entry.ID] = struct{}{}
	}

	var inserts []VoteHistory
	for _, record := range records {
		raw, err := r.cache.LRange(ctx, historyKey(debateID, record.ParticipantID), 0, -1)
		if err != nil {
			return nil, fmt.Errorf("read history: %w", err)
		}
		for _, item := range raw {
			var entry HistoryEntry
			if err := json.Unmarshal([]byte(item), &entry); err != nil {
				return nil, fmt.Errorf("decode history entry: %w", err)
			}
			if _, ok := known[entry.EntryID]; ok {
				continue
			}
			inserts = append(inserts, VoteHistory{
				ID:          entry.EntryID,
				VoteID:      record.VoteID,
				OldPosition: entry.OldPosition,
				NewPosition: entry.NewPosition,
				ChangedAt:   entry.ChangedAt,
			})
		}
	}
	return inserts, nil
}
