package votes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openfloor/podium/internal/activities"
	"github.com/openfloor/podium/internal/broadcast"
	"github.com/openfloor/podium/internal/cachestore"
	"github.com/openfloor/podium/internal/debates"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const sessionTTL = 24 * time.Hour

// IDProvider issues identifiers for votes and history entries.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Notifier receives fire-and-forget statistics refresh triggers; a failure
// to deliver must never fail a vote.
type Notifier interface {
	StatisticsChanged(activityID, debateID string)
}

// Broadcaster pushes screen events without delay; vote updates must reach
// display clients even while statistics broadcasts are being debounced.
// Nil disables broadcasting.
type Broadcaster interface {
	Publish(envelope broadcast.Envelope)
}

// ServiceConfig describes the dependencies of the vote ledger.
type ServiceConfig struct {
	Database    *gorm.DB
	Cache       cachestore.Store
	Activities  *activities.Service
	Debates     *debates.Service
	Notifier    Notifier
	Broadcaster Broadcaster
	Clock       func() time.Time
	IDProvider  IDProvider
	Logger      *zap.Logger
}

// Service is the cache-first vote ledger: session registry, change gate,
// vote casting and the administrative clear.
type Service struct {
	db          *gorm.DB
	cache       cachestore.Store
	activities  *activities.Service
	debates     *debates.Service
	notifier    Notifier
	broadcaster Broadcaster
	clock       func() time.Time
	idProvider  IDProvider
	logger      *zap.Logger
}

// NewService constructs the vote ledger service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errors.New("votes: database handle is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("votes: cache store is required")
	}
	if cfg.Activities == nil {
		return nil, errors.New("votes: activities service is required")
	}
	if cfg.Debates == nil {
		return nil, errors.New("votes: debates service is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:          cfg.Database,
		cache:       cfg.Cache,
		activities:  cfg.Activities,
		debates:     cfg.Debates,
		notifier:    cfg.Notifier,
		broadcaster: cfg.Broadcaster,
		clock:       clock,
		idProvider:  idProvider,
		logger:      logger,
	}, nil
}

// CheckInResult summarizes a successful check-in.
type CheckInResult struct {
	SessionToken    string
	ActivityID      string
	ActivityName    string
	ParticipantID   string
	ParticipantCode string
	ParticipantName string
}

// CheckIn validates the activity and participant, creates a 24h session in
// the cache store and stamps the first check-in durably.
func (s *Service) CheckIn(ctx context.Context, activityID, participantCode, deviceFingerprint string) (CheckInResult, error) {
	activity, err := s.activities.ByID(ctx, activityID)
	if err != nil {
		return CheckInResult{}, err
	}
	participant, err := s.activities.ParticipantByCode(ctx, activityID, participantCode)
	if err != nil {
		return CheckInResult{}, err
	}

	token := uuid.NewString()
	now := s.clock().UTC()
	session := Session{
		ParticipantID:     participant.ID,
		ActivityID:        activityID,
		ParticipantCode:   participant.Code,
		DeviceFingerprint: deviceFingerprint,
		CreatedAt:         now,
	}
	encoded, err := json.Marshal(session)
	if err != nil {
		return CheckInResult{}, fmt.Errorf("votes: encode session: %w", err)
	}
	if err := s.cache.Set(ctx, sessionKey(token), string(encoded), sessionTTL); err != nil {
		return CheckInResult{}, fmt.Errorf("votes: store session: %w", err)
	}

	if err := s.activities.MarkCheckedIn(ctx, participant, deviceFingerprint, now); err != nil {
		return CheckInResult{}, err
	}

	return CheckInResult{
		SessionToken:    token,
		ActivityID:      activity.ID,
		ActivityName:    activity.Name,
		ParticipantID:   participant.ID,
		ParticipantCode: participant.Code,
		ParticipantName: participant.Name,
	}, nil
}

// Resolve maps a session token to its participant and activity. This is the
// sole gate for all voting operations.
func (s *Service) Resolve(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return Session{}, ErrUnauthenticated
	}
	raw, ok, err := s.cache.Get(ctx, sessionKey(token))
	if err != nil {
		return Session{}, fmt.Errorf("votes: read session: %w", err)
	}
	if !ok {
		return Session{}, ErrUnauthenticated
	}
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return Session{}, ErrUnauthenticated
	}
	return session, nil
}

func (s *Service) readRecord(ctx context.Context, debateID, participantID string) (*Record, error) {
	raw, ok, err := s.cache.Get(ctx, voteKey(debateID, participantID))
	if err != nil {
		return nil, fmt.Errorf("votes: read record: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("votes: decode record: %w", err)
	}
	return &record, nil
}

// CastResult is returned for an accepted vote.
type CastResult struct {
	VoteID           string
	RemainingChanges int
}

// Cast records a new or changed vote for the session's participant. All
// cache mutations for one vote are applied as a single atomic batch so a
// voter never transiently appears in two position sets or none.
func (s *Service) Cast(ctx context.Context, debateID, sessionToken string, position Position) (CastResult, error) {
	session, err := s.Resolve(ctx, sessionToken)
	if err != nil {
		return CastResult{}, err
	}

	info, err := s.debates.ResolveInfo(ctx, debateID)
	if err != nil {
		return CastResult{}, err
	}
	if info.ActivityID != session.ActivityID {
		return CastResult{}, ErrForbidden
	}
	if !info.Status.AcceptsVotes() {
		return CastResult{}, ErrVotingNotAllowed
	}

	cfg, err := s.activities.VoteConfig(ctx, session.ActivityID)
	if err != nil {
		return CastResult{}, err
	}

	existing, err := s.readRecord(ctx, debateID, session.ParticipantID)
	if err != nil {
		return CastResult{}, err
	}

	changeCount, err := applyChangeGate(cfg, existing)
	if err != nil {
		return CastResult{}, err
	}

	now := s.clock().UTC()
	batch := cachestore.NewBatch()
	var record Record

	if existing != nil {
		record = *existing
		oldPosition := existing.Position
		record.Position = position
		record.ChangeCount = changeCount
		record.UpdatedAt = now

		entryID, err := s.idProvider.NewID()
		if err != nil {
			return CastResult{}, fmt.Errorf("votes: history id: %w", err)
		}
		entry := HistoryEntry{
			EntryID:     entryID,
			OldPosition: oldPosition,
			NewPosition: position,
			ChangedAt:   now,
		}
		encodedEntry, err := json.Marshal(entry)
		if err != nil {
			return CastResult{}, fmt.Errorf("votes: encode history entry: %w", err)
		}

		batch.SRem(PositionKey(debateID, oldPosition), session.ParticipantID)
		batch.SAdd(PositionKey(debateID, position), session.ParticipantID)
		batch.LPush(historyKey(debateID, session.ParticipantID), string(encodedEntry))
	} else {
		voteID, err := s.idProvider.NewID()
		if err != nil {
			return CastResult{}, fmt.Errorf("votes: vote id: %w", err)
		}
		record = Record{
			VoteID:        voteID,
			ParticipantID: session.ParticipantID,
			DebateID:      debateID,
			Position:      position,
			ChangeCount:   0,
			IsFinal:       false,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		batch.SAdd(VotersKey(debateID), session.ParticipantID)
		batch.SAdd(PositionKey(debateID, position), session.ParticipantID)
	}

	encodedRecord, err := json.Marshal(record)
	if err != nil {
		return CastResult{}, fmt.Errorf("votes: encode record: %w", err)
	}
	batch.Set(voteKey(debateID, session.ParticipantID), string(encodedRecord), 0)
	batch.SAdd(DirtyDebatesKey, debateID)
	batch.Delete(ResultsKey(debateID))

	if err := s.cache.Apply(ctx, batch); err != nil {
		return CastResult{}, fmt.Errorf("votes: apply vote batch: %w", err)
	}

	if s.notifier != nil {
		s.notifier.StatisticsChanged(session.ActivityID, debateID)
	}
	if s.broadcaster != nil {
		s.broadcaster.Publish(broadcast.Envelope{
			Type:       broadcast.EventVoteUpdate,
			ActivityID: session.ActivityID,
			DebateID:   debateID,
			Data:       map[string]interface{}{"debateId": debateID, "position": record.Position},
			Timestamp:  now,
		})
	}

	return CastResult{
		VoteID:           record.VoteID,
		RemainingChanges: cfg.MaxVoteChanges - record.ChangeCount,
	}, nil
}

// Status describes the participant's standing on a debate; derived only, no
// side effects.
type Status struct {
	HasVoted         bool
	Position         Position
	VotedAt          *time.Time
	RemainingChanges int
	CanVote          bool
	CanChange        bool
}

// StatusFor reports the session participant's vote status on a debate.
func (s *Service) StatusFor(ctx context.Context, debateID, sessionToken string) (Status, error) {
	session, err := s.Resolve(ctx, sessionToken)
	if err != nil {
		return Status{}, err
	}
	info, err := s.debates.ResolveInfo(ctx, debateID)
	if err != nil {
		return Status{}, err
	}
	if info.ActivityID != session.ActivityID {
		return Status{}, ErrForbidden
	}
	cfg, err := s.activities.VoteConfig(ctx, session.ActivityID)
	if err != nil {
		return Status{}, err
	}
	record, err := s.readRecord(ctx, debateID, session.ParticipantID)
	if err != nil {
		return Status{}, err
	}

	accepting := info.Status.AcceptsVotes()
	if record == nil {
		return Status{
			HasVoted:         false,
			RemainingChanges: cfg.MaxVoteChanges,
			CanVote:          accepting,
			CanChange:        false,
		}, nil
	}

	remaining := cfg.MaxVoteChanges - record.ChangeCount
	votedAt := record.CreatedAt
	return Status{
		HasVoted:         true,
		Position:         record.Position,
		VotedAt:          &votedAt,
		RemainingChanges: remaining,
		CanVote:          false,
		CanChange:        accepting && cfg.AllowVoteChange && remaining > 0 && !record.IsFinal,
	}, nil
}

// Clear removes every vote record, history entry and position set for a
// debate from both stores. Destructive and non-reversible; authorization is
// enforced upstream.
func (s *Service) Clear(ctx context.Context, debateID string) (int, error) {
	if _, err := s.debates.ByID(ctx, debateID); err != nil {
		return 0, err
	}

	voters, err := s.cache.SMembers(ctx, VotersKey(debateID))
	if err != nil {
		return 0, fmt.Errorf("votes: list voters: %w", err)
	}

	batch := cachestore.NewBatch()
	for _, participantID := range voters {
		batch.Delete(voteKey(debateID, participantID), historyKey(debateID, participantID))
	}
	batch.Delete(
		VotersKey(debateID),
		PositionKey(debateID, PositionPro),
		PositionKey(debateID, PositionCon),
		PositionKey(debateID, PositionAbstain),
		ResultsKey(debateID),
	)
	batch.SRem(DirtyDebatesKey, debateID)
	if err := s.cache.Apply(ctx, batch); err != nil {
		return 0, fmt.Errorf("votes: clear cache records: %w", err)
	}

	var durableRemoved int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		voteIDs := tx.Model(&Vote{}).Select("id").Where("debate_id = ?", debateID)
		if err := tx.Where("vote_id IN (?)", voteIDs).Delete(&VoteHistory{}).Error; err != nil {
			return err
		}
		result := tx.Where("debate_id = ?", debateID).Delete(&Vote{})
		durableRemoved = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, fmt.Errorf("votes: clear durable records: %w", err)
	}

	// After a restart the cache is cold but durable rows still exist, so the
	// removed count is whichever store held more records.
	removed := len(voters)
	if int(durableRemoved) > removed {
		removed = int(durableRemoved)
	}
	return removed, nil
}

// AutoAbstainBackfill synthesizes an abstain vote for every checked-in
// participant without a record on the debate, exactly as if they had voted.
// Safe to run repeatedly; already-backfilled participants are skipped.
func (s *Service) AutoAbstainBackfill(ctx context.Context, activityID, debateID string) error {
	participants, err := s.activities.CheckedInParticipants(ctx, activityID)
	if err != nil {
		return err
	}
	if len(participants) == 0 {
		return nil
	}

	voters, err := s.cache.SMembers(ctx, VotersKey(debateID))
	if err != nil {
		return fmt.Errorf("votes: list voters: %w", err)
	}
	voted := make(map[string]struct{}, len(voters))
	for _, participantID := range voters {
		voted[participantID] = struct{}{}
	}

	now := s.clock().UTC()
	batch := cachestore.NewBatch()
	backfilled := 0
	for _, participant := range participants {
		if _, ok := voted[participant.ID]; ok {
			continue
		}
		voteID, err := s.idProvider.NewID()
		if err != nil {
			return fmt.Errorf("votes: vote id: %w", err)
		}
		record := Record{
			VoteID:        voteID,
			ParticipantID: participant.ID,
			DebateID:      debateID,
			Position:      PositionAbstain,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		encoded, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("votes: encode record: %w", err)
		}
		batch.Set(voteKey(debateID, participant.ID), string(encoded), 0)
		batch.SAdd(VotersKey(debateID), participant.ID)
		batch.SAdd(PositionKey(debateID, PositionAbstain), participant.ID)
		backfilled++
	}
	if backfilled == 0 {
		return nil
	}
	batch.SAdd(DirtyDebatesKey, debateID)
	batch.Delete(ResultsKey(debateID))

	if err := s.cache.Apply(ctx, batch); err != nil {
		return fmt.Errorf("votes: apply backfill batch: %w", err)
	}
	s.logger.Info("auto-abstain backfill applied",
		zap.String("debate_id", debateID), zap.Int("participants", backfilled))
	return nil
}
