package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/openfloor/podium/internal/votes"
	"go.uber.org/zap"
)

const resultsCacheTTL = 10 * time.Second

// DebateStats is the full aggregate for one debate: current tallies,
// conversion flows and the side scores shown on the big screen.
type DebateStats struct {
	DebateID          string  `json:"debateId"`
	TotalVotes        int     `json:"totalVotes"`
	ProVotes          int     `json:"proVotes"`
	ConVotes          int     `json:"conVotes"`
	AbstainVotes      int     `json:"abstainVotes"`
	ProPercentage     float64 `json:"proPercentage"`
	ConPercentage     float64 `json:"conPercentage"`
	AbstainPercentage float64 `json:"abstainPercentage"`

	ProPreviousVotes     int `json:"proPreviousVotes"`
	ConPreviousVotes     int `json:"conPreviousVotes"`
	AbstainPreviousVotes int `json:"abstainPreviousVotes"`

	ProToConVotes     int `json:"proToConVotes"`
	ProToAbstainVotes int `json:"proToAbstainVotes"`
	ConToProVotes     int `json:"conToProVotes"`
	ConToAbstainVotes int `json:"conToAbstainVotes"`
	AbstainToProVotes int `json:"abstainToProVotes"`
	AbstainToConVotes int `json:"abstainToConVotes"`

	ProScore float64 `json:"proScore"`
	ConScore float64 `json:"conScore"`
	Winner   string  `json:"winner"`
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

// scoreSides applies the fixed scoring rule: converting an opponent is worth
// 1000 points pro-rated by the opponent side's initial size, converting a
// neutral 500 pro-rated by the initial neutral count.
func scoreSides(s *DebateStats) {
	proScore := 0.0
	if s.ConPreviousVotes > 0 {
		proScore += float64(s.ConToProVotes) / float64(s.ConPreviousVotes) * 1000
	}
	if s.AbstainPreviousVotes > 0 {
		proScore += float64(s.AbstainToProVotes) / float64(s.AbstainPreviousVotes) * 500
	}
	conScore := 0.0
	if s.ProPreviousVotes > 0 {
		conScore += float64(s.ProToConVotes) / float64(s.ProPreviousVotes) * 1000
	}
	if s.AbstainPreviousVotes > 0 {
		conScore += float64(s.AbstainToConVotes) / float64(s.AbstainPreviousVotes) * 500
	}
	s.ProScore = round2(proScore)
	s.ConScore = round2(conScore)
	switch {
	case s.ProScore > s.ConScore:
		s.Winner = "pro"
	case s.ConScore > s.ProScore:
		s.Winner = "con"
	default:
		s.Winner = "tie"
	}
}

// DebateResults computes (or serves from its 10-second cache) the aggregate
// statistics for one debate. Tallies come from the cache store's position
// sets with a durable fallback; conversion flows come from the durable
// ledger the reconciler maintains.
func (s *Service) DebateResults(ctx context.Context, debateID string) (DebateStats, error) {
	cacheKey := votes.ResultsKey(debateID)
	cached, ok, err := s.cache.Get(ctx, cacheKey)
	if err == nil && ok {
		var result DebateStats
		if unmarshalErr := json.Unmarshal([]byte(cached), &result); unmarshalErr == nil {
			return result, nil
		}
	}

	if _, err := s.debates.ByID(ctx, debateID); err != nil {
		return DebateStats{}, err
	}

	result := DebateStats{DebateID: debateID}
	if err := s.countPositions(ctx, debateID, &result); err != nil {
		return DebateStats{}, err
	}
	if err := s.countConversions(ctx, debateID, &result); err != nil {
		return DebateStats{}, err
	}

	if result.TotalVotes > 0 {
		total := float64(result.TotalVotes)
		result.ProPercentage = round2(float64(result.ProVotes) / total * 100)
		result.ConPercentage = round2(float64(result.ConVotes) / total * 100)
		result.AbstainPercentage = round2(float64(result.AbstainVotes) / total * 100)
	}
	scoreSides(&result)

	encoded, err := json.Marshal(result)
	if err == nil {
		if cacheErr := s.cache.Set(ctx, cacheKey, string(encoded), resultsCacheTTL); cacheErr != nil {
			s.logger.Warn("results cache write failed",
				zap.String("debate_id", debateID), zap.Error(cacheErr))
		}
	}
	return result, nil
}

func (s *Service) countPositions(ctx context.Context, debateID string, result *DebateStats) error {
	total, err := s.cache.SCard(ctx, votes.VotersKey(debateID))
	if err != nil {
		return fmt.Errorf("stats: count voters: %w", err)
	}
	if total > 0 {
		pro, err := s.cache.SCard(ctx, votes.PositionKey(debateID, votes.PositionPro))
		if err != nil {
			return fmt.Errorf("stats: count pro: %w", err)
		}
		con, err := s.cache.SCard(ctx, votes.PositionKey(debateID, votes.PositionCon))
		if err != nil {
			return fmt.Errorf("stats: count con: %w", err)
		}
		abstain, err := s.cache.SCard(ctx, votes.PositionKey(debateID, votes.PositionAbstain))
		if err != nil {
			return fmt.Errorf("stats: count abstain: %w", err)
		}
		result.TotalVotes = int(total)
		result.ProVotes = int(pro)
		result.ConVotes = int(con)
		result.AbstainVotes = int(abstain)
		return nil
	}

	// Cold cache: fall back to the durable mirror.
	type positionCount struct {
		Position votes.Position
		Count    int
	}
	var counts []positionCount
	err = s.db.WithContext(ctx).Model(&votes.Vote{}).
		Select("position, COUNT(id) AS count").
		Where("debate_id = ?", debateID).
		Group("position").
		Scan(&counts).Error
	if err != nil {
		return fmt.Errorf("stats: durable tally: %w", err)
	}
	for _, row := range counts {
		switch row.Position {
		case votes.PositionPro:
			result.ProVotes = row.Count
		case votes.PositionCon:
			result.ConVotes = row.Count
		case votes.PositionAbstain:
			result.AbstainVotes = row.Count
		}
	}
	result.TotalVotes = result.ProVotes + result.ConVotes + result.AbstainVotes
	return nil
}

// countConversions reconstructs every participant's initial position from the
// earliest history entry (their stance before the first change), or the
// current position when no change was ever made.
func (s *Service) countConversions(ctx context.Context, debateID string, result *DebateStats) error {
	var voteRows []votes.Vote
	err := s.db.WithContext(ctx).
		Where("debate_id = ?", debateID).
		Find(&voteRows).Error
	if err != nil {
		return fmt.Errorf("stats: load votes: %w", err)
	}
	if len(voteRows) == 0 {
		return nil
	}

	voteIDs := make([]string, 0, len(voteRows))
	for _, row := range voteRows {
		voteIDs = append(voteIDs, row.ID)
	}
	var history []votes.VoteHistory
	err = s.db.WithContext(ctx).
		Where("vote_id IN ?", voteIDs).
		Find(&history).Error
	if err != nil {
		return fmt.Errorf("stats: load history: %w", err)
	}
	// Ids are time-ordered, so they break ties between changes recorded
	// within one clock tick.
	sort.Slice(history, func(i, j int) bool {
		if history[i].ChangedAt.Equal(history[j].ChangedAt) {
			return history[i].ID < history[j].ID
		}
		return history[i].ChangedAt.Before(history[j].ChangedAt)
	})
	earliest := make(map[string]votes.VoteHistory, len(voteRows))
	for _, entry := range history {
		if _, ok := earliest[entry.VoteID]; !ok {
			earliest[entry.VoteID] = entry
		}
	}

	for _, row := range voteRows {
		initial := row.Position
		if entry, ok := earliest[row.ID]; ok {
			initial = entry.OldPosition
		}

		switch initial {
		case votes.PositionPro:
			result.ProPreviousVotes++
		case votes.PositionCon:
			result.ConPreviousVotes++
		case votes.PositionAbstain:
			result.AbstainPreviousVotes++
		}

		if initial == row.Position {
			continue
		}
		switch {
		case initial == votes.PositionPro && row.Position == votes.PositionCon:
			result.ProToConVotes++
		case initial == votes.PositionPro && row.Position == votes.PositionAbstain:
			result.ProToAbstainVotes++
		case initial == votes.PositionCon && row.Position == votes.PositionPro:
			result.ConToProVotes++
		case initial == votes.PositionCon && row.Position == votes.PositionAbstain:
			result.ConToAbstainVotes++
		case initial == votes.PositionAbstain && row.Position == votes.PositionPro:
			result.AbstainToProVotes++
		case initial == votes.PositionAbstain && row.Position == votes.PositionCon:
			result.AbstainToConVotes++
		}
	}
	return nil
}

// InvalidateDebateResults drops the cached aggregate for a debate.
func (s *Service) InvalidateDebateResults(ctx context.Context, debateID string) error {
	return s.cache.Delete(ctx, votes.ResultsKey(debateID))
}
