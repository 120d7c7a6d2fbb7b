package stats

import (
	"context"
	"testing"
	"time"

	"github.com/openfloor/podium/internal/activities"
	"github.com/openfloor/podium/internal/votes"
)

func (f *statsFixture) seedParticipant(t *testing.T, id, activityID string, checkedIn bool) {
	t.Helper()
	participant := activities.Participant{ID: id, ActivityID: activityID, Code: "C-" + id, Name: "Voter " + id, CheckedIn: checkedIn}
	if checkedIn {
		now := time.Date(2026, time.June, 10, 19, 0, 0, 0, time.UTC)
		participant.CheckedInAt = &now
	}
	if err := f.db.Create(&participant).Error; err != nil {
		t.Fatalf("failed to insert participant: %v", err)
	}
}

func TestActivityStatisticsAggregates(t *testing.T) {
	fixture := newStatsFixture(t)
	ctx := context.Background()
	fixture.seedDebate(t, "debate-1", "activity-1")
	if err := fixture.db.Model(&activities.Activity{}).
		Where("id = ?", "activity-1").
		Update("current_debate_id", "debate-1").Error; err != nil {
		t.Fatalf("failed to set current debate: %v", err)
	}

	fixture.seedParticipant(t, "p1", "activity-1", true)
	fixture.seedParticipant(t, "p2", "activity-1", true)
	fixture.seedParticipant(t, "p3", "activity-1", false)
	fixture.seedVote(t, votes.Vote{ID: "vote-1", ParticipantID: "p1", DebateID: "debate-1", Position: votes.PositionPro})

	stats, err := fixture.service.ActivityStatistics(ctx, "activity-1")
	if err != nil {
		t.Fatalf("unexpected statistics error: %v", err)
	}

	if stats.ActivityID != "activity-1" || stats.ActivityName != "Finals" {
		t.Fatalf("unexpected activity block %+v", stats)
	}
	if stats.CurrentDebate == nil || stats.CurrentDebate.ID != "debate-1" {
		t.Fatalf("expected current debate block, got %+v", stats.CurrentDebate)
	}
	if stats.CurrentDebateStats == nil || stats.CurrentDebateStats.TotalVotes != 1 {
		t.Fatalf("expected current debate stats, got %+v", stats.CurrentDebateStats)
	}
	if stats.RealTime.TotalParticipants != 3 {
		t.Fatalf("expected 3 participants, got %d", stats.RealTime.TotalParticipants)
	}
	if stats.RealTime.CheckedInParticipants != 2 || stats.RealTime.OnlineParticipants != 2 {
		t.Fatalf("expected 2 checked in, got %+v", stats.RealTime)
	}
	if stats.RealTime.TotalVotes != 1 {
		t.Fatalf("expected 1 vote, got %d", stats.RealTime.TotalVotes)
	}
	// 1 current-debate vote across 2 checked-in participants.
	if stats.RealTime.VoteRate != 50.0 {
		t.Fatalf("expected 50%% vote rate, got %v", stats.RealTime.VoteRate)
	}
}

func TestActivityStatisticsWithoutCurrentDebate(t *testing.T) {
	fixture := newStatsFixture(t)
	fixture.seedDebate(t, "debate-1", "activity-1")
	fixture.seedParticipant(t, "p1", "activity-1", true)

	stats, err := fixture.service.ActivityStatistics(context.Background(), "activity-1")
	if err != nil {
		t.Fatalf("unexpected statistics error: %v", err)
	}
	if stats.CurrentDebate != nil || stats.CurrentDebateStats != nil {
		t.Fatalf("expected no current debate block, got %+v", stats)
	}
	if stats.RealTime.VoteRate != 0 {
		t.Fatalf("expected zero vote rate without current debate, got %v", stats.RealTime.VoteRate)
	}
}

func TestActivityStatisticsUnknownActivity(t *testing.T) {
	fixture := newStatsFixture(t)
	if _, err := fixture.service.ActivityStatistics(context.Background(), "missing"); err != activities.ErrActivityNotFound {
		t.Fatalf("expected ErrActivityNotFound, got %v", err)
	}
}

func TestStatisticsChangedNeverBlocks(t *testing.T) {
	fixture := newStatsFixture(t)

	// Nothing consumes the queue here; overflow must drop, not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultQueueSize*2; i++ {
			fixture.service.StatisticsChanged("activity-1", "debate-1")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("StatisticsChanged blocked on a full queue")
	}
}

func TestRefreshInvalidatesDebateResults(t *testing.T) {
	fixture := newStatsFixture(t)
	ctx := context.Background()
	fixture.seedDebate(t, "debate-1", "activity-1")

	if _, err := fixture.service.DebateResults(ctx, "debate-1"); err != nil {
		t.Fatalf("unexpected results error: %v", err)
	}
	fixture.seedVote(t, votes.Vote{ID: "vote-1", ParticipantID: "p1", DebateID: "debate-1", Position: votes.PositionCon})

	if err := fixture.service.refresh(ctx, "activity-1", "debate-1", false); err != nil {
		t.Fatalf("unexpected refresh error: %v", err)
	}

	results, err := fixture.service.DebateResults(ctx, "debate-1")
	if err != nil {
		t.Fatalf("unexpected results error: %v", err)
	}
	if results.TotalVotes != 1 {
		t.Fatalf("expected refresh to drop the stale aggregate, got %+v", results)
	}
}
