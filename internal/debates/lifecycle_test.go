package debates

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/openfloor/podium/internal/activities"
	"github.com/openfloor/podium/internal/broadcast"
	"github.com/openfloor/podium/internal/cachestore"
	"gorm.io/gorm"
)

type recordingBackfiller struct {
	calls []string
}

func (b *recordingBackfiller) AutoAbstainBackfill(_ context.Context, activityID, debateID string) error {
	b.calls = append(b.calls, activityID+"/"+debateID)
	return nil
}

type recordingBroadcaster struct {
	envelopes []broadcast.Envelope
}

func (b *recordingBroadcaster) Publish(envelope broadcast.Envelope) {
	b.envelopes = append(b.envelopes, envelope)
}

type lifecycleFixture struct {
	db          *gorm.DB
	cache       cachestore.Store
	service     *Service
	lifecycle   *Lifecycle
	backfiller  *recordingBackfiller
	broadcaster *recordingBroadcaster
	now         time.Time
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "lifecycle.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&activities.Activity{}, &Debate{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	cache := cachestore.NewMemory(cachestore.MemoryConfig{})
	service, err := NewService(ServiceConfig{Database: db, Cache: cache})
	if err != nil {
		t.Fatalf("unexpected service constructor error: %v", err)
	}
	backfiller := &recordingBackfiller{}
	broadcaster := &recordingBroadcaster{}
	now := time.Date(2026, time.June, 10, 20, 0, 0, 0, time.UTC)
	lifecycle, err := NewLifecycle(LifecycleConfig{
		Database:    db,
		Debates:     service,
		Backfiller:  backfiller,
		Broadcaster: broadcaster,
		Clock:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected lifecycle constructor error: %v", err)
	}
	return &lifecycleFixture{db: db, cache: cache, service: service, lifecycle: lifecycle, backfiller: backfiller, broadcaster: broadcaster, now: now}
}

func (f *lifecycleFixture) seedActivity(t *testing.T, id string, currentDebateID *string) {
	t.Helper()
	activity := activities.Activity{ID: id, Name: "Finals", Status: activities.ActivityStatusOngoing, CurrentDebateID: currentDebateID}
	if err := f.db.Create(&activity).Error; err != nil {
		t.Fatalf("failed to insert activity: %v", err)
	}
}

func (f *lifecycleFixture) seedDebate(t *testing.T, debate Debate) {
	t.Helper()
	if debate.Title == "" {
		debate.Title = "Motion " + debate.ID
	}
	if err := f.db.Create(&debate).Error; err != nil {
		t.Fatalf("failed to insert debate: %v", err)
	}
}

func (f *lifecycleFixture) reload(t *testing.T, debateID string) Debate {
	t.Helper()
	var debate Debate
	if err := f.db.Where("id = ?", debateID).Take(&debate).Error; err != nil {
		t.Fatalf("failed to reload debate: %v", err)
	}
	return debate
}

func TestUpdateStatusFollowsStateMachine(t *testing.T) {
	fixture := newLifecycleFixture(t)
	ctx := context.Background()
	fixture.seedActivity(t, "activity-1", nil)
	fixture.seedDebate(t, Debate{ID: "debate-1", ActivityID: "activity-1", Status: StatusPending})

	if err := fixture.lifecycle.UpdateStatus(ctx, "debate-1", StatusEnded); err == nil {
		t.Fatalf("expected pending -> ended to be rejected")
	}

	if err := fixture.lifecycle.UpdateStatus(ctx, "debate-1", StatusOngoing); err != nil {
		t.Fatalf("unexpected transition error: %v", err)
	}
	debate := fixture.reload(t, "debate-1")
	if debate.Status != StatusOngoing {
		t.Fatalf("expected ongoing, got %s", debate.Status)
	}
	if debate.StartedAt == nil || !debate.StartedAt.Equal(fixture.now) {
		t.Fatalf("expected started_at stamp, got %v", debate.StartedAt)
	}
	if len(fixture.backfiller.calls) != 1 {
		t.Fatalf("expected backfill on pending -> ongoing, got %v", fixture.backfiller.calls)
	}

	if err := fixture.lifecycle.UpdateStatus(ctx, "debate-1", StatusFinalVote); err != nil {
		t.Fatalf("unexpected transition error: %v", err)
	}
	if err := fixture.lifecycle.UpdateStatus(ctx, "debate-1", StatusEnded); err != nil {
		t.Fatalf("unexpected transition error: %v", err)
	}
	debate = fixture.reload(t, "debate-1")
	if debate.EndedAt == nil {
		t.Fatalf("expected ended_at stamp")
	}

	// Same-status update is a no-op, not an error.
	if err := fixture.lifecycle.UpdateStatus(ctx, "debate-1", StatusEnded); err != nil {
		t.Fatalf("expected same-status no-op, got %v", err)
	}

	// Re-activation clears the end stamp and does not backfill again.
	if err := fixture.lifecycle.UpdateStatus(ctx, "debate-1", StatusOngoing); err != nil {
		t.Fatalf("unexpected re-activation error: %v", err)
	}
	debate = fixture.reload(t, "debate-1")
	if debate.EndedAt != nil {
		t.Fatalf("expected ended_at cleared on re-activation, got %v", debate.EndedAt)
	}
	if len(fixture.backfiller.calls) != 1 {
		t.Fatalf("re-activation must not trigger backfill, got %v", fixture.backfiller.calls)
	}
}

func TestUpdateStatusInvalidatesInfoCache(t *testing.T) {
	fixture := newLifecycleFixture(t)
	ctx := context.Background()
	fixture.seedActivity(t, "activity-1", nil)
	fixture.seedDebate(t, Debate{ID: "debate-1", ActivityID: "activity-1", Status: StatusPending})

	info, err := fixture.service.ResolveInfo(ctx, "debate-1")
	if err != nil {
		t.Fatalf("unexpected info error: %v", err)
	}
	if info.Status != StatusPending {
		t.Fatalf("expected pending info, got %s", info.Status)
	}

	if err := fixture.lifecycle.UpdateStatus(ctx, "debate-1", StatusOngoing); err != nil {
		t.Fatalf("unexpected transition error: %v", err)
	}

	info, err = fixture.service.ResolveInfo(ctx, "debate-1")
	if err != nil {
		t.Fatalf("unexpected info error: %v", err)
	}
	if info.Status != StatusOngoing {
		t.Fatalf("status change must be visible immediately, got %s", info.Status)
	}
}

func TestSetCurrentEndsPreviousDebate(t *testing.T) {
	fixture := newLifecycleFixture(t)
	ctx := context.Background()
	current := "debate-1"
	fixture.seedActivity(t, "activity-1", &current)
	started := fixture.now.Add(-time.Hour)
	fixture.seedDebate(t, Debate{ID: "debate-1", ActivityID: "activity-1", Status: StatusOngoing, Order: 0, StartedAt: &started})
	fixture.seedDebate(t, Debate{ID: "debate-2", ActivityID: "activity-1", Status: StatusPending, Order: 1})

	if err := fixture.lifecycle.SetCurrent(ctx, "activity-1", "debate-2"); err != nil {
		t.Fatalf("unexpected set-current error: %v", err)
	}

	previous := fixture.reload(t, "debate-1")
	if previous.Status != StatusEnded || previous.EndedAt == nil {
		t.Fatalf("expected previous debate ended, got %+v", previous)
	}
	next := fixture.reload(t, "debate-2")
	if next.Status != StatusOngoing || next.StartedAt == nil {
		t.Fatalf("expected next debate ongoing, got %+v", next)
	}

	var activity activities.Activity
	if err := fixture.db.Where("id = ?", "activity-1").Take(&activity).Error; err != nil {
		t.Fatalf("failed to reload activity: %v", err)
	}
	if activity.CurrentDebateID == nil || *activity.CurrentDebateID != "debate-2" {
		t.Fatalf("expected current debate updated, got %v", activity.CurrentDebateID)
	}
	if len(fixture.backfiller.calls) != 1 {
		t.Fatalf("expected backfill for newly started debate, got %v", fixture.backfiller.calls)
	}
}

func TestSetCurrentReactivatesEndedDebate(t *testing.T) {
	fixture := newLifecycleFixture(t)
	ctx := context.Background()
	current := "debate-3"
	fixture.seedActivity(t, "activity-1", &current)
	started := fixture.now.Add(-2 * time.Hour)
	ended := fixture.now.Add(-time.Hour)
	fixture.seedDebate(t, Debate{ID: "debate-1", ActivityID: "activity-1", Status: StatusEnded, Order: 0, StartedAt: &started, EndedAt: &ended})
	fixture.seedDebate(t, Debate{ID: "debate-2", ActivityID: "activity-1", Status: StatusEnded, Order: 1, StartedAt: &started, EndedAt: &ended})
	fixture.seedDebate(t, Debate{ID: "debate-3", ActivityID: "activity-1", Status: StatusOngoing, Order: 2, StartedAt: &started})

	if err := fixture.lifecycle.SetCurrent(ctx, "activity-1", "debate-1"); err != nil {
		t.Fatalf("unexpected set-current error: %v", err)
	}

	reactivated := fixture.reload(t, "debate-1")
	if reactivated.Status != StatusOngoing {
		t.Fatalf("expected re-activated debate ongoing, got %s", reactivated.Status)
	}
	if reactivated.EndedAt != nil {
		t.Fatalf("expected ended_at cleared, got %v", reactivated.EndedAt)
	}

	// Every later-ordered debate resets to pending with cleared stamps.
	for _, id := range []string{"debate-2", "debate-3"} {
		later := fixture.reload(t, id)
		if later.Status != StatusPending {
			t.Fatalf("expected %s reset to pending, got %s", id, later.Status)
		}
		if later.StartedAt != nil || later.EndedAt != nil {
			t.Fatalf("expected %s stamps cleared, got %+v", id, later)
		}
	}

	// The re-activated debate was not pending, so no backfill fires.
	if len(fixture.backfiller.calls) != 0 {
		t.Fatalf("unexpected backfill calls %v", fixture.backfiller.calls)
	}
}

func TestLifecycleBroadcastsScreenEvents(t *testing.T) {
	fixture := newLifecycleFixture(t)
	ctx := context.Background()
	fixture.seedActivity(t, "activity-1", nil)
	fixture.seedDebate(t, Debate{ID: "debate-1", ActivityID: "activity-1", Status: StatusPending})

	if err := fixture.lifecycle.UpdateStatus(ctx, "debate-1", StatusOngoing); err != nil {
		t.Fatalf("unexpected transition error: %v", err)
	}
	if len(fixture.broadcaster.envelopes) != 1 {
		t.Fatalf("expected one envelope after status change, got %d", len(fixture.broadcaster.envelopes))
	}
	statusEnvelope := fixture.broadcaster.envelopes[0]
	if statusEnvelope.Type != broadcast.EventDebateStatus {
		t.Fatalf("expected %s envelope, got %s", broadcast.EventDebateStatus, statusEnvelope.Type)
	}
	if statusEnvelope.ActivityID != "activity-1" || statusEnvelope.DebateID != "debate-1" {
		t.Fatalf("unexpected envelope routing %+v", statusEnvelope)
	}

	if err := fixture.lifecycle.SetCurrent(ctx, "activity-1", "debate-1"); err != nil {
		t.Fatalf("unexpected set-current error: %v", err)
	}
	if len(fixture.broadcaster.envelopes) != 2 {
		t.Fatalf("expected a second envelope after set-current, got %d", len(fixture.broadcaster.envelopes))
	}
	changeEnvelope := fixture.broadcaster.envelopes[1]
	if changeEnvelope.Type != broadcast.EventDebateChange {
		t.Fatalf("expected %s envelope, got %s", broadcast.EventDebateChange, changeEnvelope.Type)
	}

	// A rejected transition must not broadcast.
	if err := fixture.lifecycle.UpdateStatus(ctx, "debate-1", StatusPending); err == nil {
		t.Fatalf("expected ongoing -> pending to be rejected")
	}
	if len(fixture.broadcaster.envelopes) != 2 {
		t.Fatalf("rejected transition must not broadcast, got %d envelopes", len(fixture.broadcaster.envelopes))
	}
}

func TestSetCurrentRejectsForeignDebate(t *testing.T) {
	fixture := newLifecycleFixture(t)
	ctx := context.Background()
	fixture.seedActivity(t, "activity-1", nil)
	fixture.seedActivity(t, "activity-2", nil)
	fixture.seedDebate(t, Debate{ID: "debate-1", ActivityID: "activity-2", Status: StatusPending})

	if err := fixture.lifecycle.SetCurrent(ctx, "activity-1", "debate-1"); err != ErrDebateNotFound {
		t.Fatalf("expected ErrDebateNotFound for foreign debate, got %v", err)
	}
}
