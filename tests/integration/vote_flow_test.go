package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/openfloor/podium/internal/activities"
	"github.com/openfloor/podium/internal/auth"
	"github.com/openfloor/podium/internal/broadcast"
	"github.com/openfloor/podium/internal/cachestore"
	"github.com/openfloor/podium/internal/debates"
	"github.com/openfloor/podium/internal/server"
	"github.com/openfloor/podium/internal/stats"
	"github.com/openfloor/podium/internal/votes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	integrationSigningSecret = "integration-secret"
	integrationIssuer        = "podium-auth"
	integrationAudience      = "podium-api"
	jsonContentType          = "application/json"
)

type voteStack struct {
	db         *gorm.DB
	cache      cachestore.Store
	reconciler *votes.Reconciler
	issuer     *auth.TokenIssuer
	handler    http.Handler
}

func buildVoteStack(testContext *testing.T) *voteStack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "integration.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&activities.Activity{}, &activities.Participant{},
		&debates.Debate{}, &votes.Vote{}, &votes.VoteHistory{},
	)
	if err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	cache := cachestore.NewMemory(cachestore.MemoryConfig{})
	activityService, err := activities.NewService(activities.ServiceConfig{Database: db, Cache: cache, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build activities service: %v", err)
	}
	debateService, err := debates.NewService(debates.ServiceConfig{Database: db, Cache: cache, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build debates service: %v", err)
	}
	statsService, err := stats.NewService(stats.ServiceConfig{
		Database:   db,
		Cache:      cache,
		Activities: activityService,
		Debates:    debateService,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build stats service: %v", err)
	}
	voteService, err := votes.NewService(votes.ServiceConfig{
		Database:   db,
		Cache:      cache,
		Activities: activityService,
		Debates:    debateService,
		Notifier:   statsService,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build votes service: %v", err)
	}
	lifecycle, err := debates.NewLifecycle(debates.LifecycleConfig{
		Database:   db,
		Debates:    debateService,
		Backfiller: voteService,
		Notifier:   statsService,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build lifecycle: %v", err)
	}
	reconciler, err := votes.NewReconciler(votes.ReconcilerConfig{Database: db, Cache: cache, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build reconciler: %v", err)
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Issuer:        integrationIssuer,
		Audience:      integrationAudience,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		VotesService: voteService,
		StatsService: statsService,
		Activities:   activityService,
		Lifecycle:    lifecycle,
		Dispatcher:   broadcast.NewDispatcher(),
		TokenManager: issuer,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	return &voteStack{db: db, cache: cache, reconciler: reconciler, issuer: issuer, handler: handler}
}

func sendJSON(testContext *testing.T, method, url string, payload map[string]any, headers map[string]string) *http.Response {
	testContext.Helper()
	body, _ := json.Marshal(payload)
	request, _ := http.NewRequest(method, url, bytes.NewReader(body))
	request.Header.Set("Content-Type", jsonContentType)
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request %s %s failed: %v", method, url, err)
	}
	return response
}

func decodeJSON(testContext *testing.T, response *http.Response, target any) {
	testContext.Helper()
	defer response.Body.Close()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
}

func TestVoteFlow(testContext *testing.T) {
	stack := buildVoteStack(testContext)
	ctx := context.Background()

	seedErr := stack.db.Create(&activities.Activity{
		ID:           "activity-1",
		Name:         "Grand Finals",
		Status:       activities.ActivityStatusOngoing,
		SettingsJSON: `{"max_vote_changes":3,"allow_vote_change":true}`,
	}).Error
	if seedErr != nil {
		testContext.Fatalf("failed to seed activity: %v", seedErr)
	}
	for _, participant := range []activities.Participant{
		{ID: "participant-1", ActivityID: "activity-1", Code: "A001", Name: "First Voter"},
		{ID: "participant-2", ActivityID: "activity-1", Code: "A002", Name: "Second Voter"},
	} {
		if err := stack.db.Create(&participant).Error; err != nil {
			testContext.Fatalf("failed to seed participant: %v", err)
		}
	}
	if err := stack.db.Create(&debates.Debate{
		ID:         "debate-1",
		ActivityID: "activity-1",
		Title:      "This house believes",
		Status:     debates.StatusPending,
	}).Error; err != nil {
		testContext.Fatalf("failed to seed debate: %v", err)
	}

	testServer := httptest.NewServer(stack.handler)
	defer testServer.Close()

	adminToken, _, err := stack.issuer.IssueAdminToken(ctx, "operator-1")
	if err != nil {
		testContext.Fatalf("failed to issue admin token: %v", err)
	}
	adminHeaders := map[string]string{"Authorization": "Bearer " + adminToken}

	// The second voter checks in before the debate starts, so activation
	// backfills them as an automatic abstain.
	enterResp := sendJSON(testContext, http.MethodPost, testServer.URL+"/api/v1/votes/enter", map[string]any{
		"activity_id":      "activity-1",
		"participant_code": "A002",
	}, nil)
	if enterResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected enter status: %d", enterResp.StatusCode)
	}
	enterResp.Body.Close()

	currentResp := sendJSON(testContext, http.MethodPut, testServer.URL+"/api/v1/activities/activity-1/current-debate", map[string]any{
		"debate_id": "debate-1",
	}, adminHeaders)
	if currentResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected current-debate status: %d", currentResp.StatusCode)
	}
	currentResp.Body.Close()

	enterResp = sendJSON(testContext, http.MethodPost, testServer.URL+"/api/v1/votes/enter", map[string]any{
		"activity_id":      "activity-1",
		"participant_code": "A001",
	}, nil)
	if enterResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected enter status: %d", enterResp.StatusCode)
	}
	var enterPayload struct {
		SessionToken string `json:"session_token"`
	}
	decodeJSON(testContext, enterResp, &enterPayload)
	if enterPayload.SessionToken == "" {
		testContext.Fatalf("expected session token")
	}
	voterHeaders := map[string]string{"X-Session-Token": enterPayload.SessionToken}

	castResp := sendJSON(testContext, http.MethodPost, testServer.URL+"/api/v1/votes/debates/debate-1", map[string]any{
		"position": "pro",
	}, voterHeaders)
	if castResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected cast status: %d", castResp.StatusCode)
	}
	var castPayload struct {
		VoteID           string `json:"vote_id"`
		Position         string `json:"position"`
		RemainingChanges int    `json:"remaining_changes"`
	}
	decodeJSON(testContext, castResp, &castPayload)
	if castPayload.VoteID == "" || castPayload.Position != "pro" || castPayload.RemainingChanges != 3 {
		testContext.Fatalf("unexpected cast payload: %#v", castPayload)
	}

	resultsResp, err := http.Get(testServer.URL + "/api/v1/votes/debates/debate-1/results")
	if err != nil {
		testContext.Fatalf("results request failed: %v", err)
	}
	if resultsResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected results status: %d", resultsResp.StatusCode)
	}
	var resultsPayload struct {
		TotalVotes   int `json:"totalVotes"`
		ProVotes     int `json:"proVotes"`
		AbstainVotes int `json:"abstainVotes"`
	}
	decodeJSON(testContext, resultsResp, &resultsPayload)
	if resultsPayload.TotalVotes != 2 || resultsPayload.ProVotes != 1 || resultsPayload.AbstainVotes != 1 {
		testContext.Fatalf("unexpected results payload: %#v", resultsPayload)
	}

	// A reconcile pass mirrors the cached ledger into the durable store.
	if err := stack.reconciler.RunOnce(ctx); err != nil {
		testContext.Fatalf("reconcile failed: %v", err)
	}
	var storedVotes []votes.Vote
	if err := stack.db.Where("debate_id = ?", "debate-1").Find(&storedVotes).Error; err != nil {
		testContext.Fatalf("failed to load durable votes: %v", err)
	}
	if len(storedVotes) != 2 {
		testContext.Fatalf("expected 2 durable votes, got %d", len(storedVotes))
	}

	changeResp := sendJSON(testContext, http.MethodPost, testServer.URL+"/api/v1/votes/debates/debate-1", map[string]any{
		"position": "con",
	}, voterHeaders)
	if changeResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected change status: %d", changeResp.StatusCode)
	}
	var changePayload struct {
		RemainingChanges int `json:"remaining_changes"`
	}
	decodeJSON(testContext, changeResp, &changePayload)
	if changePayload.RemainingChanges != 2 {
		testContext.Fatalf("expected 2 remaining changes, got %d", changePayload.RemainingChanges)
	}

	if err := stack.reconciler.RunOnce(ctx); err != nil {
		testContext.Fatalf("second reconcile failed: %v", err)
	}
	var changedVote votes.Vote
	if err := stack.db.Where("debate_id = ? AND participant_id = ?", "debate-1", "participant-1").Take(&changedVote).Error; err != nil {
		testContext.Fatalf("failed to load changed vote: %v", err)
	}
	if changedVote.Position != votes.PositionCon || changedVote.ChangeCount != 1 {
		testContext.Fatalf("unexpected durable vote: %#v", changedVote)
	}
	var historyRows []votes.VoteHistory
	if err := stack.db.Where("vote_id = ?", changedVote.ID).Find(&historyRows).Error; err != nil {
		testContext.Fatalf("failed to load history: %v", err)
	}
	if len(historyRows) != 1 || historyRows[0].OldPosition != votes.PositionPro || historyRows[0].NewPosition != votes.PositionCon {
		testContext.Fatalf("unexpected history rows: %#v", historyRows)
	}

	for _, status := range []string{"final_vote", "ended"} {
		statusResp := sendJSON(testContext, http.MethodPut, testServer.URL+"/api/v1/debates/debate-1/status", map[string]any{
			"status": status,
		}, adminHeaders)
		if statusResp.StatusCode != http.StatusOK {
			testContext.Fatalf("unexpected %s transition status: %d", status, statusResp.StatusCode)
		}
		statusResp.Body.Close()
	}

	lateCastResp := sendJSON(testContext, http.MethodPost, testServer.URL+"/api/v1/votes/debates/debate-1", map[string]any{
		"position": "abstain",
	}, voterHeaders)
	if lateCastResp.StatusCode != http.StatusBadRequest {
		testContext.Fatalf("expected ended debate to refuse votes, got %d", lateCastResp.StatusCode)
	}
	lateCastResp.Body.Close()

	statsRequest, _ := http.NewRequest(http.MethodGet, testServer.URL+"/api/v1/activities/activity-1/statistics", nil)
	statsRequest.Header.Set("Authorization", "Bearer "+adminToken)
	statsResp, err := http.DefaultClient.Do(statsRequest)
	if err != nil {
		testContext.Fatalf("statistics request failed: %v", err)
	}
	if statsResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected statistics status: %d", statsResp.StatusCode)
	}
	var statsPayload struct {
		ActivityID string `json:"activityId"`
		RealTime   struct {
			TotalParticipants     int `json:"totalParticipants"`
			CheckedInParticipants int `json:"checkedInParticipants"`
		} `json:"realTimeStats"`
	}
	decodeJSON(testContext, statsResp, &statsPayload)
	if statsPayload.ActivityID != "activity-1" {
		testContext.Fatalf("unexpected statistics payload: %#v", statsPayload)
	}
	if statsPayload.RealTime.TotalParticipants != 2 || statsPayload.RealTime.CheckedInParticipants != 2 {
		testContext.Fatalf("unexpected realtime block: %#v", statsPayload.RealTime)
	}
}
