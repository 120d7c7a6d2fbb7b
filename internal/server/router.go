package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/openfloor/podium/internal/activities"
	"github.com/openfloor/podium/internal/auth"
	"github.com/openfloor/podium/internal/broadcast"
	"github.com/openfloor/podium/internal/debates"
	"github.com/openfloor/podium/internal/stats"
	"github.com/openfloor/podium/internal/votes"
	"go.uber.org/zap"
)

const adminSubjectContextKey = "podium_admin_subject"

var (
	errMissingVotesService = errors.New("votes service dependency required")
	errMissingStatsService = errors.New("stats service dependency required")
	errMissingActivities   = errors.New("activities service dependency required")
	errMissingLifecycle    = errors.New("debate lifecycle dependency required")
	errMissingTokenManager = errors.New("token manager dependency required")
)

// Dependencies wires the HTTP surface to the domain services.
type Dependencies struct {
	VotesService   *votes.Service
	StatsService   *stats.Service
	Activities     *activities.Service
	Lifecycle      *debates.Lifecycle
	Dispatcher     *broadcast.Dispatcher
	TokenManager   auth.TokenValidator
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router for the voting API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.VotesService == nil {
		return nil, errMissingVotesService
	}
	if deps.StatsService == nil {
		return nil, errMissingStatsService
	}
	if deps.Activities == nil {
		return nil, errMissingActivities
	}
	if deps.Lifecycle == nil {
		return nil, errMissingLifecycle
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Session-Token"},
		MaxAge:       12 * time.Hour,
	}))

	bearer, err := auth.NewBearerValidator(deps.TokenManager)
	if err != nil {
		return nil, err
	}
	handler := &httpHandler{
		votes:      deps.VotesService,
		stats:      deps.StatsService,
		activities: deps.Activities,
		lifecycle:  deps.Lifecycle,
		dispatcher: deps.Dispatcher,
		bearer:     bearer,
		logger:     logger,
	}

	api := router.Group("/api/v1")
	api.POST("/votes/enter", handler.handleEnter)
	api.POST("/votes/debates/:debateId", handler.handleCast)
	api.GET("/votes/debates/:debateId", handler.handleVoteStatus)
	api.GET("/votes/debates/:debateId/results", handler.handleResults)
	api.GET("/screen/stream", handler.handleScreenStream)

	admin := api.Group("/")
	admin.Use(handler.authorizeAdmin)
	admin.DELETE("/votes/debates/:debateId/votes", handler.handleClearVotes)
	admin.PUT("/debates/:debateId/status", handler.handleDebateStatus)
	admin.PUT("/activities/:activityId/current-debate", handler.handleCurrentDebate)
	admin.PUT("/activities/:activityId/settings", handler.handleUpdateSettings)
	admin.GET("/activities/:activityId/statistics", handler.handleActivityStatistics)

	return router, nil
}

type httpHandler struct {
	votes      *votes.Service
	stats      *stats.Service
	activities *activities.Service
	lifecycle  *debates.Lifecycle
	dispatcher *broadcast.Dispatcher
	bearer     *auth.BearerValidator
	logger     *zap.Logger
}

type enterRequestPayload struct {
	ActivityID        string `json:"activity_id"`
	ParticipantCode   string `json:"participant_code"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type enterResponsePayload struct {
	SessionToken    string `json:"session_token"`
	ActivityID      string `json:"activity_id"`
	ActivityName    string `json:"activity_name"`
	ParticipantID   string `json:"participant_id"`
	ParticipantCode string `json:"participant_code"`
	ParticipantName string `json:"participant_name"`
}

func (h *httpHandler) handleEnter(c *gin.Context) {
	var request enterRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.ActivityID) == "" ||
		strings.TrimSpace(request.ParticipantCode) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.votes.CheckIn(c.Request.Context(), request.ActivityID, request.ParticipantCode, request.DeviceFingerprint)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, enterResponsePayload{
		SessionToken:    result.SessionToken,
		ActivityID:      result.ActivityID,
		ActivityName:    result.ActivityName,
		ParticipantID:   result.ParticipantID,
		ParticipantCode: result.ParticipantCode,
		ParticipantName: result.ParticipantName,
	})
}

type castRequestPayload struct {
	SessionToken string `json:"session_token"`
	Position     string `json:"position"`
}

type castResponsePayload struct {
	VoteID           string `json:"vote_id"`
	Position         string `json:"position"`
	RemainingChanges int    `json:"remaining_changes"`
}

func (h *httpHandler) handleCast(c *gin.Context) {
	debateID := c.Param("debateId")

	var request castRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	position, ok := votes.ParsePosition(strings.TrimSpace(request.Position))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_position"})
		return
	}

	token := sessionTokenFrom(c, request.SessionToken)
	result, err := h.votes.Cast(c.Request.Context(), debateID, token, position)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, castResponsePayload{
		VoteID:           result.VoteID,
		Position:         string(position),
		RemainingChanges: result.RemainingChanges,
	})
}

type voteStatusResponsePayload struct {
	HasVoted         bool       `json:"has_voted"`
	Position         string     `json:"position,omitempty"`
	VotedAt          *time.Time `json:"voted_at,omitempty"`
	RemainingChanges int        `json:"remaining_changes"`
	CanVote          bool       `json:"can_vote"`
	CanChange        bool       `json:"can_change"`
}

func (h *httpHandler) handleVoteStatus(c *gin.Context) {
	debateID := c.Param("debateId")
	token := sessionTokenFrom(c, c.Query("session_token"))

	status, err := h.votes.StatusFor(c.Request.Context(), debateID, token)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, voteStatusResponsePayload{
		HasVoted:         status.HasVoted,
		Position:         string(status.Position),
		VotedAt:          status.VotedAt,
		RemainingChanges: status.RemainingChanges,
		CanVote:          status.CanVote,
		CanChange:        status.CanChange,
	})
}

func (h *httpHandler) handleResults(c *gin.Context) {
	debateID := c.Param("debateId")
	results, err := h.stats.DebateResults(c.Request.Context(), debateID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (h *httpHandler) handleClearVotes(c *gin.Context) {
	debateID := c.Param("debateId")
	cleared, err := h.votes.Clear(c.Request.Context(), debateID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Info("votes cleared",
		zap.String("debate_id", debateID),
		zap.String("admin", c.GetString(adminSubjectContextKey)),
		zap.Int("cleared", cleared))
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

type debateStatusRequestPayload struct {
	Status string `json:"status"`
}

func (h *httpHandler) handleDebateStatus(c *gin.Context) {
	debateID := c.Param("debateId")

	var request debateStatusRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status, ok := debates.ParseStatus(strings.TrimSpace(request.Status))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}

	if err := h.lifecycle.UpdateStatus(c.Request.Context(), debateID, status); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"debate_id": debateID, "status": string(status)})
}

type currentDebateRequestPayload struct {
	DebateID string `json:"debate_id"`
}

func (h *httpHandler) handleCurrentDebate(c *gin.Context) {
	activityID := c.Param("activityId")

	var request currentDebateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DebateID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.lifecycle.SetCurrent(c.Request.Context(), activityID, request.DebateID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity_id": activityID, "current_debate_id": request.DebateID})
}

func (h *httpHandler) handleUpdateSettings(c *gin.Context) {
	activityID := c.Param("activityId")

	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.activities.UpdateSettings(c.Request.Context(), activityID, string(body)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity_id": activityID})
}

func (h *httpHandler) handleActivityStatistics(c *gin.Context) {
	activityID := c.Param("activityId")
	statistics, err := h.stats.ActivityStatistics(c.Request.Context(), activityID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, statistics)
}

func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	subject, err := h.bearer.ValidateRequest(c.Request)
	if err != nil {
		if !errors.Is(err, auth.ErrMissingBearerToken) {
			h.logger.Warn("admin token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(adminSubjectContextKey, subject)
	c.Next()
}

func sessionTokenFrom(c *gin.Context, bodyToken string) string {
	if header := strings.TrimSpace(c.GetHeader("X-Session-Token")); header != "" {
		return header
	}
	return strings.TrimSpace(bodyToken)
}

// respondError maps domain sentinels onto HTTP statuses and stable error
// codes.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, votes.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, votes.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, activities.ErrActivityNotFound),
		errors.Is(err, activities.ErrParticipantNotFound),
		errors.Is(err, debates.ErrDebateNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, votes.ErrVotingNotAllowed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "voting_not_allowed"})
	case errors.Is(err, votes.ErrChangeNotAllowed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "change_not_allowed"})
	case errors.Is(err, votes.ErrChangeQuotaExceeded):
		c.JSON(http.StatusBadRequest, gin.H{"error": "change_quota_exceeded"})
	case errors.Is(err, votes.ErrVoteLocked):
		c.JSON(http.StatusBadRequest, gin.H{"error": "vote_locked"})
	case errors.Is(err, debates.ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_transition"})
	case errors.Is(err, activities.ErrInvalidSettings):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_settings"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
