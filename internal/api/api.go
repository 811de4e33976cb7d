package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/duelo/internal/domain"
	"github.com/victornm/duelo/internal/duel"
	"github.com/victornm/duelo/internal/errors"
	"github.com/victornm/duelo/internal/event"
	"github.com/victornm/duelo/internal/ranking"
)

type Config struct {
	Engine       *gin.Engine
	EventBus     *event.Bus
	Duel         *duel.Service
	Ranking      *ranking.Service
	Redis        Redis
	PubsubPrefix string
	// BaseURL is the public site root embedded in invite links.
	BaseURL string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	ds *duel.Service
	rs *ranking.Service

	redis   Redis
	prefix  string
	baseURL string
}

func New(c Config) *API {
	a := &API{
		ds:      c.Duel,
		rs:      c.Ranking,
		redis:   c.Redis,
		prefix:  c.PubsubPrefix,
		baseURL: c.BaseURL,
	}

	// HTTP APIs
	v1 := c.Engine.Group("/v1")
	v1.POST("/duels", a.CreateDuel)
	v1.POST("/duels/:id/join", a.JoinDuel)
	v1.GET("/duels/:id", a.GetDuel)
	v1.GET("/duels/:id/entries", a.GetEntries)
	v1.GET("/duels/:id/invite", a.GetInvite)
	v1.POST("/duels/:id/start", a.StartDuel)
	v1.POST("/duels/:id/cancel", a.CancelDuel)
	v1.PUT("/duels/:id/draft", a.SaveDraft)
	v1.POST("/duels/:id/finalize", a.FinalizeDuel)
	v1.GET("/rankings/:category", a.GetRanking)

	// Register event handlers: durable row mutations are relayed to the
	// session channel, ranking changes fan out to user channels.
	c.EventBus.Subscribe(domain.EventNameSessionUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishSessionUpdated(ctx, e.(domain.EventSessionUpdated))
	})
	c.EventBus.Subscribe(domain.EventNameEntryUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishEntryUpdated(ctx, e.(domain.EventEntryUpdated))
	})
	c.EventBus.Subscribe(domain.EventNameRankingUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishRankingUpdated(ctx, e.(domain.EventRankingUpdated))
	})

	return a
}

type (
	Session struct {
		SessionID    string `json:"session_id"`
		HostUserID   string `json:"host_user_id"`
		CategoryID   string `json:"category_id"`
		LevelID      string `json:"level_id"`
		Status       string `json:"status"`
		WinnerUserID string `json:"winner_user_id,omitempty"`
	}

	Entry struct {
		SessionID       string            `json:"session_id"`
		UserID          string            `json:"user_id"`
		DisplayName     string            `json:"display_name"`
		AvatarURL       string            `json:"avatar_url,omitempty"`
		Answers         map[string]string `json:"answers"`
		AnsweredCount   int               `json:"answered_count"`
		CurrentQuestion int               `json:"current_question"`
		IsSubmitted     bool              `json:"is_submitted"`
		Score           int               `json:"score"`
		Total           int               `json:"total"`
		DurationMs      int64             `json:"duration_ms"`
	}

	SessionState struct {
		Session Session `json:"session"`
		Entries []Entry `json:"entries"`
	}
)

type CreateDuelRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	CategoryID  string `json:"category_id"`
	LevelID     string `json:"level_id" binding:"required"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

func (a *API) CreateDuel(c *gin.Context) {
	var req CreateDuelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	st, err := a.ds.CreateSession(c.Request.Context(), duel.CreateSessionRequest{
		HostUserID:  req.UserID,
		CategoryID:  req.CategoryID,
		LevelID:     req.LevelID,
		DisplayName: req.DisplayName,
		AvatarURL:   req.AvatarURL,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toSessionState(st))
}

type JoinDuelRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

func (a *API) JoinDuel(c *gin.Context) {
	var req JoinDuelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	st, err := a.ds.JoinSession(c.Request.Context(), duel.JoinSessionRequest{
		SessionID:   c.Param("id"),
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		AvatarURL:   req.AvatarURL,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toSessionState(st))
}

func (a *API) GetDuel(c *gin.Context) {
	st, err := a.ds.GetState(c.Request.Context(), duel.GetStateRequest{
		SessionID: c.Param("id"),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toSessionState(st))
}

func (a *API) GetEntries(c *gin.Context) {
	st, err := a.ds.GetState(c.Request.Context(), duel.GetStateRequest{
		SessionID: c.Param("id"),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toSessionState(st).Entries)
}

type Invite struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// GetInvite builds the shareable link a host sends to the opponent; the
// session ID rides in a query parameter.
func (a *API) GetInvite(c *gin.Context) {
	st, err := a.ds.GetState(c.Request.Context(), duel.GetStateRequest{
		SessionID: c.Param("id"),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	u, err := url.Parse(a.baseURL)
	if err != nil {
		abortWithError(c, errors.Internal(err))
		return
	}
	u.Path = "/duel"
	q := u.Query()
	q.Set("session", st.Session.SessionID)
	u.RawQuery = q.Encode()

	c.JSON(http.StatusOK, Invite{
		SessionID: st.Session.SessionID,
		URL:       u.String(),
	})
}

type StartDuelRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (a *API) StartDuel(c *gin.Context) {
	var req StartDuelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	ss, err := a.ds.StartDuel(c.Request.Context(), duel.StartDuelRequest{
		SessionID: c.Param("id"),
		UserID:    req.UserID,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toSession(*ss))
}

type CancelDuelRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (a *API) CancelDuel(c *gin.Context) {
	var req CancelDuelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	ss, err := a.ds.CancelDuel(c.Request.Context(), duel.CancelDuelRequest{
		SessionID: c.Param("id"),
		UserID:    req.UserID,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toSession(*ss))
}

type SaveDraftRequest struct {
	UserID          string            `json:"user_id" binding:"required"`
	Answers         map[string]string `json:"answers"`
	AnsweredCount   int               `json:"answered_count"`
	CurrentQuestion int               `json:"current_question"`
}

// SaveDraft is best-effort by contract: clients fire it on a debounce
// and may ignore the response. The answered count is recomputed
// server-side; the request field exists for wire compatibility only.
func (a *API) SaveDraft(c *gin.Context) {
	var req SaveDraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	err := a.ds.SaveDraft(c.Request.Context(), duel.SaveDraftRequest{
		SessionID:       c.Param("id"),
		UserID:          req.UserID,
		Answers:         req.Answers,
		CurrentQuestion: req.CurrentQuestion,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type FinalizeDuelRequest struct {
	UserID      string            `json:"user_id" binding:"required"`
	Answers     map[string]string `json:"answers"`
	DisplayName string            `json:"display_name"`
	AvatarURL   string            `json:"avatar_url"`
}

func (a *API) FinalizeDuel(c *gin.Context) {
	var req FinalizeDuelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	st, err := a.ds.Finalize(c.Request.Context(), duel.FinalizeRequest{
		SessionID:   c.Param("id"),
		UserID:      req.UserID,
		Answers:     req.Answers,
		DisplayName: req.DisplayName,
		AvatarURL:   req.AvatarURL,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toSessionState(st))
}

func (a *API) GetRanking(c *gin.Context) {
	r, err := a.rs.GetRanking(c.Request.Context(), ranking.GetRankingRequest{
		CategoryID: c.Param("category"),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toRanking(*r))
}

func abortWithError(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}

func toSessionState(st *duel.SessionState) SessionState {
	out := SessionState{
		Session: toSession(st.Session),
		Entries: make([]Entry, 0, len(st.Entries)),
	}
	for _, e := range st.Entries {
		out.Entries = append(out.Entries, toEntry(e))
	}
	return out
}

func toSession(ss domain.Session) Session {
	return Session{
		SessionID:    ss.SessionID,
		HostUserID:   ss.HostUserID,
		CategoryID:   ss.CategoryID,
		LevelID:      ss.LevelID,
		Status:       string(ss.Status),
		WinnerUserID: ss.WinnerUserID,
	}
}

func toEntry(e domain.Entry) Entry {
	return Entry{
		SessionID:       e.SessionID,
		UserID:          e.UserID,
		DisplayName:     e.DisplayName,
		AvatarURL:       e.AvatarURL,
		Answers:         e.Answers,
		AnsweredCount:   e.AnsweredCount,
		CurrentQuestion: e.CurrentQuestion,
		IsSubmitted:     e.IsSubmitted,
		Score:           e.Score,
		Total:           e.Total,
		DurationMs:      e.DurationMs,
	}
}
