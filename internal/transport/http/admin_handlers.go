package http

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/hub"
	"github.com/vovakirdan/wirechat-relay/internal/sequencer"
	"github.com/vovakirdan/wirechat-relay/internal/session"
)

// AdminHandlers exposes operator actions over HTTP.
type AdminHandlers struct {
	hub *hub.Hub
	log *zerolog.Logger
}

// NewAdminHandlers creates a new admin handlers instance.
func NewAdminHandlers(h *hub.Hub, logger *zerolog.Logger) *AdminHandlers {
	return &AdminHandlers{hub: h, log: logger}
}

// SessionResponse describes one connection.
type SessionResponse struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Live           bool      `json:"live"`
}

// BanRequest represents the ban request body.
type BanRequest struct {
	Duration string `json:"duration" binding:"required"`
}

// IdleTimeoutRequest represents the idle timeout update body.
type IdleTimeoutRequest struct {
	IdleTimeout string `json:"idleTimeout" binding:"required"`
}

// ResumeRequest represents the scope resume body.
type ResumeRequest struct {
	Scope string `json:"scope" binding:"required"`
}

// HistoryQuery holds the history query parameters.
type HistoryQuery struct {
	Scope  string `form:"scope" binding:"required"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Before uint64 `form:"before"`
}

// PresenceResponse is the presence of one user.
type PresenceResponse struct {
	UserID     string     `json:"userId"`
	Status     string     `json:"status"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// MessageResponse is a sequenced message.
type MessageResponse struct {
	Scope        string    `json:"scope"`
	MessageID    uint64    `json:"messageId"`
	SenderID     string    `json:"senderId"`
	RoomID       string    `json:"roomId,omitempty"`
	TargetUserID string    `json:"targetUserId,omitempty"`
	Content      string    `json:"content"`
	SentAt       time.Time `json:"sentAt"`
}

// HaltResponse describes a halted scope.
type HaltResponse struct {
	Scope  string    `json:"scope"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// RoomResponse is a room snapshot.
type RoomResponse struct {
	ID        string    `json:"id"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

func toSessionResponse(s *session.Session) SessionResponse {
	return SessionResponse{
		ID:             s.ID,
		UserID:         s.UserID,
		ConnectedAt:    s.ConnectedAt,
		LastActivityAt: s.LastActivity(),
		Live:           s.Live(),
	}
}

func toPresenceResponse(st core.PresenceState) PresenceResponse {
	resp := PresenceResponse{UserID: st.UserID, Status: string(st.Status)}
	if !st.LastSeenAt.IsZero() {
		resp.LastSeenAt = lo.ToPtr(st.LastSeenAt)
	}
	return resp
}

func parseDuration(c *gin.Context, raw string) (time.Duration, bool) {
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid duration", Code: core.ErrCodeBadRequest})
		return 0, false
	}
	return d, true
}

// ListSessions lists every session, optionally for one user.
// GET /admin/sessions?user=<id>
func (h *AdminHandlers) ListSessions(c *gin.Context) {
	sessions := h.hub.Sessions()
	if user := c.Query("user"); user != "" {
		sessions = h.hub.SessionsOf(user)
	}
	c.JSON(http.StatusOK, lo.Map(sessions, func(s *session.Session, _ int) SessionResponse {
		return toSessionResponse(s)
	}))
}

// KickSession force-closes one session.
// POST /admin/sessions/:id/kick
func (h *AdminHandlers) KickSession(c *gin.Context) {
	id := c.Param("id")
	if !h.hub.Kick(id) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found"})
		return
	}
	h.log.Info().Str("session_id", id).Msg("session kicked")
	c.Status(http.StatusNoContent)
}

// BanUser bars a user for a duration and closes their sessions.
// POST /admin/users/:id/ban
func (h *AdminHandlers) BanUser(c *gin.Context) {
	var req BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid ban request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: core.ErrCodeBadRequest})
		return
	}
	d, ok := parseDuration(c, req.Duration)
	if !ok {
		return
	}
	closed := h.hub.Ban(c.Param("id"), d)
	c.JSON(http.StatusOK, gin.H{"closedSessions": closed})
}

// UnbanUser lifts a ban.
// DELETE /admin/users/:id/ban
func (h *AdminHandlers) UnbanUser(c *gin.Context) {
	h.hub.Unban(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// GetIdleTimeout returns the idle threshold.
// GET /admin/config/idle-timeout
func (h *AdminHandlers) GetIdleTimeout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"idleTimeout": h.hub.IdleTimeout().String()})
}

// SetIdleTimeout changes the idle threshold at runtime.
// PUT /admin/config/idle-timeout
func (h *AdminHandlers) SetIdleTimeout(c *gin.Context) {
	var req IdleTimeoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: core.ErrCodeBadRequest})
		return
	}
	d, ok := parseDuration(c, req.IdleTimeout)
	if !ok {
		return
	}
	h.hub.SetIdleTimeout(d)
	c.JSON(http.StatusOK, gin.H{"idleTimeout": d.String()})
}

// GetPresence returns the presence of one user.
// GET /admin/presence/:user
func (h *AdminHandlers) GetPresence(c *gin.Context) {
	c.JSON(http.StatusOK, toPresenceResponse(h.hub.Presence(c.Param("user"))))
}

// StreamPresence streams presence changes as server-sent events.
// GET /admin/presence/stream?user=<id>&user=<id>
func (h *AdminHandlers) StreamPresence(c *gin.Context) {
	sub := h.hub.SubscribePresence(64, c.QueryArray("user")...)
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"users": c.QueryArray("user")})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case st, ok := <-sub.Changes():
			if !ok {
				return false
			}
			c.SSEvent("presence", toPresenceResponse(st))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// AddMember adds a user to a room.
// PUT /admin/rooms/:room/members/:user
func (h *AdminHandlers) AddMember(c *gin.Context) {
	room, user := c.Param("room"), c.Param("user")
	if err := h.hub.AddMember(c.Request.Context(), room, user); err != nil {
		h.log.Error().Err(err).Str("room_id", room).Str("user_id", user).Msg("failed to add member")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "store unavailable", Code: core.ErrCodeStoreUnavailable})
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveMember removes a user from a room. Removing a non-member succeeds.
// DELETE /admin/rooms/:room/members/:user
func (h *AdminHandlers) RemoveMember(c *gin.Context) {
	room, user := c.Param("room"), c.Param("user")
	if err := h.hub.RemoveMember(c.Request.Context(), room, user); err != nil {
		h.log.Error().Err(err).Str("room_id", room).Str("user_id", user).Msg("failed to remove member")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "store unavailable", Code: core.ErrCodeStoreUnavailable})
		return
	}
	c.Status(http.StatusNoContent)
}

// GetRoom returns the members of a room.
// GET /admin/rooms/:room
func (h *AdminHandlers) GetRoom(c *gin.Context) {
	room, ok := h.hub.Room(c.Param("room"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "room not found"})
		return
	}
	c.JSON(http.StatusOK, RoomResponse{ID: room.ID, Members: room.Members, CreatedAt: room.CreatedAt})
}

// ListHalted lists scopes stopped by the sequencer.
// GET /admin/scopes/halted
func (h *AdminHandlers) ListHalted(c *gin.Context) {
	c.JSON(http.StatusOK, lo.Map(h.hub.HaltedScopes(), func(halt sequencer.Halt, _ int) HaltResponse {
		return HaltResponse{Scope: halt.Scope.String(), Reason: halt.Reason, At: halt.At}
	}))
}

// ResumeScope lets a halted scope take traffic again.
// POST /admin/scopes/resume
func (h *AdminHandlers) ResumeScope(c *gin.Context) {
	var req ResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: core.ErrCodeBadRequest})
		return
	}
	if !h.hub.ResumeScope(core.Scope(req.Scope)) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "scope is not halted"})
		return
	}
	c.Status(http.StatusNoContent)
}

// History reads the messages of a scope, newest first.
// GET /admin/scopes/history?scope=room:<id>&limit=50&before=<messageId>
func (h *AdminHandlers) History(c *gin.Context) {
	var q HistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid query", Code: core.ErrCodeBadRequest})
		return
	}
	if q.Limit == 0 {
		q.Limit = 50
	}

	msgs, err := h.hub.History(c.Request.Context(), core.Scope(q.Scope), q.Limit, q.Before)
	if err != nil {
		h.log.Error().Err(err).Str("scope", q.Scope).Msg("failed to read history")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "store unavailable", Code: core.CodeOf(err)})
		return
	}

	c.Header("X-Result-Count", strconv.Itoa(len(msgs)))
	c.JSON(http.StatusOK, lo.Map(msgs, func(m core.Message, _ int) MessageResponse {
		return MessageResponse{
			Scope:        m.Scope.String(),
			MessageID:    m.Seq,
			SenderID:     m.SenderID,
			RoomID:       m.Target.RoomID,
			TargetUserID: m.Target.UserID,
			Content:      m.Content,
			SentAt:       m.SentAt,
		}
	}))
}
