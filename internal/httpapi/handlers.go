package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"marketplace-calls/internal/auth"
	"marketplace-calls/internal/backend"
	"marketplace-calls/internal/calls"
	"marketplace-calls/internal/notify"
	"marketplace-calls/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Notify *notify.Service
	Tokens *auth.Manager
	Rooms  *Rooms
}

// Register mounts the call backend routes on r.
func (h Handlers) Register(r gin.IRouter) {
	cn := r.Group("/call-notifications")
	{
		cn.POST("/:kind", h.PostNotification)
		cn.GET("/history/:email", h.History)
		cn.GET("/pending/:email", h.Pending)
	}

	video := r.Group("/twilio-video")
	{
		video.POST("/token", h.IssueToken)
		video.POST("/room", h.CreateRoom)
		video.POST("/room/:roomName/end", h.EndRoom)
	}
}

// statusForPath is the inverse of backend.NotifyPath.
func statusForPath(kind string) (calls.Status, bool) {
	for _, st := range []calls.Status{calls.StatusInitiated, calls.StatusAccepted, calls.StatusDeclined, calls.StatusEnded} {
		p, err := backend.NotifyPath(st)
		if err == nil && p == "/call-notifications/"+kind {
			return st, true
		}
	}
	return "", false
}

// --- Call notifications ---

func (h Handlers) PostNotification(c *gin.Context) {
	if h.Notify == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "notifications not configured"})
		return
	}
	st, ok := statusForPath(c.Param("kind"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown notification"})
		return
	}
	var rec calls.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	out, err := h.Notify.Notify(c.Request.Context(), st, rec)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) History(c *gin.Context) {
	if h.Notify == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "notifications not configured"})
		return
	}
	h.list(c, h.Notify.History)
}

func (h Handlers) Pending(c *gin.Context) {
	if h.Notify == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "notifications not configured"})
		return
	}
	h.list(c, h.Notify.Pending)
}

func (h Handlers) list(c *gin.Context, fetch func(ctx context.Context, email string) ([]calls.Record, error)) {
	out, err := fetch(c.Request.Context(), c.Param("email"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Video ---

func (h Handlers) IssueToken(c *gin.Context) {
	if h.Tokens == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "tokens not configured"})
		return
	}
	var req backend.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	tok, err := h.Tokens.IssueRoomToken(time.Now(), req.Identity, req.RoomName)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, backend.TokenResponse{Token: tok})
}

func (h Handlers) CreateRoom(c *gin.Context) {
	var req backend.RoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	name := strings.TrimSpace(req.RoomName)
	if name == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "roomName required"})
		return
	}
	room, created := h.Rooms.Create(name)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, room)
}

func (h Handlers) EndRoom(c *gin.Context) {
	room, err := h.Rooms.End(c.Param("roomName"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// fail maps domain errors to status codes. Internal errors are logged, not echoed.
func (h Handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, calls.ErrInvalidArgument),
		errors.Is(err, notify.ErrInvalidArgument),
		errors.Is(err, auth.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrRoomNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "room not found"})
	case errors.Is(err, notify.ErrPublish):
		logger.FromGin(c).Error("notification not delivered", "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "notification not delivered"})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
