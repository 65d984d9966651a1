package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/manpreetbhatti/sketchroom/internal/errs"
	"github.com/manpreetbhatti/sketchroom/internal/export"
	"github.com/manpreetbhatti/sketchroom/internal/room"
	"github.com/manpreetbhatti/sketchroom/internal/strokelog"
	"go.uber.org/zap"
)

type API struct {
	registry *room.Registry
	store    *strokelog.Store
	logger   *zap.Logger
	timeout  time.Duration
}

func New(registry *room.Registry, store *strokelog.Store, logger *zap.Logger, timeout time.Duration) *API {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &API{
		registry: registry,
		store:    store,
		logger:   logger,
		timeout:  timeout,
	}
}

func errorResponse(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// storeError maps store failures onto HTTP statuses.
func (a *API) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrRoomNotFound):
		errorResponse(c, http.StatusNotFound, errs.ErrRoomNotFound)
	case errors.Is(err, errs.ErrStorageUnavailable):
		a.logger.Warn("storage unavailable",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		errorResponse(c, http.StatusServiceUnavailable, errs.ErrStorageUnavailable)
	default:
		a.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, err)
	}
}

func (a *API) context(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), a.timeout)
}

func (a *API) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active_rooms":   a.registry.RoomCount(),
		"active_clients": a.registry.ClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// Room handlers

type RoomResponse struct {
	RoomID       string    `json:"roomId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	ActiveUsers  int       `json:"activeUsers"`
}

type JoinRoomRequest struct {
	RoomID string `json:"roomId"`
}

func (a *API) roomResponse(r *strokelog.Room) RoomResponse {
	return RoomResponse{
		RoomID:       r.ID,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
		ActiveUsers:  a.registry.Occupancy(r.ID),
	}
}

// JoinRoomHandler creates the room if it does not exist and returns it.
func (a *API) JoinRoomHandler(c *gin.Context) {
	var req JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, errs.ErrInvalidRequestBody)
		return
	}
	if req.RoomID == "" {
		errorResponse(c, http.StatusBadRequest, errs.ErrRoomIDRequired)
		return
	}

	ctx, cancel := a.context(c)
	defer cancel()

	created, err := a.store.CreateIfAbsent(ctx, req.RoomID)
	if err != nil {
		a.storeError(c, err)
		return
	}
	r, err := a.store.Room(ctx, req.RoomID)
	if err != nil {
		a.storeError(c, err)
		return
	}

	if created {
		a.logger.Info("room created", zap.String("room", req.RoomID))
	}
	c.JSON(http.StatusOK, a.roomResponse(r))
}

func (a *API) GetRoomHandler(c *gin.Context) {
	roomID := c.Param("roomId")

	ctx, cancel := a.context(c)
	defer cancel()

	r, err := a.store.Room(ctx, roomID)
	if err != nil {
		a.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a.roomResponse(r))
}

// ExportHandler renders what a joiner would currently see as a PDF.
func (a *API) ExportHandler(c *gin.Context) {
	roomID := c.Param("roomId")

	ctx, cancel := a.context(c)
	defer cancel()

	if _, err := a.store.Room(ctx, roomID); err != nil {
		a.storeError(c, err)
		return
	}
	events, err := a.store.Load(ctx, roomID)
	if err != nil {
		a.storeError(c, err)
		return
	}

	var buf bytes.Buffer
	if err := export.PDF(&buf, roomID, strokelog.Visible(events)); err != nil {
		a.logger.Error("failed to render export", zap.String("room", roomID), zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+roomID+`.pdf"`)
	c.Data(http.StatusOK, "application/pdf", buf.Bytes())
}
