package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"collab-engine/backend/internal/collab"
	"collab-engine/backend/internal/httpapi/middleware"
	"collab-engine/backend/internal/ot"
	"collab-engine/backend/internal/session"
)

// Snapshotter reads a room after an access check.
type Snapshotter interface {
	Snapshot(ctx context.Context, actor collab.Actor, resourceType, resourceID string) (collab.Snapshot, error)
}

type RoomHandler struct {
	svc    Snapshotter
	logger *slog.Logger
}

func NewRoomHandler(svc Snapshotter, logger *slog.Logger) *RoomHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomHandler{svc: svc, logger: logger}
}

type roomResponse struct {
	collab.Snapshot
	// Content is the replayed text, present only while the log still holds
	// every operation since the room was created.
	Content *string `json:"content,omitempty"`
}

// GetRoom serves GET /collab/rooms/:roomType/:resourceId.
func (h *RoomHandler) GetRoom(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED"})
		return
	}
	roomType, resourceID := c.Param("roomType"), c.Param("resourceId")

	snap, err := h.svc.Snapshot(c.Request.Context(), collab.Actor{Identity: id}, roomType, resourceID)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("room_snapshot_failed", "type", roomType, "resource", resourceID, "err", err)
		}
		c.JSON(status, gin.H{"code": collab.ErrorCode(err), "message": err.Error()})
		return
	}

	resp := roomResponse{Snapshot: snap}
	st := session.RoomState{Operations: snap.Operations, Version: snap.Version}
	if st.OldestVersion() == 0 {
		text, err := ot.Replay(snap.Operations)
		if err == nil {
			resp.Content = &text
		} else {
			h.logger.Warn("room_replay_failed", "room", snap.RoomID, "err", err)
		}
	}
	c.JSON(http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, collab.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, collab.ErrInvalidRoom):
		return http.StatusNotFound
	case errors.Is(err, collab.ErrStoreUnavailable), errors.Is(err, session.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
