package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"stage-system/services"
)

// RoomFollower is told about every room a moderator provisions.
type RoomFollower interface {
	Follow(ctx context.Context, room string) error
}

type RoomHandler struct {
	coordinator         *services.Coordinator
	distributor         *services.Distributor
	followers           []RoomFollower
	moderatorCollection string
}

func NewRoomHandler(coordinator *services.Coordinator, distributor *services.Distributor, moderatorCollection string, followers ...RoomFollower) *RoomHandler {
	return &RoomHandler{
		coordinator:         coordinator,
		distributor:         distributor,
		followers:           followers,
		moderatorCollection: moderatorCollection,
	}
}

// ProvisionRoom creates the stage of a room. Provisioning an existing room
// returns its current stage.
func (h *RoomHandler) ProvisionRoom(e *core.RequestEvent) error {
	if err := requireModerator(e, h.moderatorCollection); err != nil {
		return err
	}

	var req struct {
		RoomID   string `json:"room_id"`
		RoomType string `json:"room_type"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.RoomID == "" {
		return apis.NewBadRequestError("Room ID required", nil)
	}

	ctx := e.Request.Context()
	stage, err := h.coordinator.ProvisionRoom(ctx, req.RoomID, req.RoomType)
	if err != nil {
		return apiError(err)
	}
	for _, f := range h.followers {
		if err := f.Follow(ctx, req.RoomID); err != nil {
			slog.Warn("failed to follow provisioned room", "room", req.RoomID, "error", err)
		}
	}

	return e.JSON(http.StatusOK, stage)
}

// GetRoom returns the room snapshot. Clients polling with If-None-Match get
// 304 while nothing changed.
func (h *RoomHandler) GetRoom(e *core.RequestEvent) error {
	room, err := roomParam(e)
	if err != nil {
		return err
	}

	snap, etag, err := h.distributor.Snapshot(e.Request.Context(), room)
	if err != nil {
		return apiError(err)
	}

	e.Response.Header().Set("ETag", etag)
	if etagMatches(e.Request.Header.Get("If-None-Match"), etag) {
		return e.NoContent(http.StatusNotModified)
	}
	return e.JSON(http.StatusOK, snap)
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

// GetStage returns the stage row as last committed.
func (h *RoomHandler) GetStage(e *core.RequestEvent) error {
	room, err := roomParam(e)
	if err != nil {
		return err
	}

	stage, err := h.coordinator.Stage(e.Request.Context(), room)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"stage":    stage,
		"occupied": stage.Occupied(),
	})
}
