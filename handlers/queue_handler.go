package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"stage-system/services"
)

type QueueHandler struct {
	ledger              *services.QueueLedger
	moderatorCollection string
}

func NewQueueHandler(ledger *services.QueueLedger, moderatorCollection string) *QueueHandler {
	return &QueueHandler{ledger: ledger, moderatorCollection: moderatorCollection}
}

// JoinQueue appends the caller to the queue of a room.
func (h *QueueHandler) JoinQueue(e *core.RequestEvent) error {
	if err := requireAuth(e); err != nil {
		return err
	}
	room, err := roomParam(e)
	if err != nil {
		return err
	}

	var req struct {
		DisplayName string `json:"display_name"`
	}
	if e.Request.ContentLength != 0 {
		if err := e.BindBody(&req); err != nil {
			return apis.NewBadRequestError("Invalid request", err)
		}
	}
	if req.DisplayName == "" {
		req.DisplayName = displayName(e.Auth)
	}

	ctx := e.Request.Context()
	entry, err := h.ledger.JoinQueue(ctx, room, e.Auth.Id, req.DisplayName)
	if err != nil {
		return apiError(err)
	}
	position, err := h.ledger.Position(ctx, room, entry.ID)
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"message":  "Successfully joined queue",
		"entry":    entry,
		"position": position,
	})
}

// LeaveQueue removes the caller's own entry.
func (h *QueueHandler) LeaveQueue(e *core.RequestEvent) error {
	if err := requireAuth(e); err != nil {
		return err
	}
	room, err := roomParam(e)
	if err != nil {
		return err
	}
	id, err := queueIDParam(e)
	if err != nil {
		return err
	}

	if err := h.ledger.LeaveQueue(e.Request.Context(), room, id, e.Auth.Id); err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"message": "Successfully left queue"})
}

func (h *QueueHandler) GetPosition(e *core.RequestEvent) error {
	room, err := roomParam(e)
	if err != nil {
		return err
	}
	id, err := queueIDParam(e)
	if err != nil {
		return err
	}

	ctx := e.Request.Context()
	entry, err := h.ledger.Get(ctx, room, id)
	if err != nil {
		return apiError(err)
	}
	position, err := h.ledger.Position(ctx, room, id)
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"queue_id": id,
		"room_id":  room,
		"status":   entry.Status,
		"position": position,
	})
}

// ListQueue is the moderator view. ?removed=1 includes removed entries.
func (h *QueueHandler) ListQueue(e *core.RequestEvent) error {
	if err := requireModerator(e, h.moderatorCollection); err != nil {
		return err
	}
	room, err := roomParam(e)
	if err != nil {
		return err
	}

	includeRemoved := e.Request.URL.Query().Get("removed") == "1"
	entries, err := h.ledger.List(e.Request.Context(), room, includeRemoved)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"room_id": room,
		"total":   len(entries),
		"entries": entries,
	})
}
