package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"stage-system/models"
	"stage-system/services"
)

type StageHandler struct {
	coordinator         *services.Coordinator
	moderatorCollection string
}

func NewStageHandler(coordinator *services.Coordinator, moderatorCollection string) *StageHandler {
	return &StageHandler{coordinator: coordinator, moderatorCollection: moderatorCollection}
}

func (h *StageHandler) CallUp(e *core.RequestEvent) error {
	if err := requireModerator(e, h.moderatorCollection); err != nil {
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

	entry, err := h.coordinator.CallUp(e.Request.Context(), room, id)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, entry)
}

// MarkReady is called by the occupant when they are ready to perform.
func (h *StageHandler) MarkReady(e *core.RequestEvent) error {
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

	entry, err := h.coordinator.MarkReady(e.Request.Context(), room, id, e.Auth.Id)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, entry)
}

func (h *StageHandler) Remove(e *core.RequestEvent) error {
	if err := requireModerator(e, h.moderatorCollection); err != nil {
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

	if err := h.coordinator.Remove(e.Request.Context(), room, id); err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"message": "Removed from queue", "queue_id": id})
}

func (h *StageHandler) EndPerformance(e *core.RequestEvent) error {
	if err := requireModerator(e, h.moderatorCollection); err != nil {
		return err
	}
	room, err := roomParam(e)
	if err != nil {
		return err
	}

	if err := h.coordinator.EndPerformance(e.Request.Context(), room); err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"message": "Performance ended"})
}

// AdvanceCurtain is reported by the client playing the curtain animation.
func (h *StageHandler) AdvanceCurtain(e *core.RequestEvent) error {
	if err := requireAuth(e); err != nil {
		return err
	}
	room, err := roomParam(e)
	if err != nil {
		return err
	}

	var req struct {
		State models.CurtainState `json:"state"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if !req.State.Valid() {
		return apis.NewBadRequestError("Invalid curtain state", nil)
	}

	stage, err := h.coordinator.AdvanceCurtain(e.Request.Context(), room, req.State)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, stage)
}
