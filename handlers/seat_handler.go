package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"stage-system/services"
)

type SeatHandler struct {
	seats    *services.SeatAllocator
	presence *services.Presence
}

func NewSeatHandler(seats *services.SeatAllocator, presence *services.Presence) *SeatHandler {
	return &SeatHandler{seats: seats, presence: presence}
}

func (h *SeatHandler) GetSeats(e *core.RequestEvent) error {
	room, err := roomParam(e)
	if err != nil {
		return err
	}

	seats, err := h.seats.Seats(e.Request.Context(), room)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"room_id": room, "seats": seats})
}

// ClaimSeat moves the caller to the seat, releasing any seat they held. The
// caller must have the room stream open: a seat is only freed when its
// holder's last connection drops.
func (h *SeatHandler) ClaimSeat(e *core.RequestEvent) error {
	if err := requireAuth(e); err != nil {
		return err
	}
	room, err := roomParam(e)
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(e.Request.PathValue("index"))
	if err != nil {
		return apis.NewBadRequestError("Invalid seat index", err)
	}

	ctx := e.Request.Context()
	if err := h.presence.Require(room, e.Auth.Id); err != nil {
		return apiError(err)
	}

	seat, err := h.seats.ClaimSeat(ctx, room, index, e.Auth.Id)
	if err != nil {
		return apiError(err)
	}

	// The last connection may have dropped while the claim was committing.
	if err := h.presence.Require(room, e.Auth.Id); err != nil {
		if releaseErr := h.seats.OnDisconnect(ctx, e.Auth.Id, room); releaseErr != nil {
			slog.Warn("seat not released after claim", "room", room, "holder", e.Auth.Id, "error", releaseErr)
		}
		return apiError(err)
	}
	return e.JSON(http.StatusOK, seat)
}

func (h *SeatHandler) ReleaseSeat(e *core.RequestEvent) error {
	if err := requireAuth(e); err != nil {
		return err
	}
	room, err := roomParam(e)
	if err != nil {
		return err
	}

	if err := h.seats.ReleaseSeat(e.Request.Context(), room, e.Auth.Id); err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"message": "Seat released"})
}
