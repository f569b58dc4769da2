package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"stage-system/internal/status"
	"stage-system/store"
	"stage-system/utils"
)

// apiError maps a service error to the response a client sees. Races lost to
// another caller are 409 so clients can refresh and retry.
func apiError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, status.ErrNotFound):
		return apis.NewNotFoundError(err.Error(), nil)
	case errors.Is(err, status.ErrNotOwner), errors.Is(err, status.ErrNotOccupant):
		return apis.NewForbiddenError(err.Error(), nil)
	case status.IsRace(err), errors.Is(err, status.ErrNoActiveOccupant):
		return apis.NewApiError(http.StatusConflict, err.Error(), nil)
	case errors.Is(err, status.ErrNotConnected):
		return apis.NewApiError(http.StatusPreconditionFailed, err.Error(), nil)
	case errors.Is(err, status.ErrInvalidSeat),
		errors.Is(err, status.ErrInvalidTransition),
		errors.Is(err, store.ErrInvalidMutation):
		return apis.NewBadRequestError(err.Error(), nil)
	case errors.Is(err, utils.ErrCircuitOpen), errors.Is(err, utils.ErrTooManyRequests):
		return apis.NewApiError(http.StatusServiceUnavailable, "Store temporarily unavailable", nil)
	}

	slog.Error("request failed", "error", err)
	return apis.NewInternalServerError("Internal error", nil)
}

func requireAuth(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}
	return nil
}

// requireModerator admits superusers and records of the moderator auth
// collection.
func requireModerator(e *core.RequestEvent, collection string) error {
	if err := requireAuth(e); err != nil {
		return err
	}
	if e.HasSuperuserAuth() || e.Auth.Collection().Name == collection {
		return nil
	}
	return apis.NewForbiddenError("Moderator access required", nil)
}

func roomParam(e *core.RequestEvent) (string, error) {
	room := e.Request.PathValue("room")
	if room == "" {
		return "", apis.NewBadRequestError("Room ID required", nil)
	}
	return room, nil
}

func queueIDParam(e *core.RequestEvent) (int64, error) {
	id, err := strconv.ParseInt(e.Request.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apis.NewBadRequestError("Invalid queue ID", err)
	}
	return id, nil
}

// displayName falls back to the record id when the auth record has no name.
func displayName(record *core.Record) string {
	if name := record.GetString("name"); name != "" {
		return name
	}
	return record.Id
}
