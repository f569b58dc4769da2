package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stage-system/models"
)

func TestSeatHandler_ClaimAndRelease(t *testing.T) {
	env := setupTestEnv(t)
	env.provision(t, "room-1")
	defer env.presence.Connect("room-1", "judge-a")()
	defer env.presence.Connect("room-1", "judge-b")()

	e, rec := newEvent(t, request{method: http.MethodPost, target: "/", path: map[string]string{"room": "room-1", "index": "2"}, auth: user("judge-a")})
	require.NoError(t, env.seat.ClaimSeat(e))
	var seat models.JudgeSeat
	decode(t, rec, &seat)
	assert.Equal(t, 2, seat.SeatIndex)
	assert.True(t, seat.HeldBy("judge-a"))

	e, _ = newEvent(t, request{method: http.MethodPost, target: "/", path: map[string]string{"room": "room-1", "index": "2"}, auth: user("judge-b")})
	assert.Equal(t, http.StatusConflict, apiStatus(t, env.seat.ClaimSeat(e)))

	e, _ = newEvent(t, request{method: http.MethodPost, target: "/", path: map[string]string{"room": "room-1", "index": "7"}, auth: user("judge-b")})
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, env.seat.ClaimSeat(e)))

	e, _ = newEvent(t, request{method: http.MethodPost, target: "/", path: map[string]string{"room": "room-1", "index": "left"}, auth: user("judge-b")})
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, env.seat.ClaimSeat(e)))

	e, _ = newEvent(t, request{method: http.MethodPost, target: "/", path: map[string]string{"room": "room-1", "index": "0"}})
	assert.Equal(t, http.StatusUnauthorized, apiStatus(t, env.seat.ClaimSeat(e)))

	e, rec = newEvent(t, request{method: http.MethodGet, target: "/", path: map[string]string{"room": "room-1"}})
	require.NoError(t, env.seat.GetSeats(e))
	var resp struct {
		Seats []models.JudgeSeat `json:"seats"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Seats, models.JudgeSeatCount)
	assert.True(t, resp.Seats[2].HeldBy("judge-a"))
	assert.Nil(t, resp.Seats[0].HolderID)

	e, _ = newEvent(t, request{method: http.MethodDelete, target: "/", path: map[string]string{"room": "room-1"}, auth: user("judge-a")})
	require.NoError(t, env.seat.ReleaseSeat(e))

	e, _ = newEvent(t, request{method: http.MethodPost, target: "/", path: map[string]string{"room": "room-1", "index": "2"}, auth: user("judge-b")})
	require.NoError(t, env.seat.ClaimSeat(e))
}

func TestSeatHandler_ClaimRequiresLiveConnection(t *testing.T) {
	env := setupTestEnv(t)
	env.provision(t, "room-1")
	srv := streamServer(t, env.stream)

	claim := func(judge string) error {
		e, _ := newEvent(t, request{method: http.MethodPost, target: "/", path: map[string]string{"room": "room-1", "index": "2"}, auth: user(judge)})
		return env.seat.ClaimSeat(e)
	}

	assert.Equal(t, http.StatusPreconditionFailed, apiStatus(t, claim("judge-a")), "no stream opened yet")

	conn, _, err := dial(t, srv, "/rooms/room-1/stream?token=tok-judge-a")
	require.NoError(t, err)
	readMessage(t, conn)
	require.Eventually(t, func() bool {
		return env.presence.Connections("room-1", "judge-a") == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return env.presence.Connections("room-1", "judge-a") == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, http.StatusPreconditionFailed, apiStatus(t, claim("judge-a")), "stream already closed")

	seats, err := env.seats.Seats(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Nil(t, seats[2].HolderID)

	defer env.presence.Connect("room-1", "judge-b")()
	require.NoError(t, claim("judge-b"))
}
