package handlers

import (
	"context"
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stage-system/models"
)

func TestQueueHandler_JoinQueue(t *testing.T) {
	env := setupTestEnv(t)
	env.provision(t, "room-1")

	e, rec := newEvent(t, request{
		method: http.MethodPost,
		target: "/api/v1/rooms/room-1/queue",
		path:   map[string]string{"room": "room-1"},
		auth:   authRecord("users", "alice", "Alice"),
	})
	require.NoError(t, env.queue.JoinQueue(e))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Entry    models.QueueEntry `json:"entry"`
		Position int               `json:"position"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, "alice", resp.Entry.ParticipantID)
	assert.Equal(t, "Alice", resp.Entry.DisplayName)
	assert.Equal(t, models.StatusQueued, resp.Entry.Status)
	assert.Equal(t, 1, resp.Position)

	e, _ = newEvent(t, request{
		method: http.MethodPost,
		target: "/api/v1/rooms/room-1/queue",
		path:   map[string]string{"room": "room-1"},
		body:   map[string]string{"display_name": "Alice again"},
		auth:   user("alice"),
	})
	assert.Equal(t, http.StatusConflict, apiStatus(t, env.queue.JoinQueue(e)))
}

func TestQueueHandler_JoinQueue_Errors(t *testing.T) {
	env := setupTestEnv(t)

	e, _ := newEvent(t, request{method: http.MethodPost, target: "/api/v1/rooms/room-1/queue", path: map[string]string{"room": "room-1"}})
	assert.Equal(t, http.StatusUnauthorized, apiStatus(t, env.queue.JoinQueue(e)))

	e, _ = newEvent(t, request{
		method: http.MethodPost,
		target: "/api/v1/rooms/nowhere/queue",
		path:   map[string]string{"room": "nowhere"},
		auth:   user("alice"),
	})
	assert.Equal(t, http.StatusNotFound, apiStatus(t, env.queue.JoinQueue(e)))
}

func TestQueueHandler_LeaveQueue(t *testing.T) {
	env := setupTestEnv(t)
	env.provision(t, "room-1")
	entry, err := env.ledger.JoinQueue(context.Background(), "room-1", "alice", "Alice")
	require.NoError(t, err)
	path := map[string]string{"room": "room-1", "id": strconv.FormatInt(entry.ID, 10)}

	e, _ := newEvent(t, request{method: http.MethodDelete, target: "/", path: path, auth: user("bob")})
	assert.Equal(t, http.StatusForbidden, apiStatus(t, env.queue.LeaveQueue(e)))

	e, rec := newEvent(t, request{method: http.MethodDelete, target: "/", path: path, auth: user("alice")})
	require.NoError(t, env.queue.LeaveQueue(e))
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := env.ledger.Get(context.Background(), "room-1", entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRemoved, got.Status)

	e, _ = newEvent(t, request{method: http.MethodDelete, target: "/", path: map[string]string{"room": "room-1", "id": "abc"}, auth: user("alice")})
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, env.queue.LeaveQueue(e)))
}

func TestQueueHandler_GetPosition(t *testing.T) {
	env := setupTestEnv(t)
	env.provision(t, "room-1")
	ctx := context.Background()
	_, err := env.ledger.JoinQueue(ctx, "room-1", "alice", "Alice")
	require.NoError(t, err)
	bob, err := env.ledger.JoinQueue(ctx, "room-1", "bob", "Bob")
	require.NoError(t, err)

	e, rec := newEvent(t, request{
		method: http.MethodGet,
		target: "/",
		path:   map[string]string{"room": "room-1", "id": strconv.FormatInt(bob.ID, 10)},
	})
	require.NoError(t, env.queue.GetPosition(e))

	var resp struct {
		Position int                `json:"position"`
		Status   models.QueueStatus `json:"status"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, 2, resp.Position)
	assert.Equal(t, models.StatusQueued, resp.Status)

	e, _ = newEvent(t, request{method: http.MethodGet, target: "/", path: map[string]string{"room": "room-1", "id": "999"}})
	assert.Equal(t, http.StatusNotFound, apiStatus(t, env.queue.GetPosition(e)))
}

func TestQueueHandler_ListQueue(t *testing.T) {
	env := setupTestEnv(t)
	env.provision(t, "room-1")
	ctx := context.Background()
	alice, err := env.ledger.JoinQueue(ctx, "room-1", "alice", "Alice")
	require.NoError(t, err)
	_, err = env.ledger.JoinQueue(ctx, "room-1", "bob", "Bob")
	require.NoError(t, err)
	require.NoError(t, env.ledger.LeaveQueue(ctx, "room-1", alice.ID, "alice"))

	e, _ := newEvent(t, request{method: http.MethodGet, target: "/api/v1/rooms/room-1/queue", path: map[string]string{"room": "room-1"}, auth: user("alice")})
	assert.Equal(t, http.StatusForbidden, apiStatus(t, env.queue.ListQueue(e)))

	var resp struct {
		Total   int                 `json:"total"`
		Entries []models.QueueEntry `json:"entries"`
	}

	e, rec := newEvent(t, request{method: http.MethodGet, target: "/api/v1/rooms/room-1/queue", path: map[string]string{"room": "room-1"}, auth: moderator()})
	require.NoError(t, env.queue.ListQueue(e))
	decode(t, rec, &resp)
	assert.Equal(t, 1, resp.Total)

	e, rec = newEvent(t, request{method: http.MethodGet, target: "/api/v1/rooms/room-1/queue?removed=1", path: map[string]string{"room": "room-1"}, auth: moderator()})
	require.NoError(t, env.queue.ListQueue(e))
	decode(t, rec, &resp)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, models.StatusRemoved, resp.Entries[0].Status)
}
