package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/stretchr/testify/require"

	"stage-system/services"
	"stage-system/store"
)

type testEnv struct {
	dist     *services.Distributor
	coord    *services.Coordinator
	ledger   *services.QueueLedger
	seats    *services.SeatAllocator
	presence *services.Presence

	rooms  *RoomHandler
	queue  *QueueHandler
	stage  *StageHandler
	seat   *SeatHandler
	stream *StreamHandler
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.OpenSQLStore(":memory:")
	require.NoError(t, err)

	dist := services.NewDistributor(st, services.DistributorOptions{PollInterval: 10 * time.Millisecond}, nil)
	coord := services.NewCoordinator(st, dist, nil)
	ledger := services.NewQueueLedger(st, dist, coord, nil)
	seats := services.NewSeatAllocator(st, dist, nil)
	presence := services.NewPresence(seats)
	t.Cleanup(func() {
		dist.Shutdown()
		st.Close()
	})

	return &testEnv{
		dist:     dist,
		coord:    coord,
		ledger:   ledger,
		seats:    seats,
		presence: presence,
		rooms:    NewRoomHandler(coord, dist, "moderators"),
		queue:    NewQueueHandler(ledger, "moderators"),
		stage:    NewStageHandler(coord, "moderators"),
		seat:     NewSeatHandler(seats, presence),
		stream:   NewStreamHandler(dist, presence, time.Second),
	}
}

func (env *testEnv) provision(t *testing.T, room string) {
	t.Helper()
	_, err := env.coord.ProvisionRoom(context.Background(), room, "karaoke")
	require.NoError(t, err)
}

func authRecord(collection, id, name string) *core.Record {
	c := core.NewAuthCollection(collection)
	c.Fields.Add(&core.TextField{Name: "name"})
	record := core.NewRecord(c)
	record.Id = id
	if name != "" {
		record.Set("name", name)
	}
	return record
}

func user(id string) *core.Record { return authRecord("users", id, "") }

func moderator() *core.Record { return authRecord("moderators", "mod1", "Moderator") }

type request struct {
	method string
	target string
	body   any
	auth   *core.Record
	path   map[string]string
	header map[string]string
}

func newEvent(t *testing.T, r request) (*core.RequestEvent, *httptest.ResponseRecorder) {
	t.Helper()

	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(r.method, r.target, body)
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.header {
		req.Header.Set(k, v)
	}
	for k, v := range r.path {
		req.SetPathValue(k, v)
	}

	rec := httptest.NewRecorder()
	e := &core.RequestEvent{}
	e.Request = req
	e.Response = rec
	e.Auth = r.auth
	return e, rec
}

func apiStatus(t *testing.T, err error) int {
	t.Helper()
	var apiErr *router.ApiError
	require.True(t, errors.As(err, &apiErr), "expected api error, got %v", err)
	return apiErr.Status
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}
