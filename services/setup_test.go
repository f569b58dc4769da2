package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stage-system/models"
	"stage-system/store"
)

type testEnv struct {
	store  *store.SQLStore
	dist   *Distributor
	coord  *Coordinator
	ledger *QueueLedger
	seats  *SeatAllocator
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.OpenSQLStore(":memory:")
	require.NoError(t, err)

	dist := NewDistributor(st, DistributorOptions{PollInterval: 10 * time.Millisecond, BufferSize: 64}, nil)
	coord := NewCoordinator(st, dist, nil)
	env := &testEnv{
		store:  st,
		dist:   dist,
		coord:  coord,
		ledger: NewQueueLedger(st, dist, coord, nil),
		seats:  NewSeatAllocator(st, dist, nil),
	}
	t.Cleanup(func() {
		dist.Shutdown()
		st.Close()
	})
	return env
}

func (e *testEnv) provision(t *testing.T, room string) {
	t.Helper()
	_, err := e.coord.ProvisionRoom(context.Background(), room, "karaoke")
	require.NoError(t, err)
}

func (e *testEnv) join(t *testing.T, room, participant string) models.QueueEntry {
	t.Helper()
	entry, err := e.ledger.JoinQueue(context.Background(), room, participant, participant)
	require.NoError(t, err)
	return entry
}

// fixedClock returns a clock that advances by step on every call.
func fixedClock(start time.Time, step time.Duration) func() time.Time {
	next := start
	return func() time.Time {
		now := next
		next = next.Add(step)
		return now
	}
}

func nextEvent(t *testing.T, sub *Subscription) models.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "stream ended: %v", sub.Err())
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return models.ChangeEvent{}
}
