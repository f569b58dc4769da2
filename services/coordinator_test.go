package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stage-system/internal/status"
	"stage-system/models"
	"stage-system/store"
)

func TestCoordinator_ProvisionRoom_Idempotent(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	first, err := env.coord.ProvisionRoom(ctx, "room-1", "karaoke")
	require.NoError(t, err)
	assert.Equal(t, models.CurtainClosed, first.CurtainState)
	assert.False(t, first.Occupied())

	second, err := env.coord.ProvisionRoom(ctx, "room-1", "comedy")
	require.NoError(t, err)
	assert.Equal(t, "karaoke", second.RoomType)
	assert.Equal(t, first.Version, second.Version)
}

func TestCoordinator_CallUp_Success(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.provision(t, "room-1")
	entry := env.join(t, "room-1", "alice")

	called, err := env.coord.CallUp(ctx, "room-1", entry.ID)

	require.NoError(t, err)
	assert.Equal(t, models.StatusCalledUp, called.Status)
	assert.NotNil(t, called.CalledAt)

	stage, err := env.coord.Stage(ctx, "room-1")
	require.NoError(t, err)
	require.True(t, stage.Occupied())
	assert.Equal(t, "alice", *stage.ActiveParticipantID)
	assert.Equal(t, entry.ID, *stage.ActiveQueueID)
	assert.Equal(t, models.CurtainClosed, stage.CurtainState)
}

func TestCoordinator_CallUp_Errors(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.provision(t, "room-1")
	a := env.join(t, "room-1", "alice")
	b := env.join(t, "room-1", "bob")

	_, err := env.coord.CallUp(ctx, "room-1", 99)
	assert.ErrorIs(t, err, status.ErrNotFound)

	_, err = env.coord.CallUp(ctx, "nowhere", a.ID)
	assert.ErrorIs(t, err, status.ErrNotFound)

	_, err = env.coord.CallUp(ctx, "room-1", b.ID)
	require.NoError(t, err, "any queued entry may be called")

	_, err = env.coord.CallUp(ctx, "room-1", a.ID)
	assert.ErrorIs(t, err, status.ErrStageOccupied)

	require.NoError(t, env.coord.EndPerformance(ctx, "room-1"))
	_, err = env.coord.CallUp(ctx, "room-1", b.ID)
	assert.ErrorIs(t, err, status.ErrNotQueued)
}

func TestCoordinator_CallUp_ConcurrentExactlyOneWins(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.provision(t, "room-1")

	const n = 8
	entries := make([]models.QueueEntry, n)
	for i := range entries {
		entries[i] = env.join(t, "room-1", string(rune('a'+i)))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []models.QueueEntry
	)
	for _, e := range entries {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			called, err := env.coord.CallUp(ctx, "room-1", id)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, called)
				return
			}
			assert.ErrorIs(t, err, status.ErrStageOccupied)
		}(e.ID)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	stage, err := env.coord.Stage(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, winners[0].ParticipantID, *stage.ActiveParticipantID)

	all, err := env.ledger.List(ctx, "room-1", false)
	require.NoError(t, err)
	occupying := 0
	for _, e := range all {
		if e.Status.Occupying() {
			occupying++
		} else {
			assert.Equal(t, models.StatusQueued, e.Status)
		}
	}
	assert.Equal(t, 1, occupying)
}

func TestCoordinator_CallUp_TwoEntriesSimultaneously(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.provision(t, "room-1")
	a := env.join(t, "room-1", "A")
	b := env.join(t, "room-1", "B")

	results := make(map[int64]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, id := range []int64{b.ID, a.ID} {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			<-start
			_, err := env.coord.CallUp(ctx, "room-1", id)
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}(id)
	}
	close(start)
	wg.Wait()

	var winner, loser models.QueueEntry
	switch {
	case results[a.ID] == nil:
		winner, loser = a, b
	case results[b.ID] == nil:
		winner, loser = b, a
	default:
		t.Fatalf("no winner: %v", results)
	}
	assert.ErrorIs(t, results[loser.ID], status.ErrStageOccupied)

	stage, err := env.coord.Stage(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, winner.ParticipantID, *stage.ActiveParticipantID)

	got, err := env.ledger.Get(ctx, "room-1", winner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCalledUp, got.Status)
	got, err = env.ledger.Get(ctx, "room-1", loser.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
}

func TestCoordinator_MarkReady(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.provision(t, "room-1")
	a := env.join(t, "room-1", "alice")
	b := env.join(t, "room-1", "bob")
	_, err := env.coord.CallUp(ctx, "room-1", a.ID)
	require.NoError(t, err)

	_, err = env.coord.MarkReady(ctx, "room-1", a.ID, "bob")
	assert.ErrorIs(t, err, status.ErrNotOccupant)
	_, err = env.coord.MarkReady(ctx, "room-1", b.ID, "bob")
	assert.ErrorIs(t, err, status.ErrNotOccupant)

	live, err := env.coord.MarkReady(ctx, "room-1", a.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusLive, live.Status)
	assert.NotNil(t, live.LiveAt)

	stage, err := env.coord.Stage(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, models.CurtainOpening, stage.CurtainState)

	_, err = env.coord.MarkReady(ctx, "room-1", a.ID, "alice")
	assert.ErrorIs(t, err, status.ErrWrongStatus)
}

func TestCoordinator_EndPerformance_Idempotent(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.provision(t, "room-1")
	a := env.join(t, "room-1", "alice")
	_, err := env.coord.CallUp(ctx, "room-1", a.ID)
	require.NoError(t, err)
	_, err = env.coord.MarkReady(ctx, "room-1", a.ID, "alice")
	require.NoError(t, err)

	require.NoError(t, env.coord.EndPerformance(ctx, "room-1"))
	first, err := env.coord.Stage(ctx, "room-1")
	require.NoError(t, err)

	require.NoError(t, env.coord.EndPerformance(ctx, "room-1"))
	second, err := env.coord.Stage(ctx, "room-1")
	require.NoError(t, err)

	assert.Nil(t, first.ActiveParticipantID)
	assert.Equal(t, first, second)
	assert.Equal(t, models.CurtainClosing, second.CurtainState)

	got, err := env.ledger.Get(ctx, "room-1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRemoved, got.Status)
}

func TestCoordinator_RemoveThenEndPerformance(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.provision(t, "room-1")
	c := env.join(t, "room-1", "carol")
	_, err := env.coord.CallUp(ctx, "room-1", c.ID)
	require.NoError(t, err)

	require.NoError(t, env.coord.Remove(ctx, "room-1", c.ID))
	require.NoError(t, env.coord.EndPerformance(ctx, "room-1"))

	stage, err := env.coord.Stage(ctx, "room-1")
	require.NoError(t, err)
	assert.Nil(t, stage.ActiveParticipantID)
	assert.Nil(t, stage.ActiveQueueID)

	got, err := env.ledger.Get(ctx, "room-1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRemoved, got.Status)
}

func TestCoordinator_Remove_QueuedEntry(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.provision(t, "room-1")
	a := env.join(t, "room-1", "alice")
	b := env.join(t, "room-1", "bob")
	_, err := env.coord.CallUp(ctx, "room-1", a.ID)
	require.NoError(t, err)

	require.NoError(t, env.coord.Remove(ctx, "room-1", b.ID))
	require.NoError(t, env.coord.Remove(ctx, "room-1", b.ID), "removing twice is a no-op")

	stage, err := env.coord.Stage(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", *stage.ActiveParticipantID, "occupant untouched")

	// bob may queue again once removed.
	env.join(t, "room-1", "bob")
}

func TestCoordinator_AdvanceCurtain(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.provision(t, "room-1")
	a := env.join(t, "room-1", "alice")

	_, err := env.coord.AdvanceCurtain(ctx, "room-1", models.CurtainOpen)
	assert.ErrorIs(t, err, status.ErrInvalidTransition)

	_, err = env.coord.CallUp(ctx, "room-1", a.ID)
	require.NoError(t, err)
	_, err = env.coord.MarkReady(ctx, "room-1", a.ID, "alice")
	require.NoError(t, err)

	stage, err := env.coord.AdvanceCurtain(ctx, "room-1", models.CurtainOpen)
	require.NoError(t, err)
	assert.Equal(t, models.CurtainOpen, stage.CurtainState)

	again, err := env.coord.AdvanceCurtain(ctx, "room-1", models.CurtainOpen)
	require.NoError(t, err)
	assert.Equal(t, stage.Version, again.Version, "repeated move is a no-op")

	require.NoError(t, env.coord.EndPerformance(ctx, "room-1"))
	stage, err = env.coord.AdvanceCurtain(ctx, "room-1", models.CurtainClosed)
	require.NoError(t, err)
	assert.Equal(t, models.CurtainClosed, stage.CurtainState)
}

func TestCoordinator_AdvanceCurtain_NoOccupant(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	m, err := store.Put(models.TableStage, models.StageKey, 0, models.StageState{RoomID: "room-1", CurtainState: models.CurtainOpening})
	require.NoError(t, err)
	_, err = env.store.Commit(ctx, "room-1", m)
	require.NoError(t, err)

	_, err = env.coord.AdvanceCurtain(ctx, "room-1", models.CurtainOpen)
	assert.ErrorIs(t, err, status.ErrNoActiveOccupant)
}

func TestMoveEntry(t *testing.T) {
	tests := []struct {
		from    models.QueueStatus
		to      models.QueueStatus
		allowed bool
	}{
		{models.StatusQueued, models.StatusCalledUp, true},
		{models.StatusQueued, models.StatusLive, false},
		{models.StatusCalledUp, models.StatusLive, true},
		{models.StatusLive, models.StatusLive, false},
		{models.StatusLive, models.StatusRemoved, true},
		{models.StatusRemoved, models.StatusQueued, false},
	}
	for _, tt := range tests {
		entry := models.QueueEntry{ID: 7, Status: tt.from}
		err := moveEntry(&entry, tt.to, status.ErrWrongStatus)
		if tt.allowed {
			require.NoError(t, err, "%s -> %s", tt.from, tt.to)
			assert.Equal(t, tt.to, entry.Status)
		} else {
			assert.ErrorIs(t, err, status.ErrWrongStatus, "%s -> %s", tt.from, tt.to)
			assert.Equal(t, tt.from, entry.Status, "refused transitions leave the entry untouched")
		}
	}
}

func TestCoordinator_CallUp_UnknownStatus(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.provision(t, "room-1")
	entry := env.join(t, "room-1", "alice")

	entry.Status = "waiting"
	mut, err := store.Put(models.TableQueue, models.EntryKey(entry.ID), entry.Version, entry)
	require.NoError(t, err)
	_, err = env.store.Commit(ctx, "room-1", mut)
	require.NoError(t, err)

	_, err = env.coord.CallUp(ctx, "room-1", entry.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, status.ErrNotQueued)

	stage, err := env.coord.Stage(ctx, "room-1")
	require.NoError(t, err)
	assert.False(t, stage.Occupied())
}
