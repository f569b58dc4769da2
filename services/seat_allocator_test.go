package services

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stage-system/internal/status"
	"stage-system/models"
)

func TestSeatAllocator_ClaimSeat(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.provision(t, "room-1")

	seat, err := env.seats.ClaimSeat(ctx, "room-1", 1, "judge-a")
	require.NoError(t, err)
	assert.True(t, seat.HeldBy("judge-a"))
	assert.NotNil(t, seat.ClaimedAt)

	again, err := env.seats.ClaimSeat(ctx, "room-1", 1, "judge-a")
	require.NoError(t, err, "claiming one's own seat is a no-op")
	assert.Equal(t, seat.Version, again.Version)

	_, err = env.seats.ClaimSeat(ctx, "room-1", 1, "judge-b")
	assert.ErrorIs(t, err, status.ErrSeatTaken)

	_, err = env.seats.ClaimSeat(ctx, "room-1", 4, "judge-b")
	assert.ErrorIs(t, err, status.ErrInvalidSeat)
	_, err = env.seats.ClaimSeat(ctx, "room-1", -1, "judge-b")
	assert.ErrorIs(t, err, status.ErrInvalidSeat)

	_, err = env.seats.ClaimSeat(ctx, "nowhere", 0, "judge-b")
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestSeatAllocator_MoveReleasesOldSeat(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.provision(t, "room-1")

	_, err := env.seats.ClaimSeat(ctx, "room-1", 0, "judge-a")
	require.NoError(t, err)
	_, err = env.seats.ClaimSeat(ctx, "room-1", 2, "judge-a")
	require.NoError(t, err)

	seats, err := env.seats.Seats(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, seats, 4)
	assert.Nil(t, seats[0].HolderID)
	assert.True(t, seats[2].HeldBy("judge-a"))

	_, err = env.seats.ClaimSeat(ctx, "room-1", 0, "judge-b")
	assert.NoError(t, err)
}

func TestSeatAllocator_ReleaseSeat(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.provision(t, "room-1")

	_, err := env.seats.ClaimSeat(ctx, "room-1", 3, "judge-a")
	require.NoError(t, err)

	require.NoError(t, env.seats.ReleaseSeat(ctx, "room-1", "judge-a"))
	require.NoError(t, env.seats.ReleaseSeat(ctx, "room-1", "judge-a"), "release is idempotent")
	require.NoError(t, env.seats.ReleaseSeat(ctx, "room-1", "never-sat"))

	seats, err := env.seats.Seats(ctx, "room-1")
	require.NoError(t, err)
	for _, seat := range seats {
		assert.Nil(t, seat.HolderID)
	}
}

func TestSeatAllocator_HolderNeverHoldsTwoSeats(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.provision(t, "room-1")

	for round := 0; round < 5; round++ {
		var wg sync.WaitGroup
		for index := 0; index < 4; index++ {
			wg.Add(1)
			go func(index int) {
				defer wg.Done()
				env.seats.ClaimSeat(ctx, "room-1", index, "judge-a")
			}(index)
		}
		wg.Wait()

		seats, err := env.seats.Seats(ctx, "room-1")
		require.NoError(t, err)
		held := 0
		for _, seat := range seats {
			if seat.HeldBy("judge-a") {
				held++
			}
		}
		assert.LessOrEqual(t, held, 1, "round %d", round)
	}
}

func TestSeatAllocator_HolderNeverHoldsTwoSeatsInAnyObservedState(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.provision(t, "room-1")

	sub, err := env.dist.Subscribe(ctx, "room-1")
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 12; i++ {
		_, err := env.seats.ClaimSeat(ctx, "room-1", i%4, "judge-a")
		require.NoError(t, err)
	}

	state := models.NewRoomState("room-1")
	state.Load(sub.Snapshot)
	heldBy := func() int {
		held := 0
		for _, seat := range state.Seats() {
			if seat.HeldBy("judge-a") {
				held++
			}
		}
		return held
	}

	// One insert, then a delete and an insert per move.
	for i := 0; i < 1+11*2; i++ {
		require.NoError(t, state.Apply(nextEvent(t, sub)))
		assert.LessOrEqual(t, heldBy(), 1, "after seq %d", state.Seq)
	}
	assert.Equal(t, 1, heldBy())
	assert.True(t, state.Seats()[3].HeldBy("judge-a"))

	snap, _, err := env.dist.Snapshot(ctx, "room-1")
	require.NoError(t, err)
	assert.True(t, snap.Seats[3].HeldBy("judge-a"))
}

func TestSeatAllocator_DisconnectFreesSeatForWaitingJudge(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.provision(t, "room-1")
	presence := NewPresence(env.seats)

	disconnects := make([]func(), 4)
	for i := 0; i < 4; i++ {
		holder := fmt.Sprintf("H%d", i)
		disconnects[i] = presence.Connect("room-1", holder)
		_, err := env.seats.ClaimSeat(ctx, "room-1", i, holder)
		require.NoError(t, err)
	}

	_, err := env.seats.ClaimSeat(ctx, "room-1", 2, "H4")
	assert.ErrorIs(t, err, status.ErrSeatTaken)

	disconnects[2]()

	seat, err := env.seats.ClaimSeat(ctx, "room-1", 2, "H4")
	require.NoError(t, err)
	assert.True(t, seat.HeldBy("H4"))
}
