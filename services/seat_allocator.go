package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stage-system/internal/status"
	"stage-system/models"
	"stage-system/monitoring"
	"stage-system/store"
)

// SeatAllocator hands out the four judge seats of a room. A holder owns at
// most one seat per room; moving to another seat releases the old one in the
// same commit.
type SeatAllocator struct {
	store    store.Store
	notifier Notifier
	monitor  *monitoring.Monitor
	now      func() time.Time
}

func NewSeatAllocator(st store.Store, notifier Notifier, monitor *monitoring.Monitor) *SeatAllocator {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &SeatAllocator{
		store:    st,
		notifier: notifier,
		monitor:  monitor,
		now:      utcNow,
	}
}

// ClaimSeat gives seat index to holder. Claiming the seat one already holds
// is a no-op.
func (a *SeatAllocator) ClaimSeat(ctx context.Context, room string, index int, holder string) (seat models.JudgeSeat, err error) {
	defer func() { a.monitor.TrackOperation("claim_seat", room, err) }()

	if !models.ValidSeatIndex(index) {
		return models.JudgeSeat{}, fmt.Errorf("seat %d: %w", index, status.ErrInvalidSeat)
	}
	if _, err := readStage(ctx, a.store, room); err != nil {
		return models.JudgeSeat{}, err
	}

	seat, err = readSeat(ctx, a.store, room, index)
	if err != nil {
		return models.JudgeSeat{}, err
	}
	if seat.HeldBy(holder) {
		return seat, nil
	}
	if seat.HolderID != nil {
		return models.JudgeSeat{}, fmt.Errorf("seat %d in room %s: %w", index, room, status.ErrSeatTaken)
	}

	var held holderIndex
	heldVersion, err := readIndex(ctx, a.store, room, models.TableHolders, holder, &held)
	if err != nil {
		return models.JudgeSeat{}, err
	}

	var b batch
	if heldVersion > 0 {
		old, err := readSeat(ctx, a.store, room, held.SeatIndex)
		if err != nil {
			return models.JudgeSeat{}, err
		}
		if old.HeldBy(holder) {
			b.delete(models.TableSeats, models.SeatKey(old.SeatIndex), old.Version)
		}
	}

	now := a.now()
	claimed := models.JudgeSeat{RoomID: room, SeatIndex: index, HolderID: &holder, ClaimedAt: &now}
	b.put(models.TableSeats, models.SeatKey(index), seat.Version, claimed)
	b.put(models.TableHolders, holder, heldVersion, holderIndex{SeatIndex: index})
	if _, err := b.commit(ctx, a.store, room); err != nil {
		if !errors.Is(err, status.ErrConflict) {
			return models.JudgeSeat{}, err
		}
		current, rerr := readSeat(ctx, a.store, room, index)
		if rerr == nil && current.HeldBy(holder) {
			return current, nil
		}
		if rerr == nil && current.HolderID != nil {
			return models.JudgeSeat{}, fmt.Errorf("seat %d in room %s: %w", index, room, status.ErrSeatTaken)
		}
		return models.JudgeSeat{}, fmt.Errorf("claim seat %d: %w", index, err)
	}
	a.notifier.Notify(room)

	claimed.Version = seat.Version + 1
	slog.Info("judge seat claimed", "room", room, "seat", index, "holder", holder)
	return claimed, nil
}

// ReleaseSeat frees whatever seat holder has in room. Releasing with no seat
// held succeeds.
func (a *SeatAllocator) ReleaseSeat(ctx context.Context, room, holder string) (err error) {
	defer func() { a.monitor.TrackOperation("release_seat", room, err) }()

	var held holderIndex
	heldVersion, err := readIndex(ctx, a.store, room, models.TableHolders, holder, &held)
	if err != nil || heldVersion == 0 {
		return err
	}
	seat, err := readSeat(ctx, a.store, room, held.SeatIndex)
	if err != nil {
		return err
	}

	var b batch
	b.delete(models.TableHolders, holder, heldVersion)
	if seat.HeldBy(holder) {
		b.delete(models.TableSeats, models.SeatKey(seat.SeatIndex), seat.Version)
	}
	if _, err := b.commit(ctx, a.store, room); err != nil {
		if !errors.Is(err, status.ErrConflict) {
			return err
		}
		var again holderIndex
		if v, rerr := readIndex(ctx, a.store, room, models.TableHolders, holder, &again); rerr == nil && v == 0 {
			return nil
		}
		return fmt.Errorf("release seat of %s: %w", holder, err)
	}
	a.notifier.Notify(room)

	slog.Info("judge seat released", "room", room, "seat", seat.SeatIndex, "holder", holder)
	return nil
}

// OnDisconnect is called when the last connection of holder to room drops.
func (a *SeatAllocator) OnDisconnect(ctx context.Context, holder, room string) error {
	if err := a.ReleaseSeat(ctx, room, holder); err != nil {
		slog.Error("failed to release seat on disconnect", "room", room, "holder", holder, "error", err)
		return err
	}
	return nil
}

// Seats returns the four seats of a room, empty ones with a nil holder.
func (a *SeatAllocator) Seats(ctx context.Context, room string) ([]models.JudgeSeat, error) {
	rows, err := a.store.Scan(ctx, room, models.TableSeats)
	if err != nil {
		return nil, err
	}

	seats := models.EmptySeats(room)
	for _, row := range rows {
		var seat models.JudgeSeat
		if err := row.Decode(&seat); err != nil {
			return nil, fmt.Errorf("decode seat %s: %w", row.Key, err)
		}
		if models.ValidSeatIndex(seat.SeatIndex) {
			seat.Version = row.Version
			seats[seat.SeatIndex] = seat
		}
	}
	return seats, nil
}
