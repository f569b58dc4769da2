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

const queueCounter = "queue"

// OccupantRemover takes an entry off the stage. The ledger never writes the
// stage row itself.
type OccupantRemover interface {
	Remove(ctx context.Context, room string, queueID int64) error
}

// QueueLedger is the ordered record of who is waiting in each room.
type QueueLedger struct {
	store    store.Store
	notifier Notifier
	stage    OccupantRemover
	monitor  *monitoring.Monitor
	now      func() time.Time
}

func NewQueueLedger(st store.Store, notifier Notifier, stage OccupantRemover, monitor *monitoring.Monitor) *QueueLedger {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &QueueLedger{
		store:    st,
		notifier: notifier,
		stage:    stage,
		monitor:  monitor,
		now:      utcNow,
	}
}

// JoinQueue appends a queued entry for participant. A participant holds at
// most one non-removed entry per room.
func (l *QueueLedger) JoinQueue(ctx context.Context, room, participant, displayName string) (entry models.QueueEntry, err error) {
	defer func() { l.monitor.TrackOperation("join_queue", room, err) }()

	stage, err := readStage(ctx, l.store, room)
	if err != nil {
		return models.QueueEntry{}, err
	}

	var idx participantIndex
	idxVersion, err := readIndex(ctx, l.store, room, models.TableParticipants, participant, &idx)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if idxVersion > 0 {
		current, err := readEntry(ctx, l.store, room, idx.QueueID)
		if err != nil && !errors.Is(err, status.ErrNotFound) {
			return models.QueueEntry{}, err
		}
		if err == nil && !current.Status.Terminal() {
			return models.QueueEntry{}, fmt.Errorf("participant %s has entry %d: %w", participant, current.ID, status.ErrAlreadyQueued)
		}
	}

	id, err := l.store.NextID(ctx, room, queueCounter)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("allocate queue id: %w", err)
	}

	entry = models.QueueEntry{
		ID:            id,
		RoomID:        room,
		RoomType:      stage.RoomType,
		ParticipantID: participant,
		DisplayName:   displayName,
		Status:        models.StatusQueued,
		JoinedAt:      l.now(),
	}

	var b batch
	b.putEntry(entry)
	b.put(models.TableParticipants, participant, idxVersion, participantIndex{QueueID: id})
	if _, err := b.commit(ctx, l.store, room); err != nil {
		if errors.Is(err, status.ErrConflict) {
			return models.QueueEntry{}, fmt.Errorf("participant %s joined concurrently: %w", participant, status.ErrAlreadyQueued)
		}
		return models.QueueEntry{}, err
	}
	l.notifier.Notify(room)

	entry.Version = 1
	slog.Info("participant joined queue", "room", room, "participant", participant, "queue_id", id)
	return entry, nil
}

// LeaveQueue removes the caller's own entry. When the entry holds the stage
// the removal goes through the stage owner so the stage is released in the
// same commit. Leaving twice is a no-op.
func (l *QueueLedger) LeaveQueue(ctx context.Context, room string, queueID int64, participant string) (err error) {
	defer func() { l.monitor.TrackOperation("leave_queue", room, err) }()

	entry, err := readEntry(ctx, l.store, room, queueID)
	if err != nil {
		return err
	}
	if entry.ParticipantID != participant {
		return fmt.Errorf("queue entry %d: %w", queueID, status.ErrNotOwner)
	}
	if entry.Status.Terminal() {
		return nil
	}
	if entry.Status.Occupying() {
		return l.stage.Remove(ctx, room, queueID)
	}

	if err := moveEntry(&entry, models.StatusRemoved, status.ErrNotQueued); err != nil {
		return err
	}
	var b batch
	b.putEntry(entry)
	if err := clearParticipant(ctx, l.store, &b, room, entry); err != nil {
		return err
	}
	if _, err := b.commit(ctx, l.store, room); err != nil {
		if !errors.Is(err, status.ErrConflict) {
			return err
		}
		current, rerr := readEntry(ctx, l.store, room, queueID)
		if rerr == nil && current.Status.Terminal() {
			return nil
		}
		return fmt.Errorf("leave queue entry %d: %w", queueID, err)
	}
	l.notifier.Notify(room)

	slog.Info("participant left queue", "room", room, "participant", participant, "queue_id", queueID)
	return nil
}

// Position returns the 1-based place of a queued entry, or 0 when the entry
// is not queued. It is computed from a fresh scan on every call.
func (l *QueueLedger) Position(ctx context.Context, room string, queueID int64) (int, error) {
	entries, err := scanEntries(ctx, l.store, room)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.ID == queueID {
			return models.QueuePosition(entries, queueID), nil
		}
	}
	return 0, fmt.Errorf("queue entry %d in room %s: %w", queueID, room, status.ErrNotFound)
}

func (l *QueueLedger) Get(ctx context.Context, room string, queueID int64) (models.QueueEntry, error) {
	return readEntry(ctx, l.store, room, queueID)
}

// List returns the entries of a room in FIFO order.
func (l *QueueLedger) List(ctx context.Context, room string, includeRemoved bool) ([]models.QueueEntry, error) {
	entries, err := scanEntries(ctx, l.store, room)
	if err != nil {
		return nil, err
	}
	if includeRemoved {
		return entries, nil
	}

	active := entries[:0]
	for _, e := range entries {
		if !e.Status.Terminal() {
			active = append(active, e)
		}
	}
	return active, nil
}

// Snapshot reads the observable state of a room in one consistent read.
// Together with the change events after Seq it reproduces the room.
func (l *QueueLedger) Snapshot(ctx context.Context, room string, includeRemoved bool) (models.RoomSnapshot, error) {
	snap, err := l.store.Snapshot(ctx, room, models.ObservedTables...)
	if err != nil {
		return models.RoomSnapshot{}, err
	}

	state := models.NewRoomState(room)
	state.KeepRemoved = includeRemoved
	for _, ev := range snap.Events() {
		if err := state.Apply(ev); err != nil {
			return models.RoomSnapshot{}, err
		}
	}
	state.Seq = snap.Seq
	return state.Snapshot(), nil
}
