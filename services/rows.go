package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stage-system/internal/status"
	"stage-system/models"
	"stage-system/store"
)

// Notifier is told about rooms that just committed changes.
type Notifier interface {
	Notify(room string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string) {}

// participantIndex points a participant at their single active entry.
type participantIndex struct {
	QueueID int64 `json:"queue_id"`
}

// holderIndex points a judge at the seat they hold.
type holderIndex struct {
	SeatIndex int `json:"seat_index"`
}

func utcNow() time.Time { return time.Now().UTC() }

func readStage(ctx context.Context, st store.Store, room string) (models.StageState, error) {
	row, err := st.Read(ctx, room, models.TableStage, models.StageKey)
	if errors.Is(err, status.ErrNotFound) {
		return models.StageState{}, fmt.Errorf("room %s: %w", room, status.ErrNotFound)
	}
	if err != nil {
		return models.StageState{}, err
	}

	var stage models.StageState
	if err := row.Decode(&stage); err != nil {
		return models.StageState{}, fmt.Errorf("decode stage of room %s: %w", room, err)
	}
	stage.Version = row.Version
	return stage, nil
}

func readEntry(ctx context.Context, st store.Store, room string, id int64) (models.QueueEntry, error) {
	row, err := st.Read(ctx, room, models.TableQueue, models.EntryKey(id))
	if errors.Is(err, status.ErrNotFound) {
		return models.QueueEntry{}, fmt.Errorf("queue entry %d in room %s: %w", id, room, status.ErrNotFound)
	}
	if err != nil {
		return models.QueueEntry{}, err
	}

	var entry models.QueueEntry
	if err := row.Decode(&entry); err != nil {
		return models.QueueEntry{}, fmt.Errorf("decode queue entry %d: %w", id, err)
	}
	if !entry.Status.Valid() {
		return models.QueueEntry{}, fmt.Errorf("queue entry %d has unknown status %q", id, entry.Status)
	}
	entry.Version = row.Version
	return entry, nil
}

// moveEntry changes the entry's status when the transition table allows it,
// otherwise it returns refused.
func moveEntry(entry *models.QueueEntry, to models.QueueStatus, refused error) error {
	if !models.CanTransition(entry.Status, to) {
		return fmt.Errorf("queue entry %d is %s: %w", entry.ID, entry.Status, refused)
	}
	entry.Status = to
	return nil
}

func scanEntries(ctx context.Context, st store.Store, room string) ([]models.QueueEntry, error) {
	rows, err := st.Scan(ctx, room, models.TableQueue)
	if err != nil {
		return nil, err
	}

	entries := make([]models.QueueEntry, 0, len(rows))
	for _, row := range rows {
		var entry models.QueueEntry
		if err := row.Decode(&entry); err != nil {
			return nil, fmt.Errorf("decode queue row %s: %w", row.Key, err)
		}
		entry.Version = row.Version
		entries = append(entries, entry)
	}
	models.SortEntries(entries)
	return entries, nil
}

// readSeat returns an empty seat with version 0 when nobody holds it.
func readSeat(ctx context.Context, st store.Store, room string, index int) (models.JudgeSeat, error) {
	row, err := st.Read(ctx, room, models.TableSeats, models.SeatKey(index))
	if errors.Is(err, status.ErrNotFound) {
		return models.JudgeSeat{RoomID: room, SeatIndex: index}, nil
	}
	if err != nil {
		return models.JudgeSeat{}, err
	}

	var seat models.JudgeSeat
	if err := row.Decode(&seat); err != nil {
		return models.JudgeSeat{}, fmt.Errorf("decode seat %d: %w", index, err)
	}
	seat.Version = row.Version
	return seat, nil
}

// readIndex decodes an internal index row into v and returns its version, 0
// when the row does not exist.
func readIndex(ctx context.Context, st store.Store, room, table, key string, v any) (int64, error) {
	row, err := st.Read(ctx, room, table, key)
	if errors.Is(err, status.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if err := row.Decode(v); err != nil {
		return 0, fmt.Errorf("decode %s/%s: %w", table, key, err)
	}
	return row.Version, nil
}

// batch collects the mutations of one commit.
type batch struct {
	muts []store.Mutation
	err  error
}

func (b *batch) put(table, key string, expectedVersion int64, v any) {
	if b.err != nil {
		return
	}
	m, err := store.Put(table, key, expectedVersion, v)
	if err != nil {
		b.err = fmt.Errorf("encode %s/%s: %w", table, key, err)
		return
	}
	b.muts = append(b.muts, m)
}

func (b *batch) delete(table, key string, expectedVersion int64) {
	b.muts = append(b.muts, store.Delete(table, key, expectedVersion))
}

func (b *batch) putStage(stage models.StageState) {
	b.put(models.TableStage, models.StageKey, stage.Version, stage)
}

func (b *batch) putEntry(entry models.QueueEntry) {
	b.put(models.TableQueue, models.EntryKey(entry.ID), entry.Version, entry)
}

func (b *batch) commit(ctx context.Context, st store.Store, room string) (int64, error) {
	if b.err != nil {
		return 0, b.err
	}
	return st.Commit(ctx, room, b.muts...)
}

// clearParticipant drops the participant index when it still points at entry.
func clearParticipant(ctx context.Context, st store.Store, b *batch, room string, entry models.QueueEntry) error {
	var idx participantIndex
	version, err := readIndex(ctx, st, room, models.TableParticipants, entry.ParticipantID, &idx)
	if err != nil {
		return err
	}
	if version > 0 && idx.QueueID == entry.ID {
		b.delete(models.TableParticipants, entry.ParticipantID, version)
	}
	return nil
}
