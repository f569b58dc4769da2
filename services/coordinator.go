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

// Coordinator admits participants onto the stage of a room. It is the only
// writer of the stage row, and every admission decision is one
// compare-and-set commit over the stage row and the entry it binds.
type Coordinator struct {
	store    store.Store
	notifier Notifier
	monitor  *monitoring.Monitor
	now      func() time.Time
}

func NewCoordinator(st store.Store, notifier Notifier, monitor *monitoring.Monitor) *Coordinator {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Coordinator{
		store:    st,
		notifier: notifier,
		monitor:  monitor,
		now:      utcNow,
	}
}

// ProvisionRoom creates the stage row of a room with the curtains closed.
// Provisioning an existing room returns its current stage.
func (c *Coordinator) ProvisionRoom(ctx context.Context, room, roomType string) (models.StageState, error) {
	stage, err := readStage(ctx, c.store, room)
	if err == nil {
		return stage, nil
	}
	if !errors.Is(err, status.ErrNotFound) {
		return models.StageState{}, err
	}

	stage = models.StageState{
		RoomID:       room,
		RoomType:     roomType,
		CurtainState: models.CurtainClosed,
		UpdatedAt:    c.now(),
	}
	var b batch
	b.putStage(stage)
	if _, err := b.commit(ctx, c.store, room); err != nil {
		if errors.Is(err, status.ErrConflict) {
			return readStage(ctx, c.store, room)
		}
		return models.StageState{}, err
	}
	c.notifier.Notify(room)

	stage.Version = 1
	slog.Info("room provisioned", "room", room, "room_type", roomType)
	return stage, nil
}

func (c *Coordinator) Stage(ctx context.Context, room string) (models.StageState, error) {
	return readStage(ctx, c.store, room)
}

// CallUp binds a queued entry to an empty stage. Any queued entry may be
// called; join order is advisory. Of concurrent calls against an empty stage
// exactly one wins and the rest fail without retrying.
func (c *Coordinator) CallUp(ctx context.Context, room string, queueID int64) (entry models.QueueEntry, err error) {
	defer func() { c.monitor.TrackOperation("call_up", room, err) }()

	stage, err := readStage(ctx, c.store, room)
	if err != nil {
		return models.QueueEntry{}, err
	}
	entry, err = readEntry(ctx, c.store, room, queueID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if stage.Occupied() {
		return models.QueueEntry{}, fmt.Errorf("room %s: %w", room, status.ErrStageOccupied)
	}
	if err := moveEntry(&entry, models.StatusCalledUp, status.ErrNotQueued); err != nil {
		return models.QueueEntry{}, err
	}

	now := c.now()
	entry.CalledAt = &now
	stage.Occupy(entry, now)

	var b batch
	b.putStage(stage)
	b.putEntry(entry)
	if _, err := b.commit(ctx, c.store, room); err != nil {
		if errors.Is(err, status.ErrConflict) {
			return models.QueueEntry{}, c.classifyCallUp(ctx, room, queueID)
		}
		return models.QueueEntry{}, err
	}
	c.notifier.Notify(room)

	entry.Version++
	slog.Info("participant called up", "room", room, "participant", entry.ParticipantID, "queue_id", queueID)
	return entry, nil
}

// classifyCallUp explains a lost compare-and-set by re-reading both rows.
func (c *Coordinator) classifyCallUp(ctx context.Context, room string, queueID int64) error {
	if stage, err := readStage(ctx, c.store, room); err == nil && stage.Occupied() {
		return fmt.Errorf("room %s: %w", room, status.ErrStageOccupied)
	}
	if entry, err := readEntry(ctx, c.store, room, queueID); err == nil {
		if err := moveEntry(&entry, models.StatusCalledUp, status.ErrNotQueued); err != nil {
			return err
		}
	}
	return fmt.Errorf("room %s: %w", room, status.ErrStageOccupied)
}

// MarkReady is sent by the occupant once prepared: the entry goes live and
// the curtains start opening.
func (c *Coordinator) MarkReady(ctx context.Context, room string, queueID int64, participant string) (entry models.QueueEntry, err error) {
	defer func() { c.monitor.TrackOperation("mark_ready", room, err) }()

	stage, err := readStage(ctx, c.store, room)
	if err != nil {
		return models.QueueEntry{}, err
	}
	entry, err = readEntry(ctx, c.store, room, queueID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if err := checkReady(stage, entry, participant); err != nil {
		return models.QueueEntry{}, err
	}
	if err := moveEntry(&entry, models.StatusLive, status.ErrWrongStatus); err != nil {
		return models.QueueEntry{}, err
	}

	now := c.now()
	entry.LiveAt = &now
	stage.CurtainState = models.CurtainOpening
	stage.UpdatedAt = now

	var b batch
	b.putStage(stage)
	b.putEntry(entry)
	if _, err := b.commit(ctx, c.store, room); err != nil {
		if !errors.Is(err, status.ErrConflict) {
			return models.QueueEntry{}, err
		}
		stage, serr := readStage(ctx, c.store, room)
		current, eerr := readEntry(ctx, c.store, room, queueID)
		if serr == nil && eerr == nil {
			if cerr := checkReady(stage, current, participant); cerr != nil {
				return models.QueueEntry{}, cerr
			}
		}
		return models.QueueEntry{}, fmt.Errorf("mark ready %d: %w", queueID, err)
	}
	c.notifier.Notify(room)

	entry.Version++
	slog.Info("occupant is live", "room", room, "participant", participant, "queue_id", queueID)
	return entry, nil
}

func checkReady(stage models.StageState, entry models.QueueEntry, participant string) error {
	if entry.ParticipantID != participant || !stage.IsOccupant(entry) {
		return fmt.Errorf("participant %s: %w", participant, status.ErrNotOccupant)
	}
	if !models.CanTransition(entry.Status, models.StatusLive) {
		return fmt.Errorf("queue entry %d is %s: %w", entry.ID, entry.Status, status.ErrWrongStatus)
	}
	return nil
}

// EndPerformance clears the stage and removes its occupant. Ending an empty
// stage succeeds without changes.
func (c *Coordinator) EndPerformance(ctx context.Context, room string) (err error) {
	defer func() { c.monitor.TrackOperation("end_performance", room, err) }()

	stage, err := readStage(ctx, c.store, room)
	if err != nil {
		return err
	}
	if !stage.Occupied() {
		return nil
	}

	var entry *models.QueueEntry
	if stage.ActiveQueueID != nil {
		e, err := readEntry(ctx, c.store, room, *stage.ActiveQueueID)
		if err != nil && !errors.Is(err, status.ErrNotFound) {
			return err
		}
		if err == nil {
			entry = &e
		}
	}

	if err := c.vacate(ctx, room, stage, entry); err != nil {
		if !errors.Is(err, status.ErrConflict) {
			return err
		}
		// Someone else ended it first.
		if current, rerr := readStage(ctx, c.store, room); rerr == nil && !current.Occupied() {
			return nil
		}
		return fmt.Errorf("end performance in room %s: %w", room, err)
	}
	return nil
}

// Remove takes an entry out of the room whatever its status. Removing the
// occupant ends the performance; removing a removed entry is a no-op.
func (c *Coordinator) Remove(ctx context.Context, room string, queueID int64) (err error) {
	defer func() { c.monitor.TrackOperation("remove", room, err) }()

	entry, err := readEntry(ctx, c.store, room, queueID)
	if err != nil {
		return err
	}
	if entry.Status.Terminal() {
		return nil
	}
	stage, err := readStage(ctx, c.store, room)
	if err != nil {
		return err
	}

	if stage.IsOccupant(entry) {
		err = c.vacate(ctx, room, stage, &entry)
	} else if err = moveEntry(&entry, models.StatusRemoved, status.ErrWrongStatus); err == nil {
		var b batch
		b.putEntry(entry)
		if err = clearParticipant(ctx, c.store, &b, room, entry); err == nil {
			_, err = b.commit(ctx, c.store, room)
		}
		if err == nil {
			c.notifier.Notify(room)
			slog.Info("queue entry removed", "room", room, "queue_id", queueID)
		}
	}

	if errors.Is(err, status.ErrConflict) {
		if current, rerr := readEntry(ctx, c.store, room, queueID); rerr == nil && current.Status.Terminal() {
			return nil
		}
		return fmt.Errorf("remove queue entry %d: %w", queueID, err)
	}
	return err
}

// vacate clears the stage, starts closing the curtains and removes the
// occupant entry, all in one commit.
func (c *Coordinator) vacate(ctx context.Context, room string, stage models.StageState, occupant *models.QueueEntry) error {
	now := c.now()
	stage.Vacate(now)

	var b batch
	b.putStage(stage)
	if occupant != nil && !occupant.Status.Terminal() {
		entry := *occupant
		if err := moveEntry(&entry, models.StatusRemoved, status.ErrWrongStatus); err != nil {
			return err
		}
		b.putEntry(entry)
		if err := clearParticipant(ctx, c.store, &b, room, entry); err != nil {
			return err
		}
	}
	if _, err := b.commit(ctx, c.store, room); err != nil {
		return err
	}
	c.notifier.Notify(room)

	if occupant != nil {
		if occupant.LiveAt != nil {
			c.monitor.TrackPerformance(room, now.Sub(*occupant.LiveAt))
		}
		slog.Info("stage cleared", "room", room, "participant", occupant.ParticipantID, "queue_id", occupant.ID)
	}
	return nil
}

// AdvanceCurtain records the end of a curtain animation: opening to open, or
// closing to closed. Repeating a move that already happened is a no-op.
func (c *Coordinator) AdvanceCurtain(ctx context.Context, room string, to models.CurtainState) (stage models.StageState, err error) {
	defer func() { c.monitor.TrackOperation("advance_curtain", room, err) }()

	stage, err = readStage(ctx, c.store, room)
	if err != nil {
		return models.StageState{}, err
	}
	if stage.CurtainState == to {
		return stage, nil
	}
	if !models.CanAdvanceCurtain(stage.CurtainState, to) {
		return models.StageState{}, fmt.Errorf("curtain %s to %s: %w", stage.CurtainState, to, status.ErrInvalidTransition)
	}
	if to == models.CurtainOpen && !stage.Occupied() {
		return models.StageState{}, fmt.Errorf("room %s: %w", room, status.ErrNoActiveOccupant)
	}

	stage.CurtainState = to
	stage.UpdatedAt = c.now()
	var b batch
	b.putStage(stage)
	if _, err := b.commit(ctx, c.store, room); err != nil {
		if errors.Is(err, status.ErrConflict) {
			if current, rerr := readStage(ctx, c.store, room); rerr == nil && current.CurtainState == to {
				return current, nil
			}
			return models.StageState{}, fmt.Errorf("advance curtain in room %s: %w", room, err)
		}
		return models.StageState{}, err
	}
	c.notifier.Notify(room)

	stage.Version++
	return stage, nil
}
