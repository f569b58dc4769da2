package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"stage-system/internal/status"
	"stage-system/models"
)

// Relay republishes the change stream of each followed room to external
// channels: every change to room-<id>, and position and call-up notices to
// user-<participant>.
type Relay struct {
	dist *Distributor
	pub  Publisher

	mu    sync.Mutex
	rooms map[string]*Subscription

	stopChan         chan struct{}
	wg               sync.WaitGroup
	activeGoroutines int64
}

func NewRelay(dist *Distributor, pub Publisher) *Relay {
	return &Relay{
		dist:     dist,
		pub:      pub,
		rooms:    make(map[string]*Subscription),
		stopChan: make(chan struct{}),
	}
}

// Follow starts relaying room. Following a room twice is a no-op.
func (r *Relay) Follow(ctx context.Context, room string) error {
	r.mu.Lock()
	_, ok := r.rooms[room]
	r.mu.Unlock()
	if ok {
		return nil
	}

	sub, err := r.dist.Subscribe(ctx, room)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if _, ok := r.rooms[room]; ok {
		r.mu.Unlock()
		sub.Close()
		return nil
	}
	r.rooms[room] = sub
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(room, sub)
	return nil
}

func (r *Relay) run(room string, sub *Subscription) {
	defer r.wg.Done()
	atomic.AddInt64(&r.activeGoroutines, 1)
	defer atomic.AddInt64(&r.activeGoroutines, -1)

	for {
		r.relay(room, sub)

		err := sub.Err()
		if !errors.Is(err, status.ErrSlowSubscriber) {
			r.forget(room, sub)
			return
		}

		select {
		case <-r.stopChan:
			r.forget(room, sub)
			return
		default:
		}

		slog.Warn("relay fell behind, resubscribing", "room", room)
		next, serr := r.dist.Subscribe(context.Background(), room)
		if serr != nil {
			slog.Error("relay resubscribe failed", "room", room, "error", serr)
			r.forget(room, sub)
			return
		}
		r.mu.Lock()
		r.rooms[room] = next
		r.mu.Unlock()
		sub = next
	}
}

func (r *Relay) forget(room string, sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room] == sub {
		delete(r.rooms, room)
	}
}

func (r *Relay) relay(room string, sub *Subscription) {
	state := models.NewRoomState(room)
	state.Load(sub.Snapshot)
	positions := state.Positions()

	r.publish(RoomChannel(room), map[string]any{
		"type":     "snapshot",
		"snapshot": sub.Snapshot,
	})

	for ev := range sub.Events() {
		r.publish(RoomChannel(room), map[string]any{
			"type":  "change",
			"event": ev,
		})

		if err := state.Apply(ev); err != nil {
			slog.Warn("relay could not apply change", "room", room, "seq", ev.Seq, "error", err)
			continue
		}
		if ev.Table != models.TableQueue {
			continue
		}

		r.notifyCalledUp(room, ev)
		next := state.Positions()
		for _, e := range state.Entries() {
			pos, ok := next[e.ID]
			if ok && pos != positions[e.ID] && shouldNotifyPosition(pos) {
				r.notifyPosition(room, e.ParticipantID, e.ID, pos)
			}
		}
		positions = next
	}
}

func (r *Relay) notifyCalledUp(room string, ev models.ChangeEvent) {
	if ev.Op != models.OpUpdate {
		return
	}
	var entry models.QueueEntry
	if err := json.Unmarshal(ev.Row, &entry); err != nil || entry.Status != models.StatusCalledUp {
		return
	}
	r.publish(UserChannel(entry.ParticipantID), map[string]any{
		"type":     "queue_status",
		"status":   string(models.StatusCalledUp),
		"room_id":  room,
		"queue_id": entry.ID,
		"message":  "You're up! Get ready to go on stage.",
	})
}

// shouldNotifyPosition notifies more often near the front of the line.
func shouldNotifyPosition(position int) bool {
	if position <= 5 {
		return true
	} else if position <= 20 {
		return position%2 == 0
	} else if position <= 100 {
		return position%10 == 0
	}
	return position%50 == 0
}

func (r *Relay) notifyPosition(room, participant string, queueID int64, position int) {
	message := fmt.Sprintf("You are #%d in line", position)
	if position == 1 {
		message = "You're next!"
	} else if position <= 5 {
		message = fmt.Sprintf("Almost there! You're #%d", position)
	}

	r.publish(UserChannel(participant), map[string]any{
		"type":     "queue_position",
		"position": position,
		"room_id":  room,
		"queue_id": queueID,
		"message":  message,
	})
}

func (r *Relay) publish(channel string, message any) {
	if err := r.pub.Publish(channel, message); err != nil {
		slog.Warn("relay publish failed", "channel", channel, "error", err)
	}
}

// Shutdown closes every relayed subscription and waits for the relay loops.
func (r *Relay) Shutdown() {
	close(r.stopChan)

	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.rooms))
	for _, sub := range r.rooms {
		subs = append(subs, sub)
	}
	r.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Warn("timeout waiting for relay loops to stop")
	}
	slog.Info("relay stopped", "goroutines", atomic.LoadInt64(&r.activeGoroutines))
}
