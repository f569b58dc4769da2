package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// RoomState is an in-memory projection of one room, built by applying change
// events in sequence order. It is not safe for concurrent use.
type RoomState struct {
	RoomID string
	Seq    int64

	// KeepRemoved retains removed entries instead of dropping them.
	KeepRemoved bool

	stage   *StageState
	entries map[int64]QueueEntry
	seats   map[int]JudgeSeat
}

func NewRoomState(roomID string) *RoomState {
	return &RoomState{
		RoomID:  roomID,
		entries: make(map[int64]QueueEntry),
		seats:   make(map[int]JudgeSeat),
	}
}

// Apply folds ev into the projection. Events at or below the current sequence
// are ignored so a replayed event never applies twice.
func (s *RoomState) Apply(ev ChangeEvent) error {
	if ev.Seq != 0 && ev.Seq <= s.Seq {
		return nil
	}
	if err := s.apply(ev); err != nil {
		return fmt.Errorf("apply %s %s/%s seq %d: %w", ev.Op, ev.Table, ev.Key, ev.Seq, err)
	}
	if ev.Seq > s.Seq {
		s.Seq = ev.Seq
	}
	return nil
}

func (s *RoomState) apply(ev ChangeEvent) error {
	switch ev.Table {
	case TableStage:
		if ev.Op == OpDelete {
			s.stage = nil
			return nil
		}
		var stage StageState
		if err := json.Unmarshal(ev.Row, &stage); err != nil {
			return err
		}
		stage.Version = ev.Version
		s.stage = &stage

	case TableQueue:
		var entry QueueEntry
		if err := json.Unmarshal(ev.Row, &entry); err != nil {
			return err
		}
		if ev.Op == OpDelete || (entry.Status == StatusRemoved && !s.KeepRemoved) {
			delete(s.entries, entry.ID)
			return nil
		}
		entry.Version = ev.Version
		s.entries[entry.ID] = entry

	case TableSeats:
		index, err := strconv.Atoi(ev.Key)
		if err != nil {
			return err
		}
		if ev.Op == OpDelete {
			delete(s.seats, index)
			return nil
		}
		var seat JudgeSeat
		if err := json.Unmarshal(ev.Row, &seat); err != nil {
			return err
		}
		seat.Version = ev.Version
		s.seats[index] = seat
	}
	return nil
}

// Stage returns a copy of the stage row, if the room is provisioned.
func (s *RoomState) Stage() (StageState, bool) {
	if s.stage == nil {
		return StageState{}, false
	}
	return *s.stage, true
}

// Entries returns the projected entries in FIFO order.
func (s *RoomState) Entries() []QueueEntry {
	out := make([]QueueEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	SortEntries(out)
	return out
}

// Seats returns all four seats, empty ones with a nil holder.
func (s *RoomState) Seats() []JudgeSeat {
	out := EmptySeats(s.RoomID)
	for index, seat := range s.seats {
		if ValidSeatIndex(index) {
			out[index] = seat
		}
	}
	return out
}

// Positions maps every queued entry id to its FIFO position.
func (s *RoomState) Positions() map[int64]int {
	entries := s.Entries()
	positions := make(map[int64]int, len(entries))
	next := 1
	for _, e := range entries {
		if e.Status == StatusQueued {
			positions[e.ID] = next
			next++
		}
	}
	return positions
}

func (s *RoomState) Snapshot() RoomSnapshot {
	snap := RoomSnapshot{
		RoomID:  s.RoomID,
		Seq:     s.Seq,
		Queue:   s.Entries(),
		Seats:   s.Seats(),
		TakenAt: time.Now(),
	}
	if stage, ok := s.Stage(); ok {
		snap.Stage = &stage
	}
	return snap
}

// Load replaces the projection with the contents of snap.
func (s *RoomState) Load(snap RoomSnapshot) {
	s.RoomID = snap.RoomID
	s.Seq = snap.Seq
	s.stage = nil
	if snap.Stage != nil {
		stage := *snap.Stage
		s.stage = &stage
	}
	s.entries = make(map[int64]QueueEntry, len(snap.Queue))
	for _, e := range snap.Queue {
		s.entries[e.ID] = e
	}
	s.seats = make(map[int]JudgeSeat, JudgeSeatCount)
	for _, seat := range snap.Seats {
		if seat.HolderID != nil && ValidSeatIndex(seat.SeatIndex) {
			s.seats[seat.SeatIndex] = seat
		}
	}
}
