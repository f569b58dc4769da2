package models

import (
	"encoding/json"
	"time"
)

// Store tables. participants and holders are internal indexes and are never
// delivered to observers.
const (
	TableQueue        = "queue"
	TableStage        = "stage"
	TableSeats        = "seats"
	TableParticipants = "participants"
	TableHolders      = "holders"
)

// ObservedTables are the tables a room snapshot is built from.
var ObservedTables = []string{TableStage, TableQueue, TableSeats}

func Observed(table string) bool {
	return table == TableQueue || table == TableStage || table == TableSeats
}

type ChangeOp string

const (
	OpInsert ChangeOp = "INSERT"
	OpUpdate ChangeOp = "UPDATE"
	OpDelete ChangeOp = "DELETE"
)

// ChangeEvent is one committed row mutation, numbered in the commit order of
// its room.
type ChangeEvent struct {
	Seq     int64           `json:"seq"`
	RoomID  string          `json:"room_id"`
	Table   string          `json:"table"`
	Op      ChangeOp        `json:"op"`
	Key     string          `json:"key"`
	Version int64           `json:"version"`
	Row     json.RawMessage `json:"row"`
}

// RoomSnapshot is the full observable state of a room as of commit Seq.
type RoomSnapshot struct {
	RoomID  string       `json:"room_id"`
	Seq     int64        `json:"seq"`
	Stage   *StageState  `json:"stage"`
	Queue   []QueueEntry `json:"queue"`
	Seats   []JudgeSeat  `json:"seats"`
	TakenAt time.Time    `json:"taken_at"`
}

// Entry returns the snapshot entry with the given id.
func (s RoomSnapshot) Entry(id int64) (QueueEntry, bool) {
	for _, e := range s.Queue {
		if e.ID == id {
			return e, true
		}
	}
	return QueueEntry{}, false
}

// Holder returns the seat held by holder, if any.
func (s RoomSnapshot) Holder(holder string) (JudgeSeat, bool) {
	for _, seat := range s.Seats {
		if seat.HeldBy(holder) {
			return seat, true
		}
	}
	return JudgeSeat{}, false
}
