package models

import (
	"fmt"
	"sort"
	"time"
)

type QueueStatus string

const (
	StatusQueued   QueueStatus = "queued"
	StatusCalledUp QueueStatus = "called_up"
	StatusReady    QueueStatus = "ready"
	StatusLive     QueueStatus = "live"
	StatusRemoved  QueueStatus = "removed"
)

// Occupying reports whether an entry in this status holds the stage.
func (s QueueStatus) Occupying() bool {
	return s == StatusCalledUp || s == StatusReady || s == StatusLive
}

func (s QueueStatus) Terminal() bool { return s == StatusRemoved }

func (s QueueStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusCalledUp, StatusReady, StatusLive, StatusRemoved:
		return true
	}
	return false
}

var queueTransitions = map[QueueStatus][]QueueStatus{
	StatusQueued:   {StatusCalledUp, StatusRemoved},
	StatusCalledUp: {StatusReady, StatusLive, StatusRemoved},
	StatusReady:    {StatusLive, StatusRemoved},
	StatusLive:     {StatusRemoved},
}

// CanTransition reports whether an entry may move from one status to another.
// removed has no outgoing transitions.
func CanTransition(from, to QueueStatus) bool {
	for _, next := range queueTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type QueueEntry struct {
	ID            int64       `json:"id"`
	RoomID        string      `json:"room_id"`
	RoomType      string      `json:"room_type"`
	ParticipantID string      `json:"participant_id"`
	DisplayName   string      `json:"display_name"`
	Status        QueueStatus `json:"status"`
	JoinedAt      time.Time   `json:"joined_at"`
	CalledAt      *time.Time  `json:"called_at,omitempty"`
	LiveAt        *time.Time  `json:"live_at,omitempty"`

	// Version is the store row version the entry was read at.
	Version int64 `json:"-"`
}

// Before orders entries by joined_at, then id.
func (e QueueEntry) Before(other QueueEntry) bool {
	if !e.JoinedAt.Equal(other.JoinedAt) {
		return e.JoinedAt.Before(other.JoinedAt)
	}
	return e.ID < other.ID
}

// EntryKey is the store key of a queue entry. Zero padding keeps key order
// equal to id order.
func EntryKey(id int64) string {
	return fmt.Sprintf("%020d", id)
}

// SortEntries sorts entries in FIFO order.
func SortEntries(entries []QueueEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Before(entries[j]) })
}

// QueuePosition returns the 1-based FIFO position of the entry with the given
// id among the queued entries, or 0 if that entry is not queued.
func QueuePosition(entries []QueueEntry, id int64) int {
	var target *QueueEntry
	for i := range entries {
		if entries[i].ID == id {
			target = &entries[i]
			break
		}
	}
	if target == nil || target.Status != StatusQueued {
		return 0
	}

	position := 1
	for _, e := range entries {
		if e.Status == StatusQueued && e.ID != id && e.Before(*target) {
			position++
		}
	}
	return position
}
