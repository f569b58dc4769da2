package models

import (
	"strconv"
	"time"
)

// JudgeSeatCount is the fixed number of judge seats in every room.
const JudgeSeatCount = 4

type JudgeSeat struct {
	RoomID    string     `json:"room_id"`
	SeatIndex int        `json:"seat_index"`
	HolderID  *string    `json:"holder_id"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	Version int64 `json:"-"`
}

func (s JudgeSeat) HeldBy(holder string) bool {
	return s.HolderID != nil && *s.HolderID == holder
}

func ValidSeatIndex(index int) bool {
	return index >= 0 && index < JudgeSeatCount
}

func SeatKey(index int) string {
	return strconv.Itoa(index)
}

// EmptySeats returns the four seats of a room with no holders.
func EmptySeats(roomID string) []JudgeSeat {
	seats := make([]JudgeSeat, JudgeSeatCount)
	for i := range seats {
		seats[i] = JudgeSeat{RoomID: roomID, SeatIndex: i}
	}
	return seats
}
