package models

import "time"

type CurtainState string

const (
	CurtainClosed  CurtainState = "closed"
	CurtainOpening CurtainState = "opening"
	CurtainOpen    CurtainState = "open"
	CurtainClosing CurtainState = "closing"
)

// StageKey is the store key of the single stage row of a room.
const StageKey = "state"

type StageState struct {
	RoomID              string       `json:"room_id"`
	RoomType            string       `json:"room_type"`
	ActiveParticipantID *string      `json:"active_participant_id"`
	ActiveQueueID       *int64       `json:"active_queue_id"`
	CurtainState        CurtainState `json:"curtain_state"`
	UpdatedAt           time.Time    `json:"updated_at"`

	Version int64 `json:"-"`
}

func (s StageState) Occupied() bool {
	return s.ActiveParticipantID != nil
}

// IsOccupant reports whether the given entry is bound to the stage.
func (s StageState) IsOccupant(entry QueueEntry) bool {
	return s.ActiveQueueID != nil && *s.ActiveQueueID == entry.ID &&
		s.ActiveParticipantID != nil && *s.ActiveParticipantID == entry.ParticipantID
}

// Occupy binds the stage to entry with the curtains closed.
func (s *StageState) Occupy(entry QueueEntry, now time.Time) {
	participant := entry.ParticipantID
	id := entry.ID
	s.ActiveParticipantID = &participant
	s.ActiveQueueID = &id
	s.CurtainState = CurtainClosed
	s.UpdatedAt = now
}

// Vacate clears the occupant and starts closing the curtains.
func (s *StageState) Vacate(now time.Time) {
	s.ActiveParticipantID = nil
	s.ActiveQueueID = nil
	s.CurtainState = CurtainClosing
	s.UpdatedAt = now
}

// Curtain moves reported by observers once an animation finishes. The
// coordinator drives the other moves itself.
var curtainTransitions = map[CurtainState]CurtainState{
	CurtainOpening: CurtainOpen,
	CurtainClosing: CurtainClosed,
}

func CanAdvanceCurtain(from, to CurtainState) bool {
	next, ok := curtainTransitions[from]
	return ok && next == to
}

func (c CurtainState) Valid() bool {
	switch c {
	case CurtainClosed, CurtainOpening, CurtainOpen, CurtainClosing:
		return true
	}
	return false
}
