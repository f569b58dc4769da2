package status

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyQueued = errors.New("queue: participant already has an active entry")
	ErrNotQueued     = errors.New("queue: entry is not queued")
	ErrNotOwner      = errors.New("queue: entry belongs to another participant")

	ErrStageOccupied    = errors.New("stage: stage is occupied")
	ErrNotOccupant      = errors.New("stage: caller is not the current occupant")
	ErrWrongStatus      = errors.New("stage: entry is in the wrong status")
	ErrNoActiveOccupant = errors.New("stage: no active occupant")

	ErrInvalidTransition = errors.New("stage: invalid transition")

	ErrSeatTaken    = errors.New("seat: seat is held by another judge")
	ErrInvalidSeat  = errors.New("seat: seat index out of range")
	ErrNotConnected = errors.New("seat: judge has no live connection to the room")

	// ErrConflict is a raw compare-and-set failure reported by the store.
	ErrConflict = errors.New("store: version conflict")

	ErrSlowSubscriber = errors.New("distributor: subscriber fell behind")
)

// IsRace reports whether err is an expected outcome of two callers racing
// for the same row rather than a failure of the system.
func IsRace(err error) bool {
	return errors.Is(err, ErrStageOccupied) ||
		errors.Is(err, ErrSeatTaken) ||
		errors.Is(err, ErrNotQueued) ||
		errors.Is(err, ErrWrongStatus) ||
		errors.Is(err, ErrAlreadyQueued) ||
		errors.Is(err, ErrConflict)
}
