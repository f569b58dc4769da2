// Package store is the persistent store adapter: versioned rows partitioned
// by room, all-or-nothing compare-and-set commits, and a per-room change log
// numbered in commit order.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"stage-system/models"
)

type Row struct {
	Room    string
	Table   string
	Key     string
	Version int64
	Data    []byte
}

// Decode unmarshals the row payload into v.
func (r Row) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

// Mutation is one conditional row write. ExpectedVersion 0 means the row
// must not exist. A nil Data deletes the row.
type Mutation struct {
	Table           string
	Key             string
	ExpectedVersion int64
	Data            []byte
}

// Put builds a mutation that writes v as JSON.
func Put(table, key string, expectedVersion int64, v any) (Mutation, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{Table: table, Key: key, ExpectedVersion: expectedVersion, Data: data}, nil
}

// Delete builds a mutation that removes a row.
func Delete(table, key string, expectedVersion int64) Mutation {
	return Mutation{Table: table, Key: key, ExpectedVersion: expectedVersion}
}

type Change struct {
	Seq     int64           `json:"seq"`
	Table   string          `json:"table"`
	Op      models.ChangeOp `json:"op"`
	Key     string          `json:"key"`
	Version int64           `json:"version"`
	Data    string          `json:"data"`
}

// Event converts a logged change into the event observers receive.
func (c Change) Event(room string) models.ChangeEvent {
	return models.ChangeEvent{
		Seq:     c.Seq,
		RoomID:  room,
		Table:   c.Table,
		Op:      c.Op,
		Key:     c.Key,
		Version: c.Version,
		Row:     json.RawMessage(c.Data),
	}
}

// Snapshot is a consistent read of a room: every row of the requested tables
// as of commit Seq.
type Snapshot struct {
	Seq  int64
	Rows []Row
}

// Events renders the snapshot rows as insert events without sequence numbers.
func (s Snapshot) Events() []models.ChangeEvent {
	out := make([]models.ChangeEvent, 0, len(s.Rows))
	for _, r := range s.Rows {
		out = append(out, models.ChangeEvent{
			RoomID:  r.Room,
			Table:   r.Table,
			Op:      models.OpInsert,
			Key:     r.Key,
			Version: r.Version,
			Row:     json.RawMessage(r.Data),
		})
	}
	return out
}

// ErrInvalidMutation reports a malformed commit. It is a programming error,
// never a race.
var ErrInvalidMutation = errors.New("store: invalid mutation")

type Store interface {
	// Read returns status.ErrNotFound when the row does not exist.
	Read(ctx context.Context, room, table, key string) (Row, error)
	// Commit applies all mutations or none. It returns status.ErrConflict when
	// any expected version does not match, otherwise the sequence number of
	// the last logged change.
	Commit(ctx context.Context, room string, muts ...Mutation) (int64, error)
	Scan(ctx context.Context, room, table string) ([]Row, error)
	Snapshot(ctx context.Context, room string, tables ...string) (Snapshot, error)
	Changes(ctx context.Context, room string, afterSeq int64, limit int) ([]Change, error)
	NextID(ctx context.Context, room, counter string) (int64, error)
	Rooms(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

func opFor(expectedVersion int64, data []byte) models.ChangeOp {
	switch {
	case data == nil:
		return models.OpDelete
	case expectedVersion == 0:
		return models.OpInsert
	default:
		return models.OpUpdate
	}
}

func validate(muts []Mutation) error {
	if len(muts) == 0 {
		return fmt.Errorf("%w: commit without mutations", ErrInvalidMutation)
	}
	seen := make(map[string]bool, len(muts))
	for _, m := range muts {
		if m.Table == "" || m.Key == "" {
			return fmt.Errorf("%w: mutation without table or key", ErrInvalidMutation)
		}
		if m.Data == nil && m.ExpectedVersion == 0 {
			return fmt.Errorf("%w: delete of %s/%s needs an expected version", ErrInvalidMutation, m.Table, m.Key)
		}
		id := m.Table + "/" + m.Key
		if seen[id] {
			return fmt.Errorf("%w: %s written twice in one commit", ErrInvalidMutation, id)
		}
		seen[id] = true
	}
	return nil
}
