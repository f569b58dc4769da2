package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pocketbase/dbx"
	_ "modernc.org/sqlite"

	"stage-system/internal/status"
	"stage-system/models"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS stage_rows (
	room    TEXT    NOT NULL,
	tbl     TEXT    NOT NULL,
	row_key TEXT    NOT NULL,
	version INTEGER NOT NULL,
	data    TEXT    NOT NULL,
	PRIMARY KEY (room, tbl, row_key)
);
CREATE TABLE IF NOT EXISTS stage_changes (
	room    TEXT    NOT NULL,
	seq     INTEGER NOT NULL,
	tbl     TEXT    NOT NULL,
	op      TEXT    NOT NULL,
	row_key TEXT    NOT NULL,
	version INTEGER NOT NULL,
	data    TEXT    NOT NULL,
	PRIMARY KEY (room, seq)
);
CREATE TABLE IF NOT EXISTS stage_counters (
	room  TEXT    NOT NULL,
	name  TEXT    NOT NULL,
	value INTEGER NOT NULL,
	PRIMARY KEY (room, name)
);
`

type sqlRow struct {
	Room    string `db:"room"`
	Table   string `db:"tbl"`
	Key     string `db:"row_key"`
	Version int64  `db:"version"`
	Data    string `db:"data"`
}

func (r sqlRow) row() Row {
	return Row{Room: r.Room, Table: r.Table, Key: r.Key, Version: r.Version, Data: []byte(r.Data)}
}

type sqlChange struct {
	Seq     int64  `db:"seq"`
	Table   string `db:"tbl"`
	Op      string `db:"op"`
	Key     string `db:"row_key"`
	Version int64  `db:"version"`
	Data    string `db:"data"`
}

// SQLStore keeps rows and the change log in SQL tables. Commits run in one
// transaction, so the database must serialize writers (one open connection
// for sqlite).
type SQLStore struct {
	DB *dbx.DB
}

// OpenSQLStore opens a sqlite database and creates the store tables.
func OpenSQLStore(dsn string) (*SQLStore, error) {
	db, err := dbx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.DB().SetMaxOpenConns(1)
	return NewSQLStore(db)
}

func NewSQLStore(db *dbx.DB) (*SQLStore, error) {
	if _, err := db.NewQuery(sqlSchema).Execute(); err != nil {
		return nil, fmt.Errorf("create store tables: %w", err)
	}
	return &SQLStore{DB: db}, nil
}

func (s *SQLStore) Close() error {
	return s.DB.Close()
}

func (s *SQLStore) Read(ctx context.Context, room, table, key string) (Row, error) {
	var r sqlRow
	err := s.DB.Select("room", "tbl", "row_key", "version", "data").
		From("stage_rows").
		Where(dbx.HashExp{"room": room, "tbl": table, "row_key": key}).
		WithContext(ctx).
		One(&r)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, fmt.Errorf("%s/%s: %w", table, key, status.ErrNotFound)
	}
	if err != nil {
		return Row{}, err
	}
	return r.row(), nil
}

func (s *SQLStore) Commit(ctx context.Context, room string, muts ...Mutation) (int64, error) {
	if err := validate(muts); err != nil {
		return 0, err
	}

	var seq int64
	err := s.DB.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
		current := make([]sqlRow, len(muts))
		for i, m := range muts {
			err := tx.Select("room", "tbl", "row_key", "version", "data").
				From("stage_rows").
				Where(dbx.HashExp{"room": room, "tbl": m.Table, "row_key": m.Key}).
				WithContext(ctx).
				One(&current[i])
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			if current[i].Version != m.ExpectedVersion {
				return fmt.Errorf("%s/%s expected version %d: %w", m.Table, m.Key, m.ExpectedVersion, status.ErrConflict)
			}
		}

		if err := tx.NewQuery("SELECT COALESCE(MAX(seq), 0) FROM stage_changes WHERE room = {:room}").
			Bind(dbx.Params{"room": room}).
			WithContext(ctx).
			Row(&seq); err != nil {
			return err
		}

		for i, m := range muts {
			seq++
			version := m.ExpectedVersion + 1
			data := string(m.Data)
			if m.Data == nil {
				version = 0
				data = current[i].Data
				if _, err := tx.Delete("stage_rows", dbx.HashExp{"room": room, "tbl": m.Table, "row_key": m.Key}).
					WithContext(ctx).Execute(); err != nil {
					return err
				}
			} else {
				if _, err := tx.NewQuery(`INSERT INTO stage_rows (room, tbl, row_key, version, data)
					VALUES ({:room}, {:tbl}, {:key}, {:version}, {:data})
					ON CONFLICT (room, tbl, row_key) DO UPDATE SET version = excluded.version, data = excluded.data`).
					Bind(dbx.Params{"room": room, "tbl": m.Table, "key": m.Key, "version": version, "data": data}).
					WithContext(ctx).Execute(); err != nil {
					return err
				}
			}

			if _, err := tx.Insert("stage_changes", dbx.Params{
				"room":    room,
				"seq":     seq,
				"tbl":     m.Table,
				"op":      string(opFor(m.ExpectedVersion, m.Data)),
				"row_key": m.Key,
				"version": version,
				"data":    data,
			}).WithContext(ctx).Execute(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *SQLStore) Scan(ctx context.Context, room, table string) ([]Row, error) {
	var rows []sqlRow
	err := s.DB.Select("room", "tbl", "row_key", "version", "data").
		From("stage_rows").
		Where(dbx.HashExp{"room": room, "tbl": table}).
		OrderBy("row_key ASC").
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, err
	}

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.row())
	}
	return out, nil
}

func (s *SQLStore) Snapshot(ctx context.Context, room string, tables ...string) (Snapshot, error) {
	snap := Snapshot{}
	err := s.DB.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
		if err := tx.NewQuery("SELECT COALESCE(MAX(seq), 0) FROM stage_changes WHERE room = {:room}").
			Bind(dbx.Params{"room": room}).
			WithContext(ctx).
			Row(&snap.Seq); err != nil {
			return err
		}

		tableNames := make([]interface{}, len(tables))
		for i, t := range tables {
			tableNames[i] = t
		}
		var rows []sqlRow
		if err := tx.Select("room", "tbl", "row_key", "version", "data").
			From("stage_rows").
			Where(dbx.HashExp{"room": room}).
			AndWhere(dbx.In("tbl", tableNames...)).
			OrderBy("tbl ASC", "row_key ASC").
			WithContext(ctx).
			All(&rows); err != nil {
			return err
		}
		for _, r := range rows {
			snap.Rows = append(snap.Rows, r.row())
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *SQLStore) Changes(ctx context.Context, room string, afterSeq int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []sqlChange
	err := s.DB.Select("seq", "tbl", "op", "row_key", "version", "data").
		From("stage_changes").
		Where(dbx.HashExp{"room": room}).
		AndWhere(dbx.NewExp("seq > {:after}", dbx.Params{"after": afterSeq})).
		OrderBy("seq ASC").
		Limit(int64(limit)).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, err
	}

	changes := make([]Change, 0, len(rows))
	for _, r := range rows {
		changes = append(changes, Change{
			Seq:     r.Seq,
			Table:   r.Table,
			Op:      models.ChangeOp(r.Op),
			Key:     r.Key,
			Version: r.Version,
			Data:    r.Data,
		})
	}
	return changes, nil
}

func (s *SQLStore) NextID(ctx context.Context, room, counter string) (int64, error) {
	var id int64
	err := s.DB.NewQuery(`INSERT INTO stage_counters (room, name, value) VALUES ({:room}, {:name}, 1)
		ON CONFLICT (room, name) DO UPDATE SET value = value + 1
		RETURNING value`).
		Bind(dbx.Params{"room": room, "name": counter}).
		WithContext(ctx).
		Row(&id)
	return id, err
}

func (s *SQLStore) Rooms(ctx context.Context) ([]string, error) {
	var rooms []string
	err := s.DB.Select("room").
		Distinct(true).
		From("stage_changes").
		OrderBy("room ASC").
		WithContext(ctx).
		Column(&rooms)
	return rooms, err
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.DB.DB().PingContext(ctx); err != nil {
		return fmt.Errorf("sql health check failed: %w", err)
	}
	return nil
}
