package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"stage-system/internal/status"
)

const roomsKey = "stage:rooms"

// KEYS[1] seq, KEYS[2] log, then (row, index) per mutation.
// ARGV[1] mutation count, then (table, key, expected version, data) per
// mutation; empty data deletes the row.
const commitScript = `
local n = tonumber(ARGV[1])
for i = 1, n do
  local expected = tonumber(ARGV[(i - 1) * 4 + 4])
  local current = tonumber(redis.call('HGET', KEYS[1 + i * 2], 'v') or '0')
  if current ~= expected then
    return {-1, i}
  end
end
local seq = 0
for i = 1, n do
  local row = KEYS[1 + i * 2]
  local idx = KEYS[2 + i * 2]
  local base = (i - 1) * 4
  local tbl = ARGV[base + 2]
  local key = ARGV[base + 3]
  local expected = tonumber(ARGV[base + 4])
  local data = ARGV[base + 5]
  local op = 'UPDATE'
  local version = expected + 1
  if data == '' then
    data = redis.call('HGET', row, 'd') or ''
    redis.call('DEL', row)
    redis.call('SREM', idx, key)
    op = 'DELETE'
    version = 0
  else
    redis.call('HSET', row, 'v', version, 'd', data)
    redis.call('SADD', idx, key)
    if expected == 0 then
      op = 'INSERT'
    end
  end
  seq = redis.call('INCR', KEYS[1])
  redis.call('RPUSH', KEYS[2], cjson.encode({seq = seq, table = tbl, op = op, key = key, version = version, data = data}))
end
return {seq, 0}
`

// KEYS[1] seq. ARGV[1] room prefix, ARGV[2..] tables.
const snapshotScript = `
local out = {tonumber(redis.call('GET', KEYS[1]) or '0')}
for i = 2, #ARGV do
  local tbl = ARGV[i]
  local keys = redis.call('SMEMBERS', ARGV[1] .. 'idx:' .. tbl)
  for _, key in ipairs(keys) do
    local row = redis.call('HMGET', ARGV[1] .. 'row:' .. tbl .. ':' .. key, 'v', 'd')
    if row[1] then
      table.insert(out, tbl)
      table.insert(out, key)
      table.insert(out, tonumber(row[1]))
      table.insert(out, row[2])
    end
  end
end
return out
`

type RedisStore struct {
	Redis *redis.Client
}

func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{Redis: redisClient}
}

// Every key of a room shares the {room} hash tag so a commit script only
// touches one cluster slot.
func roomPrefix(room string) string {
	return fmt.Sprintf("stage:{%s}:", room)
}

func rowKey(room, table, key string) string {
	return roomPrefix(room) + "row:" + table + ":" + key
}

func indexKey(room, table string) string {
	return roomPrefix(room) + "idx:" + table
}

func seqKey(room string) string { return roomPrefix(room) + "seq" }
func logKey(room string) string { return roomPrefix(room) + "log" }

func counterKey(room, name string) string {
	return roomPrefix(room) + "ctr:" + name
}

func (s *RedisStore) Read(ctx context.Context, room, table, key string) (Row, error) {
	vals, err := s.Redis.HMGet(ctx, rowKey(room, table, key), "v", "d").Result()
	if err != nil {
		return Row{}, err
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Row{}, fmt.Errorf("%s/%s: %w", table, key, status.ErrNotFound)
	}

	version, err := strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
	if err != nil {
		return Row{}, fmt.Errorf("%s/%s: bad version: %w", table, key, err)
	}
	return Row{
		Room:    room,
		Table:   table,
		Key:     key,
		Version: version,
		Data:    []byte(fmt.Sprint(vals[1])),
	}, nil
}

func (s *RedisStore) Commit(ctx context.Context, room string, muts ...Mutation) (int64, error) {
	if err := validate(muts); err != nil {
		return 0, err
	}

	keys, args := commitArgs(room, muts)
	res, err := s.Redis.Eval(ctx, commitScript, keys, args...).Result()
	if err != nil {
		return 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, fmt.Errorf("unexpected commit script result: %v", res)
	}
	seq, _ := vals[0].(int64)
	if seq < 0 {
		index, _ := vals[1].(int64)
		m := muts[index-1]
		return 0, fmt.Errorf("%s/%s expected version %d: %w", m.Table, m.Key, m.ExpectedVersion, status.ErrConflict)
	}

	// The room registry is advisory; a failure here does not undo the commit.
	if err := s.Redis.SAdd(ctx, roomsKey, room).Err(); err != nil {
		slog.Warn("failed to register room", "room", room, "error", err)
	}
	return seq, nil
}

func commitArgs(room string, muts []Mutation) ([]string, []interface{}) {
	keys := make([]string, 0, 2+2*len(muts))
	keys = append(keys, seqKey(room), logKey(room))
	args := make([]interface{}, 0, 1+4*len(muts))
	args = append(args, len(muts))
	for _, m := range muts {
		keys = append(keys, rowKey(room, m.Table, m.Key), indexKey(room, m.Table))
		args = append(args, m.Table, m.Key, m.ExpectedVersion, string(m.Data))
	}
	return keys, args
}

func (s *RedisStore) Scan(ctx context.Context, room, table string) ([]Row, error) {
	members, err := s.Redis.SMembers(ctx, indexKey(room, table)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)

	cmds := make([]*redis.SliceCmd, len(members))
	if len(members) > 0 {
		_, err = s.Redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, key := range members {
				cmds[i] = pipe.HMGet(ctx, rowKey(room, table, key), "v", "d")
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	rows := make([]Row, 0, len(members))
	for i, cmd := range cmds {
		vals := cmd.Val()
		// Deleted between SMEMBERS and HMGET.
		if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
			continue
		}
		version, err := strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: bad version: %w", table, members[i], err)
		}
		rows = append(rows, Row{Room: room, Table: table, Key: members[i], Version: version, Data: []byte(fmt.Sprint(vals[1]))})
	}
	return rows, nil
}

func (s *RedisStore) Snapshot(ctx context.Context, room string, tables ...string) (Snapshot, error) {
	args := make([]interface{}, 0, 1+len(tables))
	args = append(args, roomPrefix(room))
	for _, t := range tables {
		args = append(args, t)
	}

	res, err := s.Redis.Eval(ctx, snapshotScript, []string{seqKey(room)}, args...).Result()
	if err != nil {
		return Snapshot{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) == 0 || (len(vals)-1)%4 != 0 {
		return Snapshot{}, fmt.Errorf("unexpected snapshot script result: %v", res)
	}

	snap := Snapshot{}
	snap.Seq, _ = vals[0].(int64)
	for i := 1; i < len(vals); i += 4 {
		version, _ := vals[i+2].(int64)
		snap.Rows = append(snap.Rows, Row{
			Room:    room,
			Table:   fmt.Sprint(vals[i]),
			Key:     fmt.Sprint(vals[i+1]),
			Version: version,
			Data:    []byte(fmt.Sprint(vals[i+3])),
		})
	}
	sort.SliceStable(snap.Rows, func(i, j int) bool {
		if snap.Rows[i].Table != snap.Rows[j].Table {
			return snap.Rows[i].Table < snap.Rows[j].Table
		}
		return snap.Rows[i].Key < snap.Rows[j].Key
	})
	return snap, nil
}

func (s *RedisStore) Changes(ctx context.Context, room string, afterSeq int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 100
	}
	// Change n is stored at list index n-1.
	entries, err := s.Redis.LRange(ctx, logKey(room), afterSeq, afterSeq+int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}

	changes := make([]Change, 0, len(entries))
	for _, raw := range entries {
		var c Change
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode change of room %s: %w", room, err)
		}
		changes = append(changes, c)
	}
	return changes, nil
}

func (s *RedisStore) NextID(ctx context.Context, room, counter string) (int64, error) {
	return s.Redis.Incr(ctx, counterKey(room, counter)).Result()
}

func (s *RedisStore) Rooms(ctx context.Context) ([]string, error) {
	rooms, err := s.Redis.SMembers(ctx, roomsKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	sort.Strings(rooms)
	return rooms, err
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
