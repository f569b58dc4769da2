package services

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"stage-system/internal/status"
	"stage-system/models"
	"stage-system/monitoring"
	"stage-system/store"
)

var ErrDistributorClosed = errors.New("distributor: closed")

type DistributorOptions struct {
	// PollInterval bounds how late commits made by other instances sharing
	// the store are noticed.
	PollInterval time.Duration
	// BufferSize is the number of undelivered events a subscriber may lag
	// before its stream is terminated.
	BufferSize int
	BatchSize  int
}

// Distributor follows the change log of each room it was asked about and
// fans committed changes out to subscribers in commit order.
type Distributor struct {
	store   store.Store
	opts    DistributorOptions
	monitor *monitoring.Monitor

	mu     sync.Mutex
	feeds  map[string]*roomFeed
	closed bool
	sf     singleflight.Group

	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup
	activeGoroutines int64
}

// roomFeed is the projection of one room plus its subscribers. state and
// subs are guarded by mu; only catchUp advances state.
type roomFeed struct {
	room    string
	wake    chan struct{}
	monitor *monitoring.Monitor

	mu     sync.Mutex
	state  *models.RoomState
	subs   map[string]*Subscription
	closed bool
}

// Subscription is a snapshot followed by every change committed after it.
// Events is closed when the stream ends; Err then tells why.
type Subscription struct {
	ID       string
	Room     string
	Snapshot models.RoomSnapshot

	events chan models.ChangeEvent
	feed   *roomFeed
	err    error
	done   bool
}

func (s *Subscription) Events() <-chan models.ChangeEvent { return s.events }

// Err is nil after Close and ErrSlowSubscriber when the subscriber fell
// behind.
func (s *Subscription) Err() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	return s.err
}

func (s *Subscription) Close() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	s.feed.terminate(s, nil)
}

// terminate must be called with f.mu held.
func (f *roomFeed) terminate(s *Subscription, err error) {
	if s.done {
		return
	}
	s.done = true
	s.err = err
	delete(f.subs, s.ID)
	close(s.events)
	f.monitor.TrackSubscribers(f.room, len(f.subs))
}

func NewDistributor(st store.Store, opts DistributorOptions, monitor *monitoring.Monitor) *Distributor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Distributor{
		store:   st,
		opts:    opts,
		monitor: monitor,
		feeds:   make(map[string]*roomFeed),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Notify wakes the pump of room after a local commit. Rooms nobody follows
// are ignored.
func (d *Distributor) Notify(room string) {
	d.mu.Lock()
	f := d.feeds[room]
	d.mu.Unlock()

	if f == nil {
		return
	}
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Follow starts tracking room without subscribing to it.
func (d *Distributor) Follow(ctx context.Context, room string) error {
	_, err := d.feed(ctx, room)
	return err
}

// Rooms lists the rooms being followed.
func (d *Distributor) Rooms() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	rooms := make([]string, 0, len(d.feeds))
	for room := range d.feeds {
		rooms = append(rooms, room)
	}
	return rooms
}

// Subscribe returns the current snapshot of room and a stream of every change
// with a higher sequence number, delivered once each in commit order.
func (d *Distributor) Subscribe(ctx context.Context, room string) (*Subscription, error) {
	f, err := d.feed(ctx, room)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:     uuid.NewString(),
		Room:   room,
		events: make(chan models.ChangeEvent, d.opts.BufferSize),
		feed:   f,
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrDistributorClosed
	}
	sub.Snapshot = f.state.Snapshot()
	f.subs[sub.ID] = sub
	count := len(f.subs)
	f.mu.Unlock()

	d.monitor.TrackSubscribers(room, count)
	d.Notify(room)

	slog.Debug("subscribed", "room", room, "subscription", sub.ID, "seq", sub.Snapshot.Seq)
	return sub, nil
}

// Snapshot returns the current state of room for polling clients, with an
// ETag over its content.
func (d *Distributor) Snapshot(ctx context.Context, room string) (models.RoomSnapshot, string, error) {
	f, err := d.feed(ctx, room)
	if err != nil {
		return models.RoomSnapshot{}, "", err
	}
	d.catchUp(f)

	f.mu.Lock()
	snap := f.state.Snapshot()
	f.mu.Unlock()

	etag, err := snapshotETag(snap)
	if err != nil {
		return models.RoomSnapshot{}, "", err
	}
	return snap, etag, nil
}

func snapshotETag(snap models.RoomSnapshot) (string, error) {
	data, err := json.Marshal(struct {
		Stage *models.StageState  `json:"stage"`
		Queue []models.QueueEntry `json:"queue"`
		Seats []models.JudgeSeat  `json:"seats"`
	}{snap.Stage, snap.Queue, snap.Seats})
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(data)
	return `"` + hex.EncodeToString(sum[:16]) + `"`, nil
}

func (d *Distributor) feed(ctx context.Context, room string) (*roomFeed, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDistributorClosed
	}
	if f, ok := d.feeds[room]; ok {
		d.mu.Unlock()
		return f, nil
	}
	d.mu.Unlock()

	// Concurrent first subscribers of a room share one bootstrap.
	v, err, _ := d.sf.Do(room, func() (interface{}, error) {
		d.mu.Lock()
		if f, ok := d.feeds[room]; ok {
			d.mu.Unlock()
			return f, nil
		}
		d.mu.Unlock()

		f, err := d.bootstrap(room)
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			return nil, ErrDistributorClosed
		}
		d.feeds[room] = f
		d.wg.Add(1)
		go d.pump(f)
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.(*roomFeed), nil
}

func (d *Distributor) bootstrap(room string) (*roomFeed, error) {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()

	snap, err := d.store.Snapshot(ctx, room, models.ObservedTables...)
	if err != nil {
		return nil, fmt.Errorf("snapshot room %s: %w", room, err)
	}

	state := models.NewRoomState(room)
	for _, ev := range snap.Events() {
		if err := state.Apply(ev); err != nil {
			return nil, err
		}
	}
	state.Seq = snap.Seq
	if _, ok := state.Stage(); !ok {
		return nil, fmt.Errorf("room %s: %w", room, status.ErrNotFound)
	}

	slog.Info("following room", "room", room, "seq", snap.Seq)
	return &roomFeed{
		room:    room,
		wake:    make(chan struct{}, 1),
		monitor: d.monitor,
		state:   state,
		subs:    make(map[string]*Subscription),
	}, nil
}

func (d *Distributor) pump(f *roomFeed) {
	defer d.wg.Done()
	atomic.AddInt64(&d.activeGoroutines, 1)
	defer atomic.AddInt64(&d.activeGoroutines, -1)

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-f.wake:
		case <-ticker.C:
		}
		d.catchUp(f)
	}
}

// catchUp applies every logged change past the projection and fans it out.
// The store is read without holding the feed lock; changes already applied
// by a concurrent catchUp are skipped.
func (d *Distributor) catchUp(f *roomFeed) {
	applied := 0
	for {
		f.mu.Lock()
		after := f.state.Seq
		f.mu.Unlock()

		changes, err := d.store.Changes(d.ctx, f.room, after, d.opts.BatchSize)
		if err != nil {
			if d.ctx.Err() == nil {
				slog.Warn("failed to read changes", "room", f.room, "after", after, "error", err)
			}
			break
		}
		if len(changes) == 0 {
			break
		}

		f.mu.Lock()
		for _, c := range changes {
			applied += d.applyLocked(f, c.Event(f.room))
		}
		f.mu.Unlock()

		if len(changes) < d.opts.BatchSize {
			break
		}
	}

	if applied > 0 && d.monitor != nil {
		f.mu.Lock()
		snap := f.state.Snapshot()
		f.mu.Unlock()
		d.monitor.ObserveRoom(snap)
	}
}

func (d *Distributor) applyLocked(f *roomFeed, ev models.ChangeEvent) int {
	if ev.Seq <= f.state.Seq {
		return 0
	}
	if ev.Seq != f.state.Seq+1 {
		slog.Error("gap in change log", "room", f.room, "expected", f.state.Seq+1, "got", ev.Seq)
	}
	if err := f.state.Apply(ev); err != nil {
		slog.Error("failed to apply change", "room", f.room, "seq", ev.Seq, "error", err)
		f.state.Seq = ev.Seq
	}
	if !models.Observed(ev.Table) {
		return 1
	}

	d.monitor.TrackEvent(ev)
	for _, sub := range f.subs {
		select {
		case sub.events <- ev:
		default:
			slog.Warn("terminating slow subscriber", "room", f.room, "subscription", sub.ID, "seq", ev.Seq)
			d.monitor.TrackSlowSubscriber(f.room)
			f.terminate(sub, status.ErrSlowSubscriber)
		}
	}
	return 1
}

// Shutdown stops every pump and ends all subscriptions with
// ErrDistributorClosed.
func (d *Distributor) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	feeds := make([]*roomFeed, 0, len(d.feeds))
	for _, f := range d.feeds {
		feeds = append(feeds, f)
	}
	d.mu.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Warn("timeout waiting for distributor pumps to stop")
	}

	for _, f := range feeds {
		f.mu.Lock()
		f.closed = true
		for _, sub := range f.subs {
			f.terminate(sub, ErrDistributorClosed)
		}
		f.mu.Unlock()
	}
	slog.Info("distributor stopped", "rooms", len(feeds), "goroutines", atomic.LoadInt64(&d.activeGoroutines))
}
