package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stage-system/internal/status"
)

// SeatReleaser is told when a holder has no connection left to a room.
type SeatReleaser interface {
	OnDisconnect(ctx context.Context, holder, room string) error
}

type presenceKey struct {
	room   string
	holder string
}

// Presence counts live connections per (room, holder). A holder may have
// several tabs open; the seat is released only when the last one drops.
type Presence struct {
	seats   SeatReleaser
	timeout time.Duration

	mu     sync.Mutex
	counts map[presenceKey]int
}

func NewPresence(seats SeatReleaser) *Presence {
	return &Presence{
		seats:   seats,
		timeout: 5 * time.Second,
		counts:  make(map[presenceKey]int),
	}
}

// Connect registers a connection and returns the function to call when it
// closes. The returned function is safe to call more than once.
func (p *Presence) Connect(room, holder string) (disconnect func()) {
	key := presenceKey{room: room, holder: holder}

	p.mu.Lock()
	p.counts[key]++
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { p.disconnect(key) })
	}
}

func (p *Presence) disconnect(key presenceKey) {
	p.mu.Lock()
	p.counts[key]--
	last := p.counts[key] <= 0
	if last {
		delete(p.counts, key)
	}
	p.mu.Unlock()

	if !last || p.seats == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.seats.OnDisconnect(ctx, key.holder, key.room); err != nil {
		slog.Warn("seat not released after disconnect", "room", key.room, "holder", key.holder, "error", err)
	}
}

// Connections returns how many connections holder has to room.
func (p *Presence) Connections(room, holder string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[presenceKey{room: room, holder: holder}]
}

// Require returns ErrNotConnected unless holder has a live connection to room.
func (p *Presence) Require(room, holder string) error {
	if p.Connections(room, holder) == 0 {
		return status.ErrNotConnected
	}
	return nil
}
