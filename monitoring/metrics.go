package monitoring

import (
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stage-system/internal/status"
	"stage-system/models"
)

var (
	queueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stage_queue_length",
			Help: "Queued entries per room",
		},
		[]string{"room_id"},
	)

	stageOccupied = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stage_occupied",
			Help: "1 when the stage of a room has an occupant",
		},
		[]string{"room_id"},
	)

	seatsHeld = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stage_judge_seats_held",
			Help: "Claimed judge seats per room",
		},
		[]string{"room_id"},
	)

	operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_operations_total",
			Help: "Coordinator, ledger and seat operations by outcome",
		},
		[]string{"operation", "room_id", "status"},
	)

	subscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stage_subscribers",
			Help: "Live change subscriptions per room",
		},
		[]string{"room_id"},
	)

	slowSubscribers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_slow_subscribers_total",
			Help: "Subscriptions terminated for falling behind",
		},
		[]string{"room_id"},
	)

	distributedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_distributed_events_total",
			Help: "Change events applied by the distributor",
		},
		[]string{"room_id", "table"},
	)

	storeRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_store_retries_total",
			Help: "Retried store calls",
		},
		[]string{"operation"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stage_circuit_breaker_state",
			Help: "0 closed, 1 half-open, 2 open",
		},
		[]string{"name"},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_goroutines_total",
			Help: "Current number of active goroutines",
		},
	)

	performanceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stage_performance_duration_seconds",
			Help:    "Time from going live to leaving the stage",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"room_id"},
	)
)

// Monitor records service metrics. A nil *Monitor is valid and records
// nothing.
type Monitor struct {
	stopChan chan struct{}
}

func NewMonitor() *Monitor {
	monitor := &Monitor{stopChan: make(chan struct{})}

	go monitor.collectMetrics()

	return monitor
}

func (m *Monitor) collectMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			goroutineCount.Set(float64(runtime.NumGoroutine()))
		case <-m.stopChan:
			return
		}
	}
}

func (m *Monitor) Stop() {
	if m != nil {
		close(m.stopChan)
	}
}

// Handler serves the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// OperationStatus classifies an operation outcome for the status label.
func OperationStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, status.ErrNotFound):
		return "not_found"
	case status.IsRace(err):
		return "race"
	}
	return "error"
}

func (m *Monitor) TrackOperation(operation, roomID string, err error) {
	if m == nil {
		return
	}
	operations.WithLabelValues(operation, roomID, OperationStatus(err)).Inc()
}

// ObserveRoom refreshes the per-room gauges from a projection snapshot.
func (m *Monitor) ObserveRoom(snap models.RoomSnapshot) {
	if m == nil {
		return
	}
	queued := 0
	for _, e := range snap.Queue {
		if e.Status == models.StatusQueued {
			queued++
		}
	}
	queueLength.WithLabelValues(snap.RoomID).Set(float64(queued))

	occupied := 0.0
	if snap.Stage != nil && snap.Stage.Occupied() {
		occupied = 1
	}
	stageOccupied.WithLabelValues(snap.RoomID).Set(occupied)

	held := 0
	for _, seat := range snap.Seats {
		if seat.HolderID != nil {
			held++
		}
	}
	seatsHeld.WithLabelValues(snap.RoomID).Set(float64(held))
}

func (m *Monitor) TrackEvent(ev models.ChangeEvent) {
	if m == nil {
		return
	}
	distributedEvents.WithLabelValues(ev.RoomID, ev.Table).Inc()
}

func (m *Monitor) TrackSubscribers(roomID string, count int) {
	if m == nil {
		return
	}
	subscribers.WithLabelValues(roomID).Set(float64(count))
}

func (m *Monitor) TrackSlowSubscriber(roomID string) {
	if m == nil {
		return
	}
	slowSubscribers.WithLabelValues(roomID).Inc()
}

func (m *Monitor) TrackStoreRetry(operation string) {
	if m == nil {
		return
	}
	storeRetries.WithLabelValues(operation).Inc()
}

func (m *Monitor) TrackBreakerState(name string, state int) {
	if m == nil {
		return
	}
	breakerState.WithLabelValues(name).Set(float64(state))
}

// TrackPerformance observes how long an occupant stayed live.
func (m *Monitor) TrackPerformance(roomID string, duration time.Duration) {
	if m == nil {
		return
	}
	performanceDuration.WithLabelValues(roomID).Observe(duration.Seconds())
}
