package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"stage-system/config"
	"stage-system/handlers"
	"stage-system/monitoring"
	"stage-system/security"
	"stage-system/services"
	"stage-system/store"
	"stage-system/utils"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	monitor := monitoring.NewMonitor()
	defer monitor.Stop()

	st, redisClient, closeStore, err := openStore(cfg, monitor)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize services
	distributor := services.NewDistributor(st, services.DistributorOptions{
		PollInterval: cfg.DistributorPollInterval,
		BufferSize:   cfg.SubscriberBuffer,
		BatchSize:    cfg.ChangeBatchSize,
	}, monitor)
	coordinator := services.NewCoordinator(st, distributor, monitor)
	ledger := services.NewQueueLedger(st, distributor, coordinator, monitor)
	seats := services.NewSeatAllocator(st, distributor, monitor)
	presence := services.NewPresence(seats)

	followers := []handlers.RoomFollower{distributor}
	var relay *services.Relay
	if cfg.PubNubEnabled() {
		publisher := services.NewPubNubPublisher(cfg.PubNubPublishKey, cfg.PubNubSubscribeKey, cfg.PubNubSecretKey, cfg.PubNubUserID)
		relay = services.NewRelay(distributor, publisher)
		followers = append(followers, relay)
	} else {
		slog.Info("pubnub keys not set, relay disabled")
	}

	if redisClient == nil {
		redisClient = optionalRedis(cfg)
	}
	limiter := security.NewRateLimiter(redisClient, cfg.RateLimitPerMinute)

	// Initialize handlers
	roomHandler := handlers.NewRoomHandler(coordinator, distributor, cfg.ModeratorCollection, followers...)
	queueHandler := handlers.NewQueueHandler(ledger, cfg.ModeratorCollection)
	stageHandler := handlers.NewStageHandler(coordinator, cfg.ModeratorCollection)
	seatHandler := handlers.NewSeatHandler(seats, presence)
	streamHandler := handlers.NewStreamHandler(distributor, presence, cfg.WSPingPeriod)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.Environment == "development",
	})

	if cfg.EnableMetrics {
		go serveMetrics(cfg.MetricsPort)
	}

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		go restoreRooms(ctx, app, st, coordinator, followers)

		api := e.Router.Group("/api/v1")
		api.BindFunc(security.AntiBotMiddleware())
		api.BindFunc(limiter.CommandRateLimit())

		// Room endpoints
		api.POST("/rooms", roomHandler.ProvisionRoom)
		api.GET("/rooms/{room}", roomHandler.GetRoom)
		api.GET("/rooms/{room}/stage", roomHandler.GetStage)
		api.GET("/rooms/{room}/stream", streamHandler.Stream)

		// Queue endpoints
		api.POST("/rooms/{room}/queue", queueHandler.JoinQueue)
		api.GET("/rooms/{room}/queue", queueHandler.ListQueue)
		api.DELETE("/rooms/{room}/queue/{id}", queueHandler.LeaveQueue)
		api.GET("/rooms/{room}/queue/{id}/position", queueHandler.GetPosition)

		// Stage endpoints
		api.POST("/rooms/{room}/queue/{id}/call", stageHandler.CallUp)
		api.POST("/rooms/{room}/queue/{id}/ready", stageHandler.MarkReady)
		api.POST("/rooms/{room}/queue/{id}/remove", stageHandler.Remove)
		api.POST("/rooms/{room}/stage/end", stageHandler.EndPerformance)
		api.POST("/rooms/{room}/stage/curtain", stageHandler.AdvanceCurtain)

		// Seat endpoints
		api.GET("/rooms/{room}/seats", seatHandler.GetSeats)
		api.POST("/rooms/{room}/seats/{index}", seatHandler.ClaimSeat)
		api.DELETE("/rooms/{room}/seats", seatHandler.ReleaseSeat)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := st.Ping(e.Request.Context()); err != nil {
				return e.JSON(http.StatusServiceUnavailable, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(http.StatusOK, map[string]any{
				"status": "healthy",
				"store":  cfg.StoreDriver,
				"rooms":  len(distributor.Rooms()),
			})
		})

		slog.Info("server routes registered")

		setupRoomHooks(app, coordinator, followers)

		return e.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		slog.Info("shutdown signal received, cleaning up")
		cancel()
		if relay != nil {
			relay.Shutdown()
		}
		distributor.Shutdown()
		return e.Next()
	})

	// Start server
	return app.Start()
}

// openStore builds the configured store behind the retrying decorator. The
// redis client is returned for reuse when the store runs on redis.
func openStore(cfg *config.Config, monitor *monitoring.Monitor) (store.Store, *redis.Client, func(), error) {
	var (
		backend     store.Store
		redisClient *redis.Client
		closer      func()
	)

	switch cfg.StoreDriver {
	case config.StoreRedis:
		client, err := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPoolSize)
		if err != nil {
			return nil, nil, nil, err
		}
		backend, redisClient = store.NewRedisStore(client), client
		closer = func() { client.Close() }
	case config.StoreSQL:
		sqlStore, err := store.OpenSQLStore(cfg.SQLDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		backend = sqlStore
		closer = func() { sqlStore.Close() }
	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	breaker := utils.DefaultBreakerSettings()
	breaker.OnStateChange = func(name string, from, to utils.State) {
		slog.Warn("store circuit breaker changed state", "breaker", name, "from", from, "to", to)
		monitor.TrackBreakerState(name, int(to))
	}
	resilient := store.NewResilient(backend, store.ResilientOptions{
		MaxRetries: cfg.StoreMaxRetries,
		Backoff:    cfg.StoreRetryBackoff,
		Breaker:    breaker,
		OnRetry: func(op string, attempt int, err error) {
			slog.Warn("retrying store operation", "op", op, "attempt", attempt, "error", err)
			monitor.TrackStoreRetry(op)
		},
	})

	slog.Info("store ready", "driver", cfg.StoreDriver)
	return resilient, redisClient, closer, nil
}

// optionalRedis connects the rate limiter when the store is not on redis.
// Without redis, requests are not rate limited.
func optionalRedis(cfg *config.Config) *redis.Client {
	client, err := utils.NewRedisClient(cfg.RedisURL, 10)
	if err != nil {
		slog.Warn("redis unavailable, rate limiting disabled", "error", err)
		return nil
	}
	return client
}

func serveMetrics(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("serving metrics", "port", port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server stopped", "error", err)
	}
}

// restoreRooms follows every room known to the store or the rooms
// collection, so relaying and polling resume after a restart.
func restoreRooms(ctx context.Context, app core.App, st store.Store, coordinator *services.Coordinator, followers []handlers.RoomFollower) {
	slog.Info("restoring rooms")

	rooms, err := st.Rooms(ctx)
	if err != nil {
		slog.Error("failed to list rooms from store", "error", err)
	}
	known := make(map[string]bool, len(rooms))
	for _, room := range rooms {
		known[room] = true
	}

	records, err := app.FindAllRecords("rooms")
	if err != nil {
		slog.Warn("failed to list rooms collection", "error", err)
	}
	for _, record := range records {
		slug := record.GetString("slug")
		if slug == "" || known[slug] {
			continue
		}
		if _, err := coordinator.ProvisionRoom(ctx, slug, record.GetString("room_type")); err != nil {
			slog.Error("failed to provision room", "room", slug, "error", err)
			continue
		}
		known[slug] = true
		rooms = append(rooms, slug)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, room := range rooms {
		g.Go(func() error {
			for _, f := range followers {
				if err := f.Follow(gctx, room); err != nil {
					slog.Warn("failed to follow room", "room", room, "error", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("room restoration completed", "rooms", len(rooms))
}

// setupRoomHooks provisions the stage of every room record created through
// the pocketbase API or admin UI.
func setupRoomHooks(app core.App, coordinator *services.Coordinator, followers []handlers.RoomFollower) {
	app.OnRecordAfterCreateSuccess("rooms").BindFunc(func(e *core.RecordEvent) error {
		slug := e.Record.GetString("slug")
		ctx := e.Context

		if _, err := coordinator.ProvisionRoom(ctx, slug, e.Record.GetString("room_type")); err != nil {
			// The record is already saved; restoreRooms retries on the next start.
			slog.Error("failed to provision room", "room", slug, "error", err, "hook", "OnRecordAfterCreateSuccess")
			return e.Next()
		}
		for _, f := range followers {
			if err := f.Follow(ctx, slug); err != nil {
				slog.Warn("failed to follow room", "room", slug, "error", err)
			}
		}
		slog.Info("provisioned room from record", "room", slug)
		return e.Next()
	})
}
