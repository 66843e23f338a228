package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	"chatsync/config"
	"chatsync/internal/events"
	"chatsync/internal/handler"
	"chatsync/internal/metrics"
	"chatsync/internal/middleware"
	"chatsync/internal/outbox"
	"chatsync/internal/redis"
	"chatsync/internal/repository"
	"chatsync/internal/server"
	"chatsync/internal/services"
	"chatsync/internal/websocket"
	"chatsync/pkg/database"
	"chatsync/pkg/logger"

	goredis "github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.LoadConfig()

	l := logger.New(cfg.LogMode)
	logger.SetGlobalLogger(l)
	defer l.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var (
		store      repository.Store
		outboxRepo repository.OutboxRepository
		db         *sql.DB
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		l.Infof("Using in-memory store")
		store = repository.NewMemoryStore()
		outboxRepo = repository.NewMemoryOutboxRepository()
	default:
		var err error
		db, err = database.Connect(ctx, cfg)
		if err != nil {
			l.Errorf("Failed to connect to database: %v", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := repository.InitSchema(ctx, db); err != nil {
			l.Errorf("Failed to initialise schema: %v", err)
			os.Exit(1)
		}
		store = repository.NewPostgresStore(db)
		outboxRepo = repository.NewOutboxRepository(db)
	}

	hub := websocket.NewHub(m, websocket.NewEventLogger(l.Named("ws")))
	go hub.Run(ctx)

	rl := redis.DefaultRateLimitConfig()
	rl.MessageLimit = cfg.MessageRateLimit
	rl.MessageWindow = cfg.MessageRateWindow

	var (
		publisher    events.Publisher = websocket.NewLocalPublisher(hub)
		limiter      *redis.RateLimiter
		localLimiter *middleware.LocalLimiter
		rdb          *goredis.Client
	)
	if cfg.RedisEnabled {
		rdb = redis.NewClient(redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := redis.Ping(ctx, rdb); err != nil {
			l.Errorf("Failed to connect to redis: %v", err)
			os.Exit(1)
		}
		publisher = redis.NewPublisher(rdb)
		limiter = redis.NewRateLimiter(rdb, rl)

		bridge := websocket.NewRedisBridge(redis.NewSubscriber(rdb), hub)
		go func() {
			if err := bridge.Run(ctx); err != nil {
				l.Errorf("Redis bridge stopped: %v", err)
			}
		}()
	} else {
		localLimiter = middleware.NewLocalLimiter(rl)
	}

	outbox.NewRunner(outbox.DefaultProcessor(cfg, outboxRepo, publisher, m, l.Named("outbox"))).Start(ctx)

	broadcaster := services.NewBroadcaster(publisher, outboxRepo, m, l.Named("broadcast"))
	authService := services.NewAuthService(cfg)
	messageService := services.NewMessageService(store, broadcaster, m, services.MessageServiceOptions{
		DeleteWindow: cfg.DeleteForEveryoneWindow,
		DefaultLimit: cfg.DefaultPageLimit,
		MaxLimit:     cfg.MaxPageLimit,
	})
	receiptService := services.NewReceiptService(store, broadcaster, m, nil)
	typingService := services.NewTypingService(store, broadcaster, cfg.TypingTTL, nil)
	conversationService := services.NewConversationService(store, broadcaster, nil)

	srv := server.New(cfg, l)
	srv.SetupRoutes(&server.Handlers{
		Conversation: handler.NewConversationHandler(conversationService, typingService),
		Message:      handler.NewMessageHandler(messageService, receiptService),
		WebSocket:    websocket.NewHandler(authService, hub, limiter, websocket.NewEventLogger(l.Named("ws"))),
	}, server.Dependencies{
		Auth:         authService,
		Limiter:      limiter,
		LocalLimiter: localLimiter,
		Metrics:      m,
		Health: func(ctx context.Context) error {
			if db != nil {
				if err := database.HealthCheck(ctx, db); err != nil {
					return err
				}
			}
			if rdb != nil {
				return redis.Ping(ctx, rdb)
			}
			return nil
		},
	})

	if err := srv.Start(ctx); err != nil {
		l.Errorf("Server error: %v", err)
		os.Exit(1)
	}
}
