package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/tripsync/internal/auth"
	etahandler "github.com/example/tripsync/internal/eta/handler"
	etasvc "github.com/example/tripsync/internal/eta/service"
	"github.com/example/tripsync/internal/http/middleware"
	"github.com/example/tripsync/internal/location"
	outboxworker "github.com/example/tripsync/internal/outbox"
	"github.com/example/tripsync/internal/realtime"
	rthandler "github.com/example/tripsync/internal/realtime/handler"
	"github.com/example/tripsync/internal/trip/domain"
	"github.com/example/tripsync/internal/trip/repository"
	"github.com/example/tripsync/pkg/observability"
	outboxpkg "github.com/example/tripsync/pkg/outbox"
)

type appConfig struct {
	HTTPAddr            string
	GRPCAddr            string
	PostgresDSN         string
	RedisAddr           string
	NATSURL             string
	JWTSecret           string
	LogLevel            string
	AllowedOrigins      []string
	IdleGrace           time.Duration
	TerminalGrace       time.Duration
	ArrivalRadiusMeters float64
	AsyncWorkers        int
	AsyncQueue          int
	WSSendBuffer        int
	WSPriorityBuffer    int
	WSMaxMessageBytes   int
	WSMessageRate       float64
	WSMessageBurst      int
	GRPCRate            float64
	GRPCBurst           int
	TripCacheTTL        time.Duration
	BreakerFailures     int
	BreakerTimeout      time.Duration
	CallTimeout         time.Duration
	ConnectRate         float64
	ConnectBurst        float64
	QueryRate           float64
	QueryBurst          float64
	AlertSubject        string
	EventsTopic         string
	SeedTripsFile       string
	AlertEventsSubject  string
	OutboxPoll          time.Duration
	OutboxBatch         int
	OutboxRetry         int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()

	logger := observability.SetupLogger("realtime-service", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "realtime-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	if cfg.JWTSecret == "" {
		logger.Fatal("JWT_SECRET is required")
	}

	checks := map[string]observability.Check{}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		checks["postgres"] = db.PingContext
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("realtimeservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	lookup, storage, err := buildStores(ctx, db, redisClient, logger, cfg)
	if err != nil {
		logger.Fatal("trip store", zap.Error(err))
	}
	notifier := repository.NewResilientNotifier(
		outboxpkg.NewPublisher(natsConn, cfg.AlertSubject),
		breakerConfig(cfg), logger.Named("notifier"))

	coord := realtime.New(lookup, storage, notifier, domain.SystemClock{}, logger.Named("realtime"), realtime.Config{
		Room: realtime.RoomConfig{
			IdleGracePeriod:     cfg.IdleGrace,
			TerminalGracePeriod: cfg.TerminalGrace,
		},
		Dispatcher: realtime.DispatcherConfig{
			Workers:   cfg.AsyncWorkers,
			QueueSize: cfg.AsyncQueue,
		},
		ArrivalRadiusMeters: cfg.ArrivalRadiusMeters,
	})

	// commands keep running while the listeners drain, so their context outlives ctx
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	limiter := middleware.NewRateLimiter(redisClient, "tripsync:rl")
	ws := rthandler.NewWebSocket(baseCtx, coord, cfg.AllowedOrigins, rthandler.ClientConfig{
		SendBuffer:     cfg.WSSendBuffer,
		PriorityBuffer: cfg.WSPriorityBuffer,
		MaxMessageSize: int64(cfg.WSMaxMessageBytes),
		MessageRate:    cfg.WSMessageRate,
		MessageBurst:   cfg.WSMessageBurst,
	}, logger.Named("ws"))

	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Mount("/observability", observability.MetricsRouter(checks))
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.JWTSecret))
		r.With(limiter.Limit("connect", middleware.RateConfig{Rate: cfg.ConnectRate, Burst: cfg.ConnectBurst})).Handle("/ws", ws)
		r.Group(func(r chi.Router) {
			r.Use(limiter.Limit("query", middleware.RateConfig{Rate: cfg.QueryRate, Burst: cfg.QueryBurst}))
			rthandler.NewHTTP(coord.Rooms).Register(r)
			etahandler.New(etasvc.New(coord.Rooms)).Register(r)
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
			Subjects:     outboxSubjects(cfg),
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	grpcSrv := grpc.NewServer()
	location.RegisterLocationServer(grpcSrv, location.NewServer(coord.Pipeline, cfg.JWTSecret,
		location.Config{Rate: cfg.GRPCRate, Burst: cfg.GRPCBurst}, logger.Named("location")))
	go runGRPC(logger, grpcSrv, cfg.GRPCAddr)

	go func() {
		logger.Info("realtime service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Shutdown does not wait for hijacked websocket connections; their pumps end on
	// the cancelled base context.
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	cancelBase()
	coord.Close()
}

func runGRPC(logger *zap.Logger, srv *grpc.Server, addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen grpc", zap.Error(err))
	}
	logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil {
		logger.Fatal("grpc serve", zap.Error(err))
	}
}

// buildStores picks Postgres when configured, falling back to the in-memory repository,
// then layers the redis cache and the circuit breakers on top.
func buildStores(ctx context.Context, db *sql.DB, redisClient *redis.Client, logger *zap.Logger, cfg appConfig) (domain.TripLookup, domain.Storage, error) {
	var (
		lookup  domain.TripLookup
		storage domain.Storage
	)
	if db != nil {
		repo := repository.NewPostgresRepository(db, cfg.EventsTopic)
		if err := repo.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		lookup, storage = repo, repo
	} else {
		logger.Warn("POSTGRES_DSN not set, using in-memory trip store")
		repo := repository.NewMemoryRepository()
		if cfg.SeedTripsFile != "" {
			if err := seedTrips(repo, cfg.SeedTripsFile, logger); err != nil {
				return nil, nil, err
			}
		}
		lookup, storage = repo, repo
	}

	storage = repository.NewResilientStorage(storage, breakerConfig(cfg), logger.Named("storage"))
	if redisClient != nil {
		cache := repository.NewCachedLookup(lookup, redisClient, cfg.TripCacheTTL, logger.Named("trip_cache"))
		lookup = cache
		storage = repository.NewInvalidatingStorage(storage, cache)
	}
	return lookup, storage, nil
}

func seedTrips(repo *repository.MemoryRepository, path string, logger *zap.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open trip seed: %w", err)
	}
	defer f.Close()
	n, err := repo.LoadTrips(f)
	if err != nil {
		return fmt.Errorf("seed trips from %s: %w", path, err)
	}
	logger.Info("seeded in-memory trips", zap.Int("count", n), zap.String("file", path))
	return nil
}

func outboxSubjects(cfg appConfig) map[string]string {
	if cfg.AlertEventsSubject == "" {
		return nil
	}
	return map[string]string{repository.EventTypeAlertRecorded: cfg.AlertEventsSubject}
}

func breakerConfig(cfg appConfig) repository.BreakerConfig {
	return repository.BreakerConfig{
		FailureThreshold: uint32(cfg.BreakerFailures),
		Timeout:          cfg.BreakerTimeout,
		CallTimeout:      cfg.CallTimeout,
	}
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:            getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:            getenv("GRPC_ADDR", ":9090"),
		PostgresDSN:         firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		NATSURL:             os.Getenv("NATS_URL"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		LogLevel:            getenv("LOG_LEVEL", "info"),
		AllowedOrigins:      splitList(os.Getenv("ALLOWED_ORIGINS")),
		IdleGrace:           time.Duration(parseIntEnv("ROOM_IDLE_GRACE_SEC", 60)) * time.Second,
		TerminalGrace:       time.Duration(parseIntEnv("ROOM_TERMINAL_GRACE_SEC", 30)) * time.Second,
		ArrivalRadiusMeters: parseFloatEnv("ARRIVAL_RADIUS_M", 100),
		AsyncWorkers:        parseIntEnv("ASYNC_WORKERS", 8),
		AsyncQueue:          parseIntEnv("ASYNC_QUEUE", 1024),
		WSSendBuffer:        parseIntEnv("WS_SEND_BUFFER", 64),
		WSPriorityBuffer:    parseIntEnv("WS_PRIORITY_BUFFER", 16),
		WSMaxMessageBytes:   parseIntEnv("WS_MAX_MESSAGE_BYTES", 16<<10),
		WSMessageRate:       parseFloatEnv("WS_MESSAGE_RATE", 20),
		WSMessageBurst:      parseIntEnv("WS_MESSAGE_BURST", 40),
		GRPCRate:            parseFloatEnv("GRPC_LOCATION_RATE", 10),
		GRPCBurst:           parseIntEnv("GRPC_LOCATION_BURST", 20),
		TripCacheTTL:        time.Duration(parseIntEnv("TRIP_CACHE_TTL_SEC", 30)) * time.Second,
		BreakerFailures:     parseIntEnv("BREAKER_FAILURES", 5),
		BreakerTimeout:      time.Duration(parseIntEnv("BREAKER_TIMEOUT_SEC", 30)) * time.Second,
		CallTimeout:         time.Duration(parseIntEnv("COLLABORATOR_TIMEOUT_MS", 5000)) * time.Millisecond,
		ConnectRate:         parseFloatEnv("RATE_CONNECT_PER_SEC", 1),
		ConnectBurst:        parseFloatEnv("RATE_CONNECT_BURST", 5),
		QueryRate:           parseFloatEnv("RATE_QUERY_PER_SEC", 5),
		QueryBurst:          parseFloatEnv("RATE_QUERY_BURST", 20),
		AlertSubject:        getenv("ALERT_SUBJECT", "trip.emergency.alerts"),
		EventsTopic:         getenv("EVENTS_TOPIC", "trip.events"),
		SeedTripsFile:       os.Getenv("SEED_TRIPS_FILE"),
		AlertEventsSubject:  os.Getenv("ALERT_EVENTS_SUBJECT"),
		OutboxPoll:          time.Duration(parseIntEnv("OUTBOX_POLL_MS", 200)) * time.Millisecond,
		OutboxBatch:         parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry:         parseIntEnv("OUTBOX_RETRY_MAX", 3),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
