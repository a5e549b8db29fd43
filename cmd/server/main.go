package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/example/battery-swap/internal/config"
	"github.com/example/battery-swap/internal/dispatch"
	"github.com/example/battery-swap/internal/events"
	"github.com/example/battery-swap/internal/geofence"
	httpapi "github.com/example/battery-swap/internal/http"
	"github.com/example/battery-swap/internal/logging"
	"github.com/example/battery-swap/internal/payments"
	"github.com/example/battery-swap/internal/queue"
	"github.com/example/battery-swap/internal/recommend"
	"github.com/example/battery-swap/internal/storage"
	"github.com/example/battery-swap/internal/store"
	swaplifecycle "github.com/example/battery-swap/internal/swap"
	"github.com/example/battery-swap/internal/token"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var kv store.Store
	if cfg.RedisAddr != "" {
		kv = store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.StoreTimeout)
		logger.Info("using redis store", "addr", cfg.RedisAddr)
	} else {
		kv = store.NewMemory()
		logger.Warn("REDIS_ADDR not set, using in-process store")
	}

	var archive storage.SwapArchive
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		pg, err := storage.NewPostgresArchive(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		archive = pg
	} else {
		archive = storage.NewMemoryArchive()
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaSwapTopic)
		defer kp.Close()
		publisher = kp
	}

	wsreg := dispatch.NewWSRegistry(logger)

	qm := queue.NewManager(kv, queue.Config{
		DefaultServiceDuration: cfg.DefaultServiceDuration,
		EWMAWindow:             cfg.EWMASampleWindow,
		EWMAMinSamples:         cfg.EWMAMinSamples,
	}, logger)

	tokens := token.NewService(kv, cfg.TokenSecret, cfg.TokenTTL)

	tracker := geofence.NewTracker(geofence.Config{
		ApproachRadiusM: cfg.ApproachRadiusM,
		ArrivalRadiusM:  cfg.ArrivalRadiusM,
		StalenessWindow: cfg.StalenessWindow,
	})

	// The predictor variant is chosen once here and injected; nothing
	// downstream branches on which one is in play.
	var predictor recommend.WaitPredictor
	if cfg.PredictorEndpoint != "" {
		predictor = recommend.NewModelBacked(cfg.PredictorEndpoint)
		logger.Info("using model-backed wait predictor", "endpoint", cfg.PredictorEndpoint)
	} else {
		predictor = &recommend.HeuristicFallback{Baseline: cfg.DefaultPredicted}
		logger.Info("using heuristic wait predictor")
	}
	scorer := recommend.NewScorer(cfg.ScoreWeights, cfg.MaxWaitNormalizer, cfg.DefaultPredicted, predictor)

	var charger payments.Charger
	if cfg.StripeEnabled {
		charger = payments.NewStripeClient()
	}

	coord := swaplifecycle.NewCoordinator(qm, tokens, tracker, kv, archive, publisher, wsreg, charger,
		swaplifecycle.Config{
			AllowEarlyVerify:  cfg.AllowEarlyVerify,
			CompletionCredits: cfg.CompletionCredits,
			SwapPriceCents:    cfg.SwapPriceCents,
			SwapCurrency:      cfg.SwapCurrency,
		}, logger)

	srv := httpapi.NewServer(coord, qm, scorer, archive, wsreg, cfg.MaxSearchRadiusM, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go coord.Run(ctx, cfg.SweepInterval)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("battery-swap api listening", "addr", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("migration db open error: %v", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_swaps.sql"))
	if err != nil {
		log.Printf("migration read error: %v", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		log.Printf("migration exec error: %v", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_swaps.sql")
}
