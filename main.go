package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"leverage-cycle-bot/config"
	"leverage-cycle-bot/internal/api"
	"leverage-cycle-bot/internal/circuit"
	"leverage-cycle-bot/internal/database"
	"leverage-cycle-bot/internal/decision"
	"leverage-cycle-bot/internal/events"
	"leverage-cycle-bot/internal/logging"
	"leverage-cycle-bot/internal/marketdata"
	"leverage-cycle-bot/internal/notification"
	"leverage-cycle-bot/internal/paper"
	"leverage-cycle-bot/internal/performance"
	"leverage-cycle-bot/internal/portfolio"
	"leverage-cycle-bot/internal/position"
	"leverage-cycle-bot/internal/risk"
	"leverage-cycle-bot/internal/scheduler"
)

// snapshotFetcher fetches per-cycle snapshots and keeps the shared price
// cache warm as a side effect.
type snapshotFetcher struct {
	client *marketdata.Client
	cache  *marketdata.PriceCache
}

func (f *snapshotFetcher) FetchSnapshot(ctx context.Context, symbols []string) (*marketdata.Snapshot, map[string]error) {
	snap, failures := f.client.FetchSnapshot(ctx, symbols)
	f.cache.Update(snap)
	return snap, failures
}

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := logging.Default()
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		JSONFormat: cfg.Logging.JSONFormat,
	})
	logging.SetDefault(logger)

	logger.Info().
		Strs("symbols", cfg.Symbols).
		Float64("initial_cash", cfg.InitialCash).
		Dur("cycle_interval", cfg.CycleInterval()).
		Msg("starting trading loop")

	bus := events.NewEventBus()

	notifier := notification.NewManager(logging.Component("notification"))
	if cfg.Notification.Enabled {
		notifier.AddNotifier(notification.NewTelegramNotifier(cfg.Notification.Telegram))
		notifier.AddNotifier(notification.NewDiscordNotifier(cfg.Notification.Discord))
	}

	// Persistence is optional; the loop runs unchanged without it.
	var repo *database.Repository
	var db *database.DB
	if cfg.Database.Enabled {
		db, err = database.NewDB(cfg.Database, logging.Component("database"))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.RunMigrations(ctx); err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("failed to run migrations")
		}
		cancel()
		repo = database.NewRepository(db)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	snapshotStore := database.NewRedisSnapshotStore(redisClient, logging.Component("redis"))
	store := database.NewCompositeStore(repo, snapshotStore)

	pf := portfolio.New(cfg.InitialCash)
	priceCache := marketdata.NewPriceCache()

	mdClient := marketdata.NewClient(&marketdata.ClientConfig{
		BaseURL:   cfg.MarketData.BaseURL,
		StreamURL: cfg.MarketData.StreamURL,
		Timeout:   time.Duration(cfg.MarketData.TimeoutSeconds) * time.Second,
	}, logging.Component("marketdata"))

	var stream *marketdata.Stream
	if cfg.MarketData.StreamEnabled {
		stream = marketdata.NewStream(cfg.MarketData.StreamURL, cfg.Symbols, priceCache, logging.Component("stream"))
		if err := stream.Start(); err != nil {
			logger.Warn().Err(err).Msg("price stream failed to start, using REST snapshots only")
		}
	}

	breaker := circuit.NewCircuitBreaker(&cfg.Breaker, cfg.InitialCash)
	riskMgr := risk.NewManager(&cfg.Risk, breaker, logging.Component("risk"))
	tracker := performance.NewTracker(cfg.InitialCash, cfg.CycleInterval())

	priceOf := func(symbol string) (float64, error) {
		if price, ok := priceCache.Get(symbol); ok {
			return price, nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.MarketData.TimeoutSeconds)*time.Second)
		defer cancel()
		ticker, err := mdClient.FetchTicker(ctx, symbol)
		if err != nil {
			return 0, err
		}
		priceCache.Set(symbol, ticker.Price)
		return ticker.Price, nil
	}
	executor := paper.NewExecutor(&cfg.Paper, pf, priceOf, logging.Component("paper"))

	decider := decision.NewClient(&decision.ClientConfig{
		BaseURL: cfg.Decision.BaseURL,
		APIKey:  cfg.Decision.APIKey,
		Timeout: time.Duration(cfg.Decision.TimeoutSeconds) * time.Second,
	}, logging.Component("decision"))

	engine := scheduler.NewEngine(
		cfg.Symbols,
		&snapshotFetcher{client: mdClient, cache: priceCache},
		decider,
		executor,
		pf,
		riskMgr,
		tracker,
		bus,
		notifier,
		store,
		logging.Component("engine"),
	)

	restorePositions(pf, snapshotStore, logger)

	sched := scheduler.New(&scheduler.Config{
		Interval:             cfg.CycleInterval(),
		AlignToWallClock:     cfg.Scheduler.AlignToWallClock,
		MaxConsecutiveErrors: cfg.Scheduler.MaxConsecutiveErrors,
		ShutdownTimeout:      cfg.ShutdownTimeout(),
	}, engine, bus, notifier, store, logging.Component("scheduler"))

	var server *api.Server
	if cfg.Server.Enabled {
		server = api.NewServer(api.ServerConfig{
			Host:           cfg.Server.Host,
			Port:           cfg.Server.Port,
			ProductionMode: cfg.Server.ProductionMode,
		}, sched, engine, pf, riskMgr, tracker, priceCache, bus, logging.Component("api"))
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("api server stopped")
			}
		}()
	}

	if err := sched.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start scheduler")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	if err := sched.Stop(true); err != nil {
		logger.Warn().Err(err).Msg("scheduler stop")
	}
	if stream != nil {
		stream.Stop()
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("api server shutdown")
		}
		cancel()
	}
	if db != nil {
		db.Close()
	}
	logger.Info().Msg("shutdown complete")
}

// restorePositions reloads the last open-position snapshot so a restarted
// process keeps watching positions it opened before.
func restorePositions(pf *portfolio.VirtualPortfolio, store *database.RedisSnapshotStore, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	saved, err := store.LoadOpenPositions(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load position snapshot")
		return
	}
	if len(saved) == 0 {
		return
	}

	restored := 0
	for _, p := range saved {
		replay := position.Position{
			Symbol:       p.Symbol,
			Side:         p.Side,
			Quantity:     p.Quantity,
			EntryPrice:   p.EntryPrice,
			Leverage:     p.Leverage,
			StopLoss:     p.StopLoss,
			TakeProfit:   p.TakeProfit,
			Invalidation: p.Invalidation,
		}
		if err := pf.RegisterPending(&replay); err != nil {
			logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("skipping position restore")
			continue
		}
		if _, err := pf.ConfirmEntry(p.Symbol, p.EntryPrice, p.Quantity, 0, p.OpenedAt); err != nil {
			logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("failed to restore position")
			continue
		}
		restored++
	}
	logger.Info().Int("restored", restored).Msg("open positions restored from snapshot")
}
