// Command mrmarket runs the market-making order engine: the durable saga
// workers, the intent executor, the quote loops and the tick-driven monitors.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/mvg-fi-dev/mrmarket/internal/campaign"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/orderstore"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange/fake"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange/mexc"
	"github.com/mvg-fi-dev/mrmarket/internal/infra/config"
	"github.com/mvg-fi-dev/mrmarket/internal/infra/persistence/migrations"
	"github.com/mvg-fi-dev/mrmarket/internal/infra/persistence/postgres"
	"github.com/mvg-fi-dev/mrmarket/internal/infra/queue"
	"github.com/mvg-fi-dev/mrmarket/internal/infra/telemetry"
	"github.com/mvg-fi-dev/mrmarket/internal/intent"
	"github.com/mvg-fi-dev/mrmarket/internal/lifecycle"
	"github.com/mvg-fi-dev/mrmarket/internal/payment"
	"github.com/mvg-fi-dev/mrmarket/internal/reconcile"
	"github.com/mvg-fi-dev/mrmarket/internal/strategy"
	"github.com/mvg-fi-dev/mrmarket/internal/tick"
	"github.com/mvg-fi-dev/mrmarket/internal/tracker"
)

const (
	defaultConfigPath      = "config/mrmarket.yaml"
	shutdownTimeout        = 30 * time.Second
	telemetryFlushTimeout  = 5 * time.Second
	trackerMonitorPriority = 3
	reconcileSweepPriority = 9
	streamedQuoteMaxAge    = 5 * time.Second
	resumeRunningScanLimit = 200
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to the YAML configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(ctx, cancel, *configPath, logger); err != nil {
		logger.Error("mrmarket exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded",
		slog.String("venue", cfg.Exchange.Venue),
		slog.String("environment", cfg.Telemetry.Environment))

	_, telemetryShutdown, err := telemetry.Init(ctx, telemetry.Settings{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  cfg.Telemetry.Environment,
	})
	if err != nil {
		return err
	}

	if cfg.Database.MigrateOnStart {
		migrateLogger := log.New(os.Stdout, "mrmarket-migrate ", log.LstdFlags)
		if err := migrations.Apply(ctx, cfg.Database.DSN, migrateLogger); err != nil {
			return err
		}
	}

	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	orders := postgres.NewOrderStore(pool)
	ledger := postgres.NewLedgerStore(pool)
	outbox := postgres.NewOutboxStore(pool)
	jobs := postgres.NewJobStore(pool)
	intents := postgres.NewIntentStore(pool)
	campaigns := postgres.NewCampaignStore(pool)

	venue, stream, err := buildVenue(cfg.Exchange, logger)
	if err != nil {
		return err
	}
	venues := exchange.NewRegistry(venue)

	trackerRegistry := tracker.NewRegistry()
	monitor := tracker.NewMonitor(trackerRegistry, venues, outbox, logger)

	workers := queue.New(jobs, queue.Options{
		Workers:      cfg.Queue.Workers,
		PollInterval: config.Duration(cfg.Queue.PollInterval, 500*time.Millisecond),
		ClaimLimit:   cfg.Queue.ClaimLimit,
		StuckAfter:   config.Duration(cfg.Queue.StuckAfter, 5*time.Minute),
		Logger:       logger,
	})

	executor := intent.NewExecutor(intents, outbox, jobs, venues, trackerRegistry, intent.Options{
		KillSwitch:     cfg.Strategy.KillSwitchEnabled,
		MaxOpenOrders:  cfg.Strategy.MaxOpenOrders,
		MaxAttempts:    cfg.Strategy.MaxRetries,
		RetryBaseDelay: config.Duration(cfg.Strategy.RetryBaseDelay, time.Second),
		Logger:         logger,
	})
	if cfg.Strategy.ExecuteIntents {
		executor.Register(workers)
	} else {
		logger.Warn("intent execution disabled; intents will accumulate")
	}

	quoters := strategy.NewManager(venues, executor, trackerRegistry, strategy.Params{
		SpreadBps: cfg.Strategy.SpreadBps,
		Layers:    cfg.Strategy.Layers,
		OrderSize: cfg.Strategy.OrderSize,
	}, logger)
	defer quoters.Close()

	payments := buildPayments(cfg.Payment, logger)
	joiner := campaign.NewService(campaigns, outbox, logger)

	processor := lifecycle.NewProcessor(lifecycle.Deps{
		Orders:     orders,
		Ledger:     ledger,
		Outbox:     outbox,
		Jobs:       jobs,
		Venues:     venues,
		Payments:   payments,
		Campaigns:  joiner,
		Strategies: quoters,
		Logger:     logger,
	}, lifecycle.Params{
		PaymentTimeout:      config.Duration(cfg.Saga.PaymentTimeout, 10*time.Minute),
		PaymentPollInterval: config.Duration(cfg.Saga.PaymentPollInterval, 10*time.Second),
		PaymentMaxRetries:   cfg.Saga.PaymentMaxRetries,
		WithdrawalTimeout:   config.Duration(cfg.Saga.WithdrawalTimeout, 30*time.Minute),
		DepositTimeout:      config.Duration(cfg.Saga.DepositTimeout, 30*time.Minute),
		ExitTimeout:         config.Duration(cfg.Saga.ExitTimeout, time.Hour),
		RetryDelay:          config.Duration(cfg.Saga.RetryDelay, 30*time.Second),
		DepositTolerance:    cfg.Saga.DepositTolerance,
		DefaultCampaignID:   cfg.Campaign.DefaultCampaignID,
	})
	processor.RegisterHandlers(workers)

	sweeper := reconcile.NewSweeper(ledger, campaigns, intents, orders, jobs, reconcile.Options{
		EveryNTicks: cfg.Tick.ReconcileEvery,
		Logger:      logger,
	})

	coordinator := tick.NewCoordinator(config.Duration(cfg.Tick.Interval, time.Second), tick.WithLogger(logger))
	coordinator.Register("exchange-order-monitor", monitor, trackerMonitorPriority)
	coordinator.Register("reconciliation", sweeper, reconcileSweepPriority)

	if err := warmTracker(ctx, monitor, trackerRegistry, logger); err != nil {
		return err
	}
	if err := resumeRunningOrders(ctx, orders, quoters, logger); err != nil {
		return err
	}

	var lifecycleGroup conc.WaitGroup
	lifecycleGroup.Go(func() {
		if err := workers.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("job workers stopped", slog.String("error", err.Error()))
		}
	})
	lifecycleGroup.Go(func() {
		if err := coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("tick coordinator stopped", slog.String("error", err.Error()))
		}
	})
	if stream != nil {
		for _, pair := range cfg.Exchange.WatchPairs {
			if err := stream.Watch(ctx, pair); err != nil {
				logger.Warn("watch pair failed", slog.String("pair", pair), slog.String("error", err.Error()))
			}
		}
		lifecycleGroup.Go(func() {
			if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("ticker stream stopped", slog.String("error", err.Error()))
			}
		})
	}

	logger.Info("mrmarket started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received")

	cancel()
	quoters.Close()
	waitWithTimeout(&lifecycleGroup, shutdownTimeout, logger)

	flushCtx, flushCancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
	defer flushCancel()
	if err := telemetryShutdown(flushCtx); err != nil {
		logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
	}
	return nil
}

// buildVenue constructs the configured exchange adapter. The mexc venue is
// wrapped in a streamed quote cache fed by its websocket book ticker.
func buildVenue(cfg config.ExchangeConfig, logger *slog.Logger) (exchange.Exchange, *mexc.TickerStream, error) {
	switch cfg.Venue {
	case "fake":
		logger.Warn("using the fake venue; no real exchange calls will be made")
		return fake.New(), nil, nil
	case "mexc":
		client := mexc.New(mexc.Options{
			RESTURL:    cfg.RESTURL,
			WSURL:      cfg.WSURL,
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			RateLimit:  cfg.RateLimit,
			RateBurst:  cfg.RateBurst,
			HTTPClient: &http.Client{Timeout: config.Duration(cfg.HTTPTimeout, 10*time.Second)},
		})
		cache := exchange.NewQuoteCache(client, streamedQuoteMaxAge)
		stream := mexc.NewTickerStream(cfg.WSURL, cache.Put, logger)
		return cache, stream, nil
	default:
		return nil, nil, errors.New("unsupported exchange venue " + cfg.Venue)
	}
}

// buildPayments returns the HTTP payment client, or the in-memory fake when
// no payment endpoint is configured.
func buildPayments(cfg config.PaymentConfig, logger *slog.Logger) payment.Client {
	if cfg.BaseURL == "" {
		logger.Warn("payment.base_url not set; using the in-memory payment fake")
		return payment.NewFake()
	}
	return payment.NewHTTPClient(payment.Options{
		BaseURL: cfg.BaseURL,
		Token:   cfg.Token,
		Timeout: config.Duration(cfg.HTTPTimeout, 15*time.Second),
	})
}

// warmTracker replays persisted order status events into the in-memory
// registry so open-order caps and the monitor sweep survive restarts.
func warmTracker(ctx context.Context, monitor *tracker.Monitor, registry *tracker.Registry, logger *slog.Logger) error {
	rebuilt, err := monitor.RebuildOpenOrders(ctx, "")
	if err != nil {
		return err
	}
	for _, order := range rebuilt {
		registry.Upsert(order)
	}
	logger.Info("exchange order tracker warmed", slog.Int("open_orders", len(rebuilt)))
	return nil
}

// resumeRunningOrders restarts quote loops for orders that were running when
// the previous process stopped.
func resumeRunningOrders(ctx context.Context, orders orderstore.Store, quoters *strategy.Manager, logger *slog.Logger) error {
	running, err := orders.ListOrdersByState(ctx, orderstore.StateRunning, resumeRunningScanLimit)
	if err != nil {
		return err
	}
	for _, order := range running {
		if err := quoters.StartQuoter(ctx, order); err != nil {
			logger.Error("resume quoter failed",
				slog.String("order_id", order.OrderID),
				slog.String("error", err.Error()))
			continue
		}
	}
	logger.Info("running orders resumed", slog.Int("count", len(running)))
	return nil
}

func waitWithTimeout(group *conc.WaitGroup, timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("shutdown timed out waiting for workers")
	}
}
