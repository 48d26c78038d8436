package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"txguard/internal/alerting"
	"txguard/internal/config"
	"txguard/internal/ledger"
	"txguard/internal/scheduler"
	"txguard/internal/server"
	"txguard/internal/service"
	"txguard/internal/storage"
	"txguard/internal/traces"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Out:    os.Stdout,
	}
}

// backend is the persistence a command runs against: PostgreSQL when a DSN
// is configured, an in-process store otherwise.
type backend struct {
	txs         storage.TransactionStore
	assessments storage.AssessmentStore
	blocks      storage.BlockStore
	health      server.Pinger
	durable     bool
	close       func()
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openBackend(ctx context.Context) (*backend, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory storage")
		mem := storage.NewMemoryStore()
		return &backend{txs: mem, assessments: mem, blocks: mem, close: func() {}}, nil
	}
	return &backend{
		txs:         store,
		assessments: store,
		blocks:      store,
		health:      store,
		durable:     true,
		close:       closeStore,
	}, nil
}

func (a *App) requireDatabase(ctx context.Context, what string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database not configured; cannot %s", what)
	}
	return store, closeStore, nil
}

func (a *App) newNotifier() alerting.Notifier {
	cfg := a.Config.Alerting
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var channels alerting.Multi
	for _, ch := range cfg.Channels {
		switch ch {
		case "telegram":
			if !cfg.Telegram.Enabled {
				a.Logger.Warn().Msg("telegram channel listed but telegram.enabled is false")
				continue
			}
			channels = append(channels, alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, timeout, a.Logger))
		case "log":
			channels = append(channels, alerting.NewLogNotifier(a.Logger))
		default:
			a.Logger.Warn().Str("channel", ch).Msg("unknown alert channel ignored")
		}
	}
	if len(channels) == 0 {
		return nil
	}

	return alerting.NewBreakerNotifier(channels, alerting.BreakerSettings{
		Name:                "alerting",
		MaxRequests:         cfg.Breaker.MaxRequests,
		Interval:            cfg.Breaker.Interval,
		Timeout:             cfg.Breaker.Timeout,
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
	}, a.Logger)
}

func (a *App) newLedger(ctx context.Context) (*ledger.Ledger, error) {
	return ledger.New(ctx, ledger.Options{
		Difficulty:  a.Config.Ledger.Difficulty,
		MaxAttempts: a.Config.Ledger.MaxAttempts,
		MineTimeout: a.Config.Ledger.MineTimeout,
	})
}

// newService assembles the service over b. With ledger persistence on, the
// stored chain is restored into memory first.
func (a *App) newService(ctx context.Context, b *backend, sched *scheduler.Scheduler) (*service.Service, error) {
	chain, err := a.newLedger(ctx)
	if err != nil {
		return nil, err
	}

	deps := service.Deps{
		Ledger:      chain,
		Scheduler:   sched,
		Txs:         b.txs,
		Assessments: b.assessments,
		Notifier:    a.newNotifier(),
	}
	if a.Config.Ledger.Persist {
		deps.Blocks = b.blocks
	}

	svc := service.New(a.Config, deps, a.Logger)
	if deps.Blocks != nil {
		if _, err := svc.RestoreLedger(ctx); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Run serves the HTTP API and the periodic ledger audit until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := traces.Init(ctx, a.Config.Tracing.Endpoint, a.Logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to flush traces")
		}
	}()

	b, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.close()
	if !b.durable && a.Config.Ledger.Persist {
		a.Logger.Warn().Msg("ledger persistence requested without a database; chain will not survive restarts")
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		return err
	}

	svc, err := a.newService(ctx, b, sched)
	if err != nil {
		return err
	}
	srv := server.New(a.Config.Server, svc, b.health, a.Logger)

	a.Logger.Info().Int("difficulty", svc.Ledger().Difficulty()).Int("blocks", svc.Ledger().Len()).Msg("starting txguard")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return svc.Run(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("txguard stopped")
	return nil
}

// ExportOptions hold parameters for exporting stored assessments.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Blocks bool
}

// RescoreOptions configure the rescore job.
type RescoreOptions struct {
	From    time.Time
	To      time.Time
	DryRun  bool
	Workers int
}

// AssessOptions configure offline scoring.
type AssessOptions struct {
	Path    string
	Workers int
}
