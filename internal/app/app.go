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

	"collateral-alerts/internal/alerting"
	"collateral-alerts/internal/config"
	"collateral-alerts/internal/fetcher"
	"collateral-alerts/internal/metrics"
	"collateral-alerts/internal/report"
	"collateral-alerts/internal/scheduler"
	"collateral-alerts/internal/service"
	"collateral-alerts/internal/storage"
	"collateral-alerts/internal/version"
)

// ErrDatabaseRequired is returned by commands that only make sense against a database.
var ErrDatabaseRequired = errors.New("database.dsn not configured")

// Store is everything the commands need from persistence.
type Store interface {
	storage.AlertStore
	storage.IntakeStore
	storage.RatioSampleStore
}

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer

	// store replaces the configured backend when set
	store Store
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// openStore returns the configured store. Without a DSN it falls back to an
// in-memory store unless requireDB is set.
func (a *App) openStore(ctx context.Context, requireDB bool) (Store, func(), error) {
	if a.store != nil {
		return a.store, func() {}, nil
	}

	if a.Config.Database.DSN == "" {
		if requireDB {
			return nil, nil, ErrDatabaseRequired
		}
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory alert store")
		return storage.NewMemoryStore(), func() {}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

func (a *App) newFetcher() *fetcher.Fetcher {
	chain := fetcher.NewChain(fetcher.ChainOptions{
		RPCURL:  a.Config.Ethereum.RPCURL,
		Timeout: a.Config.Ethereum.RequestTimeout,
	}, a.Logger)
	return fetcher.NewFetcher(chain, a.Config.Ethereum.FetchWorkers, a.Config.Ethereum.RequestTimeout, a.Logger)
}

func (a *App) newTelegram() *alerting.TelegramClient {
	cfg := a.Config.Chat
	return alerting.NewTelegramClient(cfg.BotToken, cfg.APIBase, a.Config.Engine.DispatchTimeout, a.Logger)
}

// newDispatcher registers the enabled channels. When all is set every channel
// is registered, which is what structural validation at intake needs.
func (a *App) newDispatcher(all bool) *alerting.Dispatcher {
	d := alerting.NewDispatcher(a.Config.Engine.DispatchTimeout, a.Logger)

	if all || a.Config.SMS.Enabled {
		cfg := a.Config.SMS
		d.Register(alerting.NewSMSChannel(alerting.SMSOptions{
			AccountSID: cfg.AccountSID,
			AuthToken:  cfg.AuthToken,
			From:       cfg.From,
			APIBase:    cfg.APIBase,
			Timeout:    a.Config.Engine.DispatchTimeout,
		}, a.Logger))
	}
	if all || a.Config.Mail.Enabled {
		cfg := a.Config.Mail
		d.Register(alerting.NewMailChannel(alerting.MailOptions{
			Host:        cfg.Host,
			Port:        cfg.Port,
			Username:    cfg.Username,
			Password:    cfg.Password,
			From:        cfg.From,
			Subject:     cfg.Subject,
			ImplicitTLS: cfg.ImplicitTLS,
		}, a.Logger))
	}
	if all || a.Config.Chat.Enabled {
		d.Register(alerting.NewChatChannel(a.newTelegram()))
	}
	return d
}

func (a *App) newReporter() (report.Reporter, *report.Webhook) {
	reporters := report.Multi{report.NewLog(a.Logger)}
	var hook *report.Webhook
	if a.Config.Report.WebhookURL != "" {
		hook = report.NewWebhook(a.Config.Report.WebhookURL, a.Config.App.Name, a.Config.Report.Timeout, a.Logger)
		reporters = append(reporters, hook)
	}
	return reporters, hook
}

func (a *App) newService(store Store, sched *scheduler.Scheduler, reporter report.Reporter) *service.Service {
	return service.New(a.Config, sched, service.Deps{
		Alerts:     store,
		Samples:    store,
		Fetcher:    a.newFetcher(),
		Dispatcher: a.newDispatcher(false),
		Reporter:   reporter,
	}, a.Logger)
}

// Run executes the long-running alert engine, the chat bot and the metrics server.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer closeStore()

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToInterval,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: !a.Config.Scheduler.AlignToInterval,
		OnSkip: func(skipped int) {
			metrics.SkippedTicksTotal.Add(float64(skipped))
		},
	}, a.Logger)

	reporter, hook := a.newReporter()
	svc := a.newService(store, sched, reporter)

	if a.Config.Chat.Enabled {
		bot := alerting.NewBot(a.newTelegram(), store, a.Config.Chat.PollTimeout, a.Logger)
		bot.OnClaim(func(bound bool) {
			outcome := "invalid"
			if bound {
				outcome = "claimed"
			}
			metrics.ClaimsTotal.WithLabelValues(outcome).Inc()
		})
		bot.Start(ctx)
		defer bot.Stop()
	}

	if hook != nil {
		msg := fmt.Sprintf("%s %s started (%s)", a.Config.App.Name, version.String(), a.Config.App.Environment)
		if err := hook.Send(ctx, msg); err != nil {
			a.Logger.Warn().Err(err).Msg("startup message failed")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, addr, a.Logger)
		})
	}

	a.Logger.Info().Msg("starting alert engine")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("alert engine terminated with error")
		return err
	}

	a.Logger.Info().Msg("alert engine stopped")
	return nil
}

// Cycle runs exactly one evaluation cycle and prints its summary.
func (a *App) Cycle(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx, true)
	if err != nil {
		return err
	}
	defer closeStore()

	reporter, _ := a.newReporter()
	svc := a.newService(store, nil, reporter)

	summary, err := svc.Cycle(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if summary.Skipped {
		fmt.Fprintln(a.Out, "cycle skipped: advisory lock held by another instance")
		return nil
	}

	fmt.Fprintf(a.Out, "open=%d pending_claim=%d groups=%d fetch_failures=%d evaluated=%d fired=%d delivered=%d purged=%d\n",
		summary.OpenAlerts, summary.PendingClaim, summary.Groups, summary.FetchFailures,
		summary.Evaluated, summary.Fired, summary.Delivered, summary.Purged)
	return nil
}

// Migrate applies SQL migrations from database.migrations_path.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return ErrDatabaseRequired
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	store := storage.NewStore(pool)
	defer store.Close()

	applied, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
	for _, name := range applied {
		fmt.Fprintf(a.Out, "applied %s\n", name)
	}
	return err
}

// ExportOptions hold parameters for exporting ratio history.
type ExportOptions struct {
	AlertID   string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
