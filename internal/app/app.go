package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"marketsync/internal/alerting"
	"marketsync/internal/budget"
	"marketsync/internal/config"
	"marketsync/internal/fetcher"
	"marketsync/internal/market"
	"marketsync/internal/pricing"
	"marketsync/internal/service"
	"marketsync/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; defaults to stdout.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) out() io.Writer {
	if a.Out == nil {
		return os.Stdout
	}
	return a.Out
}

// engine bundles the collaborators built on top of one repository.
type engine struct {
	repo    storage.Repository
	service *service.Service
	ledger  *budget.Ledger
	cache   *pricing.Cache
}

func (a *App) newRegistry() (*fetcher.Registry, error) {
	names := make([]string, 0, len(a.Config.Providers))
	for name := range a.Config.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	adapters := make([]fetcher.Adapter, 0, len(names))
	for _, name := range names {
		pc := a.Config.Providers[name]
		if !pc.Enabled {
			continue
		}
		p := market.ParseProvider(name)
		path := pc.PathTemplate
		if path == "" {
			path = fetcher.DefaultPathTemplate(p)
		}
		header := pc.APIKeyHeader
		if header == "" {
			header = fetcher.DefaultAPIKeyHeader(p)
		}
		currency := pc.Currency
		if currency == "" {
			currency = a.Config.Pricing.Currency
		}
		adapter, err := fetcher.NewHTTPAdapter(fetcher.HTTPOptions{
			Provider:          p,
			BaseURL:           pc.BaseURL,
			PathTemplate:      path,
			APIKey:            pc.APIKey,
			APIKeyHeader:      header,
			Currency:          currency,
			UserAgent:         pc.UserAgent,
			Timeout:           pc.Timeout,
			RequestsPerSecond: pc.RequestsPerSecond,
			Burst:             pc.Burst,
			BreakerFailures:   pc.BreakerFailures,
			BreakerCooldown:   pc.BreakerCooldown,
		}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		adapters = append(adapters, adapter)
	}
	if len(adapters) == 0 {
		a.Logger.Warn().Msg("no providers enabled; runs will only classify and enqueue")
	}
	return fetcher.NewRegistry(adapters...), nil
}

func (a *App) newNotifier() alerting.Notifier {
	var channels []alerting.Notifier
	if a.Config.Alerting.Enabled {
		for _, name := range a.Config.Alerting.Channels {
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "log":
				channels = append(channels, alerting.NewLogNotifier(a.Logger))
			case "telegram":
				if cfg := a.Config.Alerting.Telegram; cfg.Enabled {
					channels = append(channels, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
				}
			default:
				a.Logger.Warn().Str("channel", name).Msg("unknown alert channel ignored")
			}
		}
	}
	return alerting.NewBestEffort(a.Logger, a.Config.Alerting.Cooldown, channels...)
}

// openRepository connects to PostgreSQL, or falls back to the in-memory
// store when no DSN is configured.
func (a *App) openRepository(ctx context.Context) (storage.Repository, func(), error) {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store, nothing will persist")
		return storage.NewMemoryStore(), func() {}, nil
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if a.Config.Database.AutoMigrate {
		applied, err := store.Migrate(ctx)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		if len(applied) > 0 {
			a.Logger.Info().Strs("migrations", applied).Msg("schema migrated")
		}
	}
	return store, store.Close, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	return storage.NewStore(pool), nil
}

func (a *App) newEngine(repo storage.Repository) (*engine, error) {
	registry, err := a.newRegistry()
	if err != nil {
		return nil, err
	}
	return a.buildEngine(repo, registry, a.Config.BudgetLimits()), nil
}

func (a *App) buildEngine(repo storage.Repository, registry *fetcher.Registry, limits map[market.Provider]int) *engine {
	ledger := budget.NewLedger(repo, limits, a.Logger)
	cache := pricing.NewCache(repo, a.Config.Pricing.CacheTTL, a.Config.Pricing.StaleAfter)
	svc := service.New(service.OptionsFromConfig(a.Config.Scheduler), repo, ledger, registry, a.newNotifier(), a.Logger).
		WithCache(cache)
	return &engine{repo: repo, service: svc, ledger: ledger, cache: cache}
}

// withEngine opens storage, builds the engine and closes storage afterwards.
func (a *App) withEngine(ctx context.Context, fn func(*engine) error) error {
	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	eng, err := a.newEngine(repo)
	if err != nil {
		return err
	}
	return fn(eng)
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	ItemKey   string
	Currency  string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command. With SKU and Size set the
// resolved price for that variant is shown instead of recent snapshots.
type ShowOptions struct {
	Limit    int
	SKU      string
	Size     string
	Currency string
}

// SyncOptions configure a single run.
type SyncOptions struct {
	BatchSize int
	DryRun    bool
}

// SimulateOptions configure payload simulation.
type SimulateOptions struct {
	Provider    market.Provider
	ItemKey     string
	Size        string
	PayloadPath string
}
