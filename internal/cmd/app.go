package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/aura/internal/api"
	"github.com/FairForge/aura/internal/billing"
	"github.com/FairForge/aura/internal/config"
	"github.com/FairForge/aura/internal/database"
	"github.com/FairForge/aura/internal/events"
	"github.com/FairForge/aura/internal/metrics"
	"github.com/FairForge/aura/internal/notify"
	"github.com/FairForge/aura/internal/ratelimit"
	"github.com/FairForge/aura/internal/rules"
	"github.com/FairForge/aura/internal/scheduler"
	"github.com/FairForge/aura/internal/sensors"
)

// app is a fully wired engine
type app struct {
	config    *config.Config
	logger    *zap.Logger
	bus       *events.SimpleEventBus
	metrics   *metrics.Metrics
	scheduler *scheduler.Scheduler
	server    *api.Server

	// background loops started by run, beside the scheduler
	workers []func(ctx context.Context)
	closers []func() error
}

// buildApp assembles every component named by cfg
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{
		config:  cfg,
		logger:  logger,
		bus:     events.NewSimpleEventBus(1000),
		metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	if err := events.NewEventLogger(logger.Named("events")).Attach(a.bus); err != nil {
		return nil, err
	}

	catalog, err := loadCatalog(cfg.Sensors.CatalogFile)
	if err != nil {
		return nil, err
	}

	policy, err := rules.ParsePolicyMode(cfg.Engine.Policy)
	if err != nil {
		return nil, err
	}
	evaluator := rules.NewEvaluator(catalog,
		rules.WithPolicy(policy),
		rules.WithObserver(scheduler.Observers(a.metrics.Observer(), scheduler.SkipLogger(logger.Named("rules")))))

	var (
		repo          rules.Repository
		triggerLog    rules.TriggerLog = rules.NewMemoryTriggerLog(cfg.Engine.TriggerLogLimit)
		personalities scheduler.PersonalitySource
		accounts      billing.Accounts = billing.StaticAccounts{}
		auras         api.AuraDeleter
		ready         func(ctx context.Context) error
	)

	switch cfg.Rules.Source {
	case config.SourceMemory:
		repo = rules.NewMemoryStore()

	case config.SourceFile:
		fs, err := rules.NewFileStore(cfg.Rules.File, catalog, logger.Named("rules"))
		if err != nil {
			return nil, err
		}
		repo = rules.ReadOnly(fs)
		if cfg.Rules.Watch {
			a.workers = append(a.workers, a.watchRules(fs))
		}

	case config.SourcePostgres:
		pg, err := database.NewPostgres(cfg.Database, logger.Named("database"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.CreateTables(ctx); err != nil {
			return nil, err
		}
		store := database.NewAuraStore(pg.DB())
		log := database.NewTriggerLog(pg.DB())
		repo = database.NewRuleStore(pg.DB())
		triggerLog = log
		personalities = store
		accounts = store
		auras = store
		ready = pg.Ping
		a.workers = append(a.workers, a.pruneTriggers(log))

	default:
		return nil, fmt.Errorf("unknown rules source %q", cfg.Rules.Source)
	}

	cached := rules.NewCachedStore(repo, cfg.Rules.CacheTTL)
	if err := cached.Subscribe(a.bus); err != nil {
		return nil, err
	}

	dispatcher, err := a.buildDispatcher()
	if err != nil {
		return nil, err
	}

	provider, err := buildProvider(cfg.Sensors.HTTP)
	if err != nil {
		return nil, err
	}

	limiter := buildLimiter(cfg.RateLimit)

	var enforcer *billing.Enforcer
	if cfg.Billing.Enforce {
		enforcer = billing.NewEnforcer(accounts, a.planSource())
	}

	deps := scheduler.Deps{
		Store:         cached,
		Auras:         cached,
		Provider:      provider,
		Evaluator:     evaluator,
		Registry:      rules.NewRegistry(&cfg.History),
		Dispatcher:    dispatcher,
		TriggerLog:    triggerLog,
		Limiter:       limiter,
		Personalities: personalities,
		Metrics:       a.metrics,
		Bus:           a.bus,
	}
	if enforcer != nil {
		deps.Tiers = enforcer
	}
	a.scheduler, err = scheduler.New(cfg.Scheduler, deps, logger.Named("scheduler"))
	if err != nil {
		return nil, err
	}
	if err := a.scheduler.HandleEvents(a.bus); err != nil {
		return nil, err
	}

	apiDeps := api.Deps{
		Rules:         repo,
		Catalog:       catalog,
		Bus:           a.bus,
		Evaluator:     a.scheduler,
		TriggerLog:    triggerLog,
		Enforcer:      enforcer,
		Auras:         auras,
		Metrics:       a.metrics,
		Limiter:       limiter,
		StripeWebhook: billing.NewWebhookHandler(cfg.Billing.WebhookSecret, a.bus, logger.Named("stripe")),
		Ready:         ready,
	}
	a.server = api.NewServer(cfg.Server, apiDeps, logger.Named("api"))
	return a, nil
}

func loadCatalog(path string) (*sensors.StaticCatalog, error) {
	if path == "" {
		return sensors.DefaultCatalog(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sensor catalog: %w", err)
	}
	defer func() { _ = f.Close() }()
	return sensors.LoadCatalog(f)
}

func buildProvider(cfg sensors.HTTPConfig) (sensors.Provider, error) {
	if cfg.Endpoint == "" {
		return sensors.NewStaticProvider(), nil
	}
	return sensors.NewHTTPProvider(cfg)
}

func buildLimiter(cfg config.RateLimitConfig) *ratelimit.AuraLimiter {
	limiter := ratelimit.NewAuraLimiter()
	for op, c := range cfg.Defaults {
		limiter.SetDefaultLimit(op, c)
	}
	for tier, ops := range cfg.Tiers {
		for op, c := range ops {
			limiter.SetTierLimit(tier, op, c)
		}
	}
	return limiter
}

// buildDispatcher routes webhook actions to the registered endpoints and
// everything else to the log
func (a *app) buildDispatcher() (notify.Dispatcher, error) {
	cfg := a.config.Notify
	logDispatcher := notify.NewLogDispatcher(a.logger.Named("notify"))

	webhooks := notify.NewWebhookDispatcher(cfg.Webhook, a.logger.Named("webhook"))
	for i := range cfg.Endpoints {
		e := cfg.Endpoints[i]
		if err := webhooks.Register(&e); err != nil {
			return nil, fmt.Errorf("notify.endpoints[%d]: %w", i, err)
		}
	}
	if err := a.bus.Subscribe(string(events.AuraDeleted), func(ctx context.Context, e events.Event) error {
		webhooks.DropAura(e.AuraID)
		return nil
	}); err != nil {
		return nil, err
	}

	var fallback notify.Dispatcher = notify.DispatcherFunc(func(ctx context.Context, _ []notify.Notification) error {
		return nil
	})
	webhookRoute := notify.Dispatcher(webhooks)
	if cfg.Log {
		fallback = logDispatcher
		webhookRoute = notify.Fanout{webhooks, logDispatcher}
	}
	return notify.NewRouter(fallback).Route(rules.ActionWebhook, webhookRoute), nil
}

// planSource resolves plans from Stripe when a key is configured, caching
// lookups until a subscription event arrives
func (a *app) planSource() billing.PlanSource {
	cfg := a.config.Billing
	if cfg.StripeKey == "" {
		a.logger.Warn("billing enforced without a stripe key, every aura is on the free plan")
		return billing.StaticPlans{}
	}
	plans := billing.NewCachedPlans(billing.NewStripePlans(cfg.StripeKey, a.config.PriceTable()), cfg.PlanCacheTTL)
	if err := plans.Subscribe(a.bus); err != nil {
		a.logger.Error("plan cache invalidation disabled", zap.Error(err))
	}
	return plans
}

// watchRules reloads the rule file on change and announces every Aura as updated
func (a *app) watchRules(fs *rules.FileStore) func(ctx context.Context) {
	return func(ctx context.Context) {
		err := fs.Watch(ctx, func(auraIDs []string) {
			for _, id := range auraIDs {
				if err := a.bus.Publish(ctx, events.New(events.RuleUpdated, id, "")); err != nil {
					a.logger.Warn("publish reload failed", zap.String("aura_id", id), zap.Error(err))
				}
			}
		})
		if err != nil {
			a.logger.Error("rule file watch stopped", zap.Error(err))
		}
	}
}

// pruneTriggers drops logged triggers past the history retention once an hour
func (a *app) pruneTriggers(log *database.TriggerLog) func(ctx context.Context) {
	return func(ctx context.Context) {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := log.Prune(ctx, time.Now().Add(-a.config.History.Retention))
				if err != nil {
					a.logger.Warn("prune trigger log failed", zap.Error(err))
					continue
				}
				if n > 0 {
					a.logger.Info("pruned trigger log", zap.Int64("removed", n))
				}
			}
		}
	}
}

// run serves the API and the scheduler until ctx is done, then drains
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, w := range a.workers {
		go w(ctx)
	}
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		a.scheduler.Start(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}
	cancel()

	a.logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("shutdown error", zap.Error(err))
	}
	<-schedulerDone
	return errors.Join(runErr, a.close())
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
