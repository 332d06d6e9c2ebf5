// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/aura/internal/events"
	"github.com/FairForge/aura/internal/metrics"
	"github.com/FairForge/aura/internal/notify"
	"github.com/FairForge/aura/internal/ratelimit"
	"github.com/FairForge/aura/internal/rules"
	"github.com/FairForge/aura/internal/sensors"
)

// ErrAuraBusy is returned when an Aura's previous evaluation is still running
var ErrAuraBusy = errors.New("scheduler: aura evaluation already in progress")

// Config controls the evaluation loop
type Config struct {
	Interval     time.Duration `yaml:"interval" env:"INTERVAL"`
	CycleTimeout time.Duration `yaml:"cycle_timeout" env:"CYCLE_TIMEOUT"`
	Concurrency  int           `yaml:"concurrency" env:"CONCURRENCY"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		CycleTimeout: 10 * time.Second,
		Concurrency:  8,
	}
}

// ApplyDefaults fills zero fields
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = d.CycleTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
}

// PersonalitySource supplies an Aura's personality for the rule context
type PersonalitySource interface {
	Personality(ctx context.Context, auraID string) (rules.Personality, error)
}

// TierSource names the rate limit tier of an Aura
type TierSource interface {
	Tier(ctx context.Context, auraID string) (string, error)
}

// Deps are the collaborators of a Scheduler. Store, Auras, Provider,
// Evaluator, Registry and Dispatcher are required.
type Deps struct {
	Store         rules.Store
	Auras         rules.AuraLister
	Provider      sensors.Provider
	Evaluator     *rules.Evaluator
	Registry      *rules.Registry
	Dispatcher    notify.Dispatcher
	TriggerLog    rules.TriggerLog
	Limiter       *ratelimit.AuraLimiter
	Tiers         TierSource
	Personalities PersonalitySource
	Metrics       *metrics.Metrics
	Bus           events.Bus
}

func (d *Deps) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("scheduler: rule store is required")
	case d.Auras == nil:
		return errors.New("scheduler: aura lister is required")
	case d.Provider == nil:
		return errors.New("scheduler: sensor provider is required")
	case d.Evaluator == nil:
		return errors.New("scheduler: evaluator is required")
	case d.Registry == nil:
		return errors.New("scheduler: history registry is required")
	case d.Dispatcher == nil:
		return errors.New("scheduler: dispatcher is required")
	}
	return nil
}

// Scheduler periodically evaluates every Aura's rules. Each Aura has its
// own lane: evaluations of one Aura never overlap, different Auras run
// concurrently up to Config.Concurrency.
type Scheduler struct {
	config Config
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	lanesMu sync.Mutex
	lanes   map[string]*sync.Mutex
}

// New creates a scheduler
func New(config Config, deps Deps, logger *zap.Logger) (*Scheduler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		config: config,
		deps:   deps,
		logger: logger,
		now:    time.Now,
		lanes:  make(map[string]*sync.Mutex),
	}, nil
}

// Config returns the effective configuration
func (s *Scheduler) Config() Config {
	return s.config
}

// CycleStats summarizes one pass over all Auras
type CycleStats struct {
	Auras     int
	Triggered int
	Failed    int
	Busy      int
}

// Start runs a cycle immediately and then every Interval until ctx is done
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	stats, err := s.RunCycle(ctx)
	if err != nil {
		s.logger.Error("evaluation cycle failed", zap.Error(err))
		return
	}
	s.logger.Debug("evaluation cycle complete",
		zap.Int("auras", stats.Auras),
		zap.Int("triggered", stats.Triggered),
		zap.Int("failed", stats.Failed),
		zap.Int("busy", stats.Busy))
}

// RunCycle evaluates every Aura once
func (s *Scheduler) RunCycle(ctx context.Context) (CycleStats, error) {
	auraIDs, err := s.deps.Auras.ListAuras(ctx)
	if err != nil {
		return CycleStats{}, fmt.Errorf("scheduler: list auras: %w", err)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.Cycles.Inc()
	}

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		stats = CycleStats{Auras: len(auraIDs)}
		sem   = make(chan struct{}, s.config.Concurrency)
	)

	for _, auraID := range auraIDs {
		select {
		case <-ctx.Done():
			wg.Wait()
			return stats, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(auraID string) {
			defer wg.Done()
			defer func() { <-sem }()

			results, err := s.EvaluateAura(ctx, auraID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrAuraBusy):
				stats.Busy++
			case err != nil:
				stats.Failed++
				s.logger.Warn("aura evaluation failed", zap.String("aura_id", auraID), zap.Error(err))
			default:
				stats.Triggered += len(results)
			}
		}(auraID)
	}

	wg.Wait()
	return stats, nil
}

func (s *Scheduler) lane(auraID string) *sync.Mutex {
	s.lanesMu.Lock()
	defer s.lanesMu.Unlock()
	return s.laneLocked(auraID)
}

// laneLocked requires lanesMu
func (s *Scheduler) laneLocked(auraID string) *sync.Mutex {
	l, ok := s.lanes[auraID]
	if !ok {
		l = &sync.Mutex{}
		s.lanes[auraID] = l
	}
	return l
}

// tryLane takes the Aura's lane under lanesMu so forget never drops a lane
// between lookup and lock
func (s *Scheduler) tryLane(auraID string) (*sync.Mutex, bool) {
	s.lanesMu.Lock()
	defer s.lanesMu.Unlock()
	l := s.laneLocked(auraID)
	return l, l.TryLock()
}

// EvaluateAura fetches sensor data for one Aura, evaluates its rules and
// delivers the ones that fired. It returns ErrAuraBusy if the Aura's lane
// is taken.
func (s *Scheduler) EvaluateAura(ctx context.Context, auraID string) ([]rules.Result, error) {
	lane, ok := s.tryLane(auraID)
	if !ok {
		s.observe("busy")
		return nil, ErrAuraBusy
	}
	defer lane.Unlock()

	start := time.Now()
	defer func() {
		if s.deps.Metrics != nil {
			s.deps.Metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.config.CycleTimeout)
	defer cancel()

	ruleSet, err := s.deps.Store.ListByAura(ctx, auraID)
	if err != nil {
		s.observe("error")
		return nil, fmt.Errorf("scheduler: rules for aura %s: %w", auraID, err)
	}
	senseIDs := sensorIDs(ruleSet)
	if len(senseIDs) == 0 {
		s.observe("idle")
		return nil, nil
	}

	s.refreshTier(ctx, auraID)
	if err := s.wait(ctx, auraID, ratelimit.OpSenseFetch); err != nil {
		s.observe("rate_limited")
		return nil, err
	}
	readings, err := s.deps.Provider.GetSenseData(ctx, auraID, senseIDs)
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.SenseFetchErrors.Inc()
		}
		s.observe("fetch_error")
		return nil, fmt.Errorf("scheduler: sense data for aura %s: %w", auraID, err)
	}

	rc := rules.NewRuleContext(s.now(), sensors.Snapshot(readings), s.personality(ctx, auraID))
	results := s.deps.Evaluator.Evaluate(ruleSet, rc, s.deps.Registry.For(auraID))
	if len(results) == 0 {
		s.observe("quiet")
		return nil, nil
	}

	s.observe("triggered")
	s.deliver(ctx, auraID, results)
	return results, nil
}

// deliver hands fired rules to the dispatcher, then records and announces
// them. Cooldowns were already recorded by the evaluator, so a failed
// delivery is not retried next cycle.
func (s *Scheduler) deliver(ctx context.Context, auraID string, results []rules.Result) {
	if err := s.wait(ctx, auraID, ratelimit.OpDispatch); err != nil {
		s.logger.Warn("dispatch deferred past deadline", zap.String("aura_id", auraID), zap.Error(err))
	} else if err := s.deps.Dispatcher.Dispatch(ctx, notify.FromResults(results)); err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.DispatchFailures.Inc()
		}
		s.logger.Error("dispatch failed", zap.String("aura_id", auraID), zap.Int("results", len(results)), zap.Error(err))
	}

	for _, r := range results {
		if s.deps.TriggerLog != nil {
			if err := s.deps.TriggerLog.Record(ctx, r); err != nil {
				s.logger.Warn("record trigger failed", zap.String("rule_id", r.Rule.ID), zap.Error(err))
			}
		}
		if s.deps.Bus != nil {
			ev := events.New(events.RuleTriggered, auraID, r.Rule.ID)
			ev.Metadata = map[string]string{"message": r.Message}
			if err := s.deps.Bus.Publish(ctx, ev); err != nil {
				s.logger.Warn("publish trigger failed", zap.String("rule_id", r.Rule.ID), zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) wait(ctx context.Context, auraID, operation string) error {
	if s.deps.Limiter == nil {
		return nil
	}
	if err := s.deps.Limiter.Wait(ctx, auraID, operation); err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimitHits.WithLabelValues(operation).Inc()
		}
		return err
	}
	return nil
}

// refreshTier moves the Aura to its current plan's rate limit tier
func (s *Scheduler) refreshTier(ctx context.Context, auraID string) {
	if s.deps.Limiter == nil || s.deps.Tiers == nil {
		return
	}
	tier, err := s.deps.Tiers.Tier(ctx, auraID)
	if err != nil {
		s.logger.Debug("tier lookup failed", zap.String("aura_id", auraID), zap.Error(err))
		return
	}
	s.deps.Limiter.SetAuraTier(auraID, tier)
}

func (s *Scheduler) personality(ctx context.Context, auraID string) rules.Personality {
	if s.deps.Personalities == nil {
		return rules.DefaultPersonality()
	}
	p, err := s.deps.Personalities.Personality(ctx, auraID)
	if err != nil {
		s.logger.Warn("personality lookup failed, using default", zap.String("aura_id", auraID), zap.Error(err))
		return rules.DefaultPersonality()
	}
	return p
}

func (s *Scheduler) observe(outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.AuraEvaluations.WithLabelValues(outcome).Inc()
	}
}

// sensorIDs returns the distinct sensors referenced by enabled rules, in rule order
func sensorIDs(ruleSet []rules.BehaviorRule) []string {
	seen := make(map[string]struct{}, len(ruleSet))
	var ids []string
	for _, r := range ruleSet {
		if !r.Enabled || r.Trigger.Sensor == "" {
			continue
		}
		if _, ok := seen[r.Trigger.Sensor]; ok {
			continue
		}
		seen[r.Trigger.Sensor] = struct{}{}
		ids = append(ids, r.Trigger.Sensor)
	}
	return ids
}
