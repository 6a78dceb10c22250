package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"collateral-alerts/internal/alerting"
	"collateral-alerts/internal/config"
	"collateral-alerts/internal/evaluator"
	"collateral-alerts/internal/fetcher"
	"collateral-alerts/internal/metrics"
	"collateral-alerts/internal/report"
	"collateral-alerts/internal/scheduler"
	"collateral-alerts/internal/storage"
)

// Stage is the cycle phase currently executing.
type Stage int32

const (
	StageIdle Stage = iota
	StageFetching
	StageEvaluating
	StageDispatching
	StageCleaning
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageFetching:
		return "fetching"
	case StageEvaluating:
		return "evaluating"
	case StageDispatching:
		return "dispatching"
	case StageCleaning:
		return "cleaning"
	default:
		return fmt.Sprintf("stage(%d)", int32(s))
	}
}

// GroupFetcher reads every group of a set once.
type GroupFetcher interface {
	Fetch(ctx context.Context, groups fetcher.GroupSet) (map[string]*fetcher.GroupSnapshot, map[string]error)
}

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, alert storage.Alert, message string) (bool, error)
}

// Deps are the collaborators of the evaluation cycle. Samples may be nil.
type Deps struct {
	Alerts     storage.AlertStore
	Samples    storage.RatioSampleStore
	Fetcher    GroupFetcher
	Dispatcher Sender
	Reporter   report.Reporter
}

// Summary counts what one cycle did.
type Summary struct {
	At            time.Time
	OpenAlerts    int
	PendingClaim  int
	Groups        int
	FetchFailures int
	Evaluated     int
	Fired         int
	Delivered     int
	Purged        int64
	Skipped       bool
}

// Service runs the alert lifecycle: fetch, evaluate, dispatch, close, clean.
type Service struct {
	scheduler  *scheduler.Scheduler
	alerts     storage.AlertStore
	samples    storage.RatioSampleStore
	fetcher    GroupFetcher
	dispatcher Sender
	reporter   report.Reporter
	logger     zerolog.Logger

	workers         int
	storeTimeout    time.Duration
	unclaimedExpiry time.Duration
	visitURL        string
	locker          storage.AdvisoryLocker
	lockKey         int64

	stage atomic.Int32
}

// New constructs the engine.
func New(cfg *config.Config, sched *scheduler.Scheduler, deps Deps, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := deps.Alerts.(storage.AdvisoryLocker); ok {
		locker = l
	}

	reporter := deps.Reporter
	if reporter == nil {
		reporter = report.NewLog(logger)
	}

	samples := deps.Samples
	if !cfg.History.Enabled {
		samples = nil
	}

	workers := cfg.Engine.Workers
	if workers <= 0 {
		workers = 8
	}

	return &Service{
		scheduler:       sched,
		alerts:          deps.Alerts,
		samples:         samples,
		fetcher:         deps.Fetcher,
		dispatcher:      deps.Dispatcher,
		reporter:        reporter,
		logger:          logger.With().Str("component", "service").Logger(),
		workers:         workers,
		storeTimeout:    cfg.Engine.StoreTimeout,
		unclaimedExpiry: cfg.Engine.UnclaimedExpiry,
		visitURL:        cfg.Engine.VisitURL,
		locker:          locker,
		lockKey:         cfg.Scheduler.AdvisoryLockKey,
	}
}

// Stage reports the phase of the running cycle.
func (s *Service) Stage() Stage {
	return Stage(s.stage.Load())
}

func (s *Service) setStage(st Stage) {
	s.stage.Store(int32(st))
}

// Run drives cycles on the scheduler until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.RunCycle)
}

// RunCycle adapts Cycle to the scheduler.
func (s *Service) RunCycle(ctx context.Context, at time.Time) error {
	_, err := s.Cycle(ctx, at)
	return err
}

// Cycle runs one evaluation cycle stamped at. Only a failure to list open
// alerts aborts it; every per-group and per-alert failure is reported and
// left for the next cycle.
func (s *Service) Cycle(ctx context.Context, at time.Time) (Summary, error) {
	summary := Summary{At: at}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		s.reporter.Report(ctx, "advisory_lock", err)
		return summary, err
	}
	if !proceed {
		s.logger.Debug().Time("cycle", at).Msg("skip cycle because advisory lock held elsewhere")
		summary.Skipped = true
		metrics.CyclesTotal.WithLabelValues("skipped").Inc()
		return summary, nil
	}
	if unlock != nil {
		defer unlock()
	}

	started := time.Now()
	defer func() {
		s.setStage(StageIdle)
		metrics.CycleDuration.Observe(time.Since(started).Seconds())
	}()

	if err := s.executeCycle(ctx, at, &summary); err != nil {
		metrics.CyclesTotal.WithLabelValues("aborted").Inc()
		return summary, err
	}
	metrics.CyclesTotal.WithLabelValues("completed").Inc()

	s.logger.Info().Time("cycle", at).
		Int("open", summary.OpenAlerts).
		Int("groups", summary.Groups).
		Int("fetch_failures", summary.FetchFailures).
		Int("evaluated", summary.Evaluated).
		Int("fired", summary.Fired).
		Int("delivered", summary.Delivered).
		Int64("purged", summary.Purged).
		Msg("cycle finished")
	return summary, nil
}

type evaluated struct {
	alert  storage.Alert
	result evaluator.Result
}

func (s *Service) executeCycle(ctx context.Context, at time.Time, summary *Summary) error {
	s.setStage(StageFetching)

	alerts, err := s.listOpen(ctx)
	if err != nil {
		err = fmt.Errorf("list open alerts: %w", err)
		if !errors.Is(err, storage.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", storage.ErrStoreUnavailable, err)
		}
		s.reporter.Report(ctx, "list_open", err)
		return err
	}
	summary.OpenAlerts = len(alerts)
	metrics.OpenAlerts.Set(float64(len(alerts)))

	active := make([]storage.Alert, 0, len(alerts))
	groups := fetcher.NewGroupSet()
	for _, alert := range alerts {
		// pending claim alerts have nowhere to deliver to
		if alert.PendingClaim() {
			summary.PendingClaim++
			continue
		}
		active = append(active, alert)
		groups.Add(alert.GroupID)
	}
	summary.Groups = len(groups)

	var snapshots map[string]*fetcher.GroupSnapshot
	if len(groups) > 0 {
		var failures map[string]error
		snapshots, failures = s.fetcher.Fetch(ctx, groups)
		summary.FetchFailures = len(failures)
		metrics.GroupFetchesTotal.WithLabelValues("ok").Add(float64(len(snapshots)))
		metrics.GroupFetchesTotal.WithLabelValues("failed").Add(float64(len(failures)))
		for id, ferr := range failures {
			s.reporter.Report(ctx, "fetch", fmt.Errorf("group %s: %w", id, ferr))
		}
	}

	s.setStage(StageEvaluating)
	fired := s.evaluateAll(ctx, at, active, snapshots, summary)
	summary.Fired = len(fired)

	s.setStage(StageDispatching)
	summary.Delivered = s.dispatchAll(ctx, at, fired)

	s.setStage(StageCleaning)
	summary.Purged = s.cleanup(ctx)
	return nil
}

func (s *Service) evaluateAll(ctx context.Context, at time.Time, alerts []storage.Alert, snapshots map[string]*fetcher.GroupSnapshot, summary *Summary) []evaluated {
	var (
		mu         sync.Mutex
		fired      []evaluated
		evaluatedN atomic.Int64
	)

	p := pool.New().WithMaxGoroutines(s.workers)
	for _, alert := range alerts {
		alert := alert
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.EvaluationsTotal.WithLabelValues("error").Inc()
					s.reporter.Report(ctx, "evaluate", fmt.Errorf("alert %s: panic: %v", alert.ID, r))
				}
			}()

			snapshot := snapshots[fetcher.NormalizeAddress(alert.GroupID)]
			res, err := evaluator.Evaluate(alert, snapshot)
			if err != nil {
				metrics.EvaluationsTotal.WithLabelValues("error").Inc()
				if errors.Is(err, evaluator.ErrSnapshotMissing) {
					// the failed group read was already reported
					s.logger.Debug().Err(err).Str("alert_id", alert.ID).Msg("alert skipped this cycle")
					return
				}
				s.reporter.Report(ctx, "evaluate", err)
				return
			}
			evaluatedN.Add(1)

			switch {
			case res.Unbounded:
				metrics.EvaluationsTotal.WithLabelValues("unbounded").Inc()
			case res.ShouldFire:
				metrics.EvaluationsTotal.WithLabelValues("fire").Inc()
			default:
				metrics.EvaluationsTotal.WithLabelValues("ok").Inc()
			}

			s.recordSample(ctx, at, alert, res)

			if res.ShouldFire {
				mu.Lock()
				fired = append(fired, evaluated{alert: alert, result: res})
				mu.Unlock()
			}
		})
	}
	p.Wait()

	summary.Evaluated = int(evaluatedN.Load())
	return fired
}

func (s *Service) dispatchAll(ctx context.Context, at time.Time, fired []evaluated) int {
	var delivered atomic.Int64

	p := pool.New().WithMaxGoroutines(s.workers)
	for _, item := range fired {
		item := item
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					s.reporter.Report(ctx, "dispatch", fmt.Errorf("alert %s: panic: %v", item.alert.ID, r))
				}
			}()

			if s.dispatchOne(ctx, at, item) {
				delivered.Add(1)
			}
		})
	}
	p.Wait()

	return int(delivered.Load())
}

// dispatchOne sends one fired alert and closes it once delivered.
func (s *Service) dispatchOne(ctx context.Context, at time.Time, item evaluated) bool {
	alert := item.alert
	channel := string(alert.Channel)
	message := alerting.RenderMessage(alert, item.result, s.visitURL)

	delivered, err := s.dispatcher.Send(ctx, alert, message)
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues(channel, "failed").Inc()
		s.reporter.Report(ctx, "dispatch", err)
		return false
	}
	if !delivered {
		metrics.DispatchesTotal.WithLabelValues(channel, "undelivered").Inc()
		s.logger.Debug().Str("alert_id", alert.ID).Str("channel", channel).Msg("alert not delivered; stays open")
		return false
	}
	metrics.DispatchesTotal.WithLabelValues(channel, "delivered").Inc()

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.alerts.CloseAlert(storeCtx, alert.ID, at); err != nil {
		if errors.Is(err, storage.ErrAlertNotFound) {
			s.logger.Warn().Str("alert_id", alert.ID).Msg("alert already closed or removed")
			return true
		}
		s.reporter.Report(ctx, "close", fmt.Errorf("alert %s: %w", alert.ID, err))
		return true
	}

	s.logger.Info().Str("alert_id", alert.ID).
		Str("channel", channel).
		Str("ratio_pct", item.result.RatioPct.StringFixed(4)).
		Str("threshold_pct", alert.ThresholdPct.String()).
		Msg("alert fired")
	return true
}

func (s *Service) recordSample(ctx context.Context, at time.Time, alert storage.Alert, res evaluator.Result) {
	if s.samples == nil {
		return
	}

	sample := storage.RatioSample{
		AlertID:      alert.ID,
		EvaluatedAt:  at,
		RatioPct:     res.RatioPct,
		Unbounded:    res.Unbounded,
		ThresholdPct: alert.ThresholdPct,
		Fired:        res.ShouldFire,
		CreatedAt:    time.Now().UTC(),
	}
	if res.BlockNumber != 0 {
		block := int64(res.BlockNumber)
		sample.BlockNumber = &block
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.samples.InsertRatioSample(storeCtx, sample); err != nil {
		s.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to record ratio sample")
	}
}

func (s *Service) cleanup(ctx context.Context) int64 {
	if s.unclaimedExpiry <= 0 {
		return 0
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	purged, err := s.alerts.PurgeExpiredUnclaimed(storeCtx, s.unclaimedExpiry)
	if err != nil {
		s.reporter.Report(ctx, "purge", err)
		return 0
	}
	if purged > 0 {
		metrics.PurgedAlertsTotal.Add(float64(purged))
		s.logger.Info().Int64("purged", purged).Msg("expired unclaimed alerts removed")
	}
	return purged
}

func (s *Service) listOpen(ctx context.Context) ([]storage.Alert, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.alerts.ListOpen(storeCtx)
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
