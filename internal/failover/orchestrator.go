package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gridfuse/resilience/internal/breaker"
	"github.com/gridfuse/resilience/internal/fusion"
	"github.com/gridfuse/resilience/models"
)

// CircuitBreaker is the guard the orchestrator wraps every adapter call with.
type CircuitBreaker interface {
	Execute(ctx context.Context, sourceID string, fn func(ctx context.Context) (any, error)) (any, error)
	State(sourceID string) breaker.State
	NextAttemptAt(sourceID string) (time.Time, bool)
}

// RateLimiter grants per-source slots; denial skips the candidate.
type RateLimiter interface {
	Acquire(sourceID string) error
}

// Tracker receives per-attempt observations and ranks candidates.
type Tracker interface {
	Record(sourceID string, latency time.Duration, success bool)
	UserSatisfaction(sourceID string) float64
}

// AdapterLookup resolves the adapter registered for a source.
type AdapterLookup func(sourceID string) (models.SourceAdapter, bool)

// Options tune the orchestrator.
type Options struct {
	MaxAttempts      int // failover candidates tried per request
	MaxFusionSources int // concurrent sources per fusion request
}

// Outcome is the orchestrator's result before the facade decorates it with
// quality and compliance summaries.
type Outcome struct {
	Data             any
	SourcesUsed      []string
	Attempted        []string
	Confidence       float64
	FailoverOccurred bool
	Warnings         []string
	Contributions    []models.SourceContribution
}

// Orchestrator picks candidates ranked by health and priority, guards every
// attempt with the circuit breaker and rate limiter, and absorbs per-source
// errors until no candidate remains.
type Orchestrator struct {
	breaker  CircuitBreaker
	limiter  RateLimiter
	tracker  Tracker
	fusion   *fusion.Engine
	adapters AdapterLookup
	opts     Options
	logger   *slog.Logger
	clock    func() time.Time
}

// New constructs an Orchestrator. Zero option fields fall back to the
// documented defaults (3 attempts, 3 fusion sources).
func New(cb CircuitBreaker, rl RateLimiter, tr Tracker, fe *fusion.Engine, adapters AdapterLookup, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.MaxFusionSources == 0 {
		opts.MaxFusionSources = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		breaker:  cb,
		limiter:  rl,
		tracker:  tr,
		fusion:   fe,
		adapters: adapters,
		opts:     opts,
		logger:   logger.With("component", "failover"),
		clock:    time.Now,
	}
}

// rank orders candidates: closed circuits first, then priority ascending, then
// user satisfaction descending. Preferred sources win within equal keys.
func (o *Orchestrator) rank(candidates []models.SourceConfig, preferred []string) []models.SourceConfig {
	prefer := make(map[string]bool, len(preferred))
	for _, id := range preferred {
		prefer[id] = true
	}
	ranked := append([]models.SourceConfig(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		ci, cj := ranked[i], ranked[j]
		closedI := o.breaker.State(ci.ID) == breaker.StateClosed
		closedJ := o.breaker.State(cj.ID) == breaker.StateClosed
		if closedI != closedJ {
			return closedI
		}
		if ci.Priority != cj.Priority {
			return ci.Priority < cj.Priority
		}
		if prefer[ci.ID] != prefer[cj.ID] {
			return prefer[ci.ID]
		}
		return o.tracker.UserSatisfaction(ci.ID) > o.tracker.UserSatisfaction(cj.ID)
	})
	return ranked
}

// Failover iterates healthy candidates until one succeeds or maxAttempts is
// exhausted. Per-source errors are absorbed; only AllSourcesFailed escapes.
func (o *Orchestrator) Failover(ctx context.Context, req models.DataRequest, candidates []models.SourceConfig) (*Outcome, error) {
	if o.opts.MaxAttempts <= 0 {
		return nil, &models.ValidationError{Field: "maxAttempts", Reason: "must be positive"}
	}
	ranked := o.rank(candidates, req.Sources.Preferred)

	var failures []models.SourceFailure
	var attempted []string
	var lastRetry models.RetrySpec
	attempts := 0
	for _, cfg := range ranked {
		if attempts >= o.opts.MaxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, translateCtxErr(err)
		}
		// Open circuits are skipped outright; Execute would transition to
		// HALF_OPEN once the open timeout has elapsed.
		if o.breaker.State(cfg.ID) == breaker.StateOpen {
			if next, ok := o.breaker.NextAttemptAt(cfg.ID); ok && o.clock().Before(next) {
				failures = append(failures, models.SourceFailure{SourceID: cfg.ID, Kind: "circuit_open"})
				continue
			}
		}
		// Rate-limit denial skips the candidate without counting a failure.
		if err := o.limiter.Acquire(cfg.ID); err != nil {
			o.logger.Debug("rate limit denied candidate", "source", cfg.ID)
			failures = append(failures, models.SourceFailure{SourceID: cfg.ID, Kind: "rate_limited"})
			continue
		}

		if attempts > 0 {
			o.waitBackoff(ctx, lastRetry, attempts)
		}
		attempts++
		attempted = append(attempted, cfg.ID)

		data, _, err := o.invoke(ctx, req, cfg)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, translateCtxErr(err)
			}
			o.logger.Warn("source attempt failed", "source", cfg.ID, "error", err)
			failures = append(failures, models.SourceFailure{SourceID: cfg.ID, Kind: models.ErrorKind(err), Detail: err.Error()})
			lastRetry = cfg.Retry
			continue
		}

		out := &Outcome{
			Data:             data,
			SourcesUsed:      attempted,
			Attempted:        attempted,
			Confidence:       cfgConfidence(cfg),
			FailoverOccurred: len(attempted) > 1,
		}
		if out.FailoverOccurred {
			out.Warnings = append(out.Warnings, "Failover occurred during request")
		}
		return out, nil
	}

	return nil, &models.AllSourcesFailedError{PerSource: failures}
}

// PrimaryOnly executes the single best candidate once, no retry.
func (o *Orchestrator) PrimaryOnly(ctx context.Context, req models.DataRequest, candidates []models.SourceConfig) (*Outcome, error) {
	if len(candidates) == 0 {
		return nil, &models.AllSourcesFailedError{}
	}
	ranked := o.rank(candidates, req.Sources.Preferred)
	cfg := ranked[0]
	if err := o.limiter.Acquire(cfg.ID); err != nil {
		return nil, err
	}
	data, _, err := o.invoke(ctx, req, cfg)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, translateCtxErr(err)
		}
		return nil, err
	}
	return &Outcome{
		Data:        data,
		SourcesUsed: []string{cfg.ID},
		Attempted:   []string{cfg.ID},
		Confidence:  cfgConfidence(cfg),
	}, nil
}

// Fusion fans out to the best candidates concurrently, deadline-bound by the
// request's max latency, and fuses the successful contributions.
func (o *Orchestrator) Fusion(ctx context.Context, req models.DataRequest, candidates []models.SourceConfig) (*Outcome, error) {
	ranked := o.rank(candidates, req.Sources.Preferred)
	if len(ranked) > o.opts.MaxFusionSources {
		ranked = ranked[:o.opts.MaxFusionSources]
	}

	fanCtx := ctx
	var cancel context.CancelFunc
	if req.Quality.MaxLatency > 0 {
		fanCtx, cancel = context.WithTimeout(ctx, req.Quality.MaxLatency)
		defer cancel()
	}

	var (
		mu            sync.Mutex
		contributions []models.SourceContribution
		attempted     []string
		wg            sync.WaitGroup
	)
	for _, cfg := range ranked {
		if o.breaker.State(cfg.ID) == breaker.StateOpen {
			if next, ok := o.breaker.NextAttemptAt(cfg.ID); ok && o.clock().Before(next) {
				continue
			}
		}
		if err := o.limiter.Acquire(cfg.ID); err != nil {
			continue
		}
		mu.Lock()
		attempted = append(attempted, cfg.ID)
		mu.Unlock()

		wg.Add(1)
		go func(cfg models.SourceConfig) {
			defer wg.Done()
			start := o.clock()
			data, latency, err := o.invoke(fanCtx, req, cfg)
			contribution := models.SourceContribution{
				SourceID:  cfg.ID,
				Latency:   latency,
				Timestamp: start,
			}
			switch {
			case err == nil:
				contribution.Status = models.ContributionSuccess
				contribution.Data = data
				contribution.Confidence = cfgConfidence(cfg)
			case errors.Is(err, context.DeadlineExceeded):
				contribution.Status = models.ContributionTimeout
			default:
				contribution.Status = models.ContributionError
			}
			mu.Lock()
			contributions = append(contributions, contribution)
			mu.Unlock()
		}(cfg)
	}
	wg.Wait()

	if len(attempted) == 0 {
		return nil, &models.AllSourcesFailedError{PerSource: nil}
	}

	result, err := o.fusion.Fuse(req.DataType, req.Quality.MinConfidence, contributions)
	if err != nil {
		var failures []models.SourceFailure
		for _, c := range contributions {
			failures = append(failures, models.SourceFailure{SourceID: c.SourceID, Kind: string(c.Status)})
		}
		if errors.Is(err, models.ErrFusion) && hasSuccess(contributions) {
			return nil, err
		}
		return nil, &models.AllSourcesFailedError{PerSource: failures}
	}

	var used []string
	for _, c := range result.Contributions {
		used = append(used, c.SourceID)
	}
	sort.Strings(used)
	return &Outcome{
		Data:          result.Data,
		SourcesUsed:   used,
		Attempted:     attempted,
		Confidence:    result.Confidence,
		Warnings:      result.Warnings,
		Contributions: result.Contributions,
	}, nil
}

// invoke runs one adapter call under the circuit breaker with the per-attempt
// timeout (min of request max latency and source timeout) and feeds the
// tracker. Cancelled calls record nothing.
func (o *Orchestrator) invoke(ctx context.Context, req models.DataRequest, cfg models.SourceConfig) (any, time.Duration, error) {
	adapter, ok := o.adapters(cfg.ID)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", models.ErrUnknownSource, cfg.ID)
	}

	timeout := cfg.Timeout
	if req.Quality.MaxLatency > 0 && (timeout <= 0 || req.Quality.MaxLatency < timeout) {
		timeout = req.Quality.MaxLatency
	}

	start := o.clock()
	data, err := o.breaker.Execute(ctx, cfg.ID, func(ctx context.Context) (any, error) {
		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		resp, err := adapter.Fetch(callCtx, req.Parameters)
		if err != nil {
			if callCtx.Err() != nil {
				return nil, callCtx.Err()
			}
			return nil, &models.AdapterError{SourceID: cfg.ID, Err: err}
		}
		if resp == nil || !resp.Success {
			detail := "adapter reported failure"
			if resp != nil && resp.Error != "" {
				detail = resp.Error
			}
			return nil, &models.AdapterError{SourceID: cfg.ID, Err: errors.New(detail)}
		}
		return resp.Data, nil
	})
	latency := o.clock().Sub(start)

	// Parent cancellation completes no business contract: no sample either.
	if err != nil && errors.Is(err, context.Canceled) {
		return nil, latency, err
	}
	var open *models.CircuitOpenError
	if !errors.As(err, &open) {
		o.tracker.Record(cfg.ID, latency, err == nil)
	}
	return data, latency, err
}

// waitBackoff sleeps between failover attempts per the failed source's retry
// policy, bounded by context.
func (o *Orchestrator) waitBackoff(ctx context.Context, retry models.RetrySpec, attempt int) {
	if retry.BaseBackoff <= 0 {
		return
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retry.BaseBackoff
	bo.RandomizationFactor = 0
	if retry.Exponential {
		bo.Multiplier = 2
	} else {
		bo.Multiplier = 1
	}
	var wait time.Duration
	for i := 0; i < attempt; i++ {
		wait = bo.NextBackOff()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// cfgConfidence is the single-source confidence: the declared quality
// composite of the serving source.
func cfgConfidence(cfg models.SourceConfig) float64 {
	q := cfg.Quality
	c := (q.Accuracy + q.Completeness + q.Timeliness + q.Reliability) / 4
	if c <= 0 {
		return 0.5
	}
	return c
}

func hasSuccess(cs []models.SourceContribution) bool {
	for _, c := range cs {
		if c.Status == models.ContributionSuccess {
			return true
		}
	}
	return false
}

func translateCtxErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", models.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", models.ErrCancelled, err)
	default:
		return err
	}
}
