package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"proxyharvest/internal/config"
	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
	"proxyharvest/internal/jobs/checker"
	"proxyharvest/internal/jobs/fetcher"
	"proxyharvest/internal/jobs/normalizer"
)

type SourceLister interface {
	ListSources(ctx context.Context) ([]domain.Source, error)
}

type SourceFetcher interface {
	Fetch(ctx context.Context, src domain.Source) (fetcher.Result, error)
}

// Recorder persists probe and fetch outcomes.
type Recorder interface {
	Record(ctx context.Context, c domain.Candidate, result domain.ProbeResult) (*domain.Proxy, error)
	RecordSourceFetch(ctx context.Context, src domain.Source, fetchErr error) error
}

// Dependencies are the collaborators of one Orchestrator. Prober may be nil,
// in which case a prober is built from the current settings for every cycle.
// Blocklist and OnReport are optional.
type Dependencies struct {
	Sources   SourceLister
	Fetcher   SourceFetcher
	Blocklist normalizer.Blocklist
	Prober    checker.CandidateProber
	Recorder  Recorder
	OnReport  func(ctx context.Context, report CycleReport)
}

type Options struct {
	FetchConcurrency int
	Workers          int
	ProbeTimeout     time.Duration
	StageCeiling     time.Duration
}

// OptionsFromConfig resolves the cycle limits, capping the probe pool by the
// process descriptor limit.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		FetchConcurrency: cfg.FetchConcurrency(),
		Workers:          checker.CapWorkers(cfg.MaxConcurrentProbes()),
		ProbeTimeout:     cfg.ProbeTimeout(),
		StageCeiling:     cfg.ProbeStageCeiling(),
	}
}

// Orchestrator drives fetch, normalize, probe and record cycles. At most one
// cycle runs at a time.
type Orchestrator struct {
	deps    Dependencies
	options func() Options

	running sync.Mutex
	state   atomic.Int32
}

func NewOrchestrator(deps Dependencies) *Orchestrator {
	return &Orchestrator{
		deps: deps,
		options: func() Options {
			return OptionsFromConfig(config.GetConfig())
		},
	}
}

// SetOptions pins the cycle limits instead of reading them from the settings.
func (o *Orchestrator) SetOptions(opts Options) {
	o.options = func() Options { return opts }
}

func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

// TryRunCycle runs one cycle now. It returns immediately with started=false
// when another cycle is in progress.
func (o *Orchestrator) TryRunCycle(ctx context.Context) (report CycleReport, started bool, err error) {
	if !o.running.TryLock() {
		log.Info("Cycle trigger skipped: previous cycle still running", "state", o.State())
		return CycleReport{}, false, nil
	}
	defer o.running.Unlock()
	defer o.setState(StateIdle)

	report, err = o.runCycle(ctx)
	return report, true, err
}

type fetchOutcome struct {
	source domain.Source
	result fetcher.Result
	err    error
	// interrupted marks failures that happened after the cycle was cancelled.
	// They say nothing about the source and leave its counters untouched.
	interrupted bool
}

func (o *Orchestrator) runCycle(ctx context.Context) (CycleReport, error) {
	opts := o.options()
	report := CycleReport{ID: uuid.NewString(), StartedAt: time.Now()}
	logger := log.With("cycle", report.ID)

	// Completed work is persisted even when ctx is cancelled mid-cycle.
	writeCtx := context.WithoutCancel(ctx)

	fail := func(err error) (CycleReport, error) {
		report.FinishedAt = time.Now()
		report.Error = err.Error()
		logger.Error("Cycle aborted", "state", o.State(), "error", err)
		o.publish(writeCtx, report)
		return report, err
	}

	o.setState(StateFetching)
	sources, err := o.deps.Sources.ListSources(ctx)
	if err != nil {
		return fail(fmt.Errorf("scheduler: list sources: %w", err))
	}
	report.Sources = len(sources)

	outcomes := o.fetchAll(ctx, sources, opts.FetchConcurrency)

	var candidates []domain.Candidate
	for _, outcome := range outcomes {
		if outcome.err != nil {
			report.FailedSources++
			logger.Warn("Source fetch failed",
				"source", outcome.source.Name,
				"kind", domain.FetchErrorKindOf(outcome.err),
				"error", outcome.err,
			)
			continue
		}
		report.Skipped += outcome.result.Skipped
		candidates = append(candidates, outcome.result.Candidates...)
	}
	report.Fetched = len(candidates)
	logger.Info("Fetching finished", "sources", report.Sources, "failed_sources", report.FailedSources, "candidates", report.Fetched, "skipped", report.Skipped)

	o.setState(StateNormalizing)
	normalized, stats := normalizer.Normalize(candidates, o.deps.Blocklist)
	report.Normalize = stats
	logger.Debug("Normalizing finished", "input", stats.Input, "invalid", stats.Invalid, "blocked", stats.Blocked, "duplicates", stats.Duplicates, "output", stats.Output)

	o.setState(StateProbing)
	prober := o.deps.Prober
	if prober == nil {
		prober = checker.NewProber(checker.OptionsFromConfig(config.GetConfig()))
	}

	var tally probeTally
	record := func(c domain.Candidate, result domain.ProbeResult) error {
		if _, err := o.deps.Recorder.Record(writeCtx, c, result); err != nil {
			if database.IsStoreError(err) {
				return err
			}
			logger.Warn("Probe result not recorded", "proxy", c.Address(), "error", err)
			return nil
		}
		tally.add(result)
		return nil
	}

	pool := checker.Pool{Workers: opts.Workers, Timeout: opts.ProbeTimeout, Ceiling: opts.StageCeiling}
	poolStats, poolErr := pool.Run(ctx, normalized, prober, record)
	report.Probed = poolStats.Probed
	report.Abandoned = poolStats.Abandoned
	tally.fill(&report)

	if poolErr != nil && database.IsStoreError(poolErr) {
		return fail(fmt.Errorf("scheduler: record probe result: %w", poolErr))
	}

	o.setState(StateRecording)
	for _, outcome := range outcomes {
		if outcome.interrupted {
			continue
		}
		if err := o.deps.Recorder.RecordSourceFetch(writeCtx, outcome.source, outcome.err); err != nil {
			return fail(fmt.Errorf("scheduler: record source %s: %w", outcome.source.Name, err))
		}
	}

	report.FinishedAt = time.Now()
	if poolErr != nil {
		report.Error = poolErr.Error()
	}

	logger.Info("Cycle finished",
		"duration", report.Duration(),
		"probed", report.Probed,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"abandoned", report.Abandoned,
	)
	o.publish(writeCtx, report)

	if poolErr != nil && !errors.Is(poolErr, context.Canceled) && !errors.Is(poolErr, context.DeadlineExceeded) {
		return report, poolErr
	}
	return report, ctx.Err()
}

// fetchAll fetches every source independently; outcomes keep source order.
func (o *Orchestrator) fetchAll(ctx context.Context, sources []domain.Source, limit int) []fetchOutcome {
	outcomes := make([]fetchOutcome, len(sources))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, src := range sources {
		i, src := i, src
		outcomes[i].source = src
		g.Go(func() error {
			result, err := o.deps.Fetcher.Fetch(ctx, src)
			outcomes[i].result = result
			outcomes[i].err = err
			outcomes[i].interrupted = err != nil && ctx.Err() != nil
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (o *Orchestrator) publish(ctx context.Context, report CycleReport) {
	if o.deps.OnReport != nil {
		o.deps.OnReport(ctx, report)
	}
}
