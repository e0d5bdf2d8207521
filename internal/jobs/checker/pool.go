package checker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"proxyharvest/internal/domain"
)

// fdPerProbe approximates the descriptors one in-flight probe holds.
const fdPerProbe = 4

// CandidateProber is the probe contract the pool drives.
type CandidateProber interface {
	Probe(ctx context.Context, c domain.Candidate, timeout time.Duration) domain.ProbeResult
}

// RecordFunc receives each completed probe exactly once. A non-nil error stops the pool.
type RecordFunc func(c domain.Candidate, result domain.ProbeResult) error

type PoolStats struct {
	Queued    int
	Probed    int
	Abandoned int
}

// Pool runs probes on a fixed number of workers under one stage deadline.
type Pool struct {
	Workers int
	Timeout time.Duration
	Ceiling time.Duration
	// Observer, when set, is called with the in-flight count whenever a probe starts.
	Observer func(inFlight int64)
}

// CapWorkers limits requested by 70% of the descriptor limit, assuming
// fdPerProbe descriptors per probe.
func CapWorkers(requested int) int {
	return capByFDLimit(requested, detectFDLimit())
}

func capByFDLimit(requested int, fdLimit uint64) int {
	if requested < 1 {
		requested = 1
	}
	if fdLimit == 0 {
		return requested
	}
	maxByFD := max(int(fdLimit*70/100/fdPerProbe), 1)
	return min(requested, maxByFD)
}

// Run probes candidates and hands every finished result to record. When the
// ceiling expires the queue stops, in-flight probes are cancelled and their
// results, together with never-started candidates, count as abandoned.
func (p *Pool) Run(ctx context.Context, candidates []domain.Candidate, prober CandidateProber, record RecordFunc) (PoolStats, error) {
	stats := PoolStats{Queued: len(candidates)}
	if len(candidates) == 0 {
		return stats, nil
	}

	stageCtx := ctx
	if p.Ceiling > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, p.Ceiling)
		defer cancel()
	}
	stageCtx, stop := context.WithCancelCause(stageCtx)
	defer stop(nil)

	workers := min(max(p.Workers, 1), len(candidates))

	queue := make(chan domain.Candidate)
	go func() {
		defer close(queue)
		for _, c := range candidates {
			select {
			case queue <- c:
			case <-stageCtx.Done():
				return
			}
		}
	}()

	var (
		inFlight atomic.Int64
		probed   atomic.Int64
		wg       sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range queue {
				if stageCtx.Err() != nil {
					return
				}

				n := inFlight.Add(1)
				if p.Observer != nil {
					p.Observer(n)
				}
				result := prober.Probe(stageCtx, c, p.Timeout)
				inFlight.Add(-1)

				if IsAbandoned(stageCtx, result) {
					continue
				}
				probed.Add(1)

				if err := record(c, result); err != nil {
					stop(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	stats.Probed = int(probed.Load())
	stats.Abandoned = stats.Queued - stats.Probed

	if cause := context.Cause(stageCtx); cause != nil && !errors.Is(cause, context.DeadlineExceeded) && !errors.Is(cause, context.Canceled) {
		return stats, cause
	}
	if stats.Abandoned > 0 {
		log.Warn("Probing stage ended with abandoned candidates", "abandoned", stats.Abandoned, "probed", stats.Probed)
	}
	return stats, ctx.Err()
}
