package checker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"proxyharvest/internal/domain"
)

type countingProber struct {
	current atomic.Int64
	peak    atomic.Int64
	delay   time.Duration
}

func (p *countingProber) Probe(ctx context.Context, _ domain.Candidate, _ time.Duration) domain.ProbeResult {
	n := p.current.Add(1)
	defer p.current.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	select {
	case <-time.After(p.delay):
		return domain.ProbeResult{Success: true, Protocol: domain.ProtocolHTTP, TestedAt: time.Now()}
	case <-ctx.Done():
		return domain.ProbeResult{Failure: domain.FailureTimeout, Err: ctx.Err()}
	}
}

func manyCandidates(n int) []domain.Candidate {
	out := make([]domain.Candidate, n)
	for i := range out {
		out[i] = domain.Candidate{IP: "203.0.113.1", Port: i + 1}
	}
	return out
}

func TestPoolRespectsConcurrencyBound(t *testing.T) {
	const k = 16
	prober := &countingProber{delay: 50 * time.Microsecond}
	var observedPeak atomic.Int64
	pool := &Pool{
		Workers: k,
		Timeout: time.Second,
		Observer: func(n int64) {
			for {
				peak := observedPeak.Load()
				if n <= peak || observedPeak.CompareAndSwap(peak, n) {
					return
				}
			}
		},
	}

	var recorded atomic.Int64
	stats, err := pool.Run(context.Background(), manyCandidates(10_000), prober, func(domain.Candidate, domain.ProbeResult) error {
		recorded.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak := prober.peak.Load(); peak > k {
		t.Fatalf("peak concurrency %d exceeds %d", peak, k)
	}
	if peak := observedPeak.Load(); peak > k || peak == 0 {
		t.Fatalf("observer peak %d, want 1..%d", peak, k)
	}
	if stats.Probed != 10_000 || stats.Abandoned != 0 || recorded.Load() != 10_000 {
		t.Fatalf("stats %+v, recorded %d", stats, recorded.Load())
	}
}

func TestPoolAbandonsAfterCeiling(t *testing.T) {
	prober := &countingProber{delay: time.Hour}
	pool := &Pool{Workers: 2, Timeout: time.Hour, Ceiling: 50 * time.Millisecond}

	var recorded atomic.Int64
	start := time.Now()
	stats, err := pool.Run(context.Background(), manyCandidates(10), prober, func(domain.Candidate, domain.ProbeResult) error {
		recorded.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("pool did not stop at the ceiling")
	}
	if stats.Abandoned != 10 || stats.Probed != 0 || recorded.Load() != 0 {
		t.Fatalf("stats %+v, recorded %d", stats, recorded.Load())
	}
}

func TestPoolStopsOnRecordError(t *testing.T) {
	prober := &countingProber{delay: time.Millisecond}
	pool := &Pool{Workers: 4, Timeout: time.Second}
	storeDown := errors.New("store down")

	var once sync.Once
	_, err := pool.Run(context.Background(), manyCandidates(1000), prober, func(domain.Candidate, domain.ProbeResult) error {
		var out error
		once.Do(func() { out = storeDown })
		return out
	})
	if !errors.Is(err, storeDown) {
		t.Fatalf("Run returned %v, want the record error", err)
	}
}
