package scheduler

import (
	"sync"
	"time"

	"proxyharvest/internal/domain"
	"proxyharvest/internal/jobs/normalizer"
)

// CycleReport summarises one finished or aborted cycle.
type CycleReport struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Sources       int `json:"sources"`
	FailedSources int `json:"failed_sources"`
	Fetched       int `json:"fetched"`
	Skipped       int `json:"skipped"`

	Normalize normalizer.Stats `json:"normalize"`

	Probed         int            `json:"probed"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	Abandoned      int            `json:"abandoned"`
	FailuresByKind map[string]int `json:"failures_by_kind,omitempty"`

	Error string `json:"error,omitempty"`
}

func (r CycleReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// probeTally accumulates probe outcomes from concurrent workers.
type probeTally struct {
	mu        sync.Mutex
	succeeded int
	failed    int
	byKind    map[string]int
}

func (t *probeTally) add(result domain.ProbeResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if result.Success {
		t.succeeded++
		return
	}
	t.failed++
	if t.byKind == nil {
		t.byKind = make(map[string]int)
	}
	t.byKind[result.Failure.String()]++
}

func (t *probeTally) fill(report *CycleReport) {
	t.mu.Lock()
	defer t.mu.Unlock()

	report.Succeeded = t.succeeded
	report.Failed = t.failed
	if len(t.byKind) > 0 {
		report.FailuresByKind = make(map[string]int, len(t.byKind))
		for kind, n := range t.byKind {
			report.FailuresByKind[kind] = n
		}
	}
}
