package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
	"proxyharvest/internal/jobs/fetcher"
	"proxyharvest/internal/jobs/health"
)

func setupCycleStore(t *testing.T) *database.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := database.SetupDB(database.WithExistingDB(db), database.WithMigrations(database.DefaultMigrations()...)); err != nil {
		t.Fatalf("setup db: %v", err)
	}
	// probe workers record concurrently; shared-cache sqlite needs a single writer
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return database.NewStore(db)
}

func serveList(t *testing.T, status int, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/list.txt"
}

func addSource(t *testing.T, store *database.Store, name, uri string) domain.Source {
	t.Helper()
	src := domain.Source{Name: name, URI: uri, URIPredefinedType: domain.SourceKindPlainText}
	if err := store.CreateSource(context.Background(), &src); err != nil {
		t.Fatalf("CreateSource %s: %v", name, err)
	}
	return src
}

// scriptedProber answers from a table keyed by candidate IP; unknown IPs time out.
type scriptedProber struct {
	mu      sync.Mutex
	results map[string]domain.ProbeResult
	probed  []string
}

func (p *scriptedProber) Probe(_ context.Context, c domain.Candidate, _ time.Duration) domain.ProbeResult {
	p.mu.Lock()
	p.probed = append(p.probed, c.IP)
	p.mu.Unlock()

	if result, ok := p.results[c.IP]; ok {
		result.TestedAt = time.Now()
		return result
	}
	return domain.ProbeResult{Failure: domain.FailureTimeout, TestedAt: time.Now(), Attempts: 1}
}

func newTestOrchestrator(store *database.Store, prober *scriptedProber) *Orchestrator {
	o := NewOrchestrator(Dependencies{
		Sources:  store,
		Fetcher:  fetcher.New(fetcher.Options{Timeout: 5 * time.Second}),
		Prober:   prober,
		Recorder: health.NewTracker(store, nil, health.Options{FailureThreshold: 3}),
	})
	o.SetOptions(Options{FetchConcurrency: 4, Workers: 8, ProbeTimeout: time.Second, StageCeiling: 10 * time.Second})
	return o
}

func TestCycleEndToEnd(t *testing.T) {
	store := setupCycleStore(t)
	ctx := context.Background()

	uri := serveList(t, http.StatusOK, "203.0.113.10:8080\nnot-a-proxy\n198.51.100.7:3128\n")
	addSource(t, store, "free-list", uri)

	prober := &scriptedProber{results: map[string]domain.ProbeResult{
		"203.0.113.10": {Success: true, Latency: 120 * time.Millisecond, Protocol: domain.ProtocolHTTP, Attempts: 1},
	}}
	o := newTestOrchestrator(store, prober)

	report, started, err := o.TryRunCycle(ctx)
	if err != nil || !started {
		t.Fatalf("TryRunCycle = started %v, err %v", started, err)
	}
	if report.Fetched != 2 || report.Skipped != 1 {
		t.Fatalf("fetched %d skipped %d, want 2 and 1", report.Fetched, report.Skipped)
	}
	if report.Succeeded != 1 || report.Failed != 1 || report.FailuresByKind["timeout"] != 1 {
		t.Fatalf("unexpected probe tally %+v", report)
	}

	proxies, total, err := store.ListProxies(ctx, database.ProxyFilter{})
	if err != nil {
		t.Fatalf("ListProxies: %v", err)
	}
	if total != 1 {
		t.Fatalf("stored %d proxies, want 1", total)
	}
	if p := proxies[0]; p.IP != "203.0.113.10" || p.Health.LatencyMs != 120 || p.Protocol != domain.ProtocolHTTP {
		t.Fatalf("unexpected proxy %+v", p)
	}
	if p, _ := store.FindProxy(ctx, "198.51.100.7", 3128); p != nil {
		t.Fatalf("timed out candidate was persisted: %+v", p)
	}

	sources, err := store.ListSources(ctx)
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if h := sources[0].Health; h.TotalConnAttempts != 1 || h.FailedConnAttempts != 0 || h.LastUsed == nil {
		t.Fatalf("unexpected source health %+v", h)
	}
	if o.State() != StateIdle {
		t.Fatalf("state after cycle = %s", o.State())
	}
}

func TestCycleIsolatesFailingSources(t *testing.T) {
	store := setupCycleStore(t)
	ctx := context.Background()

	addSource(t, store, "broken", serveList(t, http.StatusInternalServerError, "oops"))
	addSource(t, store, "empty", serveList(t, http.StatusOK, ""))
	addSource(t, store, "good", serveList(t, http.StatusOK, "203.0.113.20:80\n"))

	prober := &scriptedProber{results: map[string]domain.ProbeResult{
		"203.0.113.20": {Success: true, Latency: 50 * time.Millisecond, Protocol: domain.ProtocolHTTP},
	}}
	report, _, err := newTestOrchestrator(store, prober).TryRunCycle(ctx)
	if err != nil {
		t.Fatalf("TryRunCycle: %v", err)
	}
	if report.Sources != 3 || report.FailedSources != 2 || report.Succeeded != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	sources, _ := store.ListSources(ctx)
	for _, src := range sources {
		wantFailed := uint64(1)
		if src.Name == "good" {
			wantFailed = 0
		}
		if src.Health.TotalConnAttempts != 1 || src.Health.FailedConnAttempts != wantFailed {
			t.Errorf("source %s health = %+v", src.Name, src.Health)
		}
	}
}

func TestCycleDedupesAcrossSources(t *testing.T) {
	store := setupCycleStore(t)
	ctx := context.Background()

	addSource(t, store, "a", serveList(t, http.StatusOK, "203.0.113.30:8080\n"))
	addSource(t, store, "b", serveList(t, http.StatusOK, "http://203.0.113.30:8080\n"))

	prober := &scriptedProber{results: map[string]domain.ProbeResult{
		"203.0.113.30": {Success: true, Latency: 10 * time.Millisecond, Protocol: domain.ProtocolHTTP},
	}}
	report, _, err := newTestOrchestrator(store, prober).TryRunCycle(ctx)
	if err != nil {
		t.Fatalf("TryRunCycle: %v", err)
	}
	if report.Normalize.Duplicates != 1 || len(prober.probed) != 1 {
		t.Fatalf("duplicates %d probed %v", report.Normalize.Duplicates, prober.probed)
	}
}

type blockingProber struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingProber) Probe(ctx context.Context, _ domain.Candidate, _ time.Duration) domain.ProbeResult {
	p.once.Do(func() { close(p.started) })
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return domain.ProbeResult{Failure: domain.FailureTimeout, TestedAt: time.Now()}
}

func TestOverlappingTriggerIsSkipped(t *testing.T) {
	store := setupCycleStore(t)
	addSource(t, store, "free-list", serveList(t, http.StatusOK, "203.0.113.40:8080\n"))

	prober := &blockingProber{started: make(chan struct{}), release: make(chan struct{})}
	o := NewOrchestrator(Dependencies{
		Sources:  store,
		Fetcher:  fetcher.New(fetcher.Options{Timeout: 5 * time.Second}),
		Prober:   prober,
		Recorder: health.NewTracker(store, nil, health.Options{FailureThreshold: 3}),
	})
	o.SetOptions(Options{FetchConcurrency: 1, Workers: 1, ProbeTimeout: time.Second, StageCeiling: 10 * time.Second})

	done := make(chan error, 1)
	go func() {
		_, _, err := o.TryRunCycle(context.Background())
		done <- err
	}()

	select {
	case <-prober.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never reached probing")
	}
	if o.State() != StateProbing {
		t.Fatalf("state = %s, want probing", o.State())
	}

	if _, started, err := o.TryRunCycle(context.Background()); started || err != nil {
		t.Fatalf("overlapping trigger started=%v err=%v", started, err)
	}

	close(prober.release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if _, started, _ := o.TryRunCycle(context.Background()); !started {
		t.Fatal("trigger after completion did not start a cycle")
	}
}

type failingRecorder struct {
	*health.Tracker
}

func (failingRecorder) Record(context.Context, domain.Candidate, domain.ProbeResult) (*domain.Proxy, error) {
	return nil, &database.StoreError{Op: "upsert proxy", Err: errors.New("disk full")}
}

func TestStoreErrorAbortsCycle(t *testing.T) {
	store := setupCycleStore(t)
	addSource(t, store, "free-list", serveList(t, http.StatusOK, "203.0.113.50:8080\n203.0.113.51:8080\n"))

	var published []CycleReport
	o := NewOrchestrator(Dependencies{
		Sources:  store,
		Fetcher:  fetcher.New(fetcher.Options{Timeout: 5 * time.Second}),
		Prober:   &scriptedProber{},
		Recorder: failingRecorder{health.NewTracker(store, nil, health.Options{})},
		OnReport: func(_ context.Context, r CycleReport) { published = append(published, r) },
	})
	o.SetOptions(Options{FetchConcurrency: 1, Workers: 1, ProbeTimeout: time.Second, StageCeiling: 10 * time.Second})

	report, started, err := o.TryRunCycle(context.Background())
	if !started {
		t.Fatal("cycle did not start")
	}
	var storeErr *database.StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("err = %v, want StoreError", err)
	}
	if report.Error == "" || len(published) != 1 {
		t.Fatalf("aborted cycle not reported: %+v", report)
	}

	sources, _ := store.ListSources(context.Background())
	if sources[0].Health.TotalConnAttempts != 0 {
		t.Fatalf("source health written after abort: %+v", sources[0].Health)
	}
}

func TestCycleAbandonsAfterCeiling(t *testing.T) {
	store := setupCycleStore(t)
	addSource(t, store, "free-list", serveList(t, http.StatusOK, "203.0.113.60:8080\n203.0.113.61:8080\n203.0.113.62:8080\n"))

	prober := &blockingProber{started: make(chan struct{}), release: make(chan struct{})}
	o := NewOrchestrator(Dependencies{
		Sources:  store,
		Fetcher:  fetcher.New(fetcher.Options{Timeout: 5 * time.Second}),
		Prober:   prober,
		Recorder: health.NewTracker(store, nil, health.Options{FailureThreshold: 3}),
	})
	o.SetOptions(Options{FetchConcurrency: 1, Workers: 1, ProbeTimeout: time.Second, StageCeiling: 100 * time.Millisecond})

	report, _, err := o.TryRunCycle(context.Background())
	if err != nil {
		t.Fatalf("TryRunCycle: %v", err)
	}
	if report.Abandoned != 3 || report.Probed != 0 {
		t.Fatalf("abandoned %d probed %d, want 3 and 0", report.Abandoned, report.Probed)
	}

	sources, _ := store.ListSources(context.Background())
	if sources[0].Health.TotalConnAttempts != 1 {
		t.Fatalf("source health not recorded after ceiling: %+v", sources[0].Health)
	}
}

// cancellingFetcher cancels the cycle while the "stalled" source is in flight,
// after every other source has completed.
type cancellingFetcher struct {
	cancel    context.CancelFunc
	completed chan struct{}
}

func (f *cancellingFetcher) Fetch(ctx context.Context, src domain.Source) (fetcher.Result, error) {
	if src.Name != "stalled" {
		defer close(f.completed)
		return fetcher.Result{}, nil
	}
	<-f.completed
	f.cancel()
	<-ctx.Done()
	return fetcher.Result{}, fmt.Errorf("fetch %s: %w", src.Name, ctx.Err())
}

func TestShutdownDuringFetchLeavesInterruptedSourcesUntouched(t *testing.T) {
	store := setupCycleStore(t)
	addSource(t, store, "healthy", serveList(t, http.StatusOK, ""))
	addSource(t, store, "stalled", serveList(t, http.StatusOK, ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := NewOrchestrator(Dependencies{
		Sources:  store,
		Fetcher:  &cancellingFetcher{cancel: cancel, completed: make(chan struct{})},
		Prober:   &scriptedProber{},
		Recorder: health.NewTracker(store, nil, health.Options{FailureThreshold: 3}),
	})
	o.SetOptions(Options{FetchConcurrency: 2, Workers: 1, ProbeTimeout: time.Second, StageCeiling: 10 * time.Second})

	report, started, err := o.TryRunCycle(ctx)
	if !started {
		t.Fatal("cycle did not start")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if report.FailedSources != 1 {
		t.Fatalf("failed sources = %d, want 1", report.FailedSources)
	}

	sources, err := store.ListSources(context.Background())
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	for _, src := range sources {
		switch src.Name {
		case "healthy":
			if src.Health.TotalConnAttempts != 1 || src.Health.FailedConnAttempts != 0 {
				t.Errorf("healthy source health = %+v", src.Health)
			}
		case "stalled":
			if src.Health.TotalConnAttempts != 0 || src.Health.FailedConnAttempts != 0 {
				t.Errorf("interrupted source counted: %+v", src.Health)
			}
		}
	}
}
