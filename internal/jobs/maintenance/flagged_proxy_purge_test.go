package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingDeleter struct {
	calls atomic.Int32
	err   error
}

func (d *countingDeleter) DeleteFlaggedProxies(context.Context) (int64, error) {
	d.calls.Add(1)
	if d.err != nil {
		return 0, d.err
	}
	return 2, nil
}

func TestResolvePurgeIntervalFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		interval string
		minutes  string
		want     time.Duration
		wantOK   bool
	}{
		{name: "unset", wantOK: false},
		{name: "duration", interval: "90s", want: 90 * time.Second, wantOK: true},
		{name: "minutes", minutes: "15", want: 15 * time.Minute, wantOK: true},
		{name: "invalid duration falls back", interval: "soon", minutes: "5", want: 5 * time.Minute, wantOK: true},
		{name: "non-positive minutes", minutes: "0", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(envPurgeInterval, tt.interval)
			t.Setenv(envPurgeIntervalMinutes, tt.minutes)

			got, ok := resolvePurgeIntervalFromEnv()
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("resolvePurgeIntervalFromEnv() = %v, %v; want %v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestPurgeFlaggedProxies(t *testing.T) {
	if got := PurgeFlaggedProxies(context.Background(), &countingDeleter{}); got != 2 {
		t.Fatalf("removed = %d, want 2", got)
	}
	if got := PurgeFlaggedProxies(context.Background(), &countingDeleter{err: errors.New("boom")}); got != 0 {
		t.Fatalf("removed on error = %d, want 0", got)
	}
}

func TestRunPurgeLoopTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deleter := &countingDeleter{}
	done := make(chan struct{})
	go func() {
		runPurgeLoop(ctx, deleter, 20*time.Millisecond, nil)
		close(done)
	}()

	waitForPurges(t, deleter, 3)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("purge loop did not stop on cancel")
	}
}

func TestRunPurgeLoopSharesListenerAcrossTerms(t *testing.T) {
	updates := make(chan time.Duration, 1)
	deleter := &countingDeleter{}

	runTerm := func(initial time.Duration, want int32) {
		t.Helper()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			runPurgeLoop(ctx, deleter, initial, updates)
			close(done)
		}()
		waitForPurges(t, deleter, want)
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("purge loop did not stop on cancel")
		}
	}

	// First term only runs the startup purge.
	runTerm(time.Hour, 1)

	// The interval changes while another instance leads.
	updates <- 20 * time.Millisecond

	// The next term reuses the same listener and picks up the change.
	runTerm(time.Hour, 4)
}

func waitForPurges(t *testing.T, deleter *countingDeleter, want int32) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for deleter.calls.Load() < want {
		select {
		case <-deadline:
			t.Fatalf("purge ran %d times, want at least %d", deleter.calls.Load(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
