package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"proxyharvest/internal/config"
	"proxyharvest/internal/support"
)

const (
	envPurgeInterval        = "PROXY_PURGE_INTERVAL"
	envPurgeIntervalMinutes = "PROXY_PURGE_INTERVAL_MINUTES"

	purgeLockKey = "proxyharvest:leader:proxy_purge"
)

type FlaggedProxyDeleter interface {
	DeleteFlaggedProxies(ctx context.Context) (int64, error)
}

// StartFlaggedProxyPurgeRoutine deletes proxies flagged for removal on every
// tick. PROXY_PURGE_INTERVAL pins the interval; otherwise it follows the
// maintenance purge timer from the settings.
func StartFlaggedProxyPurgeRoutine(ctx context.Context, store FlaggedProxyDeleter) {
	if ctx == nil {
		ctx = context.Background()
	}

	interval, updates := purgeIntervals()
	err := support.RunExclusive(ctx, purgeLockKey, func(leaderCtx context.Context) {
		runPurgeLoop(leaderCtx, store, interval(), updates)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Flagged proxy purge routine stopped", "error", err)
	}
}

// purgeIntervals subscribes once per routine, leadership terms share the
// listener. A pinned interval never changes and has no listener.
func purgeIntervals() (func() time.Duration, <-chan time.Duration) {
	if pinned, ok := resolvePurgeIntervalFromEnv(); ok {
		return func() time.Duration { return pinned }, nil
	}
	return config.GetPurgeInterval, config.PurgeIntervalUpdates()
}

func runPurgeLoop(ctx context.Context, store FlaggedProxyDeleter, current time.Duration, updates <-chan time.Duration) {
	if ctx.Err() != nil {
		return
	}

	ticker := time.NewTicker(current)
	defer ticker.Stop()

	PurgeFlaggedProxies(ctx, store)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			PurgeFlaggedProxies(ctx, store)
		case newInterval := <-updates:
			if newInterval <= 0 || newInterval == current {
				continue
			}
			support.DrainTicker(ticker)
			current = newInterval
			ticker.Reset(current)
		}
	}
}

func resolvePurgeIntervalFromEnv() (time.Duration, bool) {
	if raw := support.GetEnv(envPurgeInterval, ""); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			return parsed, true
		}
		log.Warn("Invalid PROXY_PURGE_INTERVAL value, falling back to minutes env", "value", raw)
	}

	if minutes := support.GetEnvInt(envPurgeIntervalMinutes, 0); minutes > 0 {
		return time.Duration(minutes) * time.Minute, true
	}
	return 0, false
}

// PurgeFlaggedProxies runs one purge pass and returns the number of deleted rows.
func PurgeFlaggedProxies(ctx context.Context, store FlaggedProxyDeleter) int64 {
	start := time.Now()

	removed, err := store.DeleteFlaggedProxies(ctx)
	if err != nil {
		log.Error("Failed to purge flagged proxies", "error", err)
		return 0
	}

	if removed == 0 {
		return 0
	}

	log.Info("Flagged proxy purge completed", "removed", removed, "duration", time.Since(start))
	return removed
}
