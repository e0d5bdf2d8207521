package runtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"proxyharvest/internal/config"
	"proxyharvest/internal/geolite"
	"proxyharvest/internal/support"
)

const geoLiteUpdateLockKey = "proxyharvest:leader:geolite_update"

// StartGeoLiteUpdateRoutine keeps the GeoIP database fresh. The lock holder
// downloads from MaxMind and, with Redis, shares the file; every instance
// follows the shared copy.
func StartGeoLiteUpdateRoutine(ctx context.Context, resolver *geolite.Resolver) {
	if ctx == nil {
		ctx = context.Background()
	}

	if support.RedisConfigured() {
		if client, err := support.GetRedisClient(); err == nil {
			go geolite.Follow(ctx, client, resolver)
		} else {
			log.Warn("GeoLite redis sync disabled", "error", err)
		}
	}

	updates := config.GeoLiteUpdateIntervalUpdates()
	err := support.RunExclusive(ctx, geoLiteUpdateLockKey, func(leaderCtx context.Context) {
		runGeoLiteUpdateLoop(leaderCtx, resolver, config.GetGeoLiteUpdateInterval(), updates)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("GeoLite update routine stopped", "error", err)
	}
}

func runGeoLiteUpdateLoop(ctx context.Context, resolver *geolite.Resolver, current time.Duration, updates <-chan time.Duration) {
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	RunGeoLiteUpdate(ctx, resolver, "startup", false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RunGeoLiteUpdate(ctx, resolver, "scheduled", false)
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

// RunGeoLiteUpdate downloads the configured edition once. Unless force is set
// it only runs when auto updates are enabled. It reports whether the
// database was replaced.
func RunGeoLiteUpdate(ctx context.Context, resolver *geolite.Resolver, reason string, force bool) bool {
	cfg := config.GetConfig()
	apiKey := strings.TrimSpace(cfg.GeoLite.APIKey)
	if apiKey == "" {
		log.Debug("GeoLite update skipped: API key missing", "reason", reason)
		return false
	}
	if !force && !cfg.GeoLite.AutoUpdate {
		log.Debug("GeoLite update skipped: auto update disabled", "reason", reason)
		return false
	}

	err := geolite.NewUpdater(resolver, apiKey, cfg.GeoLite.EditionID).Update(ctx)
	switch {
	case errors.Is(err, geolite.ErrNoAPIKey):
		log.Debug("GeoLite update skipped: API key missing", "reason", reason)
		return false
	case err != nil:
		log.Error("GeoLite update failed", "reason", reason, "error", err)
		return false
	}

	log.Info("GeoLite database updated", "reason", reason, "path", resolver.Path())
	if err := config.MarkGeoLiteUpdated(time.Now()); err != nil {
		log.Warn("Failed to record GeoLite update time", "error", err)
	}

	if support.RedisConfigured() {
		client, err := support.GetRedisClient()
		if err == nil {
			err = geolite.Publish(ctx, client, resolver)
		}
		if err != nil {
			log.Warn("Failed to share GeoLite database", "error", err)
		}
	}
	return true
}
