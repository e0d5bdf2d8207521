package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"proxyharvest/internal/jobs/scheduler"
	"proxyharvest/internal/support"
)

const (
	CycleReportKey       = "proxyharvest:cycle:last"
	cycleReportTTL       = 7 * 24 * time.Hour
	cycleReportOpTimeout = 5 * time.Second
)

// PublishCycleReport stores report as the latest cycle when Redis is
// configured. It matches scheduler.Dependencies.OnReport.
func PublishCycleReport(ctx context.Context, report scheduler.CycleReport) {
	if !support.RedisConfigured() {
		return
	}
	client, err := support.GetRedisClient()
	if err != nil {
		log.Warn("Cycle report not published", "cycle", report.ID, "error", err)
		return
	}
	if err := StoreCycleReport(ctx, client, report); err != nil {
		log.Warn("Cycle report not published", "cycle", report.ID, "error", err)
	}
}

func StoreCycleReport(ctx context.Context, client *redis.Client, report scheduler.CycleReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("runtime: encode cycle report: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, cycleReportOpTimeout)
	defer cancel()
	if err := client.Set(opCtx, CycleReportKey, payload, cycleReportTTL).Err(); err != nil {
		return fmt.Errorf("runtime: store cycle report: %w", err)
	}
	return nil
}

// LoadCycleReport returns the latest published report, or false when none exists.
func LoadCycleReport(ctx context.Context, client *redis.Client) (scheduler.CycleReport, bool, error) {
	payload, err := client.Get(ctx, CycleReportKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return scheduler.CycleReport{}, false, nil
	}
	if err != nil {
		return scheduler.CycleReport{}, false, fmt.Errorf("runtime: load cycle report: %w", err)
	}

	var report scheduler.CycleReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return scheduler.CycleReport{}, false, fmt.Errorf("runtime: decode cycle report: %w", err)
	}
	return report, true, nil
}
