package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"proxyharvest/internal/config"
	"proxyharvest/internal/support"
)

const cycleLockKey = "proxyharvest:leader:cycle"

// StartCycleRoutine runs a cycle at startup and then on every tick of the
// configured cycle interval. With Redis, only the lock holder runs cycles.
func (o *Orchestrator) StartCycleRoutine(ctx context.Context) {
	updates := config.CycleIntervalUpdates()
	err := support.RunExclusive(ctx, cycleLockKey, func(leaderCtx context.Context) {
		o.runCycleLoop(leaderCtx, config.GetCycleInterval(), updates)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Cycle routine stopped", "error", err)
	}
}

// runCycleLoop runs one leadership term. updates outlives the term.
func (o *Orchestrator) runCycleLoop(ctx context.Context, current time.Duration, updates <-chan time.Duration) {
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	o.trigger(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.trigger(ctx, "scheduled")
		case newInterval := <-updates:
			if newInterval <= 0 || newInterval == current {
				continue
			}
			log.Info("Cycle interval changed", "interval", newInterval)
			support.DrainTicker(ticker)
			current = newInterval
			ticker.Reset(current)
		}
	}
}

func (o *Orchestrator) trigger(ctx context.Context, reason string) {
	_, started, err := o.TryRunCycle(ctx)
	switch {
	case !started:
	case err != nil && errors.Is(err, context.Canceled):
		log.Info("Cycle canceled", "reason", reason)
	case err != nil:
		log.Error("Cycle failed", "reason", reason, "error", err)
	}
}
