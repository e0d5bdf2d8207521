package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"proxyharvest/internal/app/bootstrap"
	"proxyharvest/internal/app/version"
	"proxyharvest/internal/blacklist"
	"proxyharvest/internal/config"
	"proxyharvest/internal/jobs/fetcher"
	"proxyharvest/internal/jobs/health"
	"proxyharvest/internal/jobs/maintenance"
	"proxyharvest/internal/jobs/runtime"
	"proxyharvest/internal/jobs/scheduler"
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	log.SetLevel(resolveLogLevel(os.Getenv("LOG_LEVEL")))

	settingsFlag := flag.String("settings", "", "Path to the settings file (default data/settings.json)")
	onceFlag := flag.Bool("once", false, "Run a single cycle and exit")
	flag.Parse()

	info := version.Get()
	log.Info("Starting proxyharvest", "version", info.BuildVersion, "built_at", info.BuiltAt)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := bootstrap.Setup(ctx, bootstrap.Options{SettingsPath: *settingsFlag})
	if err != nil {
		return err
	}
	defer env.Close()

	renderer := fetcher.NewBrowserRenderer()
	defer renderer.Close()

	blocklist := blacklist.NewManager(env.Store)
	orchestrator := newOrchestrator(env, blocklist, renderer)

	if *onceFlag {
		if _, err := blocklist.Refresh(ctx); err != nil {
			log.Warn("Blacklist refresh failed", "error", err)
		}
		report, _, err := orchestrator.TryRunCycle(ctx)
		if err != nil {
			return fmt.Errorf("cycle %s: %w", report.ID, err)
		}
		return nil
	}

	var wg sync.WaitGroup
	launch := func(routine func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			routine(ctx)
		}()
	}

	if env.Redis != nil {
		launch(func(ctx context.Context) {
			runtime.StartInstanceHeartbeat(ctx, env.Redis, runtime.DefaultHeartbeatInterval, runtime.DefaultHeartbeatTTL)
		})
		log.Info("Instance registered", "id", runtime.InstanceID())
	}
	launch(blocklist.StartRefreshRoutine)
	launch(func(ctx context.Context) { runtime.StartGeoLiteUpdateRoutine(ctx, env.Resolver) })
	launch(func(ctx context.Context) { maintenance.StartFlaggedProxyPurgeRoutine(ctx, env.Store) })
	launch(orchestrator.StartCycleRoutine)

	<-ctx.Done()
	log.Info("Shutting down, waiting for running routines")
	wg.Wait()
	return nil
}

func newOrchestrator(env *bootstrap.Environment, blocklist *blacklist.Manager, renderer fetcher.Renderer) *scheduler.Orchestrator {
	cfg := config.GetConfig()

	fetchOpts := fetcher.OptionsFromConfig(cfg)
	fetchOpts.Renderer = renderer

	tracker := health.NewTrackerFromConfig(env.Store, env.Resolver)

	return scheduler.NewOrchestrator(scheduler.Dependencies{
		Sources:   env.Store,
		Fetcher:   fetcher.New(fetchOpts),
		Blocklist: blocklist,
		Recorder:  tracker,
		OnReport:  runtime.PublishCycleReport,
	})
}

func resolveLogLevel(raw string) log.Level {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return log.InfoLevel
	}
	level, err := log.ParseLevel(strings.ToLower(raw))
	if err != nil {
		log.Warn("invalid LOG_LEVEL, using info", "value", raw)
		return log.InfoLevel
	}
	return level
}
