package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"proxyharvest/internal/config"
	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
	"proxyharvest/internal/geolite"
	"proxyharvest/internal/jobs/fetcher"
	"proxyharvest/internal/support"
)

type Options struct {
	SettingsPath string
}

// Environment holds the shared resources every routine is wired from.
type Environment struct {
	DB       *gorm.DB
	Store    *database.Store
	Resolver *geolite.Resolver
	// Redis is nil in single-instance mode.
	Redis *redis.Client
}

// Setup loads settings, connects the stores and seeds configured sources.
func Setup(ctx context.Context, opts Options) (*Environment, error) {
	if opts.SettingsPath != "" {
		config.SetSettingsFilePath(opts.SettingsPath)
	}
	config.ReadSettings()

	env := &Environment{}

	if support.RedisConfigured() {
		client, err := support.GetRedisClient()
		if err != nil {
			return nil, fmt.Errorf("bootstrap: redis: %w", err)
		}
		env.Redis = client
		config.EnableRedisSynchronization(ctx, client)
	} else {
		log.Info("REDIS_URL not set, running in single-instance mode")
	}

	db, err := database.SetupDB()
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("bootstrap: database: %w", err)
	}
	env.DB = db
	env.Store = database.NewStore(db)

	cfg := config.GetConfig()
	seeded, err := SeedSources(ctx, env.Store, cfg.Sources)
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("bootstrap: seed sources: %w", err)
	}
	if seeded > 0 {
		log.Info("Sources seeded from settings", "count", seeded)
	}

	env.Resolver = geolite.NewResolver(cfg.GeoLite.DatabasePath)
	return env, nil
}

func (e *Environment) Close() {
	if e.Resolver != nil {
		if err := e.Resolver.Close(); err != nil {
			log.Warn("Failed to close GeoIP database", "error", err)
		}
	}
	if e.DB != nil {
		if sqlDB, err := e.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if e.Redis != nil {
		if err := support.CloseRedisClient(); err != nil {
			log.Warn("Failed to close redis client", "error", err)
		}
	}
}

type SourceUpserter interface {
	UpsertSourceByName(ctx context.Context, source *domain.Source) error
}

// SeedSources upserts every valid seed by name. Invalid seeds are logged and
// skipped; only store failures are returned.
func SeedSources(ctx context.Context, store SourceUpserter, seeds []config.SourceSeed) (int, error) {
	seeded := 0
	for _, seed := range seeds {
		src, err := sourceFromSeed(seed)
		if err != nil {
			log.Warn("Skipping source seed", "name", seed.Name, "error", err)
			continue
		}

		if err := store.UpsertSourceByName(ctx, &src); err != nil {
			if errors.Is(err, database.ErrInvalidSource) {
				log.Warn("Skipping source seed", "name", seed.Name, "error", err)
				continue
			}
			return seeded, err
		}
		seeded++
	}
	return seeded, nil
}

func sourceFromSeed(seed config.SourceSeed) (domain.Source, error) {
	kind := domain.SourceKind(seed.URIPredefinedType)
	if !fetcher.Supports(kind) {
		return domain.Source{}, fmt.Errorf("no fetcher for predefined type %q", seed.URIPredefinedType)
	}

	protocol := domain.ProtocolUnknown
	if seed.Protocol != "" {
		parsed, ok := domain.ParseProtocol(seed.Protocol)
		if !ok {
			return domain.Source{}, fmt.Errorf("unknown protocol %q", seed.Protocol)
		}
		protocol = parsed
	}

	return domain.Source{
		Name:              seed.Name,
		URI:               seed.URI,
		URIPredefinedType: kind,
		Protocol:          protocol,
	}, nil
}
