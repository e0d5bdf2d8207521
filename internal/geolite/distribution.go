package geolite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisFileKey   = "proxyharvest:geolite:file"
	redisChannel   = "proxyharvest:geolite:updates"
	redisOpTimeout = 30 * time.Second
)

// Publish stores the resolver's current database in Redis and tells other
// instances to pull it, so only the update leader talks to MaxMind.
func Publish(ctx context.Context, client *redis.Client, resolver *Resolver) error {
	data, err := os.ReadFile(resolver.Path())
	if err != nil {
		return fmt.Errorf("geolite redis sync: read database: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := client.Set(opCtx, redisFileKey, data, 0).Err(); err != nil {
		return fmt.Errorf("geolite redis sync: store database: %w", err)
	}
	if err := client.Publish(opCtx, redisChannel, time.Now().UTC().Format(time.RFC3339)).Err(); err != nil {
		return fmt.Errorf("geolite redis sync: notify: %w", err)
	}
	return nil
}

// Follow loads the shared database once and then on every published update until ctx is done.
func Follow(ctx context.Context, client *redis.Client, resolver *Resolver) {
	if _, err := pull(ctx, client, resolver); err != nil {
		log.Warn("geolite redis sync: initial load failed", "error", err)
	}

	pubsub := client.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	for {
		_, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			log.Error("geolite redis sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		if updated, err := pull(ctx, client, resolver); err != nil {
			log.Error("geolite redis sync: failed to apply update", "error", err)
		} else if updated {
			log.Info("geolite redis sync: applied update")
		}
	}
}

func pull(ctx context.Context, client *redis.Client, resolver *Resolver) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	data, err := client.Get(opCtx, redisFileKey).Bytes()
	if errors.Is(err, redis.Nil) || (err == nil && len(data) == 0) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if current, readErr := os.ReadFile(resolver.Path()); readErr == nil && bytes.Equal(current, data) {
		return false, nil
	}

	if err := writeToFile(resolver.Path(), bytes.NewReader(data)); err != nil {
		return false, err
	}
	if err := resolver.Reload(); err != nil {
		return false, err
	}
	return true, nil
}
