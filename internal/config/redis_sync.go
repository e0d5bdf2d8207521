package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisSettingsKey     = "proxyharvest:config:settings"
	redisSettingsChannel = "proxyharvest:config:updates"
	redisOpTimeout       = 5 * time.Second
	resubscribeDelay     = time.Second
)

// settingsSync mirrors the stored settings through one Redis key and a
// pub/sub channel so every instance runs with the same probe, fetch and
// scheduling settings.
type settingsSync struct {
	mu     sync.RWMutex
	client *redis.Client
	ctx    context.Context

	// lastPublished holds the last payload this instance sent, so its own
	// message on the channel is not applied a second time.
	lastPublished atomic.Value
}

var sharedSettings settingsSync

// EnableRedisSynchronization shares settings between instances. The first
// instance seeds Redis with its file config; later instances adopt it.
func EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Config synchronization disabled: redis client is nil")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	syncCtx, ok := sharedSettings.attach(ctx, client)
	if !ok {
		return
	}

	adopted, err := sharedSettings.adopt(syncCtx)
	if err != nil {
		log.Error("Config sync: failed to adopt shared settings", "error", err)
	}
	if !adopted {
		if err := sharedSettings.seed(); err != nil {
			log.Error("Config sync: failed to seed shared settings", "error", err)
		}
	}

	go sharedSettings.follow(syncCtx)
}

// attach binds the client once; later calls are ignored.
func (s *settingsSync) attach(ctx context.Context, client *redis.Client) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil, false
	}
	s.client = client
	s.ctx = ctx
	return ctx, true
}

func (s *settingsSync) snapshot() (*redis.Client, context.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx := s.ctx
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	return s.client, ctx
}

// adopt applies the settings already stored in Redis. It reports false when
// no instance has seeded them yet.
func (s *settingsSync) adopt(ctx context.Context) (bool, error) {
	client, _ := s.snapshot()
	if client == nil {
		return false, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	payload, err := client.Get(opCtx, redisSettingsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := s.applyRemote(payload); err != nil {
		return true, err
	}
	return true, nil
}

func (s *settingsSync) seed() error {
	payload, err := json.Marshal(storedConfig())
	if err != nil {
		return err
	}
	return s.publish(payload)
}

// follow applies settings published by other instances until ctx is done.
func (s *settingsSync) follow(ctx context.Context) {
	client, _ := s.snapshot()
	if client == nil {
		return
	}

	pubsub := client.Subscribe(ctx, redisSettingsChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			log.Error("Config sync: subscription error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeDelay):
			}
			continue
		}

		applied, err := s.applyRemote([]byte(msg.Payload))
		if err != nil {
			log.Error("Config sync: remote settings rejected", "error", err)
			continue
		}
		if applied {
			log.Info("Config sync: applied settings from another instance")
		}
	}
}

// applyRemote installs a settings payload received through Redis. Fields the
// payload omits keep their embedded defaults. It reports false for this
// instance's own echo.
func (s *settingsSync) applyRemote(payload []byte) (bool, error) {
	if last, ok := s.lastPublished.Load().(string); ok && last == string(payload) {
		return false, nil
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return false, fmt.Errorf("config: decode shared settings: %w", err)
	}
	if err := applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "redis"}); err != nil {
		return true, err
	}
	return true, nil
}

// publish stores payload as the shared settings and notifies the other
// instances. Without a client it is a no-op.
func (s *settingsSync) publish(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	client, ctx := s.snapshot()
	if client == nil {
		return nil
	}
	s.lastPublished.Store(string(payload))

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	_, err := client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.Set(opCtx, redisSettingsKey, payload, 0)
		pipe.Publish(opCtx, redisSettingsChannel, payload)
		return nil
	})
	return err
}

func broadcastConfigUpdate(payload []byte) error {
	return sharedSettings.publish(payload)
}
