package runtime

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	InstanceHeartbeatKeyPrefix = "proxyharvest:instance:"
	DefaultHeartbeatInterval   = 15 * time.Second
	DefaultHeartbeatTTL        = 30 * time.Second
)

var instanceID = generateInstanceID()

func generateInstanceID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
}

func InstanceID() string {
	return instanceID
}

// StartInstanceHeartbeat refreshes this instance's key until ctx is done so
// operators can see how many workers share the Redis lock.
func StartInstanceHeartbeat(ctx context.Context, client *redis.Client, interval, ttl time.Duration) {
	key := InstanceHeartbeatKeyPrefix + instanceID

	beat := func() {
		if err := client.SetEx(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil && ctx.Err() == nil {
			log.Error("Failed to update instance heartbeat", "key", key, "error", err)
		}
	}
	beat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			_ = client.Del(delCtx, key).Err()
			cancel()
			return
		case <-ticker.C:
			beat()
		}
	}
}

// CountActiveInstances counts live heartbeat keys.
func CountActiveInstances(ctx context.Context, client *redis.Client) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := client.Scan(ctx, cursor, InstanceHeartbeatKeyPrefix+"*", 100).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}
