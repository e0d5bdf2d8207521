package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	leaseRetryDelay      = time.Second
	leaseOpTimeout       = 5 * time.Second
	minRenewInterval     = time.Second
	renewFraction        = 3
)

var (
	leaseCounter atomic.Uint64

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

// RunExclusive runs fn under the Redis leader lock for key when Redis is
// configured, and directly otherwise. It blocks until ctx is done.
func RunExclusive(ctx context.Context, key string, fn func(context.Context)) error {
	if !RedisConfigured() {
		fn(ctx)
		return ctx.Err()
	}
	return RunWithLeader(ctx, key, DefaultLeadershipTTL, fn)
}

// RunWithLeader acquires a Redis lease on key and calls run while the lease
// is held. The context passed to run is cancelled when the lease is lost or
// ctx is done. After run returns the lease is released and re-contended
// until ctx is done.
func RunWithLeader(ctx context.Context, key string, ttl time.Duration, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	client, err := GetRedisClient()
	if err != nil {
		return fmt.Errorf("support: leader lock redis client: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		l, err := acquireLease(ctx, client, key, ttl)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("leader lock: failed to acquire", "key", key, "error", err)
			if !sleepCtx(ctx, leaseRetryDelay) {
				return ctx.Err()
			}
			continue
		}

		log.Debug("leader lock: acquired", "key", key)
		run(l.ctx)
		l.close()
		log.Debug("leader lock: released", "key", key)

		if !sleepCtx(ctx, leaseRetryDelay) {
			return ctx.Err()
		}
	}
}

type lease struct {
	client    *redis.Client
	key       string
	owner     string
	ttl       time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	stop      chan struct{}
	closeOnce sync.Once
}

func acquireLease(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*lease, error) {
	owner := leaseOwnerID()

	for {
		ok, err := client.SetNX(ctx, key, owner, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("leader lock: setnx failed", "key", key, "error", err)
		} else if ok {
			leaseCtx, cancel := context.WithCancel(ctx)
			l := &lease{
				client: client,
				key:    key,
				owner:  owner,
				ttl:    ttl,
				ctx:    leaseCtx,
				cancel: cancel,
				stop:   make(chan struct{}),
			}
			go l.renewLoop()
			return l, nil
		}

		if !sleepCtx(ctx, leaseRetryDelay) {
			return nil, ctx.Err()
		}
	}
}

func (l *lease) close() {
	l.closeOnce.Do(func() {
		close(l.stop)
		l.cancel()
		if err := l.release(); err != nil {
			log.Warn("leader lock: release failed", "key", l.key, "error", err)
		}
	})
}

func (l *lease) renewLoop() {
	interval := max(l.ttl/renewFraction, minRenewInterval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.renew(); err != nil {
				log.Warn("leader lock: renewal failed", "key", l.key, "error", err)
				l.cancel()
				return
			}
		}
	}
}

func (l *lease) renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
	defer cancel()

	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if updated, ok := res.(int64); ok && updated == 0 {
		return errors.New("lock lost")
	}
	return nil
}

func (l *lease) release() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
	defer cancel()

	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func leaseOwnerID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), leaseCounter.Add(1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
