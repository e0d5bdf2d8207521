package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"proxyharvest/internal/config"
	"proxyharvest/internal/domain"
	"proxyharvest/internal/geolite"
)

// Store is the slice of the repository the tracker writes through.
type Store interface {
	FindProxy(ctx context.Context, ip string, port uint16) (*domain.Proxy, error)
	UpsertProxy(ctx context.Context, proxy *domain.Proxy) error
	RecordProxyFailure(ctx context.Context, ip string, port uint16, testedAt time.Time, threshold uint32) (*domain.Proxy, error)
	RecordSourceFetch(ctx context.Context, sourceID uint64, failed bool, at time.Time) error
}

type GeoResolver interface {
	Resolve(ip string) (domain.GeoAddress, error)
}

type Options struct {
	// FailureThreshold is the streak length at which a proxy is flagged for removal.
	FailureThreshold uint32
	// AlwaysResolve re-resolves geolocation on every success instead of only
	// when it is missing or the proxy is recovering from failures.
	AlwaysResolve bool
}

// Tracker folds probe and fetch outcomes into persisted health state. It is
// safe for concurrent use on distinct proxy identities.
type Tracker struct {
	store   Store
	geo     GeoResolver
	options func() Options
}

// NewTracker pins the retention and geolocation policy to opts.
func NewTracker(store Store, geo GeoResolver, opts Options) *Tracker {
	return &Tracker{store: store, geo: geo, options: func() Options { return opts }}
}

// NewTrackerFromConfig reads the policy from the live settings on every
// record, so updates apply from the next probe result on.
func NewTrackerFromConfig(store Store, geo GeoResolver) *Tracker {
	return &Tracker{store: store, geo: geo, options: func() Options {
		return OptionsFromConfig(config.GetConfig())
	}}
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		FailureThreshold: cfg.FailureThreshold(),
		AlwaysResolve:    cfg.GeoLite.AlwaysResolve,
	}
}

// Record applies one probe result. Failures for identities that were never
// confirmed are dropped and nil is returned.
func (t *Tracker) Record(ctx context.Context, c domain.Candidate, result domain.ProbeResult) (*domain.Proxy, error) {
	if c.Port < 1 || c.Port > 65535 {
		return nil, fmt.Errorf("health: record %s: port out of range", c.Address())
	}
	port := uint16(c.Port)
	opts := t.options()

	testedAt := result.TestedAt
	if testedAt.IsZero() {
		testedAt = time.Now()
	}

	if !result.Success {
		return t.store.RecordProxyFailure(ctx, c.IP, port, testedAt, opts.FailureThreshold)
	}

	existing, err := t.store.FindProxy(ctx, c.IP, port)
	if err != nil {
		return nil, err
	}

	proxy := &domain.Proxy{IP: c.IP, Port: port}
	if existing != nil {
		proxy = existing
	}
	recovering := existing != nil && existing.Health.ConsecutiveFailures > 0

	proxy.Protocol = result.Protocol
	proxy.Health = domain.HealthRecord{
		LatencyMs:           result.LatencyMs(),
		LastTested:          testedAt,
		ConsecutiveFailures: 0,
	}
	proxy.MarkedForRemoval = false

	if opts.AlwaysResolve || !proxy.GeoAddress.Resolved() || recovering {
		t.resolveInto(proxy)
	}

	if err := t.store.UpsertProxy(ctx, proxy); err != nil {
		return nil, err
	}
	return proxy, nil
}

// resolveInto replaces the stored location on a hit and keeps it on a miss.
func (t *Tracker) resolveInto(proxy *domain.Proxy) {
	if t.geo == nil {
		return
	}
	geo, err := t.geo.Resolve(proxy.IP)
	if err != nil {
		if !errors.Is(err, geolite.ErrUnavailable) {
			log.Debug("GeoIP lookup missed", "ip", proxy.IP, "error", err)
		}
		return
	}
	proxy.GeoAddress = geo
}

// RecordSourceFetch counts one fetch attempt for src; fetchErr marks it failed.
func (t *Tracker) RecordSourceFetch(ctx context.Context, src domain.Source, fetchErr error) error {
	return t.store.RecordSourceFetch(ctx, src.ID, fetchErr != nil, time.Now())
}
