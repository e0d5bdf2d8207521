package config

import (
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"proxyharvest/internal/support"
)

const (
	EnvProbeTarget       = "PROBE_TARGET"
	EnvProbeTLSTarget    = "PROBE_TLS_TARGET"
	EnvProbeTimeout      = "PROBE_TIMEOUT"
	EnvProbeStageCeiling = "PROBE_STAGE_CEILING"
	EnvMaxProbes         = "MAX_CONCURRENT_PROBES"
	EnvProbeDialRate     = "PROBE_DIAL_RATE"
	EnvFailureThreshold  = "FAILURE_THRESHOLD"
	EnvGeoIPPath         = "GEOIP_DB_PATH"
	EnvGeoIPAlways       = "GEOIP_ALWAYS_RESOLVE"
	EnvCycleInterval     = "CYCLE_INTERVAL"
)

// withEnvOverrides lets the deployment environment win over the settings file.
func withEnvOverrides(cfg Config) Config {
	if v, ok := support.LookupEnvNonEmpty(EnvProbeTarget); ok {
		cfg.Probe.Target = v
	}
	if v, ok := support.LookupEnvNonEmpty(EnvProbeTLSTarget); ok {
		cfg.Probe.TLSTarget = v
	}
	if d, ok := envDuration(EnvProbeTimeout); ok {
		cfg.Probe.Timeout = uint32(d.Milliseconds())
	}
	if d, ok := envDuration(EnvProbeStageCeiling); ok {
		cfg.Probe.StageCeiling = TimerFromDuration(d)
	}
	if n, ok := envPositive(EnvMaxProbes); ok {
		cfg.Probe.MaxConcurrent = uint32(n)
	}
	if _, ok := support.LookupEnvNonEmpty(EnvProbeDialRate); ok {
		if n := support.GetEnvInt(EnvProbeDialRate, -1); n >= 0 {
			cfg.Probe.DialRate = uint32(n)
		}
	}
	if n, ok := envPositive(EnvFailureThreshold); ok {
		cfg.Health.FailureThreshold = uint32(n)
	}
	if v, ok := support.LookupEnvNonEmpty(EnvGeoIPPath); ok {
		cfg.GeoLite.DatabasePath = v
	}
	if _, ok := support.LookupEnvNonEmpty(EnvGeoIPAlways); ok {
		cfg.GeoLite.AlwaysResolve = support.GetEnvBool(EnvGeoIPAlways, cfg.GeoLite.AlwaysResolve)
	}
	if d, ok := envDuration(EnvCycleInterval); ok {
		cfg.Scheduler.CycleTimer = TimerFromDuration(d)
	}
	return cfg
}

func envDuration(key string) (time.Duration, bool) {
	raw, ok := support.LookupEnvNonEmpty(key)
	if !ok {
		return 0, false
	}
	d := support.GetEnvDuration(key, 0)
	if d <= 0 {
		log.Warn("Ignoring invalid duration override", "env", key, "value", raw)
		return 0, false
	}
	return d, true
}

func envPositive(key string) (int, bool) {
	raw, ok := support.LookupEnvNonEmpty(key)
	if !ok {
		return 0, false
	}
	n := support.GetEnvInt(key, 0)
	if n <= 0 {
		log.Warn("Ignoring invalid numeric override", "env", key, "value", strings.TrimSpace(raw))
		return 0, false
	}
	return n, true
}
