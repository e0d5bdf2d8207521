package config

import "time"

const (
	defaultProbeTimeout     = 10 * time.Second
	defaultStageCeiling     = 15 * time.Minute
	defaultMaxProbes        = 200
	defaultFetchTimeout     = 30 * time.Second
	defaultFetchConcurrency = 8
	defaultFailureThreshold = 5
)

func (c Config) ProbeTimeout() time.Duration {
	if c.Probe.Timeout == 0 {
		return defaultProbeTimeout
	}
	return time.Duration(c.Probe.Timeout) * time.Millisecond
}

func (c Config) ProbeStageCeiling() time.Duration {
	if c.Probe.StageCeiling.IsZero() {
		return defaultStageCeiling
	}
	return CalculateBetweenTime(c.Probe.StageCeiling)
}

func (c Config) MaxConcurrentProbes() int {
	if c.Probe.MaxConcurrent == 0 {
		return defaultMaxProbes
	}
	return int(c.Probe.MaxConcurrent)
}

func (c Config) StabilityChecks() int {
	return max(int(c.Probe.StabilityChecks), 1)
}

func (c Config) StabilityDelay() time.Duration {
	return time.Duration(c.Probe.StabilityDelay) * time.Millisecond
}

func (c Config) FetchTimeout() time.Duration {
	if c.Fetcher.Timeout == 0 {
		return defaultFetchTimeout
	}
	return time.Duration(c.Fetcher.Timeout) * time.Millisecond
}

func (c Config) FetchConcurrency() int {
	if c.Fetcher.Concurrency == 0 {
		return defaultFetchConcurrency
	}
	return int(c.Fetcher.Concurrency)
}

func (c Config) FailureThreshold() uint32 {
	if c.Health.FailureThreshold == 0 {
		return defaultFailureThreshold
	}
	return c.Health.FailureThreshold
}
