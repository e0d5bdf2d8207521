package config

import (
	"sync"
	"time"
)

const (
	defaultCycleInterval            = 20 * time.Minute
	defaultPurgeInterval            = time.Hour
	defaultGeoLiteUpdateInterval    = 24 * time.Hour
	defaultBlacklistRefreshInterval = 6 * time.Hour
)

// intervalSetting holds a derived interval and fans changes out to listeners.
type intervalSetting struct {
	mu        sync.Mutex
	current   time.Duration
	fallback  time.Duration
	listeners []chan time.Duration
}

func newIntervalSetting(fallback time.Duration) *intervalSetting {
	return &intervalSetting{current: fallback, fallback: fallback}
}

func (s *intervalSetting) Get() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Updates returns a channel that immediately carries the current value and
// then every change. Slow listeners miss intermediate values, never the latest.
func (s *intervalSetting) Updates() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	ch <- s.current
	s.mu.Unlock()
	return ch
}

func (s *intervalSetting) set(interval time.Duration) {
	if interval <= 0 {
		interval = s.fallback
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == interval {
		return
	}
	s.current = interval

	for _, ch := range s.listeners {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- interval:
		default:
		}
	}
}

var (
	cycleInterval            = newIntervalSetting(defaultCycleInterval)
	purgeInterval            = newIntervalSetting(defaultPurgeInterval)
	geoLiteUpdateInterval    = newIntervalSetting(defaultGeoLiteUpdateInterval)
	blacklistRefreshInterval = newIntervalSetting(defaultBlacklistRefreshInterval)
)

func SetBetweenTime() {
	cfg := GetConfig()
	cycleInterval.set(timerOrDefault(cfg.Scheduler.CycleTimer, defaultCycleInterval))
	purgeInterval.set(timerOrDefault(cfg.Maintenance.PurgeTimer, defaultPurgeInterval))
	geoLiteUpdateInterval.set(timerOrDefault(cfg.GeoLite.UpdateTimer, defaultGeoLiteUpdateInterval))
	blacklistRefreshInterval.set(timerOrDefault(cfg.BlacklistTimer, defaultBlacklistRefreshInterval))
}

// CalculateBetweenTime converts a Timer into a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := max(CalculateMillisecondsOfCheckingPeriod(timer), uint64(1000))
	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMillisecondsOfCheckingPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

// TimerFromDuration is the inverse of CalculateBetweenTime, truncated to whole seconds.
func TimerFromDuration(d time.Duration) Timer {
	total := uint64(d / time.Second)
	return Timer{
		Days:    uint32(total / 86400),
		Hours:   uint32(total % 86400 / 3600),
		Minutes: uint32(total % 3600 / 60),
		Seconds: uint32(total % 60),
	}
}

func (t Timer) IsZero() bool {
	return t.Days == 0 && t.Hours == 0 && t.Minutes == 0 && t.Seconds == 0
}

func timerOrDefault(timer Timer, fallback time.Duration) time.Duration {
	if timer.IsZero() {
		return fallback
	}
	return CalculateBetweenTime(timer)
}

func GetCycleInterval() time.Duration                    { return cycleInterval.Get() }
func CycleIntervalUpdates() <-chan time.Duration         { return cycleInterval.Updates() }
func GetPurgeInterval() time.Duration                    { return purgeInterval.Get() }
func PurgeIntervalUpdates() <-chan time.Duration         { return purgeInterval.Updates() }
func GetGeoLiteUpdateInterval() time.Duration            { return geoLiteUpdateInterval.Get() }
func GeoLiteUpdateIntervalUpdates() <-chan time.Duration { return geoLiteUpdateInterval.Updates() }
func GetBlacklistRefreshInterval() time.Duration         { return blacklistRefreshInterval.Get() }
func BlacklistIntervalUpdates() <-chan time.Duration     { return blacklistRefreshInterval.Updates() }
