package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func useTempSettings(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")

	configMu.Lock()
	origPath := settingsFilePath
	settingsFilePath = path
	configMu.Unlock()

	origCfg := GetConfig()
	origStored := stored.Load()
	t.Cleanup(func() {
		configMu.Lock()
		settingsFilePath = origPath
		configMu.Unlock()
		configValue.Store(origCfg)
		if origStored != nil {
			stored.Store(origStored)
		}
		SetBetweenTime()
	})
	return path
}

func TestReadSettingsCreatesDefaults(t *testing.T) {
	path := useTempSettings(t)

	ReadSettings()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("settings file was not created: %v", err)
	}
	cfg := GetConfig()
	if cfg.Probe.Target == "" {
		t.Fatal("default probe target is empty")
	}
	if len(cfg.Sources) == 0 {
		t.Fatal("default sources were not loaded")
	}
	if got := cfg.ProbeTimeout(); got != 10*time.Second {
		t.Fatalf("ProbeTimeout returned %s, want 10s", got)
	}
}

func TestEnvOverridesWinButAreNotPersisted(t *testing.T) {
	path := useTempSettings(t)

	t.Setenv(EnvProbeTarget, "http://127.0.0.1:9/ip")
	t.Setenv(EnvProbeTimeout, "1500ms")
	t.Setenv(EnvMaxProbes, "17")
	t.Setenv(EnvFailureThreshold, "3")
	t.Setenv(EnvCycleInterval, "90s")
	t.Setenv(EnvGeoIPAlways, "true")
	t.Setenv(EnvProbeStageCeiling, "garbage")

	SetConfig(DefaultConfig())

	cfg := GetConfig()
	if cfg.Probe.Target != "http://127.0.0.1:9/ip" {
		t.Fatalf("probe target override ignored: %s", cfg.Probe.Target)
	}
	if cfg.ProbeTimeout() != 1500*time.Millisecond {
		t.Fatalf("ProbeTimeout returned %s", cfg.ProbeTimeout())
	}
	if cfg.MaxConcurrentProbes() != 17 {
		t.Fatalf("MaxConcurrentProbes returned %d", cfg.MaxConcurrentProbes())
	}
	if cfg.FailureThreshold() != 3 {
		t.Fatalf("FailureThreshold returned %d", cfg.FailureThreshold())
	}
	if !cfg.GeoLite.AlwaysResolve {
		t.Fatal("always-resolve override ignored")
	}
	if GetCycleInterval() != 90*time.Second {
		t.Fatalf("GetCycleInterval returned %s", GetCycleInterval())
	}
	if cfg.ProbeStageCeiling() != 15*time.Minute {
		t.Fatalf("invalid ceiling override should fall back to the file value, got %s", cfg.ProbeStageCeiling())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read persisted settings: %v", err)
	}
	var persisted Config
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("decode persisted settings: %v", err)
	}
	if persisted.Probe.Target == "http://127.0.0.1:9/ip" {
		t.Fatal("environment override leaked into the settings file")
	}
}

func TestEmbeddedDefaultsRecheckEachProxy(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.StabilityChecks(); got != 2 {
		t.Fatalf("StabilityChecks = %d, want 2", got)
	}
	if got := cfg.StabilityDelay(); got != 5*time.Second {
		t.Fatalf("StabilityDelay = %s, want 5s", got)
	}
}

func TestAccessorDefaults(t *testing.T) {
	var cfg Config
	if cfg.StabilityChecks() != 1 {
		t.Fatalf("StabilityChecks returned %d, want 1", cfg.StabilityChecks())
	}
	if cfg.FetchConcurrency() != defaultFetchConcurrency {
		t.Fatalf("FetchConcurrency returned %d", cfg.FetchConcurrency())
	}
	if cfg.FailureThreshold() != defaultFailureThreshold {
		t.Fatalf("FailureThreshold returned %d", cfg.FailureThreshold())
	}
}
