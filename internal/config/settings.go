package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

type Config struct {
	Probe struct {
		Target          string `json:"target"`
		TLSTarget       string `json:"tls_target"`
		Timeout         uint32 `json:"timeout"` // milliseconds, per attempt
		StageCeiling    Timer  `json:"stage_ceiling"`
		MaxConcurrent   uint32 `json:"max_concurrent_probes"`
		DialRate        uint32 `json:"dial_rate"` // new attempts per second, 0 disables
		StabilityChecks uint32 `json:"stability_checks"`
		StabilityDelay  uint32 `json:"stability_delay"` // milliseconds
		VerifyExitIP    bool   `json:"verify_exit_ip"`
		RequireIPMatch  bool   `json:"require_ip_match"`
		UserAgent       string `json:"user_agent"`
	} `json:"probe"`

	Fetcher struct {
		Concurrency   uint32 `json:"concurrency"`
		Timeout       uint32 `json:"timeout"` // milliseconds
		RespectRobots bool   `json:"respect_robots"`
		UserAgent     string `json:"user_agent"`
	} `json:"fetcher"`

	Health struct {
		FailureThreshold uint32 `json:"failure_threshold"`
	} `json:"health"`

	Scheduler struct {
		CycleTimer Timer `json:"cycle_timer"`
	} `json:"scheduler"`

	Maintenance struct {
		PurgeTimer Timer `json:"purge_timer"`
	} `json:"maintenance"`

	GeoLite struct {
		DatabasePath  string `json:"database_path"`
		EditionID     string `json:"edition_id"`
		AlwaysResolve bool   `json:"always_resolve"`
		APIKey        string `json:"api_key"`
		AutoUpdate    bool   `json:"auto_update"`
		UpdateTimer   Timer  `json:"update_timer"`
		LastUpdatedAt string `json:"last_updated_at,omitempty"`
	} `json:"geolite"`

	BlacklistSources []string `json:"blacklist_sources"`
	BlacklistTimer   Timer    `json:"blacklist_timer"`
	WebsiteBlacklist []string `json:"website_blacklist"`

	Sources []SourceSeed `json:"sources"`
}

// SourceSeed is a source declared in the settings file and upserted by name on startup.
type SourceSeed struct {
	Name              string `json:"name"`
	URI               string `json:"uri"`
	URIPredefinedType string `json:"uri_predefined_type"`
	Protocol          string `json:"protocol,omitempty"`
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

var (
	//go:embed default_settings.json
	defaultConfig []byte

	settingsFilePath = "data/settings.json"

	configValue atomic.Value
	configMu    sync.Mutex
)

func init() {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		panic("config: embedded defaults are invalid: " + err.Error())
	}
	configValue.Store(cfg)
	SetBetweenTime()
}

// DefaultConfig returns the embedded defaults without environment overrides.
func DefaultConfig() Config {
	var cfg Config
	_ = json.Unmarshal(defaultConfig, &cfg)
	return cfg
}

// SetSettingsFilePath changes where ReadSettings and SetConfig persist.
func SetSettingsFilePath(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	if path != "" {
		settingsFilePath = path
	}
}

func ReadSettings() {
	configMu.Lock()
	path := settingsFilePath
	configMu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error("Error reading settings file", "path", path, "error", err)
			return
		}

		log.Warn("Settings file not found, creating with default configuration", "path", path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			log.Error("Error creating directory for settings file", "error", err)
			return
		}
		if err := os.WriteFile(path, defaultConfig, 0o644); err != nil {
			log.Error("Error writing default settings file", "error", err)
			return
		}
		data = defaultConfig
	}

	newConfig := DefaultConfig()
	if err := json.Unmarshal(data, &newConfig); err != nil {
		log.Error("Error unmarshalling settings file", "error", err)
		return
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		log.Error("Error applying configuration from settings file", "error", err)
		return
	}

	log.Debug("Settings file loaded successfully", "path", path)
}

func SetConfig(newConfig Config) {
	if err := applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"}); err != nil {
		log.Error("Error applying configuration update", "error", err)
		return
	}

	log.Debug("Configuration updated and written to file successfully")
}

func MarkGeoLiteUpdated(ts time.Time) error {
	cfg := storedConfig()
	cfg.GeoLite.LastUpdatedAt = ts.UTC().Format(time.RFC3339)
	return applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, broadcast: true, source: "geolite"})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

// stored keeps the config as written to disk; configValue holds it with env overrides applied.
var stored atomic.Value

func storedConfig() Config {
	if cfg, ok := stored.Load().(Config); ok {
		return cfg
	}
	return GetConfig()
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	stored.Store(newConfig)
	configValue.Store(withEnvOverrides(newConfig))
	SetBetweenTime()
	updateWebsiteBlocklist(newConfig.WebsiteBlacklist)

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			errs = append(errs, err)
		} else if err := os.WriteFile(settingsFilePath, data, 0o644); err != nil {
			errs = append(errs, err)
		}
	}

	if opts.broadcast {
		payload, err := json.Marshal(newConfig)
		if err != nil {
			errs = append(errs, err)
		} else if err := broadcastConfigUpdate(payload); err != nil {
			errs = append(errs, err)
		}
	}

	log.Debug("Configuration applied", "source", opts.source)

	return errors.Join(errs...)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}
