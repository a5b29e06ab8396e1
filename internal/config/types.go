package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Discord DiscordConfig `json:"discord"`
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the reconciliation sweep.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Relay controls webhook delivery. If omitted, defaults apply.
	Relay *RelayConfig `json:"relay,omitempty"`

	// Storage selects the durability driver. Nil means the default file
	// driver next to the binary.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Alerts routes operator notifications to a Telegram chat. Omitted or
	// tokenless means disabled.
	Alerts *AlertsConfig `json:"alerts,omitempty"`

	// Pprof exposes runtime profiling on a local HTTP listener.
	Pprof *PprofConfig `json:"pprof,omitempty"`

	// Tenants maps guild id to its monitoring rules.
	Tenants map[string]TenantConfig `json:"tenants"`
}

// PprofConfig controls the optional pprof HTTP server. Bind to loopback
// unless a token is set.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type DiscordConfig struct {
	Token string `json:"token"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// SchedulerConfig controls the sweep loop.
//
// All durations are Go duration strings (e.g. "30s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - sweep_interval: "1m"
//   - action_timeout: "15s"
//   - retry_max: 3
type SchedulerConfig struct {
	Enabled       bool   `json:"enabled"`
	SweepInterval string `json:"sweep_interval,omitempty"`
	ActionTimeout string `json:"action_timeout,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
}

// RelayConfig controls webhook delivery pacing.
type RelayConfig struct {
	DeliverTimeout string  `json:"deliver_timeout,omitempty"` // default "10s"
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`    // default 5
	Burst          int     `json:"burst,omitempty"`           // default 5
}

// StorageConfig selects the durability driver.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./pinrelay_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	RelayTTL    string `json:"relay_ttl,omitempty"`    // default "336h" (14 days)
}

type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	RatePerMin int    `json:"rate_per_min,omitempty"` // default 10
}

// TenantConfig is one guild's monitoring rules.
type TenantConfig struct {
	// Channels lists the monitored channel ids.
	Channels []string `json:"channels"`

	// Sources maps a source bot's user id to its timestamp dialect
	// ("delimited" or "marker"). Only listed authors are processed.
	Sources map[string]string `json:"sources"`

	// TriggerLabels are the button labels that make a message a trigger.
	TriggerLabels []string `json:"trigger_labels"`

	UnpinAfterMin        int  `json:"unpin_after_min,omitempty"`         // default 60
	ThreadDeleteAfterMin int  `json:"thread_delete_after_min,omitempty"` // default 60
	UseEventTime         bool `json:"use_event_time,omitempty"`
	ForceThread          bool `json:"force_thread,omitempty"`
	MaxPins              int  `json:"max_pins,omitempty"` // default 50

	// Endpoints are the relay destinations for this tenant.
	Endpoints []EndpointConfig `json:"endpoints,omitempty"`
}

type EndpointConfig struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Validate rejects configs the service cannot run with. Called on startup
// and by the watcher before committing a reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Discord.Token) == "" {
		return fmt.Errorf("discord.token is required")
	}
	if cfg.Storage != nil {
		switch strings.TrimSpace(cfg.Storage.Driver) {
		case "", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
	}
	if cfg.Alerts != nil && cfg.Alerts.Enabled && strings.TrimSpace(cfg.Alerts.Token) == "" {
		return fmt.Errorf("alerts.token is required when alerts are enabled")
	}
	for id, t := range cfg.Tenants {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("tenants: empty tenant id")
		}
		if len(t.Channels) == 0 {
			return fmt.Errorf("tenants.%s: at least one channel is required", id)
		}
		for author, dialect := range t.Sources {
			switch dialect {
			case "delimited", "marker":
			default:
				return fmt.Errorf("tenants.%s.sources.%s: unknown dialect %q", id, author, dialect)
			}
		}
		seen := map[string]bool{}
		for i, ep := range t.Endpoints {
			if strings.TrimSpace(ep.ID) == "" {
				return fmt.Errorf("tenants.%s.endpoints[%d]: id is required", id, i)
			}
			if seen[ep.ID] {
				return fmt.Errorf("tenants.%s.endpoints: duplicate id %q", id, ep.ID)
			}
			seen[ep.ID] = true
			if !strings.Contains(ep.URL, "/webhooks/") {
				return fmt.Errorf("tenants.%s.endpoints.%s: url is not a webhook url", id, ep.ID)
			}
		}
	}
	return nil
}
