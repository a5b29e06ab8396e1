package config

import (
	"reflect"
	"sort"

	logx "pinrelay/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe structured
// attrs for logging. Secrets (tokens) never appear in the attrs.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	attrs := make([]logx.Field, 0, 8)

	if oldCfg.Discord.Token != newCfg.Discord.Token {
		changed = append(changed, "discord")
		attrs = append(attrs, logx.Bool("discord.token_set", newCfg.Discord.Token != ""))
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.sweep_interval", newCfg.Scheduler.SweepInterval))
	}
	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !alertsEqualSafe(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		if newCfg.Alerts != nil {
			attrs = append(attrs, logx.Bool("alerts.enabled", newCfg.Alerts.Enabled))
		}
	}
	if !reflect.DeepEqual(oldCfg.Tenants, newCfg.Tenants) {
		changed = append(changed, "tenants")
		attrs = append(attrs, logx.Int("tenants.count", len(newCfg.Tenants)))
	}

	sort.Strings(changed)
	return changed, attrs
}

func alertsEqualSafe(a, b *AlertsConfig) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}
