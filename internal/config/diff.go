package config

import (
	"reflect"
	"strings"

	"shockclock/pkg/logx"
)

// SummarizeChange lists the sections that differ and log fields describing
// the new values. Secrets (bot token, api keys) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		fields = append(fields,
			logx.String("scheduler.poll_interval", newCfg.Scheduler.PollInterval),
			logx.String("scheduler.vibrate_window", newCfg.Scheduler.VibrateWindow),
			logx.Bool("scheduler.vibrate_once", newCfg.Scheduler.VibrateOnceOrDefault()),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.resync", newCfg.Scheduler.Resync),
			logx.String("scheduler.compact", newCfg.Scheduler.Compact),
		)
	}
	if oldCfg.Device != newCfg.Device {
		changed = append(changed, "device")
		fields = append(fields,
			logx.String("device.base_url", newCfg.Device.BaseURL),
			logx.Int("device.retry_max", newCfg.Device.RetryMax),
			logx.Any("device.rate_per_sec", newCfg.Device.RatePerSec),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}
	if oldCfg.Telegram.Enabled != newCfg.Telegram.Enabled ||
		strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) ||
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		oldCfg.Telegram.OperatorChat != newCfg.Telegram.OperatorChat ||
		!reflect.DeepEqual(oldCfg.Telegram.AllowedUsers, newCfg.Telegram.AllowedUsers) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.operator_chat_set", strings.TrimSpace(newCfg.Telegram.OperatorChat) != ""),
			logx.Int("telegram.allowed_users", len(newCfg.Telegram.AllowedUsers)),
		)
	}
	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		fields = append(fields,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}
	return changed, fields
}

// RestartRequired reports sections that only take effect after a restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Telegram.Enabled != newCfg.Telegram.Enabled ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		out = append(out, "telegram")
	}
	if oldCfg.Systemd != newCfg.Systemd {
		out = append(out, "systemd")
	}
	return out
}
