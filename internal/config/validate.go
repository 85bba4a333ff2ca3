package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks everything that can be checked without side effects.
// Cron specs are validated by the caller's hook (see Manager.SetValidator).
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for path, raw := range map[string]string{
		"scheduler.poll_interval":  cfg.Scheduler.PollInterval,
		"scheduler.vibrate_window": cfg.Scheduler.VibrateWindow,
		"device.timeout":           cfg.Device.Timeout,
		"device.retry_base":        cfg.Device.RetryBase,
		"device.retry_max_delay":   cfg.Device.RetryMaxDelay,
		"storage.busy_timeout":     cfg.Storage.BusyTimeout,
		"telegram.poll_timeout":    cfg.Telegram.PollTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if v := cfg.Scheduler.VibrateIntensity; v < 0 || v > 100 {
		add(fmt.Errorf("scheduler.vibrate_intensity: must be 0..100, got %d", v))
	}
	if cfg.Scheduler.VibrateDurationMS < 0 {
		add(errors.New("scheduler.vibrate_duration_ms: must be >= 0"))
	}
	_, err := LoadLocation(cfg.Scheduler.Timezone)
	add(err)

	if u := strings.TrimSpace(cfg.Device.BaseURL); u != "" {
		pu, err := url.Parse(u)
		if err != nil || (pu.Scheme != "http" && pu.Scheme != "https") || pu.Host == "" {
			add(fmt.Errorf("device.base_url: %q is not an http(s) URL", u))
		}
	}
	if cfg.Device.RetryMax < 0 || cfg.Device.RetryMax > 10 {
		add(fmt.Errorf("device.retry_max: must be 0..10, got %d", cfg.Device.RetryMax))
	}
	if cfg.Device.RatePerSec < 0 {
		add(errors.New("device.rate_per_sec: must be >= 0"))
	}
	if cfg.Device.MaxDurationMS < 0 {
		add(errors.New("device.max_duration_ms: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token: required when telegram.enabled"))
	}
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.OperatorChat) == "" {
		add(errors.New("logging.telegram: requires telegram.operator_chat"))
	}
	if cfg.Logging.Telegram.RatePerSec < 0 {
		add(errors.New("logging.telegram.rate_per_sec: must be >= 0"))
	}
	for path, lvl := range map[string]string{
		"logging.level":              cfg.Logging.Level,
		"logging.telegram.min_level": cfg.Logging.Telegram.MinLevel,
	} {
		if !validLevel(lvl) {
			add(fmt.Errorf("%s: unknown level %q", path, lvl))
		}
	}
	return errors.Join(errs...)
}

func validLevel(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
		return true
	default:
		return false
	}
}

// VibrateOnceOrDefault resolves the pointer default (true).
func (c SchedulerConfig) VibrateOnceOrDefault() bool {
	if c.VibrateOnce == nil {
		return true
	}
	return *c.VibrateOnce
}
