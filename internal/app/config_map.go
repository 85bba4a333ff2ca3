package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"shockclock/internal/alarm"
	"shockclock/internal/config"
	"shockclock/internal/device"
	"shockclock/internal/observability/pprof"
	"shockclock/internal/scheduler"
	"shockclock/internal/storage"
	"shockclock/pkg/logx"
)

const (
	defaultResync  = "@every 5m"
	defaultCompact = "@daily"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// operatorChat parses telegram.operator_chat; blank is 0.
func operatorChat(cfg *config.Config) (int64, error) {
	s := strings.TrimSpace(cfg.Telegram.OperatorChat)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.operator_chat: %q is not a chat id", s)
	}
	return id, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = "./data/shockclock"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			path = "./data/shockclock.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDeviceConfig(cfg *config.Config) (device.Config, error) {
	dc := cfg.Device
	timeout, err := config.ParseDurationField("device.timeout", dc.Timeout)
	if err != nil {
		return device.Config{}, err
	}
	base, err := config.ParseDurationField("device.retry_base", dc.RetryBase)
	if err != nil {
		return device.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("device.retry_max_delay", dc.RetryMaxDelay)
	if err != nil {
		return device.Config{}, err
	}
	return device.Config{
		BaseURL:       dc.BaseURL,
		CustomName:    dc.CustomName,
		Timeout:       timeout,
		RetryMax:      dc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		RatePerSec:    dc.RatePerSec,
		MaxDurationMS: dc.MaxDurationMS,
	}, nil
}

func mapSchedulerSettings(cfg *config.Config) (scheduler.Settings, error) {
	sc := cfg.Scheduler
	poll, err := config.ParseDurationOrDefault("scheduler.poll_interval", sc.PollInterval, scheduler.DefaultPollInterval)
	if err != nil {
		return scheduler.Settings{}, err
	}
	window, err := config.ParseDurationField("scheduler.vibrate_window", sc.VibrateWindow)
	if err != nil {
		return scheduler.Settings{}, err
	}
	loc, err := config.LoadLocation(sc.Timezone)
	if err != nil {
		return scheduler.Settings{}, err
	}
	return scheduler.Settings{
		PollInterval: poll,
		Location:     loc,
		Policy: alarm.Policy{
			VibrateWindow:     window,
			VibrateIntensity:  sc.VibrateIntensity,
			VibrateDurationMS: sc.VibrateDurationMS,
			VibrateOnce:       sc.VibrateOnceOrDefault(),
		},
	}, nil
}

// cronSpec resolves a housekeeping spec: blank takes def, "off" disables.
func cronSpec(raw, def string) string {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return def
	case strings.EqualFold(s, "off"), strings.EqualFold(s, "none"):
		return ""
	}
	return s
}

func mapMaintenanceConfig(cfg *config.Config) (scheduler.MaintenanceConfig, error) {
	mc := scheduler.MaintenanceConfig{
		Resync:  cronSpec(cfg.Scheduler.Resync, defaultResync),
		Compact: cronSpec(cfg.Scheduler.Compact, defaultCompact),
	}
	if err := scheduler.ValidateSpec(mc.Resync); err != nil {
		return mc, fmt.Errorf("scheduler.resync: %w", err)
	}
	if err := scheduler.ValidateSpec(mc.Compact); err != nil {
		return mc, fmt.Errorf("scheduler.compact: %w", err)
	}
	loc, err := config.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return mc, err
	}
	mc.Location = loc
	return mc, nil
}

func mapDebugConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled: cfg.Debug.Enabled,
		Addr:    cfg.Debug.Addr,
		Token:   cfg.Debug.Token,
	}
}

// validate is installed as the config manager's pre-commit hook. It covers
// what config.Validate cannot check without the domain packages.
func validate(cfg *config.Config) error {
	if _, err := operatorChat(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeviceConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerSettings(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		return err
	}
	return pprof.Validate(mapDebugConfig(cfg))
}
