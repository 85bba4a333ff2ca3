package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "5m").
// Zero values mean "use the default".
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Device    DeviceConfig    `json:"device"`
	Storage   StorageConfig   `json:"storage"`
	Telegram  TelegramConfig  `json:"telegram"`
	Systemd   SystemdConfig   `json:"systemd"`
	Debug     DebugConfig     `json:"debug"`
}

type LoggingConfig struct {
	Level    string             `json:"level"`
	Console  bool               `json:"console"`
	File     LoggingFileConfig  `json:"file"`
	Telegram LoggingTelegramCfg `json:"telegram"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegramCfg mirrors log lines at or above MinLevel to the operator chat.
type LoggingTelegramCfg struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the per-user loops and housekeeping.
//
// Defaults:
//   - poll_interval: 30s
//   - vibrate_window: 60s
//   - vibrate_intensity: 25
//   - vibrate_duration_ms: 1000
//   - vibrate_once: true
//   - timezone: local
//   - resync: "@every 5m", compact: "@daily" ("off" disables)
type SchedulerConfig struct {
	PollInterval      string `json:"poll_interval"`
	VibrateWindow     string `json:"vibrate_window"`
	VibrateIntensity  int    `json:"vibrate_intensity"`
	VibrateDurationMS int    `json:"vibrate_duration_ms"`
	VibrateOnce       *bool  `json:"vibrate_once,omitempty"`
	Timezone          string `json:"timezone"`
	Resync            string `json:"resync"`
	Compact           string `json:"compact"`
}

// DeviceConfig configures the OpenShock control client.
type DeviceConfig struct {
	BaseURL       string  `json:"base_url"`
	CustomName    string  `json:"custom_name"`
	Timeout       string  `json:"timeout"`
	RetryMax      int     `json:"retry_max"`
	RetryBase     string  `json:"retry_base"`
	RetryMaxDelay string  `json:"retry_max_delay"`
	RatePerSec    float64 `json:"rate_per_sec"`
	MaxDurationMS int     `json:"max_duration_ms"`
}

// StorageConfig selects the store driver ("file" or "sqlite").
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type TelegramConfig struct {
	Enabled      bool   `json:"enabled"`
	Token        string `json:"token"`
	PollTimeout  string `json:"poll_timeout"`
	OperatorChat string `json:"operator_chat"`
	// AllowedUsers limits who may register; empty allows everyone.
	AllowedUsers []int64 `json:"allowed_users,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// DebugConfig enables the operator HTTP endpoint (health, status, pprof).
// Binding beyond loopback requires Token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Token   string `json:"token"`
}
