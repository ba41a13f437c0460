package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Backend  BackendConfig  `json:"backend"`
	Dispatch DispatchConfig `json:"dispatch"`

	// Scheduler controls trigger behavior (interval/cron) for the dispatch job.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution settings for scheduled jobs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Ops     OpsConfig      `json:"ops,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied via API_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// GroupLog is the chat id that receives forwarded log records.
	GroupLog string `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// RatePerSec caps outbound sends across all chats. 0 means 25.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// BackendConfig points at the REST backend that owns posts and subscribers.
//
// PostsURL, UsersURL and APIKey are overridden by API_URL_POST, API_URL_USER
// and JETADMIN_API_KEY when those are set.
type BackendConfig struct {
	PostsURL string `json:"posts_url"`
	UsersURL string `json:"users_url"`
	APIKey   string `json:"api_key,omitempty"`
	// Timeout bounds every backend request. Default "15s".
	Timeout string `json:"timeout,omitempty"`
}

// DispatchConfig controls the periodic dispatch cycle.
//
// Defaults (when fields are omitted/zero):
//   - interval: "60s"
//   - schedule: "" (use interval); accepts cron ("*/5 * * * *", "@hourly"),
//     a duration ("5m") or HH:MM ("00:50")
//   - start_delay: "10s" (interval schedules only)
//   - recency_window: "24h"; "off" disables the filter, "2d" means 48h
//   - ledger_capacity: 10
//   - concurrency: 0 (unbounded); a positive value caps parallel recipients
//   - send_timeout: "30s"
type DispatchConfig struct {
	Enabled        *bool       `json:"enabled,omitempty"`
	Interval       string      `json:"interval,omitempty"`
	Schedule       string      `json:"schedule,omitempty"`
	StartDelay     string      `json:"start_delay,omitempty"`
	RecencyWindow  string      `json:"recency_window,omitempty"`
	LedgerCapacity int         `json:"ledger_capacity,omitempty"`
	Concurrency    int         `json:"concurrency,omitempty"`
	SendTimeout    string      `json:"send_timeout,omitempty"`
	Media          MediaConfig `json:"media,omitempty"`
}

// MediaConfig controls the per-cycle attachment cache.
type MediaConfig struct {
	// Dir is the parent of the per-cycle temp directory. Empty means os.TempDir().
	Dir          string `json:"dir,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	// MaxBytes caps a single download. 0 means 50 MiB.
	MaxBytes int64 `json:"max_bytes,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - history_size: 100
//   - retry_max: 0
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

type SchedulerConfig struct {
	// Enabled defaults to true. When false nothing is triggered, but
	// /dispatch_now still works while the task engine runs.
	Enabled *bool `json:"enabled,omitempty"`
	// Trigger timezone for cron/HH:MM schedules.
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the delivery audit log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./crowdbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// OpsConfig controls the optional health/metrics/pprof HTTP server.
//
// Prefer binding to loopback. A non-loopback address needs a token or
// allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

func (c SchedulerConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }
