package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultDispatchInterval = 60 * time.Second
	DefaultStartDelay       = 10 * time.Second
	DefaultRecencyWindow    = 24 * time.Hour
	DefaultLedgerCapacity   = 10
	DefaultSendTimeout      = 30 * time.Second
	DefaultFetchTimeout     = 30 * time.Second
	DefaultMediaMaxBytes    = 50 << 20
	DefaultBackendTimeout   = 15 * time.Second
	DefaultPollTimeout      = 10 * time.Second
	DefaultOpsAddr          = "127.0.0.1:9464"
)

// DispatchSettings is DispatchConfig with defaults applied and durations parsed.
type DispatchSettings struct {
	Enabled  bool
	Interval time.Duration
	// Schedule is dispatch.schedule, or Interval as a duration string.
	Schedule   string
	StartDelay time.Duration
	// RecencyWindow is DurationOff when the filter is disabled.
	RecencyWindow  time.Duration
	LedgerCapacity int
	// Concurrency 0 means unbounded.
	Concurrency  int
	SendTimeout  time.Duration
	MediaDir     string
	FetchTimeout time.Duration
	MaxBytes     int64
}

func (c DispatchConfig) Resolve() (DispatchSettings, error) {
	var (
		s   DispatchSettings
		err error
	)
	s.Enabled = c.Enabled == nil || *c.Enabled
	if s.Interval, err = ParseDurationOrDefault("dispatch.interval", c.Interval, DefaultDispatchInterval); err != nil {
		return s, err
	}
	if strings.TrimSpace(c.StartDelay) == "" {
		s.StartDelay = DefaultStartDelay
	} else if s.StartDelay, err = ParseDurationField("dispatch.start_delay", c.StartDelay); err != nil {
		return s, err
	}
	s.Schedule = strings.TrimSpace(c.Schedule)
	if s.Schedule == "" {
		s.Schedule = s.Interval.String()
	}
	if s.RecencyWindow, err = ParseOptionalDuration("dispatch.recency_window", c.RecencyWindow, DefaultRecencyWindow); err != nil {
		return s, err
	}
	if s.SendTimeout, err = ParseDurationOrDefault("dispatch.send_timeout", c.SendTimeout, DefaultSendTimeout); err != nil {
		return s, err
	}
	if s.FetchTimeout, err = ParseDurationOrDefault("dispatch.media.fetch_timeout", c.Media.FetchTimeout, DefaultFetchTimeout); err != nil {
		return s, err
	}

	s.LedgerCapacity = c.LedgerCapacity
	if s.LedgerCapacity == 0 {
		s.LedgerCapacity = DefaultLedgerCapacity
	}
	if s.LedgerCapacity < 0 {
		return s, fmt.Errorf("dispatch.ledger_capacity: must be > 0")
	}
	s.Concurrency = max(c.Concurrency, 0)
	s.MediaDir = strings.TrimSpace(c.Media.Dir)
	s.MaxBytes = c.Media.MaxBytes
	if s.MaxBytes <= 0 {
		s.MaxBytes = DefaultMediaMaxBytes
	}
	return s, nil
}

// Validate checks a parsed config for values the runtime cannot start with.
// It is used both at boot and as the hot-reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token: empty (set it or API_TOKEN)"))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("telegram.group_log: %q is not a chat id", g))
		}
	}

	for key, raw := range map[string]string{
		"backend.posts_url": cfg.Backend.PostsURL,
		"backend.users_url": cfg.Backend.UsersURL,
	} {
		if err := validateURL(key, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := ParseDurationField("backend.timeout", cfg.Backend.Timeout); err != nil {
		errs = append(errs, err)
	}

	if _, err := cfg.Dispatch.Resolve(); err != nil {
		errs = append(errs, err)
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
			errs = append(errs, errors.New("task_engine: workers, queue_size, history_size and retry_max must be >= 0"))
		}
		if _, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
			errs = append(errs, err)
		}
		if te.Enabled != nil && !*te.Enabled && cfg.Scheduler.IsEnabled() {
			errs = append(errs, errors.New("task_engine.enabled cannot be false while the scheduler is enabled"))
		}
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Ops.Enabled {
		addr := strings.TrimSpace(cfg.Ops.Addr)
		if addr == "" {
			addr = DefaultOpsAddr
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("ops.addr: %w", err))
		} else if !isLoopbackHost(host) && strings.TrimSpace(cfg.Ops.Token) == "" && !cfg.Ops.AllowInsecure {
			errs = append(errs, fmt.Errorf("ops.addr: %q is not loopback; set ops.token or ops.allow_insecure", addr))
		}
	}

	return errors.Join(errs...)
}

func validateURL(key, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%s: empty", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https", key)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
