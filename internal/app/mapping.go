package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"crowdbot/internal/backend"
	"crowdbot/internal/config"
	"crowdbot/internal/delivery"
	"crowdbot/internal/observability/ops"
	"crowdbot/internal/storage"
	"crowdbot/internal/task/engine"
	"crowdbot/internal/task/scheduler"
	telegram "crowdbot/internal/transport/telegram/adapter"
	logx "crowdbot/pkg/logx"
)

const dispatchJob = "dispatch"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget returns the ops chat id, or 0 when none is configured.
func logTarget(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, config.DefaultPollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
		RatePerSec:  cfg.Telegram.RatePerSec,
	}, nil
}

func mapBackendConfig(cfg *config.Config) (backend.Config, error) {
	timeout, err := config.ParseDurationOrDefault("backend.timeout", cfg.Backend.Timeout, config.DefaultBackendTimeout)
	if err != nil {
		return backend.Config{}, err
	}
	return backend.Config{
		PostsURL: cfg.Backend.PostsURL,
		UsersURL: cfg.Backend.UsersURL,
		APIKey:   cfg.Backend.APIKey,
		Timeout:  timeout,
	}, nil
}

// mapDispatchConfig resolves dispatch settings and checks the schedule
// expression so a bad one fails validation instead of the reschedule.
func mapDispatchConfig(cfg *config.Config) (config.DispatchSettings, error) {
	ds, err := cfg.Dispatch.Resolve()
	if err != nil {
		return ds, err
	}
	if err := scheduler.ValidateSchedule(ds.Schedule); err != nil {
		return ds, fmt.Errorf("dispatch.schedule: %w", err)
	}
	return ds, nil
}

func dispatchOptions(s config.DispatchSettings) delivery.Options {
	return delivery.Options{
		RecencyWindow: s.RecencyWindow,
		Concurrency:   s.Concurrency,
		SendTimeout:   s.SendTimeout,
		Media: delivery.MediaOptions{
			Dir:          s.MediaDir,
			FetchTimeout: s.FetchTimeout,
			MaxBytes:     s.MaxBytes,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.IsEnabled(), Timezone: cfg.Scheduler.Timezone}
}

// mapTaskEngineConfig applies defaults. The engine follows the scheduler
// unless task_engine.enabled says otherwise.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := config.TaskEngineConfig{}
	if cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
	}
	enabled := cfg.Scheduler.IsEnabled()
	if te.Enabled != nil {
		enabled = *te.Enabled
	}
	if cfg.Scheduler.IsEnabled() && !enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while the scheduler is enabled")
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        enabled,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       max(te.RetryMax, 0),
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, nil
	case "file":
		if path == "" {
			path = "./crowdbot"
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
	if out.Addr == "" {
		out.Addr = config.DefaultOpsAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 30*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}
