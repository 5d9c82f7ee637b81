package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks bounds and durations that need no other package. Lane
// names, zones and schedules are checked when the app maps the config.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", path))
		}
	}

	te := c.TaskEngine
	nonNeg("task_engine.workers", te.Workers)
	nonNeg("task_engine.queue_size", te.QueueSize)
	nonNeg("task_engine.history_size", te.HistorySize)
	nonNeg("task_engine.retry_max", te.RetryMax)
	check("task_engine.default_timeout", te.DefaultTimeout)
	check("task_engine.max_queue_delay", te.MaxQueueDelay)
	for name, l := range te.Lanes {
		nonNeg("task_engine.lanes."+name+".queue_size", l.QueueSize)
		check("task_engine.lanes."+name+".timeout", l.Timeout)
	}
	if c.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
		errs = append(errs, errors.New("task_engine.enabled cannot be false while scheduler.enabled is true"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn (or %s) is required when storage.driver=postgres", EnvDatabaseURL))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", c.Storage.Driver))
	}
	check("storage.busy_timeout", c.Storage.BusyTimeout)
	nonNeg("storage.max_conns", c.Storage.MaxConns)

	switch strings.ToLower(strings.TrimSpace(c.Sites.Source)) {
	case "", "config":
		seen := make(map[string]bool, len(c.Sites.List))
		for i, s := range c.Sites.List {
			id := strings.TrimSpace(s.ID)
			if id == "" {
				errs = append(errs, fmt.Errorf("sites.list[%d].id is required", i))
				continue
			}
			if seen[id] {
				errs = append(errs, fmt.Errorf("sites.list: duplicate id %q", id))
			}
			seen[id] = true
		}
	case "postgres":
		if strings.TrimSpace(c.Sites.DSN) == "" && strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("sites.dsn or storage.dsn is required when sites.source=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sites.source: %s", c.Sites.Source))
	}

	check("hours.catch_up_allowance", c.Hours.CatchUpAllowance)
	check("ledger.stuck_threshold", c.Ledger.StuckThreshold)
	minInterval, err1 := ParseDurationField("ledger.min_interval", c.Ledger.MinInterval)
	retryDelay, err2 := ParseDurationField("ledger.retry_delay", c.Ledger.RetryDelay)
	errs = append(errs, err1, err2)
	if minInterval > 0 && retryDelay >= minInterval {
		errs = append(errs, fmt.Errorf("ledger.retry_delay (%s) must be shorter than ledger.min_interval (%s)", retryDelay, minInterval))
	}
	nonNeg("ledger.max_retries", c.Ledger.MaxRetries)

	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format))
	}

	if c.Dispatch.RatePerSec < 0 {
		errs = append(errs, errors.New("dispatch.rate_per_sec must be >= 0"))
	}
	nonNeg("dispatch.burst", c.Dispatch.Burst)

	for name, op := range c.Operations {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("operations: empty operation name"))
		}
		check("operations."+name+".timeout", op.Timeout)
		if u := strings.TrimSpace(op.Webhook); u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			errs = append(errs, fmt.Errorf("operations.%s.webhook must be an http(s) URL", name))
		}
	}
	return errors.Join(errs...)
}
