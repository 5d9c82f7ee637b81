package app

import (
	"fmt"
	"strings"
	"time"

	"sitepulse/internal/config"
	"sitepulse/internal/decision"
	"sitepulse/internal/dispatch"
	"sitepulse/internal/hours"
	"sitepulse/internal/ledger"
	"sitepulse/internal/opsapi"
	"sitepulse/internal/priority"
	"sitepulse/internal/storage"
	"sitepulse/internal/task/engine"
	"sitepulse/internal/task/scheduler"
	logx "sitepulse/pkg/logx"
)

const (
	defaultRemediationSchedule = "15m"
	passTimeout                = 5 * time.Minute
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if _, err := hours.LoadLocation(tz); err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: tz}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	enabled := cfg.Scheduler.Enabled
	if te.Enabled != nil {
		enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && !enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	retryMax := te.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}

	var lanes map[engine.Lane]engine.LaneConfig
	if len(te.Lanes) > 0 {
		lanes = make(map[engine.Lane]engine.LaneConfig, len(te.Lanes))
		for name, lc := range te.Lanes {
			lane, err := engine.ParseLane(name)
			if err != nil {
				return engine.Config{}, fmt.Errorf("task_engine.lanes: %w", err)
			}
			timeout, err := config.ParseDurationField("task_engine.lanes."+name+".timeout", lc.Timeout)
			if err != nil {
				return engine.Config{}, err
			}
			lanes[lane] = engine.LaneConfig{QueueSize: lc.QueueSize, Timeout: timeout}
		}
	}

	return engine.Config{
		Enabled:        enabled,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       retryMax,
		Lanes:          lanes,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN), MaxConns: sc.MaxConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapSites converts the inline site list. A rule without "enabled" is enabled.
func mapSites(cfg *config.Config) ([]hours.Site, error) {
	out := make([]hours.Site, 0, len(cfg.Sites.List))
	for i, sc := range cfg.Sites.List {
		site := hours.Site{
			ID:       strings.TrimSpace(sc.ID),
			Name:     sc.Name,
			Timezone: strings.TrimSpace(sc.Timezone),
		}
		for j, h := range sc.Hours {
			wd, ok := hours.ParseWeekday(h.Weekday)
			if !ok {
				return nil, fmt.Errorf("sites.list[%d].hours[%d].weekday: invalid %q", i, j, h.Weekday)
			}
			enabled := h.Enabled == nil || *h.Enabled
			site.Rules = append(site.Rules, hours.Rule{
				Weekday:  wd,
				Open:     strings.TrimSpace(h.Open),
				Close:    strings.TrimSpace(h.Close),
				Enabled:  enabled,
				Timezone: strings.TrimSpace(h.Timezone),
				Label:    h.Label,
			})
		}
		out = append(out, site)
	}
	return out, nil
}

func mapDecisionOptions(cfg *config.Config) (decision.Options, error) {
	allowance, err := config.ParseDurationField("hours.catch_up_allowance", cfg.Hours.CatchUpAllowance)
	if err != nil {
		return decision.Options{}, err
	}
	ref, err := hours.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return decision.Options{}, fmt.Errorf("scheduler.timezone: %w", err)
	}
	opt := decision.Options{CatchUpAllowance: allowance, Reference: ref}
	for _, s := range cfg.Hours.FallbackWeekdays {
		wd, ok := hours.ParseWeekday(s)
		if !ok {
			return decision.Options{}, fmt.Errorf("hours.fallback_weekdays: invalid %q", s)
		}
		opt.FallbackWeekdays = append(opt.FallbackWeekdays, wd)
	}
	return opt, nil
}

func mapLedgerOptions(cfg *config.Config) (ledger.Options, error) {
	lc := cfg.Ledger
	var (
		opt ledger.Options
		err error
	)
	if opt.StuckThreshold, err = config.ParseDurationField("ledger.stuck_threshold", lc.StuckThreshold); err != nil {
		return ledger.Options{}, err
	}
	if opt.MinInterval, err = config.ParseDurationField("ledger.min_interval", lc.MinInterval); err != nil {
		return ledger.Options{}, err
	}
	if opt.RetryDelay, err = config.ParseDurationField("ledger.retry_delay", lc.RetryDelay); err != nil {
		return ledger.Options{}, err
	}
	opt.MaxRetries = lc.MaxRetries
	return opt, nil
}

func mapDispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		RatePerSec: cfg.Dispatch.RatePerSec,
		Burst:      cfg.Dispatch.Burst,
		Supersede:  cfg.Dispatch.Supersede,
	}
}

// mapPriorityConfig builds the routing table from per-operation lanes and the
// lane timeouts from task_engine.lanes.
func mapPriorityConfig(cfg *config.Config) (priority.Config, error) {
	pc := priority.Config{Table: map[string]engine.Lane{}, LaneTimeouts: map[engine.Lane]time.Duration{}}
	for name, oc := range cfg.Operations {
		if strings.TrimSpace(oc.Lane) == "" {
			continue
		}
		lane, err := engine.ParseLane(oc.Lane)
		if err != nil {
			return priority.Config{}, fmt.Errorf("operations.%s.lane: %w", name, err)
		}
		pc.Table[name] = lane
	}
	for name, lc := range cfg.TaskEngine.Lanes {
		lane, err := engine.ParseLane(name)
		if err != nil {
			return priority.Config{}, fmt.Errorf("task_engine.lanes: %w", err)
		}
		d, err := config.ParseDurationField("task_engine.lanes."+name+".timeout", lc.Timeout)
		if err != nil {
			return priority.Config{}, err
		}
		if d > 0 {
			pc.LaneTimeouts[lane] = d
		}
	}
	return pc, nil
}

func mapOpsAPIConfig(cfg *config.Config) opsapi.Config {
	return opsapi.Config{Enabled: cfg.OpsAPI.Enabled, Addr: strings.TrimSpace(cfg.OpsAPI.Addr)}
}

// recurringEntry is one cron registration derived from config.
type recurringEntry struct {
	name      string
	schedule  string
	lane      engine.Lane
	operation string // empty for remediation
}

func mapRecurring(cfg *config.Config) ([]recurringEntry, error) {
	var out []recurringEntry
	if sched := strings.TrimSpace(cfg.Evaluation.Schedule); sched != "" {
		if _, err := scheduler.ParseSchedule(sched); err != nil {
			return nil, fmt.Errorf("evaluation.schedule: %w", err)
		}
		for _, op := range cfg.Evaluation.Operations {
			op = strings.TrimSpace(op)
			if op == "" {
				continue
			}
			out = append(out, recurringEntry{name: "evaluation:" + op, schedule: sched, lane: engine.LaneHigh, operation: op})
		}
	}
	sched := strings.TrimSpace(cfg.Remediation.Schedule)
	if sched == "" {
		sched = defaultRemediationSchedule
	}
	if _, err := scheduler.ParseSchedule(sched); err != nil {
		return nil, fmt.Errorf("remediation.schedule: %w", err)
	}
	out = append(out, recurringEntry{name: "remediation", schedule: sched, lane: engine.LaneLow})
	return out, nil
}

// validate runs every mapper so a reload is rejected before anything is applied.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSites(cfg); err != nil {
		return err
	}
	if _, err := mapDecisionOptions(cfg); err != nil {
		return err
	}
	if _, err := mapLedgerOptions(cfg); err != nil {
		return err
	}
	if _, err := mapPriorityConfig(cfg); err != nil {
		return err
	}
	_, err := mapRecurring(cfg)
	return err
}
