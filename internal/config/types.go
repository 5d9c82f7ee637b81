package config

// Config is the whole service configuration. Durations are Go duration strings.
type Config struct {
	Logging     LoggingConfig              `json:"logging"`
	Scheduler   SchedulerConfig            `json:"scheduler"`
	TaskEngine  TaskEngineConfig           `json:"task_engine"`
	Storage     StorageConfig              `json:"storage"`
	Sites       SitesConfig                `json:"sites"`
	Hours       HoursConfig                `json:"hours"`
	Ledger      LedgerConfig               `json:"ledger"`
	Evaluation  EvaluationConfig           `json:"evaluation"`
	Remediation RemediationConfig          `json:"remediation"`
	Dispatch    DispatchConfig             `json:"dispatch"`
	Operations  map[string]OperationConfig `json:"operations,omitempty"`
	OpsAPI      OpsAPIConfig               `json:"ops_api"`
}

// LoggingConfig selects the level and sinks. Format is "console" (default) or "json".
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the trigger service. Timezone is the reference zone
// for recurring entries and for the aggregate fallback weekday.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the lane engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256 per lane
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
//
// Enabled is a pointer so an omitted value follows scheduler.enabled.
type TaskEngineConfig struct {
	Enabled        *bool                 `json:"enabled,omitempty"`
	Workers        int                   `json:"workers,omitempty"`
	QueueSize      int                   `json:"queue_size,omitempty"`
	DefaultTimeout string                `json:"default_timeout,omitempty"`
	MaxQueueDelay  string                `json:"max_queue_delay,omitempty"`
	HistorySize    int                   `json:"history_size,omitempty"`
	RetryMax       int                   `json:"retry_max,omitempty"`
	Lanes          map[string]LaneConfig `json:"lanes,omitempty"`
}

type LaneConfig struct {
	QueueSize int    `json:"queue_size,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// StorageConfig selects the ledger store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./sitepulse.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; SITEPULSE_DATABASE_URL wins (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"`
}

// SitesConfig selects where site calendars come from. Source "config" uses
// List; "postgres" reads the sites tables through DSN (or storage.dsn).
type SitesConfig struct {
	Source string       `json:"source,omitempty"`
	DSN    string       `json:"dsn,omitempty"`
	List   []SiteConfig `json:"list,omitempty"`
}

type SiteConfig struct {
	ID       string       `json:"id"`
	Name     string       `json:"name,omitempty"`
	Timezone string       `json:"timezone,omitempty"`
	Hours    []HoursEntry `json:"hours,omitempty"`
}

// HoursEntry is one weekday window. Weekday accepts names ("monday", "mon") or 0-6.
type HoursEntry struct {
	Weekday  string `json:"weekday"`
	Open     string `json:"open"`
	Close    string `json:"close"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Label    string `json:"label,omitempty"`
}

type HoursConfig struct {
	CatchUpAllowance string   `json:"catch_up_allowance,omitempty"`
	FallbackWeekdays []string `json:"fallback_weekdays,omitempty"`
}

type LedgerConfig struct {
	StuckThreshold string `json:"stuck_threshold,omitempty"`
	MinInterval    string `json:"min_interval,omitempty"`
	RetryDelay     string `json:"retry_delay,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
}

// EvaluationConfig registers a recurring pass per operation.
type EvaluationConfig struct {
	Schedule   string   `json:"schedule,omitempty"`
	Operations []string `json:"operations,omitempty"`
}

type RemediationConfig struct {
	Schedule string `json:"schedule,omitempty"`
}

type DispatchConfig struct {
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	Supersede  bool    `json:"supersede,omitempty"`
}

// OperationConfig binds an operation name to a lane and a handler. Without a
// webhook URL the operation is only logged.
type OperationConfig struct {
	Lane    string            `json:"lane,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
	Webhook string            `json:"webhook,omitempty"`
	Headers map[string]string `json:"headers,omitempty"` // do not log
}

// OpsAPIConfig controls the operator HTTP surface. Prefer a loopback address
// or set a token.
type OpsAPIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8088"
	Token   string `json:"token,omitempty"` // bearer token (do not log)
	Pprof   bool   `json:"pprof,omitempty"` // profiler under /v1/debug
}
