package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sitepulse/internal/eventbus"
	"sitepulse/internal/task/engine"
	logx "sitepulse/pkg/logx"
)

var (
	// ErrTriggerExists is returned by ScheduleOnce when a trigger with the same id is pending.
	ErrTriggerExists   = errors.New("trigger already scheduled")
	ErrTriggerNotFound = errors.New("trigger not found")
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ used for recurring entries, e.g. "America/Mexico_City"
}

// Trigger is a one-shot delayed invocation of an operation for a site.
type Trigger struct {
	ID        string            `json:"id"`
	FireAt    time.Time         `json:"fire_at"`
	SiteID    string            `json:"site_id"`
	Operation string            `json:"operation"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// FireFunc is invoked, at least once, when a trigger comes due.
type FireFunc func(ctx context.Context, t Trigger) error

// Enqueuer accepts tasks for execution.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type entryDef struct {
	name          string
	spec          string // cron spec or @every
	lane          engine.Lane
	timeout       time.Duration
	job           func(ctx context.Context) error
	entryID       cron.EntryID
	startupSpread time.Duration
}

type onceDef struct {
	trigger Trigger
	ver     uint64
	timer   *time.Timer
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Publisher

	engine Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []entryDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	// Pending one-shot triggers survive Stop; timers are re-armed on Start.
	tmu      sync.Mutex
	fire     FireFunc
	started  bool
	once     map[string]*onceDef
	nextVer  uint64
	retryGap time.Duration
}

type EntryInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Lane    engine.Lane   `json:"lane"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}

type Snapshot struct {
	Enabled  bool        `json:"enabled"`
	Timezone string      `json:"timezone"`
	Entries  []EntryInfo `json:"entries"`
	Pending  []Trigger   `json:"pending"`
}
