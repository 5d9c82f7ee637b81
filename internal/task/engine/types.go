package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Lane is an execution queue with its own priority tier and default timeout.
type Lane string

const (
	LaneCritical Lane = "critical"
	LaneHigh     Lane = "high"
	LaneNormal   Lane = "normal"
	LaneLow      Lane = "low"
)

// Lanes lists every lane, highest priority first. Workers drain in this order.
var Lanes = []Lane{LaneCritical, LaneHigh, LaneNormal, LaneLow}

// DefaultLaneTimeouts are used when a lane has no configured timeout.
var DefaultLaneTimeouts = map[Lane]time.Duration{
	LaneCritical: 5 * time.Minute,
	LaneHigh:     15 * time.Minute,
	LaneNormal:   30 * time.Minute,
	LaneLow:      time.Hour,
}

// ParseLane accepts a lane name case-insensitively.
func ParseLane(s string) (Lane, error) {
	l := Lane(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Lanes {
		if l == known {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLane, s)
}

func (l Lane) rank() int {
	for i, known := range Lanes {
		if l == known {
			return i
		}
	}
	return -1
}

// LaneConfig sizes one lane.
type LaneConfig struct {
	QueueSize int
	Timeout   time.Duration
}

// Config controls the task execution engine.
type Config struct {
	Enabled bool
	Workers int

	// QueueSize is the per-lane capacity when Lanes does not set one.
	QueueSize int

	// DefaultTimeout is used when neither Task.Timeout nor the lane sets one.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int

	Lanes map[Lane]LaneConfig
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// LaneTimeout returns the effective default timeout for lane.
func (c Config) LaneTimeout(l Lane) time.Duration {
	if lc, ok := c.Lanes[l]; ok && lc.Timeout > 0 {
		return lc.Timeout
	}
	if d, ok := DefaultLaneTimeouts[l]; ok {
		return d
	}
	return c.DefaultTimeout
}

func (c Config) laneQueueSize(l Lane) int {
	if lc, ok := c.Lanes[l]; ok && lc.QueueSize > 0 {
		return lc.QueueSize
	}
	return c.QueueSize
}

type TaskOptions struct {
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax == 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Lane       Lane          `json:"lane"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Lane       Lane          `json:"lane"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
//
// Done, when set, is called exactly once with the final result after retries,
// with ErrStale when the task aged out in the queue, or with ErrStopped when the
// engine stopped before the task ran. It is never called when Enqueue fails.
type Task struct {
	ID      string
	Name    string
	Lane    Lane
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	Done    func(err error)
}

type LaneSnapshot struct {
	Lane    Lane          `json:"lane"`
	Len     int           `json:"len"`
	Cap     int           `json:"cap"`
	Timeout time.Duration `json:"timeout"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool           `json:"enabled"`
	Workers  int            `json:"workers"`
	InFlight int            `json:"in_flight"`
	Lanes    []LaneSnapshot `json:"lanes"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	MaxQueueDelay time.Duration `json:"max_queue_delay"`
	RetryMax      int           `json:"retry_max"`

	History []HistoryItem `json:"history"`
}
