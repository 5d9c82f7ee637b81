// Package priority maps operation requests to an engine lane and timeout.
package priority

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"sitepulse/internal/task/engine"
	logx "sitepulse/pkg/logx"
)

// EnvOverride names the environment variable that forces every route onto one lane.
const EnvOverride = "SITEPULSE_LANE_OVERRIDE"

// DefaultTable holds the lanes of known operations.
var DefaultTable = map[string]engine.Lane{
	"evaluation_pass":   engine.LaneHigh,
	"lead_follow_up":    engine.LaneHigh,
	"outreach_campaign": engine.LaneNormal,
	"daily_summary":     engine.LaneLow,
	"remediation_pass":  engine.LaneLow,
}

// Source names the rule that chose a lane.
type Source string

const (
	SourceEnv      Source = "env"
	SourceOverride Source = "override"
	SourceExpedite Source = "expedite"
	SourcePriority Source = "priority"
	SourceTable    Source = "table"
	SourceDefault  Source = "default"
)

type Request struct {
	Operation string `json:"operation"`
	// Priority is an explicit level; levels are lane names.
	Priority string        `json:"priority,omitempty"`
	Expedite bool          `json:"expedite,omitempty"`
	Lane     string        `json:"lane,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

type Route struct {
	Lane    engine.Lane   `json:"lane"`
	Timeout time.Duration `json:"timeout"`
	Source  Source        `json:"source"`
}

type Config struct {
	// Table extends or replaces DefaultTable entries.
	Table map[string]engine.Lane
	// LaneTimeouts overrides engine.DefaultLaneTimeouts.
	LaneTimeouts map[engine.Lane]time.Duration
	// Override is the global lane; when empty, EnvOverride is consulted.
	Override string
}

type Router struct {
	mu       sync.RWMutex
	table    map[string]engine.Lane
	timeouts map[engine.Lane]time.Duration
	override engine.Lane
	log      logx.Logger
}

func New(cfg Config, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{log: log.Component("priority")}
	r.Apply(cfg)
	return r
}

// Apply swaps the routing table. An invalid global override is ignored and logged.
func (r *Router) Apply(cfg Config) {
	table := make(map[string]engine.Lane, len(DefaultTable)+len(cfg.Table))
	for k, v := range DefaultTable {
		table[k] = v
	}
	for k, v := range cfg.Table {
		table[normalizeOp(k)] = v
	}
	timeouts := make(map[engine.Lane]time.Duration, len(engine.Lanes))
	for _, l := range engine.Lanes {
		timeouts[l] = engine.DefaultLaneTimeouts[l]
		if d := cfg.LaneTimeouts[l]; d > 0 {
			timeouts[l] = d
		}
	}

	raw := strings.TrimSpace(cfg.Override)
	if raw == "" {
		raw = strings.TrimSpace(os.Getenv(EnvOverride))
	}
	var override engine.Lane
	if raw != "" {
		l, err := engine.ParseLane(raw)
		if err != nil {
			r.log.Warn("ignoring invalid global lane override", logx.String("value", raw), logx.Err(err))
		} else {
			override = l
		}
	}

	r.mu.Lock()
	r.table, r.timeouts, r.override = table, timeouts, override
	r.mu.Unlock()
}

// Route resolves req. Precedence: global override, per-call lane, expedite,
// explicit priority, operation table, normal lane. An explicit timeout wins over
// the lane default.
func (r *Router) Route(req Request) (Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt := Route{Lane: engine.LaneNormal, Source: SourceDefault}
	switch {
	case r.override != "":
		rt.Lane, rt.Source = r.override, SourceEnv
	case strings.TrimSpace(req.Lane) != "":
		l, err := engine.ParseLane(req.Lane)
		if err != nil {
			return Route{}, fmt.Errorf("lane override: %w", err)
		}
		rt.Lane, rt.Source = l, SourceOverride
	case req.Expedite:
		rt.Lane, rt.Source = engine.Lanes[0], SourceExpedite
	case strings.TrimSpace(req.Priority) != "":
		l, err := engine.ParseLane(req.Priority)
		if err != nil {
			return Route{}, fmt.Errorf("priority: %w", err)
		}
		rt.Lane, rt.Source = l, SourcePriority
	default:
		if l, ok := r.table[normalizeOp(req.Operation)]; ok {
			rt.Lane, rt.Source = l, SourceTable
		}
	}

	rt.Timeout = r.timeouts[rt.Lane]
	if req.Timeout > 0 {
		rt.Timeout = req.Timeout
	}
	return rt, nil
}

func normalizeOp(op string) string { return strings.ToLower(strings.TrimSpace(op)) }
