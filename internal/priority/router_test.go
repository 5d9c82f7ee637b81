package priority

import (
	"errors"
	"testing"
	"time"

	"sitepulse/internal/task/engine"
	logx "sitepulse/pkg/logx"
)

func TestRoutePrecedence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		req     Request
		lane    engine.Lane
		timeout time.Duration
		source  Source
	}{
		{name: "global override beats everything", cfg: Config{Override: "low"},
			req: Request{Operation: "lead_follow_up", Lane: "critical", Expedite: true}, lane: engine.LaneLow, timeout: time.Hour, source: SourceEnv},
		{name: "lane override beats expedite", req: Request{Lane: "normal", Expedite: true}, lane: engine.LaneNormal, timeout: 30 * time.Minute, source: SourceOverride},
		{name: "expedite beats priority", req: Request{Priority: "low", Expedite: true}, lane: engine.LaneCritical, timeout: 5 * time.Minute, source: SourceExpedite},
		{name: "priority beats table", req: Request{Operation: "daily_summary", Priority: "HIGH"}, lane: engine.LaneHigh, timeout: 15 * time.Minute, source: SourcePriority},
		{name: "table", req: Request{Operation: "daily_summary"}, lane: engine.LaneLow, timeout: time.Hour, source: SourceTable},
		{name: "configured table entry", cfg: Config{Table: map[string]engine.Lane{"Invoice_Reminder": engine.LaneCritical}},
			req: Request{Operation: "invoice_reminder"}, lane: engine.LaneCritical, timeout: 5 * time.Minute, source: SourceTable},
		{name: "unknown operation", req: Request{Operation: "mystery"}, lane: engine.LaneNormal, timeout: 30 * time.Minute, source: SourceDefault},
		{name: "explicit timeout wins", req: Request{Operation: "daily_summary", Timeout: 90 * time.Second}, lane: engine.LaneLow, timeout: 90 * time.Second, source: SourceTable},
		{name: "configured lane timeout", cfg: Config{LaneTimeouts: map[engine.Lane]time.Duration{engine.LaneNormal: time.Minute}},
			req: Request{Operation: "outreach_campaign"}, lane: engine.LaneNormal, timeout: time.Minute, source: SourceTable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := New(tt.cfg, logx.Nop())
			// Keeps the process environment out of the table.
			r.override = laneOrEmpty(tt.cfg.Override)
			got, err := r.Route(tt.req)
			if err != nil {
				t.Fatalf("Route: %v", err)
			}
			if got.Lane != tt.lane || got.Timeout != tt.timeout || got.Source != tt.source {
				t.Fatalf("Route = %+v, want %s/%s/%s", got, tt.lane, tt.timeout, tt.source)
			}
		})
	}
}

func laneOrEmpty(s string) engine.Lane {
	l, err := engine.ParseLane(s)
	if err != nil {
		return ""
	}
	return l
}

func TestRouteRejectsUnknownLanes(t *testing.T) {
	t.Parallel()
	r := New(Config{}, logx.Nop())
	r.override = ""
	if _, err := r.Route(Request{Lane: "urgent"}); !errors.Is(err, engine.ErrUnknownLane) {
		t.Fatalf("lane err = %v", err)
	}
	if _, err := r.Route(Request{Priority: "p0"}); !errors.Is(err, engine.ErrUnknownLane) {
		t.Fatalf("priority err = %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv(EnvOverride, "critical")
	got, err := New(Config{}, logx.Nop()).Route(Request{Operation: "daily_summary"})
	if err != nil || got.Lane != engine.LaneCritical || got.Source != SourceEnv {
		t.Fatalf("Route = %+v, %v", got, err)
	}

	t.Setenv(EnvOverride, "bogus")
	got, err = New(Config{}, logx.Nop()).Route(Request{Operation: "daily_summary"})
	if err != nil || got.Lane != engine.LaneLow || got.Source != SourceTable {
		t.Fatalf("invalid override should be ignored, got %+v, %v", got, err)
	}
}
