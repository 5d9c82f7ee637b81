package logx

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestFileSinkWritesStructuredEntries(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sitepulse.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})

	log.Component("ledger").Info("transition", String("site", "s1"), Err(errors.New("boom")), Err(nil))
	log.Debug("hidden")
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled at info")
	}

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("shown")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("lines = %v", lines)
	}
	first := lines[0]
	if first[ComponentKey] != "ledger" || first["site"] != "s1" || first["err"] != "boom" || first["message"] != "transition" {
		t.Fatalf("first entry = %v", first)
	}
	if c, _ := first["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %v", first["caller"])
	}
	if lines[1]["message"] != "shown" || lines[1]["level"] != "debug" {
		t.Fatalf("second entry = %v", lines[1])
	}
}

func TestZeroAndNopLoggersDiscard(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() || Nop().IsZero() {
		t.Fatal("IsZero mismatch")
	}
	for _, l := range []Logger{zero, Nop(), Nop().Component("x")} {
		l.Info("dropped", String("k", "v"))
		if l.Enabled(LevelDebug) {
			t.Fatal("discarding logger reports enabled")
		}
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]Level{
		"":         ParseLevel("info"),
		"DEBUG":    LevelDebug,
		" warn ":   ParseLevel("warning"),
		"nonsense": ParseLevel("info"),
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
