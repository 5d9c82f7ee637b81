// Package operation executes named operations for a site through the lane
// engine, recording every run in the ledger.
package operation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Invocation identifies one execution of an operation.
type Invocation struct {
	SiteID    string `json:"site_id"`
	Operation string `json:"operation"`
	TriggerID string `json:"trigger_id,omitempty"`
	// RunID is unique per execution.
	RunID string `json:"run_id"`
}

type HandlerFunc func(ctx context.Context, inv Invocation) error

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]HandlerFunc{}}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h HandlerFunc) error {
	name = strings.TrimSpace(name)
	if name == "" || h == nil {
		return fmt.Errorf("operation name and handler required")
	}
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
	return nil
}

func (r *Registry) Lookup(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	return h, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
