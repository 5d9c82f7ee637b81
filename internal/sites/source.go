// Package sites loads the site and operating-hours snapshot for an evaluation pass.
package sites

import (
	"context"
	"sync"

	"sitepulse/internal/hours"
)

// Source returns the full set of active sites. Every pass takes a fresh
// snapshot; sources never cache across calls beyond their own configuration.
type Source interface {
	Snapshot(ctx context.Context) ([]hours.Site, error)
}

// ConfigSource serves sites declared in the configuration file.
type ConfigSource struct {
	mu    sync.RWMutex
	sites []hours.Site
}

func NewConfigSource(sites []hours.Site) *ConfigSource {
	s := &ConfigSource{}
	s.Apply(sites)
	return s
}

// Apply replaces the site list, e.g. after a config reload.
func (s *ConfigSource) Apply(sites []hours.Site) {
	cp := cloneSites(sites)
	s.mu.Lock()
	s.sites = cp
	s.mu.Unlock()
}

func (s *ConfigSource) Snapshot(ctx context.Context) ([]hours.Site, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSites(s.sites), nil
}

func cloneSites(in []hours.Site) []hours.Site {
	out := make([]hours.Site, len(in))
	for i, site := range in {
		out[i] = site
		out[i].Rules = append([]hours.Rule(nil), site.Rules...)
	}
	return out
}
