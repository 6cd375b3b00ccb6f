package agent

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/guildwatch/guildwatch/internal/eventbus"
)

// Registry holds the agent capability table. Profiles come from the config
// file when present, otherwise from built-in defaults.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

type configFile struct {
	Agents []*Profile `yaml:"agents"`
}

// DefaultProfiles returns the built-in agent roster.
func DefaultProfiles() []*Profile {
	return []*Profile{
		{ID: "architect", Name: "Architect", Capabilities: []string{"design", "architecture", "specification"}},
		{ID: "builder", Name: "Builder", Capabilities: []string{"frontend", "backend", "database", "implementation"}},
		{ID: "validator", Name: "Validator", Capabilities: []string{"testing", "validation", "quality", "review"}},
	}
}

// LoadRegistry reads the agent roster from configPath, falling back to the
// defaults when the file does not exist.
func LoadRegistry(configPath string) (*Registry, error) {
	profiles := DefaultProfiles()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			var cfg configFile
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse agent config %s: %w", configPath, err)
			}
			if err := validate(cfg.Agents); err != nil {
				return nil, fmt.Errorf("invalid agent config %s: %w", configPath, err)
			}
			if len(cfg.Agents) > 0 {
				profiles = cfg.Agents
			}
		case os.IsNotExist(err):
			// keep defaults
		default:
			return nil, fmt.Errorf("failed to read agent config %s: %w", configPath, err)
		}
	}

	r := &Registry{profiles: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		r.profiles[p.ID] = p
	}
	return r, nil
}

func validate(profiles []*Profile) error {
	seen := make(map[string]bool)
	for i, p := range profiles {
		if p.ID == "" {
			return fmt.Errorf("agent #%d has no id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate agent id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

func (r *Registry) Get(id string) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, false
	}
	copied := *p
	return &copied, true
}

// List returns all profiles sorted by id.
func (r *Registry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profiles := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		copied := *p
		profiles = append(profiles, &copied)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles
}

// SetActive flips the active flag, e.g. when a worktree watcher is
// registered or removed for the agent.
func (r *Registry) SetActive(id string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.profiles[id]; ok {
		p.Active = active
	}
}

// Touch records that the agent showed activity at t. LastSeen never moves
// backwards.
func (r *Registry) Touch(id string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.profiles[id]; ok && t.After(p.LastSeen) {
		p.LastSeen = t
	}
}

// Run consumes the bus until ctx is cancelled, treating every event as a
// sign of life from its agent.
func (r *Registry) Run(ctx context.Context, bus *eventbus.Bus) error {
	id, ch := bus.Subscribe(256)
	defer bus.Unsubscribe(id)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.Touch(ev.AgentID, ev.Timestamp)
		case <-ctx.Done():
			return nil
		}
	}
}
