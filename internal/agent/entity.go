package agent

import "time"

// Profile describes one worker agent known to the console: who it is, what
// it can do, and when it last showed signs of life.
type Profile struct {
	ID           string    `yaml:"id" json:"id"`
	Name         string    `yaml:"name" json:"name"`
	Capabilities []string  `yaml:"capabilities" json:"capabilities"`
	Worktree     string    `yaml:"worktree,omitempty" json:"worktree,omitempty"`
	Active       bool      `yaml:"-" json:"active"`
	LastSeen     time.Time `yaml:"-" json:"lastSeen"`
}
