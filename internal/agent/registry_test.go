package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildwatch/guildwatch/internal/event"
	"github.com/guildwatch/guildwatch/internal/eventbus"
)

func TestLoadRegistryDefaults(t *testing.T) {
	reg, err := LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	profiles := reg.List()
	require.Len(t, profiles, 3)
	assert.Equal(t, "architect", profiles[0].ID)
	assert.Equal(t, "builder", profiles[1].ID)
	assert.Equal(t, "validator", profiles[2].ID)

	builder, ok := reg.Get("builder")
	require.True(t, ok)
	assert.Contains(t, builder.Capabilities, "database")
}

func TestLoadRegistryFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	content := `agents:
  - id: builder
    name: Builder One
    capabilities: [backend]
    worktree: /srv/worktrees/builder
  - id: reviewer
    name: Reviewer
    capabilities: [review]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)

	profiles := reg.List()
	require.Len(t, profiles, 2)

	builder, ok := reg.Get("builder")
	require.True(t, ok)
	assert.Equal(t, "Builder One", builder.Name)
	assert.Equal(t, "/srv/worktrees/builder", builder.Worktree)
}

func TestLoadRegistryRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	content := "agents:\n  - id: builder\n  - id: builder\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadRegistry(path)
	require.Error(t, err)
}

func TestTouchMonotonic(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)

	now := time.Now()
	reg.Touch("builder", now)
	reg.Touch("builder", now.Add(-time.Hour))

	builder, ok := reg.Get("builder")
	require.True(t, ok)
	assert.Equal(t, now, builder.LastSeen)
}

func TestRunTouchesAgentsOnEvents(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)

	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx, bus)

	// Republish until the subscription is up and the touch lands.
	require.Eventually(t, func() bool {
		bus.Publish(event.NewFileChange("builder", "/wt", "/wt/main.go", event.ChangeModified, time.Now()))
		p, ok := reg.Get("builder")
		return ok && !p.LastSeen.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	// Events for unknown agents are ignored without side effects.
	bus.Publish(event.NewFileChange("ghost", "/wt", "/wt/main.go", event.ChangeModified, time.Now()))
	_, ok := reg.Get("ghost")
	assert.False(t, ok)
}

func TestSetActive(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)

	reg.SetActive("builder", true)
	builder, _ := reg.Get("builder")
	assert.True(t, builder.Active)

	reg.SetActive("builder", false)
	builder, _ = reg.Get("builder")
	assert.False(t, builder.Active)
}
