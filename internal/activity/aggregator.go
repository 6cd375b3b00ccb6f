// Package activity reduces the raw watcher event stream into queryable
// per-agent metrics and a bounded log of recent activity.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/guildwatch/guildwatch/internal/event"
	"github.com/guildwatch/guildwatch/internal/eventbus"
	"github.com/guildwatch/guildwatch/pkg/cerr"
)

const (
	// DefaultRingCapacity bounds the recent-activity log.
	DefaultRingCapacity = 200

	// DefaultFreshnessWindow is the threshold for classifying an agent as
	// active in system snapshots.
	DefaultFreshnessWindow = 5 * time.Minute

	// idleWindow separates idle agents from offline ones.
	idleWindow = 30 * time.Minute

	// snapshotActivityLimit is how many recent entries a snapshot embeds.
	snapshotActivityLimit = 20
)

// AgentState classifies how recently an agent has shown activity.
type AgentState string

const (
	StateActive  AgentState = "active"
	StateIdle    AgentState = "idle"
	StateOffline AgentState = "offline"
)

// StateFor classifies lastActivity relative to now. A zero lastActivity is
// always offline.
func StateFor(lastActivity, now time.Time) AgentState {
	if lastActivity.IsZero() {
		return StateOffline
	}
	switch since := now.Sub(lastActivity); {
	case since < DefaultFreshnessWindow:
		return StateActive
	case since < idleWindow:
		return StateIdle
	default:
		return StateOffline
	}
}

// AgentMetrics is the aggregated view of one agent's activity. One instance
// per tracked agent, mutated in place by the aggregator.
type AgentMetrics struct {
	AgentID          string     `json:"agentId"`
	Name             string     `json:"name"`
	TrackedFiles     int        `json:"trackedFiles"`
	Commits          int        `json:"commits"`
	LastActivity     time.Time  `json:"lastActivity"`
	UncommittedFiles int        `json:"uncommittedFiles"`
	LinesAdded       int        `json:"linesAdded"`
	LinesRemoved     int        `json:"linesRemoved"`
	State            AgentState `json:"state"`
}

// SystemSnapshot is a point-in-time, internally consistent rollup across all
// tracked agents. Derived on demand, never persisted.
type SystemSnapshot struct {
	TotalAgents       int             `json:"totalAgents"`
	ActiveAgents      int             `json:"activeAgents"`
	TotalCommits      int             `json:"totalCommits"`
	TotalTrackedFiles int             `json:"totalTrackedFiles"`
	Agents            []*AgentMetrics `json:"agents"`
	RecentActivity    []*event.Event  `json:"recentActivity"`
}

// Aggregator is a pure in-memory reducer over the event stream. All state is
// guarded by one mutex; snapshot reads happen under the same brief critical
// section so they are never torn.
type Aggregator struct {
	mu      sync.Mutex
	metrics map[string]*AgentMetrics
	order   []string

	ring []*event.Event
	next int
	size int

	freshness time.Duration
	now       func() time.Time
}

type Option func(*Aggregator)

func WithFreshnessWindow(d time.Duration) Option {
	return func(a *Aggregator) { a.freshness = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func New(capacity int, opts ...Option) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	a := &Aggregator{
		metrics:   make(map[string]*AgentMetrics),
		ring:      make([]*event.Event, capacity),
		freshness: DefaultFreshnessWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run consumes the bus until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, bus *eventbus.Bus) error {
	id, ch := bus.Subscribe(256)
	defer bus.Unsubscribe(id)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			a.Apply(ev)
		case <-ctx.Done():
			return nil
		}
	}
}

// Track starts maintaining metrics for an agent.
func (a *Aggregator) Track(agentID, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.metrics[agentID]; ok {
		return
	}
	a.metrics[agentID] = &AgentMetrics{AgentID: agentID, Name: name}
	a.order = append(a.order, agentID)
}

// Forget drops an agent's metrics. Its past events stay in the activity log.
func (a *Aggregator) Forget(agentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.metrics[agentID]; !ok {
		return
	}
	delete(a.metrics, agentID)
	for i, id := range a.order {
		if id == agentID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// SetBaseline seeds file and commit totals captured at registration time.
func (a *Aggregator) SetBaseline(agentID string, files, commits int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.metrics[agentID]; ok {
		m.TrackedFiles = files
		m.Commits = commits
	}
}

// SetWorkingState refreshes the uncommitted-diff figures. These are
// recomputed from the worktree, not accumulated.
func (a *Aggregator) SetWorkingState(agentID string, uncommitted, added, removed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.metrics[agentID]; ok {
		m.UncommittedFiles = uncommitted
		m.LinesAdded = added
		m.LinesRemoved = removed
	}
}

// Apply folds one event into the per-agent metrics and the activity log.
func (a *Aggregator) Apply(ev *event.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ev.Type == event.TypeError {
		// Failures are broadcast to observers but do not count as activity.
		return
	}

	if m, ok := a.metrics[ev.AgentID]; ok {
		switch ev.Type {
		case event.TypeFileChange:
			switch ev.FileChange.Kind {
			case event.ChangeAdded:
				m.TrackedFiles++
			case event.ChangeRemoved:
				if m.TrackedFiles > 0 {
					m.TrackedFiles--
				}
			}
		case event.TypeCommit:
			m.Commits++
		}
		// lastActivity never moves backwards, even if an upstream poll
		// delivers commits with older timestamps.
		if ev.Timestamp.After(m.LastActivity) {
			m.LastActivity = ev.Timestamp
		}
	}

	a.ring[a.next] = ev
	a.next = (a.next + 1) % len(a.ring)
	if a.size < len(a.ring) {
		a.size++
	}
}

// Metrics returns a copy of one agent's metrics.
func (a *Aggregator) Metrics(agentID string) (*AgentMetrics, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.metrics[agentID]
	if !ok {
		return nil, cerr.NewError(cerr.NotFound, "unknown agent", nil)
	}
	copied := *m
	copied.State = StateFor(m.LastActivity, a.now())
	return &copied, nil
}

// SystemSnapshot computes the system-wide rollup under one critical section.
func (a *Aggregator) SystemSnapshot() *SystemSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	snap := &SystemSnapshot{
		TotalAgents:    len(a.metrics),
		Agents:         make([]*AgentMetrics, 0, len(a.metrics)),
		RecentActivity: a.recentLocked(snapshotActivityLimit),
	}
	for _, id := range a.order {
		m := a.metrics[id]
		copied := *m
		copied.State = StateFor(m.LastActivity, now)
		snap.Agents = append(snap.Agents, &copied)
		snap.TotalCommits += m.Commits
		snap.TotalTrackedFiles += m.TrackedFiles
		if !m.LastActivity.IsZero() && now.Sub(m.LastActivity) < a.freshness {
			snap.ActiveAgents++
		}
	}
	return snap
}

// RecentActivity returns up to limit entries, newest first. The limit is
// clamped to the ring capacity; a non-positive limit yields nothing.
func (a *Aggregator) RecentActivity(limit int) []*event.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recentLocked(limit)
}

func (a *Aggregator) recentLocked(limit int) []*event.Event {
	if limit <= 0 {
		return []*event.Event{}
	}
	if limit > a.size {
		limit = a.size
	}
	entries := make([]*event.Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (a.next - i + len(a.ring)) % len(a.ring)
		entries = append(entries, a.ring[idx])
	}
	return entries
}
