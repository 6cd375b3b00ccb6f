package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/guildwatch/guildwatch/internal/event"
	"github.com/guildwatch/guildwatch/internal/eventbus"
	"github.com/guildwatch/guildwatch/pkg/cerr"
	"github.com/guildwatch/guildwatch/pkg/worktree"
)

const (
	// DefaultCommitWindow is how many recent commits each poll inspects.
	DefaultCommitWindow = 20

	// failureThreshold is how many consecutive poll failures it takes before
	// one error event is published for the streak.
	failureThreshold = 3
)

// MetricsSink receives baseline and working-state updates from the watcher.
// Satisfied by *activity.Aggregator.
type MetricsSink interface {
	Track(agentID, name string)
	Forget(agentID string)
	SetBaseline(agentID string, files, commits int)
	SetWorkingState(agentID string, uncommitted, added, removed int)
}

// Snapshot is an on-demand, synchronously computed view of one worktree.
type Snapshot struct {
	AgentID          string `json:"agentId"`
	Root             string `json:"root"`
	TotalFiles       int    `json:"totalFiles"`
	TotalCommits     int    `json:"totalCommits"`
	UncommittedFiles int    `json:"uncommittedFiles"`
	LinesAdded       int    `json:"linesAdded"`
	LinesRemoved     int    `json:"linesRemoved"`
}

// Options tune the collection. Zero values select the defaults.
type Options struct {
	Quiescence   time.Duration
	CommitWindow int

	// OpenGit overrides how a worktree's git handle is created, for tests.
	OpenGit func(dir string) (Git, error)
}

func (o *Options) defaults() {
	if o.Quiescence <= 0 {
		o.Quiescence = DefaultQuiescence
	}
	if o.CommitWindow <= 0 {
		o.CommitWindow = DefaultCommitWindow
	}
	if o.OpenGit == nil {
		o.OpenGit = func(dir string) (Git, error) { return worktree.Open(dir) }
	}
}

// Collection manages the set of watched worktrees, one per registered agent.
// It owns the shared commit poll scheduler: started when the first worktree
// registers, stopped when the last one leaves.
type Collection struct {
	bus       *eventbus.Bus
	sink      MetricsSink
	scheduler *Scheduler
	opts      Options

	mu       sync.Mutex
	watchers map[string]*worktreeWatcher
	pending  map[string]bool
}

func NewCollection(bus *eventbus.Bus, sink MetricsSink, scheduler *Scheduler, opts Options) *Collection {
	opts.defaults()
	return &Collection{
		bus:       bus,
		sink:      sink,
		scheduler: scheduler,
		opts:      opts,
		watchers:  make(map[string]*worktreeWatcher),
		pending:   make(map[string]bool),
	}
}

// Register starts watching rootPath on behalf of agentID. The path must
// exist; a missing path fails the whole registration.
func (c *Collection) Register(ctx context.Context, agentID, name, rootPath string) error {
	info, err := os.Stat(rootPath)
	if err != nil {
		return cerr.NewError(cerr.NotFound, fmt.Sprintf("worktree path %s not found", rootPath), err)
	}
	if !info.IsDir() {
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("worktree path %s is not a directory", rootPath), nil)
	}

	// Reserve the id up front so the git and filesystem work below runs
	// without holding the collection lock; reads stay responsive while a
	// large worktree is being indexed.
	c.mu.Lock()
	if _, ok := c.watchers[agentID]; ok || c.pending[agentID] {
		c.mu.Unlock()
		return cerr.NewError(cerr.AlreadyExists, fmt.Sprintf("agent %s is already registered", agentID), nil)
	}
	c.pending[agentID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, agentID)
		c.mu.Unlock()
	}()

	git, err := c.opts.OpenGit(rootPath)
	if err != nil {
		return cerr.NewError(cerr.Internal, "failed to open worktree", err)
	}

	w := newWorktreeWatcher(agentID, name, rootPath, git, c.bus, c.opts.Quiescence)

	// Seed the commit poll position at the current head so only commits made
	// after registration produce events.
	head, err := git.Head(ctx)
	if err != nil {
		return cerr.NewError(cerr.Unavailable, "failed to query worktree head", err)
	}
	w.lastSeen = head

	if err := w.start(); err != nil {
		return cerr.NewError(cerr.Internal, "failed to start filesystem watch", err)
	}

	c.sink.Track(agentID, name)
	files := countFiles(rootPath)
	commits, err := git.CommitCount(ctx)
	if err != nil {
		slog.Warn("failed to count commits at registration",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()))
	}
	c.sink.SetBaseline(agentID, files, commits)

	c.mu.Lock()
	c.watchers[agentID] = w
	first := len(c.watchers) == 1
	c.mu.Unlock()
	if first {
		c.scheduler.Start(c.poll)
	}

	slog.Info("worktree registered",
		slog.String("agent_id", agentID),
		slog.String("root", rootPath),
		slog.Int("files", files),
		slog.Int("commits", commits))
	return nil
}

// Deregister stops watching the agent's worktree. The filesystem
// subscription is released synchronously; the agent's metrics are dropped
// but its past events stay in the activity log.
func (c *Collection) Deregister(agentID string) error {
	c.mu.Lock()
	w, ok := c.watchers[agentID]
	if !ok {
		c.mu.Unlock()
		return cerr.NewError(cerr.NotFound, fmt.Sprintf("agent %s is not registered", agentID), nil)
	}
	delete(c.watchers, agentID)
	last := len(c.watchers) == 0
	c.mu.Unlock()

	w.stop()
	c.sink.Forget(agentID)
	if last {
		c.scheduler.Stop()
	}

	slog.Info("worktree deregistered", slog.String("agent_id", agentID))
	return nil
}

// Registered reports whether agentID currently has a watched worktree.
func (c *Collection) Registered(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watchers[agentID]
	return ok
}

// Snapshot queries the agent's worktree synchronously.
func (c *Collection) Snapshot(ctx context.Context, agentID string) (*Snapshot, error) {
	c.mu.Lock()
	w, ok := c.watchers[agentID]
	c.mu.Unlock()
	if !ok {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("agent %s is not registered", agentID), nil)
	}

	snap := &Snapshot{AgentID: agentID, Root: w.root, TotalFiles: countFiles(w.root)}

	commits, err := w.git.CommitCount(ctx)
	if err != nil {
		return nil, cerr.NewError(cerr.Unavailable, "failed to query worktree", err)
	}
	snap.TotalCommits = commits

	uncommitted, err := w.git.UncommittedFiles(ctx)
	if err != nil {
		return nil, cerr.NewError(cerr.Unavailable, "failed to query worktree", err)
	}
	snap.UncommittedFiles = len(uncommitted)

	added, removed, err := w.git.DiffStat(ctx)
	if err != nil {
		return nil, cerr.NewError(cerr.Unavailable, "failed to query worktree", err)
	}
	snap.LinesAdded = added
	snap.LinesRemoved = removed
	return snap, nil
}

// poll is the shared scheduler tick: every registered worktree is inspected
// for new commits and its working-state figures are refreshed.
func (c *Collection) poll(ctx context.Context) {
	c.mu.Lock()
	watchers := make([]*worktreeWatcher, 0, len(c.watchers))
	for _, w := range c.watchers {
		watchers = append(watchers, w)
	}
	c.mu.Unlock()

	for _, w := range watchers {
		c.pollWorktree(ctx, w)
	}
}

func (c *Collection) pollWorktree(ctx context.Context, w *worktreeWatcher) {
	commits, err := w.git.RecentCommits(ctx, c.opts.CommitWindow)
	if err != nil {
		w.failures++
		slog.Warn("commit poll failed",
			slog.String("agent_id", w.agentID),
			slog.Int("consecutive", w.failures),
			slog.String("error", err.Error()))
		if w.failures >= failureThreshold && !w.reported {
			w.reported = true
			c.bus.Publish(event.NewError(w.agentID,
				fmt.Sprintf("worktree polling for agent %s has failed %d times in a row", w.agentID, w.failures),
				time.Now()))
		}
		return
	}
	w.failures = 0
	w.reported = false

	for _, commit := range newCommits(commits, w.lastSeen) {
		c.bus.Publish(event.NewCommit(w.agentID, &event.CommitEvent{
			Hash:        commit.Hash,
			AuthorName:  commit.AuthorName,
			AuthorEmail: commit.AuthorEmail,
			CommittedAt: commit.CommittedAt,
			Message:     commit.Message,
			AgentID:     w.agentID,
			Files:       commit.Files,
		}))
	}
	if len(commits) > 0 {
		w.lastSeen = commits[0].Hash
	}

	c.refreshWorkingState(ctx, w)
}

// newCommits selects the commits made since lastSeen, returned oldest first
// so observers receive them in chronological order. The input window is
// newest first, as git log reports it. When lastSeen is not present in the
// window (history rewritten, or more commits landed than the window holds),
// the entire window counts as new once and the position resyncs to the
// newest hash.
func newCommits(window []worktree.Commit, lastSeen string) []worktree.Commit {
	cut := len(window)
	if lastSeen != "" {
		for i, commit := range window {
			if commit.Hash == lastSeen {
				cut = i
				break
			}
		}
	}
	fresh := make([]worktree.Commit, 0, cut)
	for i := cut - 1; i >= 0; i-- {
		fresh = append(fresh, window[i])
	}
	return fresh
}

func (c *Collection) refreshWorkingState(ctx context.Context, w *worktreeWatcher) {
	uncommitted, err := w.git.UncommittedFiles(ctx)
	if err != nil {
		slog.Warn("failed to list uncommitted files",
			slog.String("agent_id", w.agentID),
			slog.String("error", err.Error()))
		return
	}
	added, removed, err := w.git.DiffStat(ctx)
	if err != nil {
		slog.Warn("failed to compute diff stat",
			slog.String("agent_id", w.agentID),
			slog.String("error", err.Error()))
		return
	}
	c.sink.SetWorkingState(w.agentID, len(uncommitted), added, removed)
}
