// Package watcher observes registered agent worktrees. Each worktree gets a
// filesystem subscription that coalesces bursty writes into single change
// events, and all worktrees share one commit poll loop.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/guildwatch/guildwatch/internal/event"
	"github.com/guildwatch/guildwatch/internal/eventbus"
	"github.com/guildwatch/guildwatch/pkg/worktree"
)

// DefaultQuiescence is how long a path must stay quiet before its pending
// change is emitted.
const DefaultQuiescence = 500 * time.Millisecond

// Git is the version-control surface the watcher needs. Satisfied by
// *worktree.Repo; tests substitute fakes.
type Git interface {
	Head(ctx context.Context) (string, error)
	RecentCommits(ctx context.Context, n int) ([]worktree.Commit, error)
	CommitCount(ctx context.Context) (int, error)
	UncommittedFiles(ctx context.Context) ([]string, error)
	DiffStat(ctx context.Context) (added, removed int, err error)
}

var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"vendor":       true,
	"__pycache__":  true,
}

// ignoredPath reports whether path (relative to the worktree root) falls
// under an ignored or hidden directory, or is itself a hidden file.
func ignoredPath(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") || ignoredDirs[part] {
			return true
		}
	}
	return false
}

// countFiles walks the worktree counting regular files, skipping the same
// directories the filesystem watcher ignores.
func countFiles(root string) int {
	count := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && ignoredPath(root, path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !ignoredPath(root, path) {
			count++
		}
		return nil
	})
	return count
}

// pendingChange tracks one path inside the quiescence window. existedBefore
// records whether the path existed when the burst started, so a
// create-then-delete burst can cancel out to nothing.
type pendingChange struct {
	existedBefore bool
	timer         *time.Timer
}

// worktreeWatcher is the per-agent filesystem subscription plus the commit
// poll state for that agent.
type worktreeWatcher struct {
	agentID    string
	name       string
	root       string
	git        Git
	bus        *eventbus.Bus
	quiescence time.Duration

	fsw  *fsnotify.Watcher
	done chan struct{}

	mu      sync.Mutex
	pending map[string]*pendingChange
	closed  bool

	// Poll state, touched only from the shared scheduler goroutine.
	lastSeen string
	failures int
	reported bool
}

func newWorktreeWatcher(agentID, name, root string, git Git, bus *eventbus.Bus, quiescence time.Duration) *worktreeWatcher {
	if quiescence <= 0 {
		quiescence = DefaultQuiescence
	}
	return &worktreeWatcher{
		agentID:    agentID,
		name:       name,
		root:       root,
		git:        git,
		bus:        bus,
		quiescence: quiescence,
		done:       make(chan struct{}),
		pending:    make(map[string]*pendingChange),
	}
}

// start registers the filesystem subscription and launches the event loop.
func (w *worktreeWatcher) start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	if err := w.addRecursive(w.root); err != nil {
		fsw.Close()
		return err
	}
	go w.run()
	return nil
}

// stop tears down the subscription and cancels pending coalescing timers. It
// returns once the event loop has exited; no events for this agent are
// emitted from the filesystem path after stop returns.
func (w *worktreeWatcher) stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	w.fsw.Close()
	<-w.done
}

func (w *worktreeWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// The directory may have vanished between the event and the walk.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && ignoredPath(w.root, path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *worktreeWatcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("worktree watch error",
				slog.String("agent_id", w.agentID),
				slog.String("error", err.Error()))
		}
	}
}

func (w *worktreeWatcher) handle(ev fsnotify.Event) {
	if ignoredPath(w.root, ev.Name) {
		return
	}
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// New directories join the subscription so files created inside
			// them are observed too.
			if err := w.addRecursive(ev.Name); err != nil {
				slog.Warn("failed to watch new directory",
					slog.String("path", ev.Name),
					slog.String("error", err.Error()))
			}
			return
		}
	}
	if ev.Op.Has(fsnotify.Chmod) {
		return
	}
	w.record(ev.Name, ev.Op)
}

// record opens or extends the quiescence window for path. Every further
// event for the path inside the window resets the timer; the change is
// classified once, when the path has been quiet for the full window.
func (w *worktreeWatcher) record(path string, op fsnotify.Op) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if p, ok := w.pending[path]; ok {
		p.timer.Reset(w.quiescence)
		return
	}
	p := &pendingChange{existedBefore: !op.Has(fsnotify.Create)}
	p.timer = time.AfterFunc(w.quiescence, func() { w.flush(path) })
	w.pending[path] = p
}

// flush classifies the net effect of a burst once the path has been quiet
// for the quiescence window, and publishes at most one event for it.
func (w *worktreeWatcher) flush(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if !ok || w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	_, statErr := os.Stat(path)
	existsNow := statErr == nil

	var kind event.ChangeKind
	switch {
	case !p.existedBefore && existsNow:
		kind = event.ChangeAdded
	case p.existedBefore && existsNow:
		kind = event.ChangeModified
	case p.existedBefore && !existsNow:
		kind = event.ChangeRemoved
	default:
		// Created and deleted within one window: net nothing happened.
		return
	}

	w.bus.Publish(event.NewFileChange(w.agentID, w.root, path, kind, time.Now()))
}
