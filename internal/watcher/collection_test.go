package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildwatch/guildwatch/internal/activity"
	"github.com/guildwatch/guildwatch/internal/event"
	"github.com/guildwatch/guildwatch/internal/eventbus"
	"github.com/guildwatch/guildwatch/pkg/cerr"
	"github.com/guildwatch/guildwatch/pkg/worktree"
)

type fakeGit struct {
	mu          sync.Mutex
	head        string
	commits     []worktree.Commit // newest first
	commitCount int
	uncommitted []string
	added       int
	removed     int
	err         error

	// headHook, when set, runs at the start of Head. Set before use, never
	// mutated afterwards.
	headHook func()
}

func (f *fakeGit) Head(context.Context) (string, error) {
	if f.headHook != nil {
		f.headHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.err
}

func (f *fakeGit) RecentCommits(context.Context, int) ([]worktree.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.commits, nil
}

func (f *fakeGit) CommitCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitCount, f.err
}

func (f *fakeGit) UncommittedFiles(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uncommitted, f.err
}

func (f *fakeGit) DiffStat(context.Context) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.added, f.removed, f.err
}

func (f *fakeGit) set(fn func(*fakeGit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func newTestCollection(t *testing.T, git *fakeGit) (*Collection, *eventbus.Bus, *activity.Aggregator) {
	t.Helper()
	bus := eventbus.New()
	agg := activity.New(50)
	sched := NewScheduler(time.Hour) // ticks are driven manually in tests
	coll := NewCollection(bus, agg, sched, Options{
		Quiescence: 20 * time.Millisecond,
		OpenGit:    func(string) (Git, error) { return git, nil },
	})
	t.Cleanup(sched.Stop)
	return coll, bus, agg
}

func collect(ch <-chan *event.Event, wait time.Duration) []*event.Event {
	deadline := time.After(wait)
	var events []*event.Event
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		case <-deadline:
			return events
		}
	}
}

func TestNewCommits(t *testing.T) {
	window := []worktree.Commit{
		{Hash: "ghi789"},
		{Hash: "def456"},
		{Hash: "abc123"},
	}

	t.Run("since last seen, oldest first", func(t *testing.T) {
		fresh := newCommits(window, "abc123")
		require.Len(t, fresh, 2)
		assert.Equal(t, "def456", fresh[0].Hash)
		assert.Equal(t, "ghi789", fresh[1].Hash)
	})

	t.Run("nothing new", func(t *testing.T) {
		assert.Empty(t, newCommits(window, "ghi789"))
	})

	t.Run("last seen missing resyncs on the whole window", func(t *testing.T) {
		fresh := newCommits(window, "rewritten")
		require.Len(t, fresh, 3)
		assert.Equal(t, "abc123", fresh[0].Hash)
		assert.Equal(t, "ghi789", fresh[2].Hash)
	})

	t.Run("empty position takes everything", func(t *testing.T) {
		assert.Len(t, newCommits(window, ""), 3)
	})
}

func TestPollEmitsNewCommitsInOrder(t *testing.T) {
	git := &fakeGit{
		head:        "abc123",
		commits:     []worktree.Commit{{Hash: "abc123", Message: "initial"}},
		commitCount: 1,
	}
	coll, bus, _ := newTestCollection(t, git)

	ctx := context.Background()
	require.NoError(t, coll.Register(ctx, "builder", "Builder", t.TempDir()))
	defer coll.Deregister("builder")

	_, ch := bus.Subscribe(32)

	base := time.Now().UTC().Truncate(time.Second)
	git.set(func(f *fakeGit) {
		f.commits = []worktree.Commit{
			{Hash: "ghi789", Message: "third", CommittedAt: base.Add(2 * time.Minute)},
			{Hash: "def456", Message: "second", CommittedAt: base.Add(time.Minute)},
			{Hash: "abc123", Message: "initial", CommittedAt: base},
		}
	})

	coll.poll(ctx)

	events := collect(ch, 100*time.Millisecond)
	require.Len(t, events, 2)
	assert.Equal(t, event.TypeCommit, events[0].Type)
	assert.Equal(t, "def456", events[0].Commit.Hash)
	assert.Equal(t, "ghi789", events[1].Commit.Hash)

	// The next poll over the same window finds nothing new.
	coll.poll(ctx)
	assert.Empty(t, collect(ch, 100*time.Millisecond))
}

func TestPollFailureStreakReportsOnce(t *testing.T) {
	git := &fakeGit{}
	coll, bus, _ := newTestCollection(t, git)

	ctx := context.Background()
	require.NoError(t, coll.Register(ctx, "builder", "Builder", t.TempDir()))
	defer coll.Deregister("builder")

	_, ch := bus.Subscribe(32)
	git.set(func(f *fakeGit) { f.err = errors.New("git: index locked") })

	for i := 0; i < failureThreshold+2; i++ {
		coll.poll(ctx)
	}

	events := collect(ch, 100*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeError, events[0].Type)
	assert.Equal(t, "builder", events[0].AgentID)

	// Recovery arms the report again for the next streak.
	git.set(func(f *fakeGit) { f.err = nil })
	coll.poll(ctx)
	git.set(func(f *fakeGit) { f.err = errors.New("git: index locked") })
	for i := 0; i < failureThreshold; i++ {
		coll.poll(ctx)
	}
	events = collect(ch, 100*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeError, events[0].Type)
}

func TestPollRefreshesWorkingState(t *testing.T) {
	git := &fakeGit{head: "abc123"}
	coll, _, agg := newTestCollection(t, git)

	ctx := context.Background()
	require.NoError(t, coll.Register(ctx, "builder", "Builder", t.TempDir()))
	defer coll.Deregister("builder")

	git.set(func(f *fakeGit) {
		f.commits = []worktree.Commit{{Hash: "abc123"}}
		f.uncommitted = []string{"a.go", "b.go"}
		f.added = 40
		f.removed = 7
	})
	coll.poll(ctx)

	m, err := agg.Metrics("builder")
	require.NoError(t, err)
	assert.Equal(t, 2, m.UncommittedFiles)
	assert.Equal(t, 40, m.LinesAdded)
	assert.Equal(t, 7, m.LinesRemoved)
}

func TestRegisterMissingPath(t *testing.T) {
	coll, _, _ := newTestCollection(t, &fakeGit{})

	err := coll.Register(context.Background(), "builder", "Builder", "/does/not/exist")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestRegisterDuplicate(t *testing.T) {
	coll, _, _ := newTestCollection(t, &fakeGit{})

	dir := t.TempDir()
	ctx := context.Background()
	require.NoError(t, coll.Register(ctx, "builder", "Builder", dir))
	defer coll.Deregister("builder")

	err := coll.Register(ctx, "builder", "Builder", dir)
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.AlreadyExists))
}

func TestRegisterDoesNotBlockReads(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	entered := make(chan struct{})
	release := make(chan struct{})
	fast := &fakeGit{}
	slow := &fakeGit{headHook: func() {
		close(entered)
		<-release
	}}

	bus := eventbus.New()
	agg := activity.New(50)
	sched := NewScheduler(time.Hour)
	coll := NewCollection(bus, agg, sched, Options{
		OpenGit: func(dir string) (Git, error) {
			if dir == dirB {
				return slow, nil
			}
			return fast, nil
		},
	})
	t.Cleanup(sched.Stop)

	ctx := context.Background()
	require.NoError(t, coll.Register(ctx, "a", "A", dirA))
	defer coll.Deregister("a")

	done := make(chan error, 1)
	go func() { done <- coll.Register(ctx, "b", "B", dirB) }()
	<-entered

	// While b's registration is stuck in git, reads against a must not be
	// blocked and a duplicate registration of b is still rejected.
	reads := make(chan struct{})
	go func() {
		defer close(reads)
		assert.True(t, coll.Registered("a"))
		_, err := coll.Snapshot(ctx, "a")
		assert.NoError(t, err)
		err = coll.Register(ctx, "b", "B", dirB)
		assert.True(t, cerr.IsCode(err, cerr.AlreadyExists))
	}()
	select {
	case <-reads:
	case <-time.After(2 * time.Second):
		t.Fatal("reads blocked behind an in-flight registration")
	}

	close(release)
	require.NoError(t, <-done)
	defer coll.Deregister("b")
	assert.True(t, coll.Registered("b"))
}

func TestDeregisterUnknown(t *testing.T) {
	coll, _, _ := newTestCollection(t, &fakeGit{})

	err := coll.Deregister("ghost")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestSchedulerLifecycle(t *testing.T) {
	git := &fakeGit{}
	bus := eventbus.New()
	agg := activity.New(50)
	sched := NewScheduler(time.Hour)
	coll := NewCollection(bus, agg, sched, Options{
		OpenGit: func(string) (Git, error) { return git, nil },
	})

	ctx := context.Background()
	assert.False(t, sched.Running())

	require.NoError(t, coll.Register(ctx, "a", "A", t.TempDir()))
	assert.True(t, sched.Running())

	require.NoError(t, coll.Register(ctx, "b", "B", t.TempDir()))
	require.NoError(t, coll.Deregister("a"))
	assert.True(t, sched.Running())

	require.NoError(t, coll.Deregister("b"))
	assert.False(t, sched.Running())
}

func TestSnapshot(t *testing.T) {
	git := &fakeGit{commitCount: 12, uncommitted: []string{"x.go"}, added: 5, removed: 2}
	coll, _, _ := newTestCollection(t, git)

	ctx := context.Background()
	require.NoError(t, coll.Register(ctx, "builder", "Builder", t.TempDir()))
	defer coll.Deregister("builder")

	snap, err := coll.Snapshot(ctx, "builder")
	require.NoError(t, err)
	assert.Equal(t, 12, snap.TotalCommits)
	assert.Equal(t, 1, snap.UncommittedFiles)
	assert.Equal(t, 5, snap.LinesAdded)
	assert.Equal(t, 2, snap.LinesRemoved)

	_, err = coll.Snapshot(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}
