package command

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/guildwatch/guildwatch/internal/activity"
	"github.com/guildwatch/guildwatch/internal/agent"
	"github.com/guildwatch/guildwatch/internal/task"
	"github.com/guildwatch/guildwatch/pkg/cerr"
)

// replaceAttempts bounds the read-modify-write retry loop when another
// writer races the router on the task store.
const replaceAttempts = 3

// executorName identifies the router in responses.
const executorName = "guildwatch"

// Command is one classified operator request. Transient, never persisted.
type Command struct {
	ID        string            `json:"id"`
	Intent    Intent            `json:"intent"`
	Text      string            `json:"text"`
	Params    map[string]string `json:"params,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Response is the structured result of one command. Transient, never
// persisted.
type Response struct {
	CommandID  string    `json:"commandId"`
	Success    bool      `json:"success"`
	Data       any       `json:"data,omitempty"`
	Message    string    `json:"message"`
	ExecutedBy string    `json:"executedBy"`
	Timestamp  time.Time `json:"timestamp"`
}

// TaskSummary is the per-task view returned by task listings.
type TaskSummary struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Status   task.Status   `json:"status"`
	Priority task.Priority `json:"priority"`
	Assignee string        `json:"assignee,omitempty"`
}

// Router executes classified commands against the task store, the agent
// registry, and the activity aggregator.
type Router struct {
	repo     task.Repository
	registry *agent.Registry
	agg      *activity.Aggregator
}

func NewRouter(repo task.Repository, registry *agent.Registry, agg *activity.Aggregator) *Router {
	return &Router{repo: repo, registry: registry, agg: agg}
}

// Process classifies text and executes the resulting intent. It returns an
// error only when the task store itself fails; a command the router cannot
// make sense of still yields a Response with Success=false.
func (r *Router) Process(ctx context.Context, text string) (*Response, error) {
	cmd := &Command{
		ID:        "CMD-" + ulid.Make().String(),
		Intent:    Classify(text),
		Text:      text,
		CreatedAt: time.Now(),
	}
	slog.Info("processing command",
		slog.String("command_id", cmd.ID),
		slog.String("intent", string(cmd.Intent)))

	switch cmd.Intent {
	case IntentStatusQuery:
		return r.statusQuery(ctx, cmd)
	case IntentTaskList:
		return r.taskList(ctx, cmd)
	case IntentTaskCreate:
		return r.taskCreate(ctx, cmd)
	case IntentTaskUpdate:
		return r.taskUpdate(ctx, cmd)
	case IntentAgentStatus:
		return r.agentStatus(cmd), nil
	case IntentSystemMetrics:
		return r.systemMetrics(ctx, cmd)
	case IntentHelp:
		return respond(cmd, true, nil, helpText), nil
	default:
		return respond(cmd, false, nil,
			"I did not understand that. Say \"help\" for the commands I know."), nil
	}
}

func respond(cmd *Command, success bool, data any, message string) *Response {
	return &Response{
		CommandID:  cmd.ID,
		Success:    success,
		Data:       data,
		Message:    message,
		ExecutedBy: executorName,
		Timestamp:  time.Now(),
	}
}

func (r *Router) statusQuery(ctx context.Context, cmd *Command) (*Response, error) {
	doc, err := r.repo.Load(ctx)
	if err != nil {
		return nil, err
	}

	counts, msg := statusBreakdown(doc)
	return respond(cmd, true, map[string]any{
		"total":  len(doc.Tasks),
		"counts": counts,
	}, msg), nil
}

// statusBreakdown counts tasks per status and renders the one-line summary
// used by status and metrics responses.
func statusBreakdown(doc *task.Document) (map[task.Status]int, string) {
	counts := make(map[task.Status]int)
	for _, t := range doc.Tasks {
		counts[t.Status]++
	}

	parts := make([]string, 0, len(counts))
	for _, status := range []task.Status{
		task.StatusTodo, task.StatusInProgress, task.StatusInReview,
		task.StatusBlocked, task.StatusCompleted, task.StatusCancelled,
	} {
		if n := counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, strings.ToLower(string(status))))
		}
	}
	msg := fmt.Sprintf("%d tasks", len(doc.Tasks))
	if len(parts) > 0 {
		msg += ": " + strings.Join(parts, ", ")
	}
	return counts, msg
}

func (r *Router) taskList(ctx context.Context, cmd *Command) (*Response, error) {
	doc, err := r.repo.Load(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]*TaskSummary, 0, len(doc.Tasks))
	for _, t := range doc.Tasks {
		if t.Status.Terminal() {
			continue
		}
		summaries = append(summaries, &TaskSummary{
			ID:       t.ID,
			Title:    t.Title,
			Status:   t.Status,
			Priority: t.Priority,
			Assignee: t.AssignedAgentID,
		})
	}

	msg := fmt.Sprintf("%d open task(s)", len(summaries))
	if len(summaries) == 0 {
		msg = "no open tasks"
	}
	return respond(cmd, true, summaries, msg), nil
}

func (r *Router) taskCreate(ctx context.Context, cmd *Command) (*Response, error) {
	title := extractTitle(cmd.Text)
	if title == "" {
		return respond(cmd, false, nil,
			"I could not find a task title. Try: create task: <title>"), nil
	}
	assignee := chooseAssignee(cmd.Text)
	cmd.Params = map[string]string{"title": title, "assignee": assignee}

	var created *task.Task
	err := r.replaceWithRetry(ctx, func(doc *task.Document) error {
		created = task.New(title, cmd.Text)
		created.AssignedAgentID = assignee
		doc.Tasks = append(doc.Tasks, created)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return respond(cmd, true, created,
		fmt.Sprintf("created %s %q assigned to %s", created.ID, title, assignee)), nil
}

func (r *Router) taskUpdate(ctx context.Context, cmd *Command) (*Response, error) {
	taskID := extractTaskID(cmd.Text)
	if taskID == "" {
		return respond(cmd, false, nil,
			"I could not find a task id. Try: mark TASK-<id> as in_progress"), nil
	}
	next, ok := extractStatus(cmd.Text)
	if !ok {
		return respond(cmd, false, nil,
			"I could not find a target status. Valid: todo, in_progress, in_review, completed, blocked, cancelled"), nil
	}
	cmd.Params = map[string]string{"task_id": taskID, "status": string(next)}

	var updated *task.Task
	var rejected error
	err := r.replaceWithRetry(ctx, func(doc *task.Document) error {
		rejected = nil
		t := doc.Find(taskID)
		if t == nil {
			rejected = cerr.NewError(cerr.NotFound, fmt.Sprintf("task %s not found", taskID), nil)
			return rejected
		}
		if err := t.Transition(next); err != nil {
			rejected = err
			return err
		}
		updated = t
		return nil
	})
	if rejected != nil {
		return respond(cmd, false, nil, rejected.Error()), nil
	}
	if err != nil {
		return nil, err
	}

	return respond(cmd, true, updated,
		fmt.Sprintf("moved %s to %s", taskID, next)), nil
}

// replaceWithRetry runs the read-modify-write cycle, retrying when another
// writer won the version race. mutate sees a freshly loaded document on each
// attempt.
func (r *Router) replaceWithRetry(ctx context.Context, mutate func(*task.Document) error) error {
	var err error
	for attempt := 0; attempt < replaceAttempts; attempt++ {
		var doc *task.Document
		doc, err = r.repo.Load(ctx)
		if err != nil {
			return err
		}
		if err = mutate(doc); err != nil {
			return err
		}
		err = r.repo.Replace(ctx, doc)
		if err == nil {
			return nil
		}
		if !cerr.IsCode(err, cerr.Aborted) {
			return err
		}
		slog.Warn("task store version conflict, retrying", slog.Int("attempt", attempt+1))
	}
	return err
}

func (r *Router) agentStatus(cmd *Command) *Response {
	profiles := r.registry.List()

	lines := make([]string, 0, len(profiles))
	for _, p := range profiles {
		state := "inactive"
		if p.Active {
			state = "active"
		}
		lines = append(lines, fmt.Sprintf("%s (%s): %s", p.ID, state, strings.Join(p.Capabilities, ", ")))
	}
	sort.Strings(lines)

	return respond(cmd, true, profiles, strings.Join(lines, "; "))
}

func (r *Router) systemMetrics(ctx context.Context, cmd *Command) (*Response, error) {
	doc, err := r.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	counts, taskMsg := statusBreakdown(doc)

	snap := r.agg.SystemSnapshot()
	msg := fmt.Sprintf("%d agent(s), %d active, %d commits, %d tracked files; %s",
		snap.TotalAgents, snap.ActiveAgents, snap.TotalCommits, snap.TotalTrackedFiles, taskMsg)
	return respond(cmd, true, map[string]any{
		"snapshot":   snap,
		"totalTasks": len(doc.Tasks),
		"taskCounts": counts,
	}, msg), nil
}

func extractTaskID(text string) string {
	if m := taskIDPattern.FindStringSubmatch(text); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}

// statusAliases maps the wordings operators actually type to the canonical
// status values.
var statusAliases = map[string]task.Status{
	"todo":        task.StatusTodo,
	"in progress": task.StatusInProgress,
	"in_progress": task.StatusInProgress,
	"in-progress": task.StatusInProgress,
	"started":     task.StatusInProgress,
	"in review":   task.StatusInReview,
	"in_review":   task.StatusInReview,
	"in-review":   task.StatusInReview,
	"review":      task.StatusInReview,
	"completed":   task.StatusCompleted,
	"complete":    task.StatusCompleted,
	"done":        task.StatusCompleted,
	"blocked":     task.StatusBlocked,
	"cancelled":   task.StatusCancelled,
	"canceled":    task.StatusCancelled,
}

func extractStatus(text string) (task.Status, bool) {
	lower := strings.ToLower(text)
	// Longer aliases first so "in progress" is not shadowed by "progress".
	aliases := make([]string, 0, len(statusAliases))
	for alias := range statusAliases {
		aliases = append(aliases, alias)
	}
	sort.Slice(aliases, func(i, j int) bool { return len(aliases[i]) > len(aliases[j]) })
	for _, alias := range aliases {
		if strings.Contains(lower, alias) {
			return statusAliases[alias], true
		}
	}
	return "", false
}

const helpText = `I understand these commands:
- status / project status: counts of tasks by status
- list tasks: open tasks with id, status, priority, and assignee
- create task: <title>: create a TODO task and pick an assignee
- mark TASK-<id> as <status>: advance a task through its lifecycle
- agent status: the agent roster with capabilities
- system metrics: agents, commits, and tracked files at a glance
- help: this summary`
