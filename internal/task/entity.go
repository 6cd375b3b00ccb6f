package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status represents task status.
type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusInReview   Status = "IN_REVIEW"
	StatusCompleted  Status = "COMPLETED"
	StatusBlocked    Status = "BLOCKED"
	StatusCancelled  Status = "CANCELLED"
)

// transitions is the full status state machine. COMPLETED and CANCELLED are
// terminal.
var transitions = map[Status][]Status{
	StatusTodo:       {StatusInProgress, StatusBlocked, StatusCancelled},
	StatusInProgress: {StatusInReview, StatusBlocked, StatusCancelled},
	StatusInReview:   {StatusCompleted, StatusCancelled},
	StatusBlocked:    {StatusInProgress, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := transitions[status]; !ok {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return status, nil
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Priority represents task priority.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type Comment struct {
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Task represents a work unit shared between the operator console and the
// worker agents.
type Task struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Status          Status    `json:"status"`
	Priority        Priority  `json:"priority"`
	AssignedAgentID string    `json:"assigned_agent_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Dependencies    []string  `json:"dependencies,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	EstimatedEffort string    `json:"estimated_effort,omitempty"`
	ActualEffort    string    `json:"actual_effort,omitempty"`
	Blockers        []string  `json:"blockers,omitempty"`
	Comments        []Comment `json:"comments,omitempty"`
}

// New creates a task in status TODO with a fresh id.
func New(title, description string) *Task {
	now := time.Now()
	return &Task{
		ID:          "TASK-" + ulid.Make().String(),
		Title:       title,
		Description: description,
		Status:      StatusTodo,
		Priority:    PriorityMedium,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Transition advances the task status, enforcing the state machine.
func (t *Task) Transition(next Status) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("cannot transition task %s from %s to %s", t.ID, t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = time.Now()
	return nil
}

// AgentSummary is the per-agent rollup stored alongside the task list.
type AgentSummary struct {
	Assigned   int `json:"assigned"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
}

// Document is the whole task store: one JSON document holding the task array
// and a derived per-agent summary map. Version implements optimistic
// concurrency control: Replace rejects a document whose version no longer
// matches the stored one.
type Document struct {
	Version int64                    `json:"version"`
	Tasks   []*Task                  `json:"tasks"`
	Agents  map[string]*AgentSummary `json:"agents"`
}

// Find returns the task with the given id, or nil.
func (d *Document) Find(id string) *Task {
	for _, t := range d.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Summarize recomputes the per-agent summary map from the task list.
func (d *Document) Summarize() {
	d.Agents = make(map[string]*AgentSummary)
	for _, t := range d.Tasks {
		if t.AssignedAgentID == "" {
			continue
		}
		summary, ok := d.Agents[t.AssignedAgentID]
		if !ok {
			summary = &AgentSummary{}
			d.Agents[t.AssignedAgentID] = summary
		}
		switch t.Status {
		case StatusCompleted:
			summary.Completed++
		case StatusInProgress:
			summary.InProgress++
			summary.Assigned++
		case StatusCancelled:
			// cancelled tasks drop out of the workload counts
		default:
			summary.Assigned++
		}
	}
}
