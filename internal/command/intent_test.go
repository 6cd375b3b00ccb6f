package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		text string
		want Intent
	}{
		{"status", IntentStatusQuery},
		{"what's the project status", IntentStatusQuery},
		{"give me a status report", IntentStatusQuery},
		{"how is the refactor going", IntentStatusQuery},

		{"list tasks", IntentTaskList},
		{"show me all open tasks", IntentTaskList},
		{"tasks", IntentTaskList},

		{"create task: refactor the login form", IntentTaskCreate},
		{"add task: fix the database migration script", IntentTaskCreate},
		{"new task: write release notes", IntentTaskCreate},
		{"I need to create a task for the audit", IntentTaskCreate},

		{"mark TASK-01J5KXYZ as completed", IntentTaskUpdate},
		{"move TASK-01J5KXYZ to in_progress", IntentTaskUpdate},

		{"agent status", IntentAgentStatus},
		{"show agents", IntentAgentStatus},
		{"who is working on what", IntentAgentStatus},

		{"system metrics", IntentSystemMetrics},
		{"how many commits today", IntentSystemMetrics},

		{"help", IntentHelp},
		{"what can you do", IntentHelp},

		{"good morning", IntentUnknown},
		{"deploy to production", IntentUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.text))
		})
	}
}

func TestExtractTitle(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"create task: refactor the login form", "refactor the login form"},
		{"add task: fix the database migration script", "fix the database migration script"},
		{"new task: write release notes", "write release notes"},
		{"create a new task to update the README", "update the README"},
		{"I need to create a task to review the rollout plan", "review the rollout plan"},
		{"create task", ""},
		{"add task:   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, extractTitle(tt.text))
		})
	}
}

func TestChooseAssignee(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"create task: refactor the login form", "builder"},
		{"add task: fix the database migration script", "builder"},
		{"create task: design the billing architecture", "architect"},
		{"create task: write the event spec", "architect"},
		{"create task: add test coverage for the parser", "validator"},
		{"create task: quality review of the release", "validator"},
		{"create task: tidy the changelog", "builder"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, chooseAssignee(tt.text))
		})
	}
}

func TestExtractStatus(t *testing.T) {
	tests := []struct {
		text string
		want string
		ok   bool
	}{
		{"mark TASK-X as in progress", "IN_PROGRESS", true},
		{"move TASK-X to in_review", "IN_REVIEW", true},
		{"set TASK-X to done", "COMPLETED", true},
		{"mark TASK-X as blocked", "BLOCKED", true},
		{"update TASK-X somehow", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			status, ok := extractStatus(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, string(status))
		})
	}
}
