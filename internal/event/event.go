// Package event defines the typed activity events flowing from the worktree
// watchers to the aggregator and broadcast hub.
package event

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
)

type Type string

const (
	TypeFileChange Type = "fileChange"
	TypeCommit     Type = "commit"
	TypeError      Type = "error"
)

// ChangeKind classifies the net effect of a filesystem mutation.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// FileChangeEvent is one coalesced filesystem mutation inside a worktree.
// Immutable once emitted.
type FileChangeEvent struct {
	Kind      ChangeKind `json:"kind"`
	Path      string     `json:"path"`
	RelPath   string     `json:"relPath"`
	AgentID   string     `json:"agentId"`
	Timestamp time.Time  `json:"timestamp"`
}

// CommitEvent is one newly discovered version-control commit. Immutable;
// emission order within an agent is chronological as discovered.
type CommitEvent struct {
	Hash        string    `json:"hash"`
	AuthorName  string    `json:"authorName"`
	AuthorEmail string    `json:"authorEmail"`
	CommittedAt time.Time `json:"committedAt"`
	Message     string    `json:"message"`
	AgentID     string    `json:"agentId"`
	Files       []string  `json:"files,omitempty"`
}

// ErrorEvent reports a persistent upstream failure to observers. Emitted at
// most once per failure streak.
type ErrorEvent struct {
	AgentID   string    `json:"agentId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is the union carried on the bus. Exactly one payload field is set,
// matching Type.
type Event struct {
	ID         string           `json:"id"`
	Type       Type             `json:"type"`
	AgentID    string           `json:"agentId"`
	Timestamp  time.Time        `json:"timestamp"`
	FileChange *FileChangeEvent `json:"fileChange,omitempty"`
	Commit     *CommitEvent     `json:"commit,omitempty"`
	Error      *ErrorEvent      `json:"error,omitempty"`
}

func NewFileChange(agentID, root, path string, kind ChangeKind, at time.Time) *Event {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	return &Event{
		ID:        ulid.Make().String(),
		Type:      TypeFileChange,
		AgentID:   agentID,
		Timestamp: at,
		FileChange: &FileChangeEvent{
			Kind:      kind,
			Path:      path,
			RelPath:   rel,
			AgentID:   agentID,
			Timestamp: at,
		},
	}
}

func NewCommit(agentID string, commit *CommitEvent) *Event {
	return &Event{
		ID:        ulid.Make().String(),
		Type:      TypeCommit,
		AgentID:   agentID,
		Timestamp: commit.CommittedAt,
		Commit:    commit,
	}
}

func NewError(agentID, message string, at time.Time) *Event {
	return &Event{
		ID:        ulid.Make().String(),
		Type:      TypeError,
		AgentID:   agentID,
		Timestamp: at,
		Error: &ErrorEvent{
			AgentID:   agentID,
			Message:   message,
			Timestamp: at,
		},
	}
}

// Summary renders a one-line human description used by activity listings.
func (e *Event) Summary() string {
	switch e.Type {
	case TypeFileChange:
		return fmt.Sprintf("%s %s", e.FileChange.Kind, e.FileChange.RelPath)
	case TypeCommit:
		return fmt.Sprintf("commit %.8s: %s", e.Commit.Hash, e.Commit.Message)
	case TypeError:
		return e.Error.Message
	default:
		return string(e.Type)
	}
}
