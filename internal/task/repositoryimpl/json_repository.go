package repositoryimpl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/guildwatch/guildwatch/internal/task"
	"github.com/guildwatch/guildwatch/pkg/cerr"
	"github.com/guildwatch/guildwatch/pkg/storage"
)

const tasksPath = "tasks.json"

// JSONRepository persists the whole task document as one JSON file. Writes
// go through storage.Storage, whose atomic-replace discipline keeps other
// processes from ever reading a half-written document. The version check
// keeps two in-flight read-modify-write cycles from silently losing updates.
type JSONRepository struct {
	storage storage.Storage
	mu      sync.Mutex
}

func NewJSONRepository(s storage.Storage) *JSONRepository {
	return &JSONRepository{storage: s}
}

func (r *JSONRepository) Load(ctx context.Context) (*task.Document, error) {
	data, err := r.storage.Read(ctx, tasksPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &task.Document{Tasks: []*task.Task{}, Agents: map[string]*task.AgentSummary{}}, nil
		}
		return nil, cerr.WrapStorageReadError("task store", err)
	}
	var doc task.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal task store: %w", err))
	}
	if doc.Tasks == nil {
		doc.Tasks = []*task.Task{}
	}
	return &doc, nil
}

func (r *JSONRepository) Replace(ctx context.Context, doc *task.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.Load(ctx)
	if err != nil {
		return err
	}
	if current.Version != doc.Version {
		return cerr.NewError(cerr.Aborted, "task store was modified concurrently", nil)
	}

	doc.Version++
	doc.Summarize()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal task store: %w", err))
	}
	if err := r.storage.Write(ctx, tasksPath, data); err != nil {
		return cerr.WrapStorageWriteError("task store", err)
	}
	return nil
}
