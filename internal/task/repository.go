package task

import "context"

// Repository is the task-store contract. The store is read and replaced
// wholesale: Load returns the full document, Replace writes it back
// atomically and fails with an Aborted code when the stored version has
// moved since the document was loaded.
type Repository interface {
	Load(ctx context.Context) (*Document, error)
	Replace(ctx context.Context, doc *Document) error
}
