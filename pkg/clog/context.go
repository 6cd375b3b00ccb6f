package clog

import (
	"context"
	"sync"
)

// ctxSlog accumulates attributes over the lifetime of a request so a single
// log record at the end of the request can carry all of them.
type ctxSlog struct {
	mu         sync.RWMutex
	attributes map[string]any
}

type ctxSlogKey struct{}

func ContextWithSlog(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxSlogKey{}, &ctxSlog{
		attributes: make(map[string]any),
	})
}

func AddAttribute(ctx context.Context, key string, value any) {
	l, ok := ctx.Value(ctxSlogKey{}).(*ctxSlog)
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attributes[key] = value
}

func AddAttributes(ctx context.Context, attributes map[string]any) {
	l, ok := ctx.Value(ctxSlogKey{}).(*ctxSlog)
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range attributes {
		l.attributes[k] = v
	}
}

const (
	ErrorAttributeKey = "error.message"
	StackAttributeKey = "error.stack"
)

func AddError(ctx context.Context, err error) {
	AddAttribute(ctx, ErrorAttributeKey, err)
}

func AddStack(ctx context.Context, stack string) {
	AddAttribute(ctx, StackAttributeKey, stack)
}

func GetAttributes(ctx context.Context) map[string]any {
	l, ok := ctx.Value(ctxSlogKey{}).(*ctxSlog)
	if !ok {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	copied := make(map[string]any, len(l.attributes))
	for k, v := range l.attributes {
		copied[k] = v
	}
	return copied
}
