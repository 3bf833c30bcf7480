package capability

import (
	"context"
	"fmt"

	"genflow/internal/models"
)

// Generator performs one unit of remote generation work. Retry, timeout
// budgeting, and batching are the engine's job, never the generator's.
type Generator interface {
	Invoke(ctx context.Context, kind models.TaskKind, payload map[string]any) (any, error)
}

// Func adapts a plain function to the Generator interface.
type Func func(ctx context.Context, kind models.TaskKind, payload map[string]any) (any, error)

func (f Func) Invoke(ctx context.Context, kind models.TaskKind, payload map[string]any) (any, error) {
	return f(ctx, kind, payload)
}

// GenerationError is a failure reported by a provider call.
type GenerationError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *GenerationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Registry dispatches invocations to the generator bound to each task kind.
type Registry struct {
	generators map[models.TaskKind]Generator
}

func NewRegistry() *Registry {
	return &Registry{generators: make(map[models.TaskKind]Generator)}
}

// Register binds a generator to a task kind. Later registrations win.
func (r *Registry) Register(kind models.TaskKind, gen Generator) {
	if !kind.Valid() || gen == nil {
		return
	}
	r.generators[kind] = gen
}

func (r *Registry) Invoke(ctx context.Context, kind models.TaskKind, payload map[string]any) (any, error) {
	gen, ok := r.generators[kind]
	if !ok {
		return nil, &GenerationError{Provider: "registry", Message: fmt.Sprintf("no provider registered for kind %q", kind)}
	}
	return gen.Invoke(ctx, kind, payload)
}
