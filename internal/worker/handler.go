package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
)

// Execution is what a handler sees of the run it executes
type Execution struct {
	RunID   string
	JobName string
	Seq     int64
	Kind    domain.RunKind
	Attempt int
	Payload string
	FireAt  time.Time
}

// Decode unmarshals the JSON payload into v. An empty payload leaves v untouched.
func (e Execution) Decode(v interface{}) error {
	if e.Payload == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(e.Payload), v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}

// Handler runs the logic of a job. Returning an error fails the attempt.
// Handlers should return promptly once ctx is done; the pool does not stop
// them forcibly.
type Handler interface {
	Handle(ctx context.Context, exec Execution) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, exec Execution) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, exec Execution) error {
	return f(ctx, exec)
}

// Registry maps handler names to handlers. Definitions refer to handlers by
// name so they can be persisted and registered over the API.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to h, replacing any previous binding
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("handler name is required")
	}
	if h == nil {
		return fmt.Errorf("handler %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	return nil
}

// Get returns the handler bound to name
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrHandlerNotFound, name)
	}
	return h, nil
}

// Names lists registered handler names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
