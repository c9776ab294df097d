package soar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Action is a named, reusable operation that playbook steps invoke.
// Implementations classify their failures with TransientError /
// PermanentError; unclassified errors are treated as transient.
type Action interface {
	// ID is the stable identifier steps reference in action_id.
	ID() string
	// Description is a one-line summary for listings.
	Description() string
	// InputSchema returns the JSON Schema the resolved params must
	// satisfy, or nil to skip validation.
	InputSchema() map[string]interface{}
	// DefaultTimeout bounds a single attempt when the step declares no
	// timeout of its own. Zero falls back to the engine default.
	DefaultTimeout() time.Duration
	// Execute runs the action. Input has already been template-resolved
	// and schema-validated.
	Execute(ctx context.Context, input map[string]interface{}, ec *ExecutionContext) (map[string]interface{}, error)
}

// Registry holds the set of actions available to playbooks. Lookups are
// case-sensitive. Registration happens at bootstrap; lookups happen on
// every step, so the map is guarded by a RWMutex.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
	schemas map[string]*gojsonschema.Schema
	logger  *zap.SugaredLogger
}

// NewRegistry returns an empty action registry.
func NewRegistry(logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		actions: make(map[string]Action),
		schemas: make(map[string]*gojsonschema.Schema),
		logger:  logger,
	}
}

// Register adds an action. Registering a duplicate or empty id is a
// bootstrap bug and returns an error rather than silently replacing.
func (r *Registry) Register(a Action) error {
	id := a.ID()
	if id == "" {
		return fmt.Errorf("action has an empty id")
	}

	var schema *gojsonschema.Schema
	if doc := a.InputSchema(); doc != nil {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
		if err != nil {
			return fmt.Errorf("compile input schema for action %q: %w", id, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[id]; exists {
		return fmt.Errorf("action %q is already registered", id)
	}
	r.actions[id] = a
	if schema != nil {
		r.schemas[id] = schema
	}
	r.logger.Debugw("Registered action", "action", id)
	return nil
}

// MustRegister panics on registration failure. Used at bootstrap where
// a broken action set should stop the process.
func (r *Registry) MustRegister(a Action) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

// Get returns the action for id, or ErrActionNotFound.
func (r *Registry) Get(id string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrActionNotFound, id)
	}
	return a, nil
}

// Has reports whether an action id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[id]
	return ok
}

// List returns all registered actions sorted by id.
func (r *Registry) List() []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Action, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ValidateInput checks resolved params against the action's input
// schema. Actions without a schema accept anything.
func (r *Registry) ValidateInput(id string, input map[string]interface{}) error {
	r.mu.RLock()
	schema, ok := r.schemas[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(input))
	if err != nil {
		return &SchemaError{ActionID: id, Causes: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	causes := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		causes = append(causes, desc.String())
	}
	return &SchemaError{ActionID: id, Causes: causes}
}
