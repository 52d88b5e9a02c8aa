package service

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/hherb/bmlibrarian-orchestrator/pkg/models"
)

// OperationFunc is one invokable operation on an agent. Parameters and results
// are JSON-serializable mappings; anything else an agent computes is its own
// business.
type OperationFunc func(ctx context.Context, params models.Params) (models.Params, error)

// Handler is the capability an agent exposes to the worker pool: operation
// lookup by name. No inheritance is required; OperationMap is the common
// implementation.
type Handler interface {
	ResolveOperation(name string) (OperationFunc, bool)
}

// OperationMap adapts a plain map of named operations into a Handler.
type OperationMap map[string]OperationFunc

func (m OperationMap) ResolveOperation(name string) (OperationFunc, bool) {
	fn, ok := m[name]
	return fn, ok
}

// AgentRegistry binds agent-type names to handlers. Registering an existing
// name replaces the previous handler, mirroring task re-registration.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]Handler
}

func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]Handler)}
}

func (r *AgentRegistry) Register(agentType string, handler Handler) error {
	if agentType == "" {
		return errors.New("empty agent type")
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	r.mu.Lock()
	r.agents[agentType] = handler
	r.mu.Unlock()
	return nil
}

func (r *AgentRegistry) Resolve(agentType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.agents[agentType]
	return h, ok
}

// Types returns the registered agent-type names.
func (r *AgentRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.agents))
	for name := range r.agents {
		types = append(types, name)
	}
	return types
}
