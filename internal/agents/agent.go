// Package agents defines the analysis-agent capability used by the
// orchestrator. Agents are interchangeable strategy objects over one
// interface: submit incident context, receive a finding. The registry lets
// agents be added or removed without touching orchestration logic.
package agents

import (
	"context"

	"github.com/halcyonlabs/sentinel/internal/incident"
	"github.com/halcyonlabs/sentinel/internal/intel"
)

// Context is the evidence an agent analyzes: the normalized incident plus the
// threat-intel assessment of its indicators.
type Context struct {
	Incident *incident.Incident
	Intel    *intel.Assessment
}

// Agent is one specialized analysis capability.
type Agent interface {
	Name() string
	Analyze(ctx context.Context, ac *Context) (*incident.AgentFinding, error)
}

// Registry holds available agents in registration order.
type Registry struct {
	agents map[string]Agent
	order  []string
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent to the registry, keyed by its Name. Re-registering
// a name replaces the agent but keeps its position.
func (r *Registry) Register(a Agent) {
	if _, ok := r.agents[a.Name()]; !ok {
		r.order = append(r.order, a.Name())
	}
	r.agents[a.Name()] = a
}

// Get retrieves an agent by name.
func (r *Registry) Get(name string) (Agent, bool) {
	a, ok := r.agents[name]
	return a, ok
}

// All returns the registered agents in registration order.
func (r *Registry) All() []Agent {
	out := make([]Agent, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name])
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int { return len(r.agents) }
