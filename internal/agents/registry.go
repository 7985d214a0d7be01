package agents

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pageforge/pageforge/agent-engine/pkg/contracts"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// ErrAgentNotFound is returned by GetInstance for unknown ids.
type ErrAgentNotFound struct {
	ID string
}

func (e *ErrAgentNotFound) Error() string {
	return fmt.Sprintf("agent %q is not registered", e.ID)
}

// Registry holds the live agent instances for this process. Instances are
// registered once at activation and owned by the registry until
// deactivation.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]contracts.Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]contracts.Agent)}
}

// Register adds or replaces an agent instance.
func (r *Registry) Register(agent contracts.Agent) {
	r.mu.Lock()
	r.agents[agent.ID()] = agent
	r.mu.Unlock()
	log.Info().Str("agent_id", agent.ID()).Msg("Agent registered")
}

// Unregister removes an agent instance. Missing ids are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.agents, id)
	r.mu.Unlock()
}

// GetInstance returns the shared instance for the agent id.
func (r *Registry) GetInstance(id string) (contracts.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, &ErrAgentNotFound{ID: id}
	}
	return agent, nil
}

// GetAccessibleInstances returns the agents the identity may converse
// with, filtered by each agent's required-capability set and sorted by id
// for stable catalogs.
func (r *Registry) GetAccessibleInstances(identity models.Identity) []contracts.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []contracts.Agent
	for _, agent := range r.agents {
		if accessible(agent, identity) {
			out = append(out, agent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func accessible(agent contracts.Agent, identity models.Identity) bool {
	for _, cap := range agent.RequiredCapabilities() {
		if !identity.HasCapability(cap) {
			return false
		}
	}
	return true
}
