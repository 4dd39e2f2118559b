package agents

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexcodex/dbtmigrate/framework"
)

// ErrAgentNotFound indicates lookup failure.
var ErrAgentNotFound = errors.New("agent not found")

// Deps are the collaborators shared by the default agents.
type Deps struct {
	Reasoner   framework.Reasoner
	Compiler   framework.Compiler
	Comparator framework.Comparator
	Writer     *ProjectWriter
	Logger     zerolog.Logger
}

// Registry maps each role to the agent that plays it.
type Registry struct {
	mu     sync.RWMutex
	agents map[framework.Role]framework.Agent
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[framework.Role]framework.Agent)}
}

// DefaultRegistry wires the six built-in agents around deps.
func DefaultRegistry(deps Deps) (*Registry, error) {
	if deps.Reasoner == nil {
		deps.Reasoner = NewRuleReasoner(nil)
	}
	if deps.Writer == nil {
		deps.Writer = NewProjectWriter("")
	}
	if deps.Compiler == nil {
		return nil, &framework.ConfigurationError{Field: "compiler", Reason: "missing"}
	}
	if deps.Comparator == nil {
		return nil, &framework.ConfigurationError{Field: "comparator", Reason: "missing"}
	}
	renderer := &Renderer{Reasoner: deps.Reasoner}
	logger := func(role framework.Role) zerolog.Logger {
		return deps.Logger.With().Str("agent", string(role)).Logger()
	}
	r := NewRegistry()
	for _, agent := range []framework.Agent{
		&AssessmentAgent{Reasoner: deps.Reasoner, Logger: logger(framework.RoleAssessment)},
		&PlannerAgent{Logger: logger(framework.RolePlanner)},
		&ExecutorAgent{Writer: deps.Writer, Renderer: renderer, Logger: logger(framework.RoleExecutor)},
		&TesterAgent{Compiler: deps.Compiler, Logger: logger(framework.RoleTester)},
		&RebuilderAgent{Writer: deps.Writer, Renderer: renderer, Reasoner: deps.Reasoner, Logger: logger(framework.RoleRebuilder)},
		&EvaluatorAgent{Comparator: deps.Comparator, Logger: logger(framework.RoleEvaluator)},
	} {
		if err := r.Register(agent); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces the agent for its role.
func (r *Registry) Register(agent framework.Agent) error {
	if agent == nil {
		return errors.New("agent required")
	}
	role := agent.Role()
	if !role.Valid() {
		return &framework.ConfigurationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[role] = agent
	return nil
}

// Get retrieves the agent for role.
func (r *Registry) Get(role framework.Role) (framework.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, role)
	}
	return agent, nil
}

// Validate confirms every role has an agent.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, role := range framework.Roles {
		if _, ok := r.agents[role]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrAgentNotFound, role))
		}
	}
	return errors.Join(errs...)
}

// AgentSummary is a lightweight view of a registered agent.
type AgentSummary struct {
	Role framework.Role
	Type string
}

// List returns summaries in pipeline order.
func (r *Registry) List() []AgentSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentSummary, 0, len(r.agents))
	for _, role := range framework.Roles {
		agent, ok := r.agents[role]
		if !ok {
			continue
		}
		t := reflect.TypeOf(agent)
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		out = append(out, AgentSummary{Role: role, Type: t.Name()})
	}
	return out
}
