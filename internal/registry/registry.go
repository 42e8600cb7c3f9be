// Package registry holds the DAG of registered modules, their declared
// dependencies, and the topological order the orchestrator starts and stops
// them in.
package registry

import (
	"sync"
	"time"

	"github.com/skelly-jelly/core/internal/errs"
	"github.com/skelly-jelly/core/internal/schema"
)

// Registry is the module dependency DAG. Registration order is preserved as
// the tiebreak for modules with no ordering constraint between them.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	statuses map[string]*schema.ModuleStatus
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		statuses: make(map[string]*schema.ModuleStatus),
	}
}

// Register adds a module descriptor to the DAG. It fails if the name is
// already registered, a dependency is unknown, or adding the edge would
// introduce a cycle.
func (r *Registry) Register(desc schema.ModuleDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.statuses[desc.Name]; exists {
		return errs.New("registry", errs.CodeConflict, errs.WithMessage("module already registered"), errs.WithModule(desc.Name))
	}

	r.statuses[desc.Name] = &schema.ModuleStatus{
		Descriptor:     desc,
		State:          schema.ModuleUnregistered,
		LastTransition: time.Time{},
	}
	r.order = append(r.order, desc.Name)

	for _, dep := range desc.DependsOn {
		if _, ok := r.statuses[dep]; !ok && dep != desc.Name {
			delete(r.statuses, desc.Name)
			r.order = r.order[:len(r.order)-1]
			return errs.New("registry", errs.CodeNotFound, errs.WithMessage("unknown dependency "+dep), errs.WithModule(desc.Name))
		}
	}

	if cycle := r.detectCycleLocked(); cycle != nil {
		delete(r.statuses, desc.Name)
		r.order = r.order[:len(r.order)-1]
		return errs.New("registry", errs.CodeCycleDetected, errs.WithMessage("registering module would introduce a dependency cycle"), errs.WithModule(desc.Name))
	}

	r.statuses[desc.Name].State = schema.ModuleRegistered
	r.statuses[desc.Name].LastTransition = time.Now()
	return nil
}

// Status returns a copy of the module's current status.
func (r *Registry) Status(name string) (schema.ModuleStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.statuses[name]
	if !ok {
		return schema.ModuleStatus{}, false
	}
	return *st, true
}

// All returns a snapshot of every registered module's status, in
// registration order.
func (r *Registry) All() []schema.ModuleStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.ModuleStatus, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.statuses[name])
	}
	return out
}

// Transition moves a module from its current state to next, rejecting any
// edge not present in the module lifecycle state machine.
func (r *Registry) Transition(name string, next schema.ModuleState, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.statuses[name]
	if !ok {
		return errs.New("registry", errs.CodeNotFound, errs.WithMessage("unknown module"), errs.WithModule(name))
	}
	if !st.State.CanTransition(next) {
		return errs.New("registry", errs.CodeConflict,
			errs.WithMessage("illegal module state transition"),
			errs.WithModule(name),
			errs.WithField("from", string(st.State)),
			errs.WithField("to", string(next)))
	}
	st.State = next
	st.LastTransition = time.Now()
	if next == schema.ModuleDegraded {
		st.DegradedSince = st.LastTransition
	}
	if reason != "" {
		st.LastError = reason
	}
	return nil
}

// StartOrder returns module names in a topological order consistent with
// DependsOn, using declaration order as the stable tiebreak (Kahn's
// algorithm with a FIFO-ordered ready set).
func (r *Registry) StartOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topoSortLocked()
}

// StopOrder is the reverse of StartOrder: dependents stop before their dependencies.
func (r *Registry) StopOrder() []string {
	order := r.StartOrder()
	reversed := make([]string, len(order))
	for i, name := range order {
		reversed[len(order)-1-i] = name
	}
	return reversed
}

// Descendants returns every module that transitively depends on name,
// in depth-first order, for cascading-degrade propagation.
func (r *Registry) Descendants(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dependents := make(map[string][]string)
	for _, n := range r.order {
		for _, dep := range r.statuses[n].Descriptor.DependsOn {
			dependents[dep] = append(dependents[dep], n)
		}
	}

	seen := make(map[string]bool)
	var out []string
	var visit func(string)
	visit = func(cur string) {
		for _, child := range dependents[cur] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			visit(child)
		}
	}
	visit(name)
	return out
}

func (r *Registry) topoSortLocked() []string {
	indegree := make(map[string]int, len(r.order))
	for _, name := range r.order {
		indegree[name] = len(r.statuses[name].Descriptor.DependsOn)
	}

	dependents := make(map[string][]string)
	for _, name := range r.order {
		for _, dep := range r.statuses[name].Descriptor.DependsOn {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for _, name := range r.order {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	var out []string
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		out = append(out, next)

		for _, child := range dependents[next] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	return out
}

// detectCycleLocked reports the first module name found to participate in a
// cycle, or nil if the DAG is currently acyclic.
func (r *Registry) detectCycleLocked() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(r.order))
	var cyclic []string

	var visit func(string) bool
	visit = func(name string) bool {
		color[name] = gray
		for _, dep := range r.statuses[name].Descriptor.DependsOn {
			switch color[dep] {
			case gray:
				cyclic = append(cyclic, dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[name] = black
		return false
	}

	for _, name := range r.order {
		if color[name] == white {
			if visit(name) {
				return cyclic
			}
		}
	}
	return nil
}
