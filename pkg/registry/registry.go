// Package registry tracks registered subsystems, their dependency order and
// the orchestrator-owned state table.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	werrors "github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/subsystem"
)

// Registry holds subsystem specs and their current states. It is safe for
// concurrent use; reads return copies.
type Registry struct {
	mu     sync.RWMutex
	specs  map[string]subsystem.Spec
	order  []string
	states map[string]*subsystem.State
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		specs:  make(map[string]subsystem.Spec),
		states: make(map[string]*subsystem.State),
	}
}

// Register adds a spec. The subsystem starts Offline.
func (r *Registry) Register(spec subsystem.Spec) error {
	if spec.Name == "" {
		return werrors.NewConfigError("name", "subsystem name must not be empty")
	}
	if spec.Subsystem == nil {
		return werrors.NewConfigError(spec.Name, "subsystem implementation is nil")
	}
	if spec.Weight < 0 {
		return werrors.NewConfigError(spec.Name+".weight", "must be non-negative")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.specs[spec.Name]; dup {
		return werrors.NewConfigError(spec.Name, "duplicate subsystem")
	}
	if spec.Weight == 0 {
		spec.Weight = 1
	}
	r.specs[spec.Name] = spec
	r.order = append(r.order, spec.Name)
	r.states[spec.Name] = &subsystem.State{
		Name:       spec.Name,
		Kind:       spec.Kind,
		Critical:   spec.Critical,
		Weight:     spec.Weight,
		Status:     subsystem.StatusOffline,
		LastUpdate: time.Now(),
	}
	return nil
}

// Reset removes every registration.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = make(map[string]subsystem.Spec)
	r.states = make(map[string]*subsystem.State)
	r.order = nil
}

// Spec returns the registered spec for name.
func (r *Registry) Spec(name string) (subsystem.Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// Specs returns all specs in registration order.
func (r *Registry) Specs() []subsystem.Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]subsystem.Spec, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.specs[n])
	}
	return out
}

// Len returns the number of registered subsystems.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}

// Validate checks that every dependency is registered and that the
// dependency graph is acyclic.
func (r *Registry) Validate() error {
	_, err := r.StartOrder()
	return err
}

// StartOrder groups subsystems into tiers that can start concurrently. A
// subsystem's tier is its dependency depth; within a tier critical subsystems
// come first, then lower declared Tier, then name.
func (r *Registry) StartOrder() ([][]subsystem.Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		for _, dep := range r.specs[name].DependsOn {
			if _, ok := r.specs[dep]; !ok {
				return nil, werrors.NewConfigError(name+".depends_on", "unknown dependency %q", dep)
			}
			if dep == name {
				return nil, werrors.NewConfigError(name+".depends_on", "subsystem depends on itself")
			}
		}
	}

	depth := make(map[string]int, len(r.specs))
	const (
		unvisited = iota
		visiting
		done
	)
	mark := make(map[string]int, len(r.specs))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch mark[name] {
		case done:
			return nil
		case visiting:
			return werrors.NewConfigError(name+".depends_on", "dependency cycle: %s -> %s", strings.Join(path, " -> "), name)
		}
		mark[name] = visiting
		path = append(path, name)
		d := 0
		for _, dep := range r.specs[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		path = path[:len(path)-1]
		mark[name] = done
		depth[name] = d
		return nil
	}

	names := append([]string(nil), r.order...)
	sort.Strings(names)
	maxDepth := 0
	for _, n := range names {
		if err := visit(n); err != nil {
			return nil, err
		}
		if depth[n] > maxDepth {
			maxDepth = depth[n]
		}
	}

	tiers := make([][]subsystem.Spec, maxDepth+1)
	for _, n := range names {
		tiers[depth[n]] = append(tiers[depth[n]], r.specs[n])
	}
	for _, tier := range tiers {
		sort.SliceStable(tier, func(i, j int) bool {
			a, b := tier[i], tier[j]
			if a.Critical != b.Critical {
				return a.Critical
			}
			if a.Tier != b.Tier {
				return a.Tier < b.Tier
			}
			return a.Name < b.Name
		})
	}
	return tiers, nil
}

// ShutdownOrder is the reverse of StartOrder.
func (r *Registry) ShutdownOrder() ([][]subsystem.Spec, error) {
	tiers, err := r.StartOrder()
	if err != nil {
		return nil, err
	}
	out := make([][]subsystem.Spec, 0, len(tiers))
	for i := len(tiers) - 1; i >= 0; i-- {
		tier := append([]subsystem.Spec(nil), tiers[i]...)
		for a, b := 0, len(tier)-1; a < b; a, b = a+1, b-1 {
			tier[a], tier[b] = tier[b], tier[a]
		}
		out = append(out, tier)
	}
	return out, nil
}

// Dependents returns every subsystem that transitively depends on name.
func (r *Registry) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{}
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range r.order {
			if seen[n] {
				continue
			}
			for _, dep := range r.specs[n].DependsOn {
				if dep == cur {
					seen[n] = true
					queue = append(queue, n)
					break
				}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// State returns a copy of one subsystem's state.
func (r *Registry) State(name string) (subsystem.State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[name]
	if !ok {
		return subsystem.State{}, false
	}
	return *st, true
}

// States returns copies of all states in registration order.
func (r *Registry) States() []subsystem.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]subsystem.State, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, *r.states[n])
	}
	return out
}

// Update applies fn to the named state under the write lock and returns the
// state before and after. LastUpdate is refreshed.
func (r *Registry) Update(name string, fn func(*subsystem.State)) (before, after subsystem.State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[name]
	if !ok {
		return before, after, fmt.Errorf("%w: %s", werrors.ErrSubsystemNotFound, name)
	}
	before = *st
	fn(st)
	st.Health = clamp01(st.Health)
	st.LastUpdate = time.Now()
	return before, *st, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
