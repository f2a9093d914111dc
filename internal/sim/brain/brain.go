// Package brain defines the execution contract of a per-agent behaviour
// routine and a registry mapping brain types to factories.
package brain

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"crowdmaster.ai/internal/sim/mathx"
	"crowdmaster.ai/internal/sim/model"
)

var ErrUnknownBrain = errors.New("unknown brain type")

// Brain is advanced once per frame by Execute. Tags are published to peers
// after the frame, Outvars carry the six kinematic deltas (missing keys read
// as zero) and Agvars is private working state.
type Brain interface {
	Execute()
	Tags() model.Tags
	Outvars() map[string]float64
	Agvars() map[string]float64
}

// Reader is the read side of a channel.
type Reader interface {
	Value(suffix, agent string) (float64, bool)
	Values(suffix string) map[string]float64
	Sum(suffix string) float64
	Count(suffix string) int
}

// Peer is another agent's previous-frame published state.
type Peer struct {
	ID       string
	Location mathx.Vec3
	Rotation mathx.Vec3
	Tags     model.Tags
}

// Env is what a brain may observe while executing. Everything it exposes
// reflects the previous frame.
type Env interface {
	Frame() int
	Channel(name string) (Reader, bool)
	Peer(id string) (Peer, bool)
	Self(id string) (Peer, bool)
}

// Factory compiles a brain for the agent driving scene object id.
type Factory func(id string, env Env) (Brain, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(brainType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[brainType] = f
}

func (r *Registry) Has(brainType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[brainType]
	return ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// New compiles a brain of brainType for agent id.
func (r *Registry) New(brainType, id string, env Env) (Brain, error) {
	r.mu.RLock()
	f := r.factories[brainType]
	r.mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("%w: %q for agent %s", ErrUnknownBrain, brainType, id)
	}
	return f(id, env)
}
