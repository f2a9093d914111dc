// Package crowd is the host-facing facade over generation and simulation.
// Every call is serialized; builds additionally exclude in-flight steps.
package crowd

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync"

	"crowdmaster.ai/internal/sim/brain"
	"crowdmaster.ai/internal/sim/engine"
	"crowdmaster.ai/internal/sim/gen"
	"crowdmaster.ai/internal/sim/groups"
	"crowdmaster.ai/internal/sim/scene"
	"crowdmaster.ai/internal/sim/tuning"
)

// RunRecorder receives the report of every completed generation run.
type RunRecorder interface {
	RecordRun(r gen.Report) error
}

type Deps struct {
	Scene  scene.Store
	Brains *brain.Registry
	Clock  engine.Clock
	Logger *log.Logger
	Sinks  []engine.FrameSink
	Runs   []RunRecorder
}

type Crowd struct {
	cfg    tuning.Tuning
	store  scene.Store
	groups *groups.Registry
	brains *brain.Registry
	clock  engine.Clock
	log    *log.Logger
	sinks  []engine.FrameSink
	runs   []RunRecorder

	mu  sync.Mutex
	rng *rand.Rand
	sim *engine.Engine
}

// New wires a facade. Brains default to the rule brains declared in cfg.
func New(cfg tuning.Tuning, deps Deps) (*Crowd, error) {
	if deps.Scene == nil {
		return nil, errors.New("crowd: scene store is required")
	}
	brains := deps.Brains
	if brains == nil {
		var err error
		brains, err = brain.RegistryFromSpecs(cfg.Brains)
		if err != nil {
			return nil, fmt.Errorf("crowd: %w", err)
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Crowd{
		cfg:    cfg,
		store:  deps.Scene,
		groups: groups.NewRegistry(),
		brains: brains,
		clock:  deps.Clock,
		log:    logger,
		sinks:  deps.Sinks,
		runs:   deps.Runs,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

func (c *Crowd) Groups() *groups.Registry { return c.groups }

// Engine returns the engine of the current or last simulation, or nil.
func (c *Crowd) Engine() *engine.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sim
}

// exclusive runs fn so that it never overlaps a simulation step.
func (c *Crowd) exclusive(fn func() error) error {
	if c.sim != nil {
		return c.sim.Exclusive(fn)
	}
	return fn()
}

// BuildFromTree validates and runs tree once with req. An empty request
// group targets the configured root group.
func (c *Crowd) BuildFromTree(tree *gen.Tree, req gen.Request) (gen.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req.Group == "" {
		req.Group = c.cfg.RootGroup
	}
	var rep gen.Report
	err := c.exclusive(func() error {
		var err error
		rep, err = tree.Build(gen.Env{Scene: c.store, Groups: c.groups, Rand: c.rng}, req)
		return err
	})
	if err != nil {
		return rep, err
	}
	c.log.Printf("build %s: %d agents, %d dropped, %d objects, %d deferred", rep.RunID, rep.Agents, rep.Dropped, rep.Geometry, rep.Deferred)
	for _, r := range c.runs {
		if err := r.RecordRun(rep); err != nil {
			c.log.Printf("build %s: record: %v", rep.RunID, err)
		}
	}
	return rep, nil
}

// ResetGroup discards the generated state of the named group.
func (c *Crowd) ResetGroup(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exclusive(func() error { return c.groups.Reset(name, c.store) })
}

// AddManualAgents registers existing scene objects as a manual group.
func (c *Crowd) AddManualAgents(group, brainType string, objects []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range objects {
		if _, ok := c.store.Object(o); !ok {
			return fmt.Errorf("manual agent %s: %w", o, scene.ErrNoObject)
		}
	}
	return c.groups.AddManualAgents(group, brainType, objects)
}

// ResolveDeferred runs the deferred-geometry pass over the whole scene.
func (c *Crowd) ResolveDeferred() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	err := c.exclusive(func() error {
		var err error
		n, err = gen.ResolveDeferred(c.store)
		return err
	})
	return n, err
}

// StartSimulation stops any running simulation and starts a fresh one over
// the current groups.
func (c *Crowd) StartSimulation() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sim != nil {
		if err := c.sim.Stop(); err != nil && !errors.Is(err, engine.ErrNotRunning) {
			return err
		}
	}
	c.sim = engine.New(engine.Config{
		FrameStart: c.cfg.FrameStart,
		Epsilon:    c.cfg.Epsilon,
		Workers:    c.cfg.Workers,
		Debug:      c.cfg.Debug,
	}, engine.Deps{
		Scene:  c.store,
		Groups: c.groups,
		Brains: c.brains,
		Clock:  c.clock,
		Logger: c.log,
		Sinks:  c.sinks,
	})
	return c.sim.Start()
}

// StopSimulation is a no-op when nothing is running.
func (c *Crowd) StopSimulation() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sim == nil {
		return nil
	}
	if err := c.sim.Stop(); err != nil && !errors.Is(err, engine.ErrNotRunning) {
		return err
	}
	return nil
}

// StepOnce steps frame on the running simulation regardless of the guard.
func (c *Crowd) StepOnce(frame int) error {
	c.mu.Lock()
	sim := c.sim
	c.mu.Unlock()
	if sim == nil {
		return engine.ErrNotRunning
	}
	return sim.StepOnce(frame)
}
