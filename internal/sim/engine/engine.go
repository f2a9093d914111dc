// Package engine runs the per-frame crowd simulation: it owns the agent
// roster and the channel set and steps them in four strict phases.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"crowdmaster.ai/internal/sim/agent"
	"crowdmaster.ai/internal/sim/brain"
	"crowdmaster.ai/internal/sim/channel"
	"crowdmaster.ai/internal/sim/groups"
	"crowdmaster.ai/internal/sim/model"
	"crowdmaster.ai/internal/sim/scene"
	"crowdmaster.ai/internal/sim/timeline"
)

var (
	ErrNotRunning     = errors.New("simulation is not running")
	ErrAlreadyRunning = errors.New("simulation is already running")
)

type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Clock delivers frame-advance notifications. SetFrame moves the current
// frame and notifies every subscriber.
type Clock interface {
	Subscribe(h timeline.Handler) int
	Unsubscribe(id int)
	SetFrame(frame int)
}

type Config struct {
	FrameStart int
	Epsilon    float64
	// Workers bounds phase-2 parallelism; <= 0 uses every CPU.
	Workers int
	Debug   bool
}

type Deps struct {
	Scene  scene.Store
	Groups *groups.Registry
	Brains *brain.Registry
	Clock  Clock
	Logger *log.Logger
	Sinks  []FrameSink
}

type Stats struct {
	Frames  int           `json:"frames"`
	Skipped int           `json:"skipped"`
	Keys    int           `json:"keys"`
	Total   time.Duration `json:"total"`
}

func (s Stats) SecondsPerFrame() float64 {
	if s.Frames == 0 {
		return 0
	}
	return s.Total.Seconds() / float64(s.Frames)
}

type Engine struct {
	cfg    Config
	store  scene.Store
	groups *groups.Registry
	brains *brain.Registry
	clock  Clock
	log    *log.Logger

	// mu serializes steps with start, stop and Exclusive callers.
	mu        sync.Mutex
	state     State
	subID     int
	runID     string
	agents    []*agent.Agent
	byID      map[string]*agent.Agent
	channels  *channel.Set
	frameLast int
	frame     int
	sinks     []FrameSink
	stats     Stats
}

func New(cfg Config, deps Deps) *Engine {
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = agent.DefaultEpsilon
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	reg := deps.Groups
	if reg == nil {
		reg = groups.NewRegistry()
	}
	brains := deps.Brains
	if brains == nil {
		brains = brain.NewRegistry()
	}
	return &Engine{
		cfg:      cfg,
		store:    deps.Scene,
		groups:   reg,
		brains:   brains,
		clock:    deps.Clock,
		log:      logger,
		sinks:    append([]FrameSink(nil), deps.Sinks...),
		channels: channel.NewSet(),
	}
}

// AddSink registers s for every frame stepped from now on.
func (e *Engine) AddSink(s FrameSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Exclusive runs fn while no step can be in flight.
func (e *Engine) Exclusive(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}

// Start captures the roster from every group, rewinds the clock to the start
// frame and subscribes to it. Agents whose brain type is unknown are logged
// and skipped.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Running {
		return ErrAlreadyRunning
	}
	e.agents = nil
	e.byID = map[string]*agent.Agent{}
	e.channels = channel.NewSet()
	e.stats = Stats{}
	e.frameLast = e.cfg.FrameStart
	e.frame = e.cfg.FrameStart
	e.runID = uuid.NewString()
	env := &view{e: e}

	for _, g := range e.groups.All() {
		for _, at := range g.AgentTypes {
			for _, m := range at.Agents {
				if _, dup := e.byID[m.Name]; dup {
					continue
				}
				b, err := e.brains.New(at.Name, m.Name, env)
				if err != nil {
					e.log.Printf("skip agent %s in %s: %v", m.Name, g.Name, err)
					continue
				}
				a, err := agent.New(e.store, m.Name, b, m.Tags, e.cfg.FrameStart)
				if err != nil {
					e.log.Printf("skip agent %s in %s: %v", m.Name, g.Name, err)
					continue
				}
				e.agents = append(e.agents, a)
				e.byID[a.ID] = a
			}
		}
	}
	if e.clock != nil {
		// Rewind before subscribing so the move back is not seen as a skip.
		e.clock.SetFrame(e.cfg.FrameStart)
		e.subID = e.clock.Subscribe(e.onFrame)
	}
	e.state = Running
	if e.cfg.Debug {
		e.log.Printf("simulation %s started with %d agents at frame %d", e.runID, len(e.agents), e.cfg.FrameStart)
	}
	return nil
}

// Stop unsubscribes from the clock. A step already in flight finishes first.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running {
		return ErrNotRunning
	}
	if e.clock != nil {
		e.clock.Unsubscribe(e.subID)
	}
	e.state = Idle
	if e.cfg.Debug {
		e.log.Printf("simulation %s stopped after %d frames (%.4f spf)", e.runID, e.stats.Frames, e.stats.SecondsPerFrame())
	}
	return nil
}

func (e *Engine) onFrame(frame int) {
	if _, err := e.OnFrame(frame); err != nil && !errors.Is(err, ErrNotRunning) {
		e.log.Printf("frame %d: %v", frame, err)
	}
}

// OnFrame is the frame-advance guard. It steps only when frame is exactly
// one past the last frame seen; any other change is recorded and skipped.
// Jumps are never caught up and stepping backwards is not supported.
func (e *Engine) OnFrame(frame int) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running {
		return false, ErrNotRunning
	}
	last := e.frameLast
	e.frameLast = frame
	if frame != last+1 {
		e.stats.Skipped++
		return false, nil
	}
	return true, e.stepLocked(frame)
}

// StepOnce steps frame unconditionally.
func (e *Engine) StepOnce(frame int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running {
		return ErrNotRunning
	}
	e.frameLast = frame
	return e.stepLocked(frame)
}

func (e *Engine) stepLocked(frame int) error {
	start := time.Now()
	e.frame = frame

	// Phase 1: last frame's published tags into the channels.
	regs := 0
	for _, a := range e.agents {
		tags := a.Access().Tags
		for _, k := range tags.SortedKeys() {
			regs += e.channels.Dispatch(a.ID, k, tags[k])
		}
	}

	// Phase 2: brains and kinematics. Peers are only visible through their
	// access buffers, which nothing writes until phase 3.
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(max(1, min(e.cfg.Workers, len(e.agents))))
	for _, a := range e.agents {
		a := a
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("agent %s: brain panic: %v", a.ID, r)
				}
			}()
			a.Step()
			return nil
		})
	}
	stepErr := g.Wait()
	if stepErr != nil {
		e.log.Printf("frame %d: %v", frame, stepErr)
	}

	// Phase 3: sequential scene writes and buffer swap.
	var keys []model.Key
	var applyErr error
	for _, a := range e.agents {
		k, err := a.Apply(e.store, frame, e.cfg.Epsilon)
		if err != nil {
			e.log.Printf("frame %d: %v", frame, err)
			applyErr = errors.Join(applyErr, err)
			continue
		}
		keys = append(keys, k...)
	}

	// Phase 4.
	e.channels.NewFrame()

	elapsed := time.Since(start)
	e.stats.Frames++
	e.stats.Keys += len(keys)
	e.stats.Total += elapsed
	if e.cfg.Debug {
		e.log.Printf("frame %d: %d agents, %d registrations, %d keys, %.4fs (%.4f spf)",
			frame, len(e.agents), regs, len(keys), elapsed.Seconds(), e.stats.SecondsPerFrame())
	}
	e.emit(e.snapshot(frame, keys, regs, elapsed))
	return errors.Join(stepErr, applyErr)
}

// Agents returns the read buffers of the roster in roster order.
func (e *Engine) Agents() []agent.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]agent.State, 0, len(e.agents))
	for _, a := range e.agents {
		out = append(out, a.Access())
	}
	return out
}

// view is the brain.Env handed to every brain of a run.
type view struct{ e *Engine }

func (v *view) Frame() int { return v.e.frame }

func (v *view) Channel(name string) (brain.Reader, bool) {
	c, ok := v.e.channels.Get(name)
	if !ok {
		return nil, false
	}
	return c, true
}

func (v *view) Peer(id string) (brain.Peer, bool) {
	a := v.e.byID[id]
	if a == nil {
		return brain.Peer{}, false
	}
	s := a.Access()
	return brain.Peer{ID: s.ID, Location: s.Location, Rotation: s.Rotation, Tags: s.Tags}, true
}

func (v *view) Self(id string) (brain.Peer, bool) { return v.Peer(id) }
