// Package agent holds one simulated agent's kinematic state and the
// keyframe diffing that commits it to the scene.
package agent

import (
	"fmt"
	"math"

	"crowdmaster.ai/internal/sim/brain"
	"crowdmaster.ai/internal/sim/mathx"
	"crowdmaster.ai/internal/sim/model"
	"crowdmaster.ai/internal/sim/scene"
)

// DefaultEpsilon is the smallest change that gets committed.
const DefaultEpsilon = 1e-6

// Axis is one kinematic channel. Keyed is true when the previous frame
// committed a key on this axis.
type Axis struct {
	Abs   float64
	Delta float64
	Speed float64
	Keyed bool
}

// State is an agent's published buffer.
type State struct {
	ID       string     `json:"id"`
	Location mathx.Vec3 `json:"location"`
	Rotation mathx.Vec3 `json:"rotation"`
	Tags     model.Tags `json:"tags"`
}

func (s State) clone() State {
	s.Tags = s.Tags.Clone()
	return s
}

type Agent struct {
	ID         string
	Brain      brain.Brain
	Dimensions mathx.Vec3
	Radius     float64

	Rot [3]Axis
	Pos [3]Axis

	// Velocity is the world-space displacement of the last step.
	Velocity mathx.Vec3

	external State
	access   State
	agvars   map[string]float64
}

// New binds b to scene object id. It clears the object's animation and keys
// its current location and rotation at startFrame.
func New(store scene.Store, id string, b brain.Brain, tags model.Tags, startFrame int) (*Agent, error) {
	o, ok := store.Object(id)
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, scene.ErrNoObject)
	}
	a := &Agent{
		ID:         id,
		Brain:      b,
		Dimensions: o.Dimensions,
		Radius:     o.Dimensions.MaxComponent() / 2,
		agvars:     map[string]float64{},
	}
	loc, rot := o.Transform.Location, o.Transform.Rotation
	for i := 0; i < 3; i++ {
		a.Rot[i] = Axis{Abs: rot.Axis(i), Keyed: true}
		a.Pos[i] = Axis{Abs: loc.Axis(i), Keyed: true}
	}
	a.external = State{ID: id, Location: loc, Rotation: rot, Tags: tags.Clone()}
	a.access = a.external.clone()

	if err := store.ClearAnimation(id); err != nil {
		return nil, err
	}
	for i := 0; i < 3; i++ {
		if err := store.InsertKeyframe(model.Key{Object: id, Path: model.PathLocation, Index: i, Frame: startFrame, Value: loc.Axis(i)}); err != nil {
			return nil, err
		}
		if err := store.InsertKeyframe(model.Key{Object: id, Path: model.PathRotation, Index: i, Frame: startFrame, Value: rot.Axis(i)}); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Access is the state peers read this frame: what the agent published at
// the end of the previous one.
func (a *Agent) Access() State { return a.access }

func (a *Agent) Agvars() map[string]float64 { return a.agvars }

func outvar(m map[string]float64, k string) float64 {
	v := m[k]
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// Step runs the brain and accumulates its deltas. It only touches this
// agent, so steps of different agents may run concurrently.
func (a *Agent) Step() {
	a.Brain.Execute()
	out := a.Brain.Outvars()

	for i, k := range [3]string{model.OutRX, model.OutRY, model.OutRZ} {
		a.Rot[i].Delta = outvar(out, k)
		a.Rot[i].Abs += a.Rot[i].Delta + a.Rot[i].Speed
		a.Rot[i].Delta = 0
	}
	for i, k := range [3]string{model.OutPX, model.OutPY, model.OutPZ} {
		a.Pos[i].Delta = outvar(out, k)
	}

	a.external.Tags = a.Brain.Tags().Clone()
	if av := a.Brain.Agvars(); av != nil {
		a.agvars = av
	}

	move := mathx.V(a.Pos[0].Delta+a.Pos[0].Speed, a.Pos[1].Delta+a.Pos[1].Speed, a.Pos[2].Delta+a.Pos[2].Speed)
	rot := a.rotation()
	inv := mathx.RotX(-rot.X).Mul(mathx.RotY(-rot.Y)).Mul(mathx.RotZ(-rot.Z))
	a.Velocity = inv.RowApply(move)
	for i := 0; i < 3; i++ {
		a.Pos[i].Abs += a.Velocity.Axis(i)
		a.Pos[i].Delta = 0
	}
}

func (a *Agent) rotation() mathx.Vec3 { return mathx.V(a.Rot[0].Abs, a.Rot[1].Abs, a.Rot[2].Abs) }
func (a *Agent) location() mathx.Vec3 { return mathx.V(a.Pos[0].Abs, a.Pos[1].Abs, a.Pos[2].Abs) }

// Apply commits the accumulated state at frame and swaps the publish buffer
// into the read buffer. A changed axis that was not keyed on the previous
// frame first gets a hold key at frame-1 with its old value. Apply mutates
// the scene and must not run concurrently with other scene writes.
func (a *Agent) Apply(store scene.Store, frame int, eps float64) ([]model.Key, error) {
	o, ok := store.Object(a.ID)
	if !ok {
		return nil, fmt.Errorf("apply %s: %w", a.ID, scene.ErrNoObject)
	}
	if eps <= 0 {
		eps = DefaultEpsilon
	}
	t := o.Transform
	var keys []model.Key
	diff := func(path string, axes *[3]Axis, cur *mathx.Vec3) {
		for i := range axes {
			ax := &axes[i]
			old := cur.Axis(i)
			if math.Abs(ax.Abs-old) <= eps {
				ax.Keyed = false
				continue
			}
			if !ax.Keyed {
				keys = append(keys, model.Key{Object: a.ID, Path: path, Index: i, Frame: frame - 1, Value: old})
				ax.Keyed = true
			}
			*cur = cur.WithAxis(i, ax.Abs)
			keys = append(keys, model.Key{Object: a.ID, Path: path, Index: i, Frame: frame, Value: ax.Abs})
		}
	}
	diff(model.PathRotation, &a.Rot, &t.Rotation)
	diff(model.PathLocation, &a.Pos, &t.Location)

	if len(keys) > 0 {
		if err := store.SetTransform(a.ID, t); err != nil {
			return nil, err
		}
		for _, k := range keys {
			if err := store.InsertKeyframe(k); err != nil {
				return nil, err
			}
		}
	}

	a.external.Location = t.Location
	a.external.Rotation = t.Rotation
	a.access = a.external.clone()
	return keys, nil
}
