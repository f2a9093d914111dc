package gen

import (
	"crowdmaster.ai/internal/sim/mathx"
	"crowdmaster.ai/internal/sim/model"
)

// Request is a placement request threaded down the tree. It is passed by
// value; Tags must never be mutated in place (use Tags.With).
type Request struct {
	Position mathx.Vec3
	Rotation mathx.Vec3 // radians, XYZ Euler
	Scale    float64
	Tags     model.Tags
	Group    string
}

func NewRequest(group string) Request {
	return Request{Scale: 1, Tags: model.Tags{}, Group: group}
}

// Clone returns an independent copy, including the tag map.
func (r Request) Clone() Request {
	r.Tags = r.Tags.Clone()
	return r
}

func (r Request) withPlacement(pos, rot mathx.Vec3) Request {
	out := r.Clone()
	out.Position = pos
	out.Rotation = rot
	return out
}

func (r Request) transform() model.Transform {
	return model.Transform{Location: r.Position, Rotation: r.Rotation, Scale: r.Scale}
}
