package model

import (
	"sort"

	"crowdmaster.ai/internal/sim/mathx"
)

// Tags is a string -> value dictionary carried by placement requests and
// published by agents each frame.
type Tags map[string]float64

func (t Tags) Clone() Tags {
	if t == nil {
		return Tags{}
	}
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// With returns a copy of t with key set to v; t itself is left untouched.
func (t Tags) With(key string, v float64) Tags {
	out := t.Clone()
	out[key] = v
	return out
}

// SortedKeys returns the keys in lexical order so iteration is reproducible.
func (t Tags) SortedKeys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type Transform struct {
	Location mathx.Vec3 `json:"location" yaml:"location"`
	Rotation mathx.Vec3 `json:"rotation" yaml:"rotation"` // radians, XYZ Euler
	Scale    float64    `json:"scale" yaml:"scale"`
}

func IdentityTransform() Transform { return Transform{Scale: 1} }

func (t Transform) Matrix() mathx.Mat4 {
	return mathx.Compose(t.Location, t.Rotation, t.Scale)
}

// Transform channel data paths.
const (
	PathLocation = "location"
	PathRotation = "rotation_euler"
)

// Key is one committed keyframe sample on a single transform channel.
type Key struct {
	Object string  `json:"object"`
	Path   string  `json:"path"`
	Index  int     `json:"index"`
	Frame  int     `json:"frame"`
	Value  float64 `json:"value"`
}

// Brain output variable names for the six kinematic deltas.
const (
	OutRX = "rx"
	OutRY = "ry"
	OutRZ = "rz"
	OutPX = "px"
	OutPY = "py"
	OutPZ = "pz"
)
