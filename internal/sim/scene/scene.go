// Package scene defines the contract the crowd core uses to talk to the host
// authoring tool's scene graph, plus an in-process implementation used by the
// CLI and the tests.
package scene

import (
	"errors"

	"crowdmaster.ai/internal/sim/mathx"
	"crowdmaster.ai/internal/sim/model"
)

type Kind string

const (
	KindMesh     Kind = "MESH"
	KindArmature Kind = "ARMATURE"
	KindEmpty    Kind = "EMPTY"
)

var (
	ErrNoObject = errors.New("scene: no such object")
	ErrNoGroup  = errors.New("scene: no such group")
)

type Mesh struct {
	Vertices []mathx.Vec3 // object space
	Faces    [][]int      // polygons; triangulated as fans
}

// Triangles returns the fan triangulation of every polygon in object space.
func (m *Mesh) Triangles() [][3]mathx.Vec3 {
	if m == nil {
		return nil
	}
	var out [][3]mathx.Vec3
	for _, f := range m.Faces {
		for i := 1; i+1 < len(f); i++ {
			a, b, c := f[0], f[i], f[i+1]
			if a < 0 || b < 0 || c < 0 || a >= len(m.Vertices) || b >= len(m.Vertices) || c >= len(m.Vertices) {
				continue
			}
			out = append(out, [3]mathx.Vec3{m.Vertices[a], m.Vertices[b], m.Vertices[c]})
		}
	}
	return out
}

// ChildOf rigidly attaches an object to a bone (Subtarget) of Target.
type ChildOf struct {
	Target    string
	Subtarget string
	Inverse   mathx.Mat4
}

// Deferred marks a lightweight placeholder that a later resolution pass turns
// into full geometry. Exactly one of Object or Group is set.
type Deferred struct {
	Object   string `json:"object,omitempty"`
	Group    string `json:"group,omitempty"`
	Armature string `json:"armature,omitempty"`
}

type Object struct {
	Name       string
	Kind       Kind
	Transform  model.Transform
	Dimensions mathx.Vec3
	Parent     string
	// ArmatureTarget is the armature driven by this mesh's armature
	// modifier; HasArmatureModifier reports whether the modifier exists.
	ArmatureTarget      string
	HasArmatureModifier bool

	Mesh        *Mesh
	Bones       map[string]mathx.Mat4 // pose matrices in armature space
	Constraints []ChildOf
	Deferred    *Deferred
}

// Store is the host scene collaborator. Implementations need not be
// reentrant; the crowd core serializes every mutating call.
type Store interface {
	Object(name string) (Object, bool)
	Objects() []string
	WorldMatrix(name string) (mathx.Mat4, bool)
	BonePose(armature, bone string) (mathx.Mat4, bool)

	CopyObject(src string) (string, error)
	NewEmpty(base string, t model.Transform) (string, error)
	RemoveObject(name string) error
	SetTransform(name string, t model.Transform) error
	SetParent(child, parent string) error
	SetArmatureTarget(mesh, armature string) error
	AddChildOf(child string, c ChildOf) error
	SetDeferred(name string, d *Deferred) error

	GroupExists(name string) bool
	GroupObjects(name string) []string
	GroupsOf(object string) []string
	NewGroup(name string) string
	LinkToGroup(group, object string) error
	RemoveGroup(name string, deleteObjects bool) error

	ClearAnimation(name string) error
	InsertKeyframe(k model.Key) error
	Keyframes(name string) []model.Key
}
