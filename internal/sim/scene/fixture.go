package scene

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"crowdmaster.ai/internal/sim/mathx"
	"crowdmaster.ai/internal/sim/model"
)

// Fixture is the YAML description of a scene used to seed a Memory store.
type Fixture struct {
	Objects []ObjectSpec `yaml:"objects"`
	Groups  []GroupSpec  `yaml:"groups"`
}

type ObjectSpec struct {
	Name       string              `yaml:"name"`
	Kind       string              `yaml:"kind"`
	Location   [3]float64          `yaml:"location"`
	Rotation   [3]float64          `yaml:"rotation"` // degrees
	Scale      float64             `yaml:"scale"`
	Dimensions *[3]float64         `yaml:"dimensions,omitempty"`
	Parent     string              `yaml:"parent,omitempty"`
	Armature   string              `yaml:"armature,omitempty"`
	Mesh       *MeshSpec           `yaml:"mesh,omitempty"`
	Bones      map[string]BoneSpec `yaml:"bones,omitempty"`
}

type MeshSpec struct {
	Vertices [][3]float64 `yaml:"vertices"`
	Faces    [][]int      `yaml:"faces"`
}

type BoneSpec struct {
	Location [3]float64 `yaml:"location"`
	Rotation [3]float64 `yaml:"rotation"` // degrees
	Scale    float64    `yaml:"scale"`
}

type GroupSpec struct {
	Name    string   `yaml:"name"`
	Objects []string `yaml:"objects"`
}

func LoadFixture(path string) (*Memory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFixture(b)
}

func ParseFixture(b []byte) (*Memory, error) {
	var fx Fixture
	if err := yaml.Unmarshal(b, &fx); err != nil {
		return nil, fmt.Errorf("scene fixture: %w", err)
	}
	m := NewMemory()
	for _, spec := range fx.Objects {
		o, err := spec.object()
		if err != nil {
			return nil, fmt.Errorf("scene fixture: %w", err)
		}
		m.Add(o)
	}
	for _, g := range fx.Groups {
		if strings.TrimSpace(g.Name) == "" {
			return nil, fmt.Errorf("scene fixture: group name must not be empty")
		}
		for _, n := range g.Objects {
			if _, ok := m.Object(n); !ok {
				return nil, fmt.Errorf("scene fixture: group %s: unknown object %s", g.Name, n)
			}
		}
		m.AddGroup(g.Name, g.Objects...)
	}
	return m, nil
}

func vec(a [3]float64) mathx.Vec3 { return mathx.V(a[0], a[1], a[2]) }

func (s ObjectSpec) object() (Object, error) {
	if strings.TrimSpace(s.Name) == "" {
		return Object{}, fmt.Errorf("object name must not be empty")
	}
	kind := Kind(strings.ToUpper(strings.TrimSpace(s.Kind)))
	switch kind {
	case "":
		kind = KindMesh
	case KindMesh, KindArmature, KindEmpty:
	default:
		return Object{}, fmt.Errorf("object %s: unknown kind %q", s.Name, s.Kind)
	}
	scale := s.Scale
	if scale == 0 {
		scale = 1
	}
	o := Object{
		Name: s.Name,
		Kind: kind,
		Transform: model.Transform{
			Location: vec(s.Location),
			Rotation: mathx.RadiansVec(vec(s.Rotation)),
			Scale:    scale,
		},
		Parent: s.Parent,
	}
	if s.Armature != "" {
		o.ArmatureTarget = s.Armature
		o.HasArmatureModifier = true
	}
	if s.Mesh != nil {
		mesh := &Mesh{Faces: s.Mesh.Faces}
		for _, v := range s.Mesh.Vertices {
			mesh.Vertices = append(mesh.Vertices, vec(v))
		}
		o.Mesh = mesh
	}
	if len(s.Bones) > 0 {
		o.Bones = make(map[string]mathx.Mat4, len(s.Bones))
		for name, b := range s.Bones {
			bs := b.Scale
			if bs == 0 {
				bs = 1
			}
			o.Bones[name] = mathx.Compose(vec(b.Location), mathx.RadiansVec(vec(b.Rotation)), bs)
		}
	}
	switch {
	case s.Dimensions != nil:
		o.Dimensions = vec(*s.Dimensions)
	case o.Mesh != nil && len(o.Mesh.Vertices) > 0:
		lo, hi := o.Mesh.Vertices[0], o.Mesh.Vertices[0]
		for _, v := range o.Mesh.Vertices[1:] {
			lo, hi = lo.Min(v), hi.Max(v)
		}
		o.Dimensions = hi.Sub(lo).Scale(scale)
	}
	return o, nil
}
