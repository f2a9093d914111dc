package gen

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"crowdmaster.ai/internal/sim/mathx"
	"crowdmaster.ai/internal/sim/scene"
	"crowdmaster.ai/internal/sim/spatial"
)

// Input slot names.
const (
	SlotTemplate  = "Template"
	SlotTemplate1 = "Template 1"
	SlotTemplate2 = "Template 2"
	SlotObject1   = "Object 1"
	SlotObject2   = "Object 2"
	SlotParent    = "Parent Group"
	SlotChild     = "Child Object"
	SlotObjects   = "Objects"
)

// Settings holds the configuration of every kind; each kind reads only its
// own fields.
type Settings struct {
	// object / group
	InputObject string `yaml:"input_object,omitempty"`
	InputGroup  string `yaml:"input_group,omitempty"`

	// geo_switch / template_switch
	SwitchAmount float64 `yaml:"switch_amount,omitempty"`

	// parent
	ParentTo string `yaml:"parent_to,omitempty"`

	// add_to_group
	GroupName string `yaml:"group_name,omitempty"`

	// agent
	BrainType string `yaml:"brain_type,omitempty"`
	DeferGeo  bool   `yaml:"defer_geo,omitempty"`

	// offset
	Overwrite       bool       `yaml:"overwrite,omitempty"`
	ReferenceObject string     `yaml:"reference_object,omitempty"`
	LocationOffset  mathx.Vec3 `yaml:"location_offset,omitempty"`
	RotationOffset  mathx.Vec3 `yaml:"rotation_offset,omitempty"` // degrees

	// random
	MinRandRot float64 `yaml:"min_rand_rot,omitempty"` // degrees
	MaxRandRot float64 `yaml:"max_rand_rot,omitempty"`
	MinRandSz  float64 `yaml:"min_rand_sz,omitempty"`
	MaxRandSz  float64 `yaml:"max_rand_sz,omitempty"`

	// random_positioning / formation
	NoToPlace       int     `yaml:"no_to_place,omitempty"`
	LocationType    string  `yaml:"location_type,omitempty"`
	Radius          float64 `yaml:"radius,omitempty"`
	Relax           bool    `yaml:"relax,omitempty"`
	RelaxRadius     float64 `yaml:"relax_radius,omitempty"`
	RelaxIterations int     `yaml:"relax_iterations,omitempty"`
	RowMargin       float64 `yaml:"row_margin,omitempty"`
	ColumnMargin    float64 `yaml:"column_margin,omitempty"`
	Rows            int     `yaml:"rows,omitempty"`

	// target
	TargetType        string `yaml:"target_type,omitempty"`
	TargetGroups      string `yaml:"target_groups,omitempty"`
	TargetObject      string `yaml:"target_object,omitempty"`
	OverwritePosition bool   `yaml:"overwrite_position,omitempty"`

	// obstacle
	ObstacleGroup string  `yaml:"obstacle_group,omitempty"`
	Margin        float64 `yaml:"margin,omitempty"`
	ObstacleShape string  `yaml:"obstacle_shape,omitempty"` // box (default) or sphere

	// ground
	GroundMesh string `yaml:"ground_mesh,omitempty"`

	// set_tag
	TagName  string  `yaml:"tag_name,omitempty"`
	TagValue float64 `yaml:"tag_value,omitempty"`
}

const (
	LocationRadius = "radius"
	TargetObject   = "object"
	TargetVertex   = "vertex"
	ShapeBox       = "box"
	ShapeSphere    = "sphere"
)

// Node is one instance of a generation tree node. Inputs map slot names to
// child nodes. The spatial caches are built on first use and shared by every
// later build of this node.
type Node struct {
	Name     string
	Kind     Kind
	Inputs   map[string]*Node
	Settings Settings

	obstacleOnce sync.Once
	obstacles    *spatial.Octree

	groundOnce sync.Once
	ground     *spatial.BVH
	groundErr  error
}

func NewNode(name string, kind Kind, settings Settings) *Node {
	return &Node{Name: name, Kind: kind, Settings: settings, Inputs: map[string]*Node{}}
}

// Connect wires child into the named slot and returns n.
func (n *Node) Connect(slot string, child *Node) *Node {
	if n.Inputs == nil {
		n.Inputs = map[string]*Node{}
	}
	n.Inputs[slot] = child
	return n
}

// ErrConfiguration is matched by every *ConfigError.
var ErrConfiguration = errors.New("generation tree configuration error")

type ConfigError struct {
	Node   string
	Kind   Kind
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("node %q (%s): %s", e.Node, e.Kind, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

// Check validates this node alone. It never mutates anything and may be
// called any number of times.
func (n *Node) Check(store scene.Store) bool { return n.checkReason(store) == "" }

func (n *Node) checkReason(store scene.Store) string {
	s := n.Settings
	switch n.Kind {
	case KindObject:
		if _, ok := store.Object(s.InputObject); !ok {
			return fmt.Sprintf("object %q not found", s.InputObject)
		}
	case KindGroup:
		if !store.GroupExists(s.InputGroup) {
			return fmt.Sprintf("group %q not found", s.InputGroup)
		}
	case KindGeoSwitch:
		if r := n.needGeo(SlotObject1, SlotObject2); r != "" {
			return r
		}
		return checkProbability(s.SwitchAmount)
	case KindParent:
		if r := n.needGeo(SlotParent, SlotChild); r != "" {
			return r
		}
		if strings.TrimSpace(s.ParentTo) == "" {
			return "parent_to must name a bone"
		}
	case KindAddToGroup:
		if r := n.needTemplate(SlotTemplate); r != "" {
			return r
		}
		if strings.TrimSpace(s.GroupName) == "" {
			return "group_name must not be empty"
		}
	case KindTemplateSwitch:
		if r := n.needTemplate(SlotTemplate1, SlotTemplate2); r != "" {
			return r
		}
		return checkProbability(s.SwitchAmount)
	case KindAgent:
		if r := n.needGeo(SlotObjects); r != "" {
			return r
		}
		if strings.TrimSpace(s.BrainType) == "" {
			return "brain_type must not be empty"
		}
	case KindOffset:
		if r := n.needTemplate(SlotTemplate); r != "" {
			return r
		}
		if s.ReferenceObject != "" {
			if _, ok := store.Object(s.ReferenceObject); !ok {
				return fmt.Sprintf("reference object %q not found", s.ReferenceObject)
			}
		}
	case KindRandom:
		if r := n.needTemplate(SlotTemplate); r != "" {
			return r
		}
		if s.MinRandRot > s.MaxRandRot {
			return "min_rand_rot must be <= max_rand_rot"
		}
		if s.MinRandSz <= 0 || s.MinRandSz > s.MaxRandSz {
			return "rand size range must satisfy 0 < min_rand_sz <= max_rand_sz"
		}
	case KindCombine:
		for _, slot := range n.slots() {
			if r := n.needTemplate(slot); r != "" {
				return r
			}
		}
	case KindRandomPositioning:
		if r := n.needTemplate(SlotTemplate); r != "" {
			return r
		}
		if s.NoToPlace < 0 {
			return "no_to_place must be >= 0"
		}
		if s.LocationType != "" && s.LocationType != LocationRadius {
			return fmt.Sprintf("unsupported location_type %q", s.LocationType)
		}
		if s.Radius < 0 {
			return "radius must be >= 0"
		}
		if s.Relax && (s.RelaxRadius <= 0 || s.RelaxIterations < 0) {
			return "relax needs relax_radius > 0 and relax_iterations >= 0"
		}
	case KindFormation:
		if r := n.needTemplate(SlotTemplate); r != "" {
			return r
		}
		if s.NoToPlace < 0 {
			return "no_to_place must be >= 0"
		}
		if s.Rows < 1 {
			return "rows must be >= 1"
		}
	case KindTarget:
		if r := n.needTemplate(SlotTemplate); r != "" {
			return r
		}
		switch s.TargetType {
		case TargetObject:
			if !store.GroupExists(s.TargetGroups) {
				return fmt.Sprintf("target group %q not found", s.TargetGroups)
			}
		case TargetVertex:
			o, ok := store.Object(s.TargetObject)
			if !ok {
				return fmt.Sprintf("target object %q not found", s.TargetObject)
			}
			if o.Mesh == nil {
				return fmt.Sprintf("target object %q has no mesh", s.TargetObject)
			}
		default:
			return fmt.Sprintf("unsupported target_type %q", s.TargetType)
		}
	case KindObstacle:
		if r := n.needTemplate(SlotTemplate); r != "" {
			return r
		}
		if !store.GroupExists(s.ObstacleGroup) {
			return fmt.Sprintf("obstacle group %q not found", s.ObstacleGroup)
		}
		if s.Margin < 0 {
			return "margin must be >= 0"
		}
		if s.ObstacleShape != "" && s.ObstacleShape != ShapeBox && s.ObstacleShape != ShapeSphere {
			return fmt.Sprintf("unsupported obstacle_shape %q", s.ObstacleShape)
		}
	case KindGround:
		if r := n.needTemplate(SlotTemplate); r != "" {
			return r
		}
		o, ok := store.Object(s.GroundMesh)
		if !ok {
			return fmt.Sprintf("ground mesh %q not found", s.GroundMesh)
		}
		if o.Mesh == nil {
			return fmt.Sprintf("ground object %q has no mesh", s.GroundMesh)
		}
	case KindSetTag:
		if r := n.needTemplate(SlotTemplate); r != "" {
			return r
		}
		if strings.TrimSpace(s.TagName) == "" {
			return "tag_name must not be empty"
		}
	default:
		return "unknown node kind"
	}
	return ""
}

func checkProbability(p float64) string {
	if p < 0 || p > 1 {
		return "switch_amount must be within [0, 1]"
	}
	return ""
}

func (n *Node) needGeo(slots ...string) string {
	for _, slot := range slots {
		in := n.Inputs[slot]
		if in == nil {
			return fmt.Sprintf("input %q is not connected", slot)
		}
		if !in.Kind.IsGeo() {
			return fmt.Sprintf("input %q must be a geometry node, got %s", slot, in.Kind)
		}
	}
	return ""
}

func (n *Node) needTemplate(slots ...string) string {
	for _, slot := range slots {
		in := n.Inputs[slot]
		if in == nil {
			return fmt.Sprintf("input %q is not connected", slot)
		}
		if !in.Kind.Valid() || in.Kind.IsGeo() {
			return fmt.Sprintf("input %q must be a template node, got %s", slot, in.Kind)
		}
	}
	return ""
}

// slots returns the connected slot names in lexical order.
func (n *Node) slots() []string {
	out := make([]string, 0, len(n.Inputs))
	for s := range n.Inputs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
